// Package hoststate mirrors the host's tab and window state so events can be
// re-validated right before they are dispatched.
package hoststate

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/g960059/tabtime/internal/model"
)

var ErrNotFound = errors.New("host object not found")

// Querier is the host query surface used for re-validation.
type Querier interface {
	GetTab(ctx context.Context, id model.TabID) (model.Tab, error)
	ActiveTab(ctx context.Context, windowID model.WindowID) (model.Tab, error)
	WindowExists(ctx context.Context, windowID model.WindowID) (bool, error)
	FocusedWindow(ctx context.Context) (model.WindowID, error)
}

// Snapshot is a full view of the host, as pushed by PUT /v1/tabs.
type Snapshot struct {
	Tabs          []model.Tab
	FocusedWindow model.WindowID
}

type Mirror struct {
	mu      sync.RWMutex
	tabs    map[model.TabID]model.Tab
	active  map[model.WindowID]model.TabID
	windows map[model.WindowID]struct{}
	focused model.WindowID
}

func NewMirror() *Mirror {
	return &Mirror{
		tabs:    map[model.TabID]model.Tab{},
		active:  map[model.WindowID]model.TabID{},
		windows: map[model.WindowID]struct{}{},
		focused: model.WindowNone,
	}
}

// Apply folds one event into the mirror. It runs at receipt time, before
// debounce, so validation sees the newest host state.
func (m *Mirror) Apply(ev model.CanonicalEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Kind {
	case model.EventTabActivated:
		id := model.TabID(ev.SubjectID)
		tab := m.tabs[id]
		tab.ID = id
		if ev.WindowID != model.WindowNone {
			tab.WindowID = ev.WindowID
		}
		m.activateLocked(tab)
	case model.EventTabUpdated:
		id := model.TabID(ev.SubjectID)
		tab, ok := m.tabs[id]
		if snap := ev.Detail.Tab; snap != nil {
			tab = *snap
			tab.ID = id
		} else if !ok {
			tab = model.Tab{ID: id, WindowID: ev.WindowID}
		}
		if ev.Detail.URL != "" {
			tab.URL = ev.Detail.URL
		}
		if ev.Detail.Status != "" {
			tab.Status = ev.Detail.Status
		}
		if tab.Active {
			m.activateLocked(tab)
			return
		}
		m.tabs[id] = tab
		m.windows[tab.WindowID] = struct{}{}
	case model.EventWindowFocusChanged:
		w := model.WindowID(ev.SubjectID)
		m.focused = w
		if w != model.WindowNone {
			m.windows[w] = struct{}{}
		}
	case model.EventTabRemoved:
		id := model.TabID(ev.SubjectID)
		tab, ok := m.tabs[id]
		if !ok {
			return
		}
		delete(m.tabs, id)
		if m.active[tab.WindowID] == id {
			delete(m.active, tab.WindowID)
		}
	}
}

func (m *Mirror) activateLocked(tab model.Tab) {
	if prev, ok := m.active[tab.WindowID]; ok && prev != tab.ID {
		if p, ok := m.tabs[prev]; ok {
			p.Active = false
			m.tabs[prev] = p
		}
	}
	tab.Active = true
	m.tabs[tab.ID] = tab
	m.active[tab.WindowID] = tab.ID
	m.windows[tab.WindowID] = struct{}{}
}

// Replace swaps the whole mirror for snap.
func (m *Mirror) Replace(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabs = make(map[model.TabID]model.Tab, len(snap.Tabs))
	m.active = map[model.WindowID]model.TabID{}
	m.windows = map[model.WindowID]struct{}{}
	for _, tab := range snap.Tabs {
		m.tabs[tab.ID] = tab
		m.windows[tab.WindowID] = struct{}{}
		if tab.Active {
			m.active[tab.WindowID] = tab.ID
		}
	}
	m.focused = snap.FocusedWindow
	if m.focused != model.WindowNone {
		m.windows[m.focused] = struct{}{}
	}
}

// Snapshot returns the mirror contents, tabs ordered by id.
func (m *Mirror) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Snapshot{Tabs: make([]model.Tab, 0, len(m.tabs)), FocusedWindow: m.focused}
	for _, tab := range m.tabs {
		out.Tabs = append(out.Tabs, tab)
	}
	sort.Slice(out.Tabs, func(i, j int) bool { return out.Tabs[i].ID < out.Tabs[j].ID })
	return out
}

func (m *Mirror) GetTab(ctx context.Context, id model.TabID) (model.Tab, error) {
	if err := ctx.Err(); err != nil {
		return model.Tab{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tab, ok := m.tabs[id]
	if !ok {
		return model.Tab{}, ErrNotFound
	}
	return tab, nil
}

func (m *Mirror) ActiveTab(ctx context.Context, windowID model.WindowID) (model.Tab, error) {
	if err := ctx.Err(); err != nil {
		return model.Tab{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[windowID]
	if !ok {
		return model.Tab{}, ErrNotFound
	}
	tab, ok := m.tabs[id]
	if !ok {
		return model.Tab{}, ErrNotFound
	}
	return tab, nil
}

func (m *Mirror) WindowExists(ctx context.Context, windowID model.WindowID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.windows[windowID]
	return ok, nil
}

func (m *Mirror) FocusedWindow(ctx context.Context) (model.WindowID, error) {
	if err := ctx.Err(); err != nil {
		return model.WindowNone, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.focused, nil
}
