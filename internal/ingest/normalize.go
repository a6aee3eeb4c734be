package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/g960059/tabtime/internal/model"
)

// effectiveEventTime trusts the host timestamp only while it stays within
// skewBudget of the receipt time.
func effectiveEventTime(eventTime *time.Time, receivedAt time.Time, skewBudget time.Duration) time.Time {
	if eventTime == nil || eventTime.IsZero() {
		return receivedAt
	}
	delta := eventTime.Sub(receivedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > skewBudget {
		return receivedAt
	}
	return eventTime.UTC()
}

func normalizeKind(raw string) model.EventKind {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.NewReplacer("-", "_", ".", "_").Replace(k)
	switch k {
	case "tabactivated", "activated", "on_activated":
		return model.EventTabActivated
	case "tabupdated", "updated", "on_updated":
		return model.EventTabUpdated
	case "windowfocuschanged", "focus_changed", "on_focus_changed":
		return model.EventWindowFocusChanged
	case "tabremoved", "removed", "on_removed":
		return model.EventTabRemoved
	}
	return model.EventKind(k)
}

// Normalize turns a raw host event into its canonical form.
func Normalize(raw model.RawEvent, receivedAt time.Time, skewBudget time.Duration) (model.CanonicalEvent, error) {
	kind := normalizeKind(raw.Kind)
	if !kind.Valid() {
		return model.CanonicalEvent{}, fmt.Errorf("%w: kind %q", model.ErrUnsupportedEvent, raw.Kind)
	}
	ev := model.CanonicalEvent{
		Kind:       kind,
		WindowID:   model.WindowNone,
		Timestamp:  effectiveEventTime(raw.Timestamp, receivedAt, skewBudget),
		ReceivedAt: receivedAt,
	}
	if raw.WindowID != nil {
		ev.WindowID = model.WindowID(*raw.WindowID)
	}

	switch kind {
	case model.EventTabActivated, model.EventTabRemoved:
		if raw.TabID == nil {
			return model.CanonicalEvent{}, fmt.Errorf("%w: %s requires tab_id", model.ErrMalformedEventInput, kind)
		}
		ev.SubjectID = *raw.TabID
		if kind == model.EventTabActivated && raw.WindowID == nil {
			return model.CanonicalEvent{}, fmt.Errorf("%w: %s requires window_id", model.ErrMalformedEventInput, kind)
		}
	case model.EventTabUpdated:
		switch {
		case raw.TabID != nil:
			ev.SubjectID = *raw.TabID
		case raw.Tab != nil:
			ev.SubjectID = raw.Tab.ID
		default:
			return model.CanonicalEvent{}, fmt.Errorf("%w: %s requires tab_id", model.ErrMalformedEventInput, kind)
		}
		if raw.ChangeInfo != nil {
			ev.Detail.URL = strings.TrimSpace(raw.ChangeInfo.URL)
			ev.Detail.Status = raw.ChangeInfo.Status
			ev.Detail.ChangedURL = ev.Detail.URL != ""
		}
		if raw.Tab != nil {
			tab := model.Tab{
				ID:       model.TabID(ev.SubjectID),
				WindowID: model.WindowID(raw.Tab.WindowID),
				URL:      strings.TrimSpace(raw.Tab.URL),
				Active:   raw.Tab.Active,
				Status:   raw.Tab.Status,
			}
			ev.Detail.Tab = &tab
			ev.WindowID = tab.WindowID
			if ev.Detail.URL == "" {
				ev.Detail.URL = tab.URL
			}
			if ev.Detail.Status == "" {
				ev.Detail.Status = tab.Status
			}
		}
	case model.EventWindowFocusChanged:
		if raw.WindowID == nil {
			return model.CanonicalEvent{}, fmt.Errorf("%w: %s requires window_id", model.ErrMalformedEventInput, kind)
		}
		ev.SubjectID = *raw.WindowID
	}
	return ev, nil
}

// Relevant reports whether an event can change tracking. Tab updates only
// matter when the URL changed or the page finished loading.
func Relevant(ev model.CanonicalEvent) bool {
	if ev.Kind != model.EventTabUpdated {
		return true
	}
	return ev.Detail.ChangedURL || ev.Detail.Status == model.TabStatusComplete
}

// PriorityOf returns the scheduling priority of ev. Focus changes are high.
func PriorityOf(ev model.CanonicalEvent) Priority {
	if ev.Kind == model.EventWindowFocusChanged {
		return PriorityHigh
	}
	return PriorityNormal
}
