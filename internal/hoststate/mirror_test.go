package hoststate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/g960059/tabtime/internal/model"
)

func TestActivationMovesActiveTabWithinWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMirror()
	m.Apply(model.CanonicalEvent{Kind: model.EventTabUpdated, SubjectID: 1, WindowID: 10, Detail: model.EventDetail{
		URL: "https://a.example/", Tab: &model.Tab{ID: 1, WindowID: 10, URL: "https://a.example/", Active: true},
	}})
	m.Apply(model.CanonicalEvent{Kind: model.EventTabActivated, SubjectID: 2, WindowID: 10})

	active, err := m.ActiveTab(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, model.TabID(2), active.ID)

	first, err := m.GetTab(ctx, 1)
	require.NoError(t, err)
	require.False(t, first.Active)
	require.Equal(t, "https://a.example/", first.URL)
}

func TestRemovedTabIsGone(t *testing.T) {
	ctx := context.Background()
	m := NewMirror()
	m.Apply(model.CanonicalEvent{Kind: model.EventTabActivated, SubjectID: 1, WindowID: 10})
	m.Apply(model.CanonicalEvent{Kind: model.EventTabRemoved, SubjectID: 1, WindowID: 10})

	_, err := m.GetTab(ctx, 1)
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = m.ActiveTab(ctx, 10)
	require.ErrorIs(t, err, ErrNotFound)
	ok, err := m.WindowExists(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFocusAndReplace(t *testing.T) {
	ctx := context.Background()
	m := NewMirror()
	m.Apply(model.CanonicalEvent{Kind: model.EventWindowFocusChanged, SubjectID: 7, WindowID: 7})
	focused, err := m.FocusedWindow(ctx)
	require.NoError(t, err)
	require.Equal(t, model.WindowID(7), focused)

	m.Replace(Snapshot{
		Tabs: []model.Tab{
			{ID: 3, WindowID: 1, URL: "https://b.example/", Active: true},
			{ID: 4, WindowID: 1, URL: "https://c.example/"},
		},
		FocusedWindow: 1,
	})
	active, err := m.ActiveTab(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, model.TabID(3), active.ID)
	ok, err := m.WindowExists(ctx, 7)
	require.NoError(t, err)
	require.False(t, ok, "replace drops windows absent from the snapshot")
	require.Len(t, m.Snapshot().Tabs, 2)
}

func TestQueriesHonourContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMirror().GetTab(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
}
