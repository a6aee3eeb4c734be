package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/hoststate"
	"github.com/g960059/tabtime/internal/metrics"
	"github.com/g960059/tabtime/internal/model"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []model.CanonicalEvent
	fn     func(model.CanonicalEvent) error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev model.CanonicalEvent) error {
	d.mu.Lock()
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		if err := fn(ev); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDispatcher) got() []model.CanonicalEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.CanonicalEvent(nil), d.events...)
}

// flakyHost fails the first n GetTab calls.
type flakyHost struct {
	*hoststate.Mirror
	mu    sync.Mutex
	fails int
	calls int
}

func (h *flakyHost) GetTab(ctx context.Context, id model.TabID) (model.Tab, error) {
	h.mu.Lock()
	h.calls++
	fail := h.fails > 0
	if fail {
		h.fails--
	}
	h.mu.Unlock()
	if fail {
		return model.Tab{}, errors.New("host unavailable")
	}
	return h.Mirror.GetTab(ctx, id)
}

func (h *flakyHost) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type harness struct {
	clock   *quartz.Mock
	mirror  *hoststate.Mirror
	disp    *recordingDispatcher
	metrics *metrics.Metrics
	coord   *Coordinator
}

func newHarness(t *testing.T, host hoststate.Querier, mirror *hoststate.Mirror) *harness {
	t.Helper()
	clock := quartz.NewMock(t)
	if mirror == nil {
		mirror = hoststate.NewMirror()
	}
	if host == nil {
		host = mirror
	}
	disp := &recordingDispatcher{}
	m := metrics.New(prometheus.NewRegistry())
	c := NewCoordinator(config.DefaultConfig(), host, disp, WithClock(clock), WithMetrics(m))
	t.Cleanup(c.Close)
	return &harness{clock: clock, mirror: mirror, disp: disp, metrics: m, coord: c}
}

func (h *harness) advance(ctx context.Context, d time.Duration) {
	h.clock.Advance(d).MustWait(ctx)
}

func addTab(m *hoststate.Mirror, id model.TabID, window model.WindowID, url string) {
	m.Apply(model.CanonicalEvent{
		Kind:      model.EventTabUpdated,
		SubjectID: int64(id),
		WindowID:  window,
		Detail: model.EventDetail{
			URL: url,
			Tab: &model.Tab{ID: id, WindowID: window, URL: url, Active: true, Status: model.TabStatusComplete},
		},
	})
}

func updated(id model.TabID, url string) model.CanonicalEvent {
	return model.CanonicalEvent{
		Kind:      model.EventTabUpdated,
		SubjectID: int64(id),
		Detail:    model.EventDetail{URL: url, ChangedURL: true},
	}
}

func activated(id model.TabID, window model.WindowID) model.CanonicalEvent {
	return model.CanonicalEvent{Kind: model.EventTabActivated, SubjectID: int64(id), WindowID: window}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDebounceIsPerKey(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, nil)
	addTab(h.mirror, 1, 10, "https://a.example/")
	addTab(h.mirror, 2, 20, "https://b.example/")

	h.coord.Schedule(updated(1, "https://a.example/1"), PriorityNormal)
	h.advance(ctx, 50*time.Millisecond)
	h.coord.Schedule(updated(2, "https://b.example/1"), PriorityNormal)
	h.advance(ctx, 50*time.Millisecond)
	h.coord.Schedule(updated(1, "https://a.example/2"), PriorityNormal)
	h.advance(ctx, 50*time.Millisecond)
	h.coord.Schedule(updated(2, "https://b.example/2"), PriorityNormal)
	require.Equal(t, 2, h.coord.Pending())

	// A was last scheduled at 100ms and fires at 300ms.
	h.advance(ctx, 150*time.Millisecond)
	got := h.disp.got()
	require.Len(t, got, 1)
	require.Equal(t, "https://a.example/2", got[0].Detail.URL)

	h.advance(ctx, 50*time.Millisecond)
	got = h.disp.got()
	require.Len(t, got, 2)
	require.Equal(t, "https://b.example/2", got[1].Detail.URL)
	require.Zero(t, h.coord.Pending())
	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.EventsSuperseded.WithLabelValues(string(model.EventTabUpdated))))
}

func TestActivationCancelsOtherPendingActivations(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, nil)
	addTab(h.mirror, 1, 10, "https://a.example/")
	addTab(h.mirror, 2, 20, "https://b.example/")

	h.coord.Schedule(activated(1, 10), PriorityNormal)
	h.advance(ctx, 50*time.Millisecond)
	h.coord.Schedule(activated(2, 20), PriorityNormal)
	require.Equal(t, 1, h.coord.Pending())

	h.advance(ctx, 200*time.Millisecond)
	got := h.disp.got()
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].SubjectID)
}

func TestStaleActivationIsDropped(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, nil)
	addTab(h.mirror, 1, 10, "https://a.example/")
	h.mirror.Apply(activated(2, 10))

	h.coord.Schedule(activated(1, 10), PriorityNormal)
	h.advance(ctx, 200*time.Millisecond)

	require.Empty(t, h.disp.got())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDropped.WithLabelValues(string(model.EventTabActivated), "invalid")))
}

func TestRemovedTabUpdateIsDropped(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, nil)

	h.coord.Schedule(updated(7, "https://gone.example/"), PriorityNormal)
	h.advance(ctx, 200*time.Millisecond)

	require.Empty(t, h.disp.got())
	require.Zero(t, h.coord.Pending(), "a missing tab is not retried")
}

func TestTransientHostErrorIsRetried(t *testing.T) {
	ctx := testContext(t)
	mirror := hoststate.NewMirror()
	addTab(mirror, 1, 10, "https://a.example/")
	host := &flakyHost{Mirror: mirror, fails: 1}
	h := newHarness(t, host, mirror)

	h.coord.Schedule(updated(1, "https://a.example/x"), PriorityNormal)
	h.advance(ctx, 200*time.Millisecond)
	require.Empty(t, h.disp.got())
	require.Equal(t, 1, h.coord.Pending(), "the retry holds the key's slot")

	h.advance(ctx, 100*time.Millisecond)
	require.Len(t, h.disp.got(), 1)
	require.Equal(t, 2, host.callCount())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsRetried.WithLabelValues(string(model.EventTabUpdated))))
}

func TestRetriesAreBounded(t *testing.T) {
	ctx := testContext(t)
	mirror := hoststate.NewMirror()
	addTab(mirror, 1, 10, "https://a.example/")
	host := &flakyHost{Mirror: mirror, fails: 100}
	h := newHarness(t, host, mirror)

	h.coord.Schedule(updated(1, "https://a.example/x"), PriorityNormal)
	for _, d := range []time.Duration{200, 100, 200, 400} {
		h.advance(ctx, d*time.Millisecond)
	}
	require.Equal(t, 4, host.callCount())
	require.Zero(t, h.coord.Pending())
	require.Empty(t, h.disp.got())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDropped.WithLabelValues(string(model.EventTabUpdated), "retries_exhausted")))
}

func TestNewerScheduleSupersedesRetry(t *testing.T) {
	ctx := testContext(t)
	mirror := hoststate.NewMirror()
	addTab(mirror, 1, 10, "https://a.example/")
	host := &flakyHost{Mirror: mirror, fails: 1}
	h := newHarness(t, host, mirror)

	h.coord.Schedule(updated(1, "https://a.example/old"), PriorityNormal)
	h.advance(ctx, 200*time.Millisecond)
	h.coord.Schedule(updated(1, "https://a.example/new"), PriorityNormal)
	require.Equal(t, 1, h.coord.Pending())

	h.advance(ctx, 200*time.Millisecond)
	got := h.disp.got()
	require.Len(t, got, 1)
	require.Equal(t, "https://a.example/new", got[0].Detail.URL)
}

func TestDispatchErrorsAreRetriedButRejectionsAreNot(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, nil)
	addTab(h.mirror, 1, 10, "https://a.example/")
	addTab(h.mirror, 2, 20, "https://b.example/")

	var mu sync.Mutex
	attempts := map[int64]int{}
	h.disp.fn = func(ev model.CanonicalEvent) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[ev.SubjectID]++
		if ev.SubjectID == 1 {
			return fmt.Errorf("tracker: %w", model.ErrValidationRejected)
		}
		if attempts[ev.SubjectID] == 1 {
			return fmt.Errorf("write: %w", model.ErrPersistence)
		}
		return nil
	}

	h.coord.Schedule(updated(1, "https://a.example/x"), PriorityNormal)
	h.coord.Schedule(updated(2, "https://b.example/x"), PriorityNormal)
	h.advance(ctx, 200*time.Millisecond)
	require.Equal(t, 1, h.coord.Pending(), "only the persistence failure is retried")

	h.advance(ctx, 100*time.Millisecond)
	got := h.disp.got()
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].SubjectID)
	mu.Lock()
	require.Equal(t, 1, attempts[1])
	require.Equal(t, 2, attempts[2])
	mu.Unlock()
}

func TestFocusUsesShortDebounce(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, nil)
	addTab(h.mirror, 1, 10, "https://a.example/")

	focus := model.CanonicalEvent{Kind: model.EventWindowFocusChanged, SubjectID: 10, WindowID: 10}
	h.coord.Schedule(focus, PriorityOf(focus))
	h.advance(ctx, 100*time.Millisecond)
	require.Len(t, h.disp.got(), 1)

	lost := model.CanonicalEvent{Kind: model.EventWindowFocusChanged, SubjectID: int64(model.WindowNone), WindowID: model.WindowNone}
	h.coord.Schedule(lost, PriorityOf(lost))
	h.advance(ctx, 100*time.Millisecond)
	got := h.disp.got()
	require.Len(t, got, 2)
	require.True(t, got[1].FocusLost())
}

func TestDispatchPanicIsRecovered(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, nil)
	addTab(h.mirror, 1, 10, "https://a.example/")

	h.disp.fn = func(model.CanonicalEvent) error { panic("tracker bug") }
	h.coord.Schedule(updated(1, "https://a.example/x"), PriorityNormal)
	h.advance(ctx, 200*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDropped.WithLabelValues(string(model.EventTabUpdated), "panic")))

	h.disp.mu.Lock()
	h.disp.fn = nil
	h.disp.mu.Unlock()
	h.coord.Schedule(updated(1, "https://a.example/y"), PriorityNormal)
	h.advance(ctx, 200*time.Millisecond)
	require.Len(t, h.disp.got(), 1)
}

func TestCloseStopsPendingTimers(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, nil)
	addTab(h.mirror, 1, 10, "https://a.example/")

	h.coord.Schedule(updated(1, "https://a.example/x"), PriorityNormal)
	h.coord.Close()
	require.Zero(t, h.coord.Pending())

	h.advance(ctx, 200*time.Millisecond)
	require.Empty(t, h.disp.got())

	h.coord.Schedule(updated(1, "https://a.example/y"), PriorityNormal)
	require.Zero(t, h.coord.Pending(), "schedule after close is ignored")
}

func TestKeepAliveTicks(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, nil)

	trap := h.clock.Trap().TickerFunc("coordinator", "keepalive")
	defer trap.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.coord.KeepAlive(runCtx) }()
	trap.MustWait(ctx).MustRelease(ctx)

	start := h.clock.Now()
	require.True(t, h.coord.LastKeepAlive().Equal(start))

	h.advance(ctx, 20*time.Second)
	require.True(t, h.coord.LastKeepAlive().Equal(start.Add(20*time.Second)))

	cancel()
	require.NoError(t, <-done)
}
