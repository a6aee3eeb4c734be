package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/db"
	"github.com/g960059/tabtime/internal/hoststate"
	"github.com/g960059/tabtime/internal/model"
	"github.com/g960059/tabtime/internal/notify"
	"github.com/g960059/tabtime/internal/persist"
	"github.com/g960059/tabtime/internal/sleepwake"
	"github.com/g960059/tabtime/internal/testutil"
)

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

const testDay = "2026-03-01"

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *quartz.Mock
	cfg    config.Config
	store  *db.Store
	mirror *hoststate.Mirror
	engine *persist.Engine
	hub    *notify.Hub
	tr     *Tracker
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := quartz.NewMock(t)
	clock.Set(testStart).MustWait(ctx)
	engine := persist.NewEngine(store, cfg, persist.WithClock(clock), persist.WithLocation(time.UTC))
	mirror := hoststate.NewMirror()
	hub := notify.NewHub()
	return &harness{
		t:      t,
		ctx:    ctx,
		clock:  clock,
		cfg:    cfg,
		store:  store,
		mirror: mirror,
		engine: engine,
		hub:    hub,
		tr:     New(cfg, mirror, engine, WithClock(clock), WithPublisher(hub)),
	}
}

// open makes a new tab the active tab of a focused window.
func (h *harness) open(id model.TabID, window model.WindowID, url string) {
	h.mirror.Apply(model.CanonicalEvent{
		Kind:      model.EventTabUpdated,
		SubjectID: int64(id),
		WindowID:  window,
		Detail: model.EventDetail{
			URL: url,
			Tab: &model.Tab{ID: id, WindowID: window, URL: url, Active: true, Status: model.TabStatusComplete},
		},
	})
	h.mirror.Apply(model.CanonicalEvent{Kind: model.EventWindowFocusChanged, SubjectID: int64(window), WindowID: window})
}

func (h *harness) activate(id model.TabID, window model.WindowID) {
	h.t.Helper()
	h.mirror.Apply(model.CanonicalEvent{Kind: model.EventTabActivated, SubjectID: int64(id), WindowID: window})
	require.NoError(h.t, h.tr.Activate(h.ctx, id, window))
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d).MustWait(h.ctx)
}

// stepTo advances the clock to target one timer deadline at a time, calling
// each after every step.
func (h *harness) stepTo(target time.Time, each func()) {
	for h.clock.Now().Before(target) {
		d := target.Sub(h.clock.Now())
		if next, ok := h.clock.Peek(); ok && next > 0 && next < d {
			d = next
		}
		h.advance(d)
		if each != nil {
			each()
		}
	}
}

func (h *harness) sessions() []model.SiteSession {
	h.t.Helper()
	out, err := h.engine.Sessions(h.ctx, testDay)
	require.NoError(h.t, err)
	return out
}

func (h *harness) current() Session {
	h.t.Helper()
	st := h.tr.Snapshot()
	require.NotNil(h.t, st.Current)
	return *st.Current
}

func TestActivationStartsSession(t *testing.T) {
	h := newHarness(t, nil)
	ch, cancel := h.hub.Subscribe(4)
	defer cancel()

	h.open(1, 10, "https://www.example.com/feed")
	h.activate(1, 10)

	st := h.tr.Snapshot()
	require.Equal(t, StateActive, st.State)
	require.Equal(t, "example.com", st.Current.Domain)
	require.False(t, st.Current.Persisted, "no record before the minimum dwell")
	require.Empty(t, h.sessions())

	n := <-ch
	require.Equal(t, model.NotifySessionStarted, n.Kind)
	require.Equal(t, "example.com", n.Domain)
}

func TestActivateRejectsTabThatIsNoLongerActive(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.open(2, 10, "https://b.example/")

	err := h.tr.Activate(h.ctx, 1, 10)
	require.ErrorIs(t, err, model.ErrValidationRejected)
	require.Equal(t, StateIdle, h.tr.Snapshot().State)
}

func TestActivateWithoutURLIsTransient(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "")
	err := h.tr.Activate(h.ctx, 1, 10)
	require.ErrorIs(t, err, model.ErrTransientHost)
}

func TestCheckpointCreatesRecordAfterDwell(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)

	h.advance(10 * time.Second)
	require.NoError(t, h.tr.Checkpoint(h.ctx))
	cur := h.current()
	require.True(t, cur.Persisted)

	h.advance(15*time.Second + 400*time.Millisecond)
	require.NoError(t, h.tr.Checkpoint(h.ctx))
	cur = h.current()
	require.Equal(t, 400*time.Millisecond, cur.Carry, "the sub-second remainder is carried")

	sessions := h.sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, int64(25), sessions[0].DurationSeconds)
	require.Equal(t, cur.RecordID, sessions[0].ID)
}

func TestCheckpointSkippedDuringSwitchCooldown(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MinDwell = 0 })
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)

	h.advance(time.Second)
	require.NoError(t, h.tr.Checkpoint(h.ctx))
	require.Empty(t, h.sessions())

	h.advance(2 * time.Second)
	require.NoError(t, h.tr.Checkpoint(h.ctx))
	sessions := h.sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, int64(3), sessions[0].DurationSeconds)
}

func TestGraceRoundTripRestoresSameRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	h.advance(10 * time.Second)
	require.NoError(t, h.tr.Checkpoint(h.ctx))
	recA := h.current().RecordID

	h.advance(2 * time.Second)
	h.open(2, 10, "https://b.example/")
	require.NoError(t, h.tr.Activate(h.ctx, 2, 10))
	st := h.tr.Snapshot()
	require.Equal(t, "b.example", st.Current.Domain)
	require.Len(t, st.Grace, 1)
	require.Equal(t, "a.example", st.Grace[0].Domain)

	// Back to A before the grace period ends.
	h.advance(time.Second)
	h.activate(1, 10)
	cur := h.current()
	require.Equal(t, "a.example", cur.Domain)
	require.Equal(t, recA, cur.RecordID)
	require.True(t, cur.StartTime.Equal(testStart))

	// B's grace expires without ever reaching the minimum dwell.
	h.advance(3 * time.Second)
	require.Empty(t, h.tr.Snapshot().Grace)

	h.advance(4 * time.Second)
	require.NoError(t, h.tr.Checkpoint(h.ctx))

	sessions := h.sessions()
	require.Len(t, sessions, 1, "the bounce through B leaves no record")
	require.Equal(t, "a.example", sessions[0].Domain)
	require.Equal(t, int64(19), sessions[0].DurationSeconds, "time away is excluded")
	require.True(t, sessions[0].Active())
}

func TestGraceExpiryFinalizesAndReturnStartsFresh(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	h.advance(10 * time.Second)

	h.open(2, 10, "https://b.example/")
	require.NoError(t, h.tr.Activate(h.ctx, 2, 10))
	st := h.tr.Snapshot()
	require.Len(t, st.Grace, 1)
	recA := st.Grace[0].RecordID
	require.NotEmpty(t, recA, "a session past the dwell gets its record on switch-away")

	h.advance(3 * time.Second)
	require.Empty(t, h.tr.Snapshot().Grace)
	rec, err := h.engine.Session(h.ctx, recA)
	require.NoError(t, err)
	require.Equal(t, model.SessionCompleted, rec.Status)
	require.Equal(t, int64(10), rec.DurationSeconds)
	require.True(t, rec.EndTime.Equal(testStart.Add(10*time.Second)))

	h.activate(1, 10)
	cur := h.current()
	require.Equal(t, "a.example", cur.Domain)
	require.Empty(t, cur.RecordID)
	require.True(t, cur.StartTime.Equal(testStart.Add(13*time.Second)))
}

func TestFocusLossEntersGraceAndReturnRestores(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	h.advance(5 * time.Second)

	h.mirror.Apply(model.CanonicalEvent{Kind: model.EventWindowFocusChanged, SubjectID: int64(model.WindowNone), WindowID: model.WindowNone})
	require.NoError(t, h.tr.FocusChanged(h.ctx, model.WindowNone))
	st := h.tr.Snapshot()
	require.Equal(t, StateGracePaused, st.State)
	require.Nil(t, st.Current)
	recA := st.Grace[0].RecordID

	h.advance(time.Second)
	h.mirror.Apply(model.CanonicalEvent{Kind: model.EventWindowFocusChanged, SubjectID: 10, WindowID: 10})
	require.NoError(t, h.tr.FocusChanged(h.ctx, 10))
	cur := h.current()
	require.Equal(t, recA, cur.RecordID)
	require.Equal(t, StateActive, h.tr.Snapshot().State)
}

func TestUntrackablePageEndsTracking(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	h.advance(5 * time.Second)

	require.NoError(t, h.tr.Navigate(h.ctx, model.Tab{ID: 1, WindowID: 10, URL: "chrome://newtab/", Active: true}))
	st := h.tr.Snapshot()
	require.Nil(t, st.Current)
	require.Equal(t, StateGracePaused, st.State)
}

func TestSameDomainNavigationKeepsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	before := h.current()

	h.advance(time.Second)
	require.NoError(t, h.tr.Navigate(h.ctx, model.Tab{ID: 1, WindowID: 10, URL: "https://a.example/other", Active: true}))
	after := h.current()
	require.Equal(t, before.StartTime, after.StartTime)
	require.Empty(t, h.tr.Snapshot().Grace)
}

func TestTabCloseFinalizesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	h.advance(5 * time.Second)

	require.NoError(t, h.tr.TabClosed(h.ctx, 1))
	require.Equal(t, StateIdle, h.tr.Snapshot().State)
	sessions := h.sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, model.SessionCompleted, sessions[0].Status)
	require.Equal(t, int64(5), sessions[0].DurationSeconds)
}

func TestShortSessionLeavesNoRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	h.advance(2 * time.Second)

	require.NoError(t, h.tr.TabClosed(h.ctx, 1))
	require.Empty(t, h.sessions())
}

func TestStopFinalizesGraceWithoutWaiting(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	h.advance(5 * time.Second)
	h.open(2, 10, "https://b.example/")
	require.NoError(t, h.tr.Activate(h.ctx, 2, 10))
	h.advance(time.Second)

	require.NoError(t, h.tr.Stop(h.ctx))
	st := h.tr.Snapshot()
	require.Equal(t, StateIdle, st.State)
	require.Empty(t, st.Grace)

	sessions := h.sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, "a.example", sessions[0].Domain)
	require.Equal(t, model.SessionCompleted, sessions[0].Status)

	// The stopped grace timer must not fire later.
	h.advance(3 * time.Second)
	require.Len(t, h.sessions(), 1)
}

func TestSleepGapCreditsOnlyUpToLastHeartbeat(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	h.advance(10 * time.Second)
	require.NoError(t, h.tr.Checkpoint(h.ctx))
	recID := h.current().RecordID

	lastBeat := testStart.Add(20 * time.Second)
	h.advance(10 * time.Minute)
	require.NoError(t, h.tr.PauseForSleep(h.ctx, lastBeat))

	st := h.tr.Snapshot()
	require.Equal(t, StateSleepPaused, st.State)
	require.NotNil(t, st.Paused)

	rec, err := h.engine.Session(h.ctx, recID)
	require.NoError(t, err)
	require.Equal(t, int64(20), rec.DurationSeconds)
	require.Equal(t, model.SessionCompleted, rec.Status)
	require.True(t, rec.EndTime.Equal(lastBeat))

	require.NoError(t, h.tr.ResumeFromSleep(h.ctx))
	cur := h.current()
	require.Equal(t, "a.example", cur.Domain)
	require.True(t, cur.StartTime.Equal(h.clock.Now()))
	require.Empty(t, cur.RecordID)
}

func TestResumeSkippedWhenTabMovedOn(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	h.advance(10 * time.Second)
	require.NoError(t, h.tr.PauseForSleep(h.ctx, testStart.Add(10*time.Second)))

	h.open(2, 10, "https://b.example/")
	require.NoError(t, h.tr.ResumeFromSleep(h.ctx))
	st := h.tr.Snapshot()
	require.Nil(t, st.Current)
	require.Equal(t, StateIdle, st.State)
}

func TestDispatchBeatsBeforeRouting(t *testing.T) {
	h := newHarness(t, nil)
	var (
		mu    sync.Mutex
		beats []time.Time
	)
	h.tr.SetHeartbeat(func(_ context.Context, at time.Time) {
		mu.Lock()
		defer mu.Unlock()
		beats = append(beats, at)
	})
	h.open(1, 10, "https://a.example/")

	err := h.tr.Dispatch(h.ctx, model.CanonicalEvent{Kind: model.EventTabActivated, SubjectID: 1, WindowID: 10})
	require.NoError(t, err)
	err = h.tr.Dispatch(h.ctx, model.CanonicalEvent{Kind: model.EventTabUpdated, SubjectID: 99})
	require.ErrorIs(t, err, model.ErrValidationRejected)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, beats, 2)
	require.Equal(t, "a.example", h.current().Domain)
}

func TestRunCheckpointsOnTicker(t *testing.T) {
	h := newHarness(t, nil)
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)

	trap := h.clock.Trap().TickerFunc("tracker", "checkpoint")
	defer trap.Close()
	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- h.tr.Run(ctx) }()
	trap.MustWait(h.ctx).MustRelease(h.ctx)

	h.advance(15 * time.Second)
	sessions := h.sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, int64(15), sessions[0].DurationSeconds)

	cancel()
	require.NoError(t, <-done)
}

func TestTransitionTable(t *testing.T) {
	require.True(t, canTransition(StateIdle, StateActive))
	require.False(t, canTransition(StateIdle, StateSleepPaused))
	require.True(t, canTransition(StateActive, StateGracePaused))
	require.True(t, canTransition(StateSleepPaused, StateActive))
	require.Equal(t, StateSleepPaused, settledState(false, true, 1))
	require.Equal(t, StateGracePaused, settledState(false, false, 1))
}

func TestCheckpointWaitsForFreshHeartbeat(t *testing.T) {
	h := newHarness(t, nil)
	last := testStart
	h.tr.SetLastBeat(func() time.Time { return last })
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)

	h.advance(10 * time.Second)
	last = h.clock.Now()
	require.NoError(t, h.tr.Checkpoint(h.ctx))
	require.Equal(t, int64(10), h.sessions()[0].DurationSeconds)

	h.advance(20 * time.Second)
	require.NoError(t, h.tr.Checkpoint(h.ctx))
	require.Equal(t, int64(10), h.sessions()[0].DurationSeconds, "nothing past a stale heartbeat is written")

	last = h.clock.Now()
	require.NoError(t, h.tr.Checkpoint(h.ctx))
	require.Equal(t, int64(30), h.sessions()[0].DurationSeconds, "deferred time is written once activity resumes")
}

func TestCheckpointTickerDoesNotCreditSleepGap(t *testing.T) {
	h := newHarness(t, nil)
	det := sleepwake.New(h.cfg, h.tr, h.store, h.engine, sleepwake.WithClock(h.clock))
	h.tr.SetHeartbeat(det.Beat)
	h.tr.SetLastBeat(det.LastHeartbeat)
	h.open(1, 10, "https://a.example/")

	checkpointTrap := h.clock.Trap().TickerFunc("tracker", "checkpoint")
	defer checkpointTrap.Close()
	checkTrap := h.clock.Trap().TickerFunc("sleepwake", "check")
	defer checkTrap.Close()
	ctx, cancel := context.WithCancel(h.ctx)
	trackerDone := make(chan error, 1)
	go func() { trackerDone <- h.tr.Run(ctx) }()
	checkpointTrap.MustWait(h.ctx).MustRelease(h.ctx)
	detectorDone := make(chan error, 1)
	go func() { detectorDone <- det.Run(ctx) }()
	checkTrap.MustWait(h.ctx).MustRelease(h.ctx)

	require.NoError(t, h.tr.Dispatch(h.ctx, model.CanonicalEvent{Kind: model.EventTabActivated, SubjectID: 1, WindowID: 10}))
	lastBeat := testStart.Add(30 * time.Second)
	h.stepTo(lastBeat, func() { det.Beat(h.ctx, h.clock.Now()) })
	sessions := h.sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, int64(30), sessions[0].DurationSeconds)

	// Host asleep: both tickers keep running, nothing beats.
	h.stepTo(lastBeat.Add(10*time.Minute), nil)
	require.Equal(t, StateSleepPaused, h.tr.Snapshot().State)
	sessions = h.sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, model.SessionCompleted, sessions[0].Status)
	require.Equal(t, int64(30), sessions[0].DurationSeconds)
	require.True(t, sessions[0].EndTime.Equal(lastBeat))

	det.Beat(h.ctx, h.clock.Now())
	cur := h.current()
	require.True(t, cur.StartTime.Equal(h.clock.Now()))
	require.Empty(t, cur.RecordID)

	cancel()
	require.NoError(t, <-trackerDone)
	require.NoError(t, <-detectorDone)
}

func TestReturnAfterGraceTimerFiredFinalizesOnce(t *testing.T) {
	h := newHarness(t, nil)
	ch, unsubscribe := h.hub.Subscribe(32)
	defer unsubscribe()
	h.open(1, 10, "https://a.example/")
	h.activate(1, 10)
	h.advance(10 * time.Second)
	require.NoError(t, h.tr.Checkpoint(h.ctx))
	recID := h.current().RecordID

	h.open(2, 10, "https://b.example/")
	h.activate(2, 10)

	// Fire the grace timer while the tracker is busy so the expiry callback
	// is stuck behind the lock when the user returns.
	h.tr.mu.Lock()
	fired := h.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		_, pending := h.clock.Peek()
		return !pending
	}, time.Second, time.Millisecond)
	h.mirror.Apply(model.CanonicalEvent{Kind: model.EventTabActivated, SubjectID: 1, WindowID: 10})
	err := h.tr.activateLocked(h.ctx, 1, 10)
	h.tr.mu.Unlock()
	require.NoError(t, err)
	fired.MustWait(h.ctx)

	returnedAt := testStart.Add(13 * time.Second)
	cur := h.current()
	require.Equal(t, "a.example", cur.Domain)
	require.True(t, cur.StartTime.Equal(returnedAt), "the return starts a fresh session")
	require.Empty(t, cur.RecordID)

	rec, err := h.engine.Session(h.ctx, recID)
	require.NoError(t, err)
	require.Equal(t, model.SessionCompleted, rec.Status)
	require.Equal(t, int64(10), rec.DurationSeconds)

	var stopped int
	for {
		select {
		case n := <-ch:
			if n.Kind == model.NotifySessionStopped && n.Domain == "a.example" {
				stopped++
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, 1, stopped, "the snapshot is finalized exactly once")
}
