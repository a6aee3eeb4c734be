// Package tracker owns the single active browsing session. It turns
// validated host events into state transitions and durable writes.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/hoststate"
	"github.com/g960059/tabtime/internal/logging"
	"github.com/g960059/tabtime/internal/metrics"
	"github.com/g960059/tabtime/internal/model"
	"github.com/g960059/tabtime/internal/persist"
	"github.com/g960059/tabtime/internal/siteurl"
)

// ErrTabNotCurrent rejects work for a tab that is no longer the active tab
// of a focused window.
var ErrTabNotCurrent = fmt.Errorf("%w: tab is not the active tab", model.ErrValidationRejected)

type graceEntry struct {
	snap     GraceSnapshot
	timer    *quartz.Timer
	consumed bool
}

// Tracker holds the one active session of the process plus the grace
// snapshots of domains switched away from. All operations are serialized by
// its mutex.
type Tracker struct {
	cfg       config.Config
	clock     quartz.Clock
	host      hoststate.Querier
	recorder  Recorder
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics

	beatMu    sync.RWMutex
	heartbeat HeartbeatFunc
	lastBeat  LastBeatFunc

	mu         sync.Mutex
	state      State
	cur        *Session
	paused     *Session
	graces     map[string]*graceEntry
	lastSwitch time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the real clock, mostly for tests.
func WithClock(clock quartz.Clock) Option {
	return func(t *Tracker) { t.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithPublisher sends session started, updated and stopped notifications
// to p.
func WithPublisher(p Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

// New returns an idle tracker that resolves tabs through host and writes
// through recorder.
func New(cfg config.Config, host hoststate.Querier, recorder Recorder, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		clock:    quartz.NewReal(),
		host:     host,
		recorder: recorder,
		state:    StateIdle,
		graces:   map[string]*graceEntry{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrNop(t.logger).Named("tracker")
	return t
}

// SetHeartbeat installs the activity hook. The sleep detector is built
// after the tracker, so this cannot be a constructor option.
func (t *Tracker) SetHeartbeat(fn HeartbeatFunc) {
	t.beatMu.Lock()
	defer t.beatMu.Unlock()
	t.heartbeat = fn
}

// SetLastBeat installs the source of the most recent activity signal.
// Checkpoints never credit time past it by more than one sleep check
// interval.
func (t *Tracker) SetLastBeat(fn LastBeatFunc) {
	t.beatMu.Lock()
	defer t.beatMu.Unlock()
	t.lastBeat = fn
}

func (t *Tracker) lastBeatAt() time.Time {
	t.beatMu.RLock()
	fn := t.lastBeat
	t.beatMu.RUnlock()
	if fn == nil {
		return time.Time{}
	}
	return fn()
}

func (t *Tracker) beat(ctx context.Context) {
	t.beatMu.RLock()
	fn := t.heartbeat
	t.beatMu.RUnlock()
	if fn != nil {
		fn(ctx, t.clock.Now())
	}
}

// Dispatch routes a validated event. The heartbeat runs before the tracker
// lock is taken because it may pause or resume the tracker.
func (t *Tracker) Dispatch(ctx context.Context, ev model.CanonicalEvent) error {
	t.beat(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Kind {
	case model.EventTabActivated:
		return t.activateLocked(ctx, model.TabID(ev.SubjectID), ev.WindowID)
	case model.EventTabUpdated:
		tab, err := t.host.GetTab(ctx, model.TabID(ev.SubjectID))
		if errors.Is(err, hoststate.ErrNotFound) {
			return fmt.Errorf("%w: tab %d is gone", model.ErrValidationRejected, ev.SubjectID)
		}
		if err != nil {
			return fmt.Errorf("%w: get tab: %w", model.ErrTransientHost, err)
		}
		return t.navigateLocked(ctx, tab)
	case model.EventWindowFocusChanged:
		return t.focusChangedLocked(ctx, model.WindowID(ev.SubjectID))
	case model.EventTabRemoved:
		return t.tabClosedLocked(ctx, model.TabID(ev.SubjectID))
	}
	return fmt.Errorf("%w: %s", model.ErrUnsupportedEvent, ev.Kind)
}

// Activate makes tabID the timed tab if it is still current. The previous
// domain moves to grace.
func (t *Tracker) Activate(ctx context.Context, tabID model.TabID, windowID model.WindowID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activateLocked(ctx, tabID, windowID)
}

func (t *Tracker) Navigate(ctx context.Context, tab model.Tab) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.navigateLocked(ctx, tab)
}

// FocusChanged handles window focus. model.WindowNone means the browser lost
// focus and the current session goes to grace.
func (t *Tracker) FocusChanged(ctx context.Context, windowID model.WindowID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.focusChangedLocked(ctx, windowID)
}

func (t *Tracker) TabClosed(ctx context.Context, tabID model.TabID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tabClosedLocked(ctx, tabID)
}

func (t *Tracker) activateLocked(ctx context.Context, tabID model.TabID, windowID model.WindowID) error {
	tab, err := t.currentTab(ctx, tabID, windowID)
	if err != nil {
		return err
	}
	if tab.URL == "" {
		return fmt.Errorf("%w: tab %d has no url yet", model.ErrTransientHost, tab.ID)
	}
	if err := t.trackLocked(ctx, tab); err != nil {
		return err
	}

	// The host may have moved on while we were writing.
	if _, err := t.currentTab(ctx, tabID, tab.WindowID); errors.Is(err, model.ErrValidationRejected) && t.cur != nil && t.cur.TabID == tabID {
		t.logger.Debug("tab lost activation during switch", zap.Int64("tab", int64(tabID)))
		return t.graceLocked(ctx, t.clock.Now())
	}
	return nil
}

// currentTab loads the tab and checks that it is the active tab of its
// window and that its window has focus, when focus is known.
func (t *Tracker) currentTab(ctx context.Context, tabID model.TabID, windowID model.WindowID) (model.Tab, error) {
	tab, err := t.host.GetTab(ctx, tabID)
	if errors.Is(err, hoststate.ErrNotFound) {
		return model.Tab{}, fmt.Errorf("%w: tab %d is gone", model.ErrValidationRejected, tabID)
	}
	if err != nil {
		return model.Tab{}, fmt.Errorf("%w: get tab: %w", model.ErrTransientHost, err)
	}
	if windowID == model.WindowNone {
		windowID = tab.WindowID
	}
	active, err := t.host.ActiveTab(ctx, windowID)
	if errors.Is(err, hoststate.ErrNotFound) || (err == nil && active.ID != tabID) {
		return model.Tab{}, ErrTabNotCurrent
	}
	if err != nil {
		return model.Tab{}, fmt.Errorf("%w: active tab: %w", model.ErrTransientHost, err)
	}
	focused, err := t.host.FocusedWindow(ctx)
	if err != nil {
		return model.Tab{}, fmt.Errorf("%w: focused window: %w", model.ErrTransientHost, err)
	}
	if focused != model.WindowNone && focused != windowID {
		return model.Tab{}, ErrTabNotCurrent
	}
	return tab, nil
}

// trackLocked makes tab the timed tab. Untrackable pages end tracking with
// grace so a quick return still restores the previous domain.
func (t *Tracker) trackLocked(ctx context.Context, tab model.Tab) error {
	now := t.clock.Now()
	domain, ok := siteurl.Domain(tab.URL)
	if !ok {
		if t.cur == nil {
			return nil
		}
		t.logger.Debug("untrackable page", zap.String("url", siteurl.Redact(tab.URL)))
		return t.graceLocked(ctx, now)
	}
	if t.cur != nil && t.cur.Domain == domain {
		t.cur.TabID = tab.ID
		t.cur.WindowID = tab.WindowID
		return nil
	}
	if t.cur != nil {
		if err := t.graceLocked(ctx, now); err != nil {
			return err
		}
	}
	t.paused = nil
	t.lastSwitch = now

	if entry, ok := t.graces[domain]; ok {
		if entry.timer.Stop() {
			entry.consumed = true
			delete(t.graces, domain)
			snap := entry.snap
			t.cur = &Session{
				TabID:        tab.ID,
				WindowID:     tab.WindowID,
				Domain:       domain,
				StartTime:    snap.StartTime,
				LastSaveTime: now,
				Carry:        snap.Duration,
				RecordID:     snap.RecordID,
				Persisted:    snap.Persisted,
				IsActive:     true,
			}
			t.logger.Debug("restored session from grace",
				zap.String("domain", domain),
				zap.Duration("away", now.Sub(snap.CapturedAt)))
			t.settleLocked()
			return nil
		}
		// The grace timer already fired; finalize here so the callback
		// becomes a no-op and the return starts fresh.
		t.expireLocked(ctx, entry)
	}

	t.cur = &Session{
		TabID:        tab.ID,
		WindowID:     tab.WindowID,
		Domain:       domain,
		StartTime:    now,
		LastSaveTime: now,
		IsActive:     true,
	}
	t.settleLocked()
	t.publish(model.NotifySessionStarted, t.cur, now)
	return nil
}

func (t *Tracker) navigateLocked(ctx context.Context, tab model.Tab) error {
	if t.cur == nil || t.cur.TabID != tab.ID {
		if !tab.Active {
			return nil
		}
		if _, err := t.currentTab(ctx, tab.ID, tab.WindowID); err != nil {
			if errors.Is(err, model.ErrValidationRejected) {
				return nil
			}
			return err
		}
	}
	if tab.URL == "" {
		return nil
	}
	return t.trackLocked(ctx, tab)
}

func (t *Tracker) focusChangedLocked(ctx context.Context, windowID model.WindowID) error {
	if windowID == model.WindowNone {
		if t.cur == nil {
			return nil
		}
		return t.graceLocked(ctx, t.clock.Now())
	}
	active, err := t.host.ActiveTab(ctx, windowID)
	if errors.Is(err, hoststate.ErrNotFound) {
		if t.cur != nil && t.cur.WindowID != windowID {
			return t.graceLocked(ctx, t.clock.Now())
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: active tab: %w", model.ErrTransientHost, err)
	}
	return t.activateLocked(ctx, active.ID, windowID)
}

func (t *Tracker) tabClosedLocked(ctx context.Context, tabID model.TabID) error {
	if t.paused != nil && t.paused.TabID == tabID {
		t.paused = nil
		t.settleLocked()
	}
	if t.cur == nil || t.cur.TabID != tabID {
		return nil
	}
	if err := t.closeLocked(ctx, t.cur, t.clock.Now()); err != nil {
		return err
	}
	t.cur = nil
	t.settleLocked()
	return nil
}

// Stop ends tracking without grace. Pending grace snapshots are finalized
// right away.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != nil {
		if err := t.closeLocked(ctx, t.cur, t.clock.Now()); err != nil {
			return err
		}
		t.cur = nil
	}
	for _, entry := range t.sortedGraces() {
		entry.timer.Stop()
		t.expireLocked(ctx, entry)
	}
	t.paused = nil
	t.settleLocked()
	return nil
}

// Checkpoint saves the time accrued since the last write. It is skipped
// right after a switch. When the last heartbeat is older than one sleep
// check interval the host may be asleep, so only time up to that heartbeat
// is written; the remainder is written once activity resumes or dropped by
// PauseForSleep.
func (t *Tracker) Checkpoint(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return nil
	}
	now := t.clock.Now()
	if now.Sub(t.lastSwitch) < t.cfg.SwitchCooldown {
		return nil
	}
	at := now
	if last := t.lastBeatAt(); !last.IsZero() && now.Sub(last) > t.cfg.SleepCheckInterval {
		at = last
	}
	if !at.After(t.cur.LastSaveTime) {
		return nil
	}
	rec, err := t.flushLocked(ctx, t.cur, at)
	if err != nil {
		return err
	}
	t.publishRecord(model.NotifySessionUpdated, rec, now)
	return nil
}

// Run checkpoints every CheckpointInterval until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	w := t.clock.TickerFunc(ctx, t.cfg.CheckpointInterval, func() error {
		if err := t.Checkpoint(ctx); err != nil {
			t.logger.Warn("checkpoint failed", zap.Error(err))
		}
		return nil
	}, "tracker", "checkpoint")
	err := w.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// PauseForSleep credits the session up to lastHeartbeat, finalizes it and
// remembers the tab so the next activity can resume it. Time already
// written past lastHeartbeat cannot be taken back, so the end never moves
// before the last save. On error the session is left as it was.
func (t *Tracker) PauseForSleep(ctx context.Context, lastHeartbeat time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return nil
	}
	end := lastHeartbeat
	if end.Before(t.cur.LastSaveTime) {
		end = t.cur.LastSaveTime
	}
	if err := t.closeLocked(ctx, t.cur, end); err != nil {
		return err
	}
	t.paused = &Session{TabID: t.cur.TabID, WindowID: t.cur.WindowID, Domain: t.cur.Domain}
	t.cur = nil
	t.settleLocked()
	t.logger.Info("paused for sleep",
		zap.String("domain", t.paused.Domain),
		zap.Time("last_heartbeat", lastHeartbeat))
	return nil
}

// ResumeFromSleep restarts the paused domain with a fresh start time when
// its tab is still the current tab.
func (t *Tracker) ResumeFromSleep(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused == nil {
		return nil
	}
	p := t.paused
	t.paused = nil
	tab, err := t.currentTab(ctx, p.TabID, p.WindowID)
	if err != nil {
		t.settleLocked()
		if errors.Is(err, model.ErrValidationRejected) {
			return nil
		}
		return err
	}
	domain, ok := siteurl.Domain(tab.URL)
	if !ok || domain != p.Domain {
		t.settleLocked()
		return nil
	}
	now := t.clock.Now()
	t.lastSwitch = now
	t.cur = &Session{
		TabID:        tab.ID,
		WindowID:     tab.WindowID,
		Domain:       domain,
		StartTime:    now,
		LastSaveTime: now,
		IsActive:     true,
	}
	t.settleLocked()
	t.publish(model.NotifySessionStarted, t.cur, now)
	return nil
}

// Snapshot returns a copy of the tracker state for status queries.
func (t *Tracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{State: t.state, LastSwitch: t.lastSwitch}
	if t.cur != nil {
		cur := *t.cur
		st.Current = &cur
	}
	if t.paused != nil {
		p := *t.paused
		st.Paused = &p
	}
	for _, entry := range t.sortedGraces() {
		st.Grace = append(st.Grace, entry.snap)
	}
	return st
}

// graceLocked moves the current session into a grace snapshot.
func (t *Tracker) graceLocked(ctx context.Context, now time.Time) error {
	s := t.cur
	if _, err := t.flushLocked(ctx, s, now); err != nil {
		return err
	}
	if old, ok := t.graces[s.Domain]; ok {
		old.timer.Stop()
		t.expireLocked(ctx, old)
	}
	entry := &graceEntry{snap: GraceSnapshot{
		Domain:     s.Domain,
		TabID:      s.TabID,
		WindowID:   s.WindowID,
		StartTime:  s.StartTime,
		Duration:   s.accrued(now),
		CapturedAt: now,
		RecordID:   s.RecordID,
		Persisted:  s.Persisted,
	}}
	entry.timer = t.clock.AfterFunc(t.cfg.GracePeriod, func() { t.onGraceExpired(entry) }, "tracker", "grace")
	t.graces[s.Domain] = entry
	t.cur = nil
	t.setStateLocked(StateGracePaused)
	return nil
}

func (t *Tracker) onGraceExpired(entry *graceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry.consumed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DispatchTimeout)
	defer cancel()
	t.expireLocked(ctx, entry)
	t.settleLocked()
}

// expireLocked finalizes a grace snapshot. Snapshots that never reached a
// durable record are discarded.
func (t *Tracker) expireLocked(ctx context.Context, entry *graceEntry) {
	entry.consumed = true
	if t.graces[entry.snap.Domain] == entry {
		delete(t.graces, entry.snap.Domain)
	}
	snap := entry.snap
	if !snap.Persisted {
		t.logger.Debug("discarding short session", zap.String("domain", snap.Domain), zap.Duration("duration", snap.Duration))
		return
	}
	rec, err := t.recorder.RecordTime(ctx, persist.RecordRequest{
		Domain:    snap.Domain,
		Delta:     snap.Duration.Truncate(time.Second),
		EndTime:   snap.CapturedAt,
		Mode:      model.RecordFinalize,
		SessionID: snap.RecordID,
	})
	if err != nil {
		t.logger.Warn("finalizing grace session failed", zap.String("domain", snap.Domain), zap.Error(err))
		return
	}
	t.publishRecord(model.NotifySessionStopped, rec, t.clock.Now())
}

// flushLocked writes the accrued time of s and returns the record written,
// if any. A session without a record gets one once it has accrued MinDwell.
func (t *Tracker) flushLocked(ctx context.Context, s *Session, now time.Time) (*model.SiteSession, error) {
	accrued := s.accrued(now)
	whole := accrued.Truncate(time.Second)
	if !s.Persisted {
		if accrued < t.cfg.MinDwell {
			return nil, nil
		}
		rec, err := t.recorder.RecordTime(ctx, persist.RecordRequest{
			Domain:     s.Domain,
			Delta:      whole,
			IsNewVisit: true,
			StartTime:  s.StartTime,
			Mode:       model.RecordCreate,
		})
		switch {
		case err == nil:
			s.RecordID = rec.ID
			s.Persisted = true
			s.LastSaveTime = now
			s.Carry = accrued - whole
			return rec, nil
		case errors.Is(err, model.ErrValidationRejected):
			t.logger.Info("session record refused", zap.String("domain", s.Domain), zap.Error(err))
			s.LastSaveTime = now
			s.Carry = 0
			return nil, nil
		default:
			return nil, err
		}
	}
	if whole < time.Second {
		return nil, nil
	}
	rec, err := t.recorder.RecordTime(ctx, persist.RecordRequest{
		Domain:    s.Domain,
		Delta:     whole,
		Mode:      model.RecordIncremental,
		SessionID: s.RecordID,
	})
	switch {
	case err == nil:
		s.RecordID = rec.ID
		s.LastSaveTime = now
		s.Carry = accrued - whole
		return rec, nil
	case errors.Is(err, persist.ErrNoActiveSession):
		// Closed under us (stale close or midnight); the next flush opens a
		// new record carrying this time.
		s.RecordID = ""
		s.Persisted = false
		s.LastSaveTime = now
		s.Carry = accrued
		return nil, nil
	case errors.Is(err, model.ErrValidationRejected):
		t.logger.Info("delta refused", zap.String("domain", s.Domain), zap.Duration("delta", whole), zap.Error(err))
		s.LastSaveTime = now
		s.Carry = accrued - whole
		return nil, nil
	default:
		return nil, err
	}
}

// closeLocked flushes s up to end and completes its record.
func (t *Tracker) closeLocked(ctx context.Context, s *Session, end time.Time) error {
	if _, err := t.flushLocked(ctx, s, end); err != nil {
		return err
	}
	if !s.Persisted {
		return nil
	}
	rec, err := t.recorder.RecordTime(ctx, persist.RecordRequest{
		Domain:    s.Domain,
		Mode:      model.RecordFinalize,
		SessionID: s.RecordID,
		EndTime:   end,
	})
	if err != nil && !errors.Is(err, model.ErrValidationRejected) {
		return err
	}
	s.IsActive = false
	if rec != nil {
		t.publishRecord(model.NotifySessionStopped, rec, t.clock.Now())
	}
	return nil
}

func (t *Tracker) setStateLocked(to State) {
	from := t.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		t.logger.Warn("unexpected transition", zap.String("from", string(from)), zap.String("to", string(to)))
	}
	t.state = to
	t.metrics.Transition(string(from), string(to))
	t.logger.Debug("transition", zap.String("from", string(from)), zap.String("to", string(to)))
}

func (t *Tracker) settleLocked() {
	t.setStateLocked(settledState(t.cur != nil, t.paused != nil, len(t.graces)))
}

func (t *Tracker) sortedGraces() []*graceEntry {
	out := make([]*graceEntry, 0, len(t.graces))
	for _, entry := range t.graces {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].snap.Domain < out[j].snap.Domain })
	return out
}

func (t *Tracker) publish(kind model.NotificationKind, s *Session, at time.Time) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(model.Notification{
		Kind:      kind,
		Domain:    s.Domain,
		SessionID: s.RecordID,
		At:        at,
	})
}

func (t *Tracker) publishRecord(kind model.NotificationKind, rec *model.SiteSession, at time.Time) {
	if t.publisher == nil || rec == nil {
		return
	}
	t.publisher.Publish(model.Notification{
		Kind:            kind,
		Domain:          rec.Domain,
		SessionID:       rec.ID,
		DurationSeconds: rec.DurationSeconds,
		At:              at,
	})
}
