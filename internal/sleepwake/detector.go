// Package sleepwake detects host sleep by watching for gaps between genuine
// activity signals.
package sleepwake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/db"
	"github.com/g960059/tabtime/internal/logging"
	"github.com/g960059/tabtime/internal/metrics"
)

const (
	HeartbeatMarker = "heartbeat.last"
	SleepGapMarker  = "sleep.last_gap"
)

// Pauser is the tracker side of sleep handling.
type Pauser interface {
	PauseForSleep(ctx context.Context, lastHeartbeat time.Time) error
	ResumeFromSleep(ctx context.Context) error
}

type MarkerStore interface {
	PutMarker(ctx context.Context, name, value string, now time.Time) error
	GetTimeMarker(ctx context.Context, name string) (time.Time, error)
	PutTimeMarker(ctx context.Context, name string, value, now time.Time) error
}

// Closer completes active records left behind by a previous run.
type Closer interface {
	CloseAllAt(ctx context.Context, at time.Time) (int64, error)
}

type Detector struct {
	cfg     config.Config
	clock   quartz.Clock
	pauser  Pauser
	markers MarkerStore
	closer  Closer
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	lastHeartbeat time.Time
	lastPersisted time.Time
	paused        bool
}

type Option func(*Detector)

func WithClock(clock quartz.Clock) Option {
	return func(d *Detector) { d.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

func New(cfg config.Config, pauser Pauser, markers MarkerStore, closer Closer, opts ...Option) *Detector {
	d := &Detector{
		cfg:     cfg,
		clock:   quartz.NewReal(),
		pauser:  pauser,
		markers: markers,
		closer:  closer,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrNop(d.logger).Named("sleepwake")
	return d
}

// Beat records a genuine activity signal. It is the only writer of the last
// heartbeat. A beat that arrives after a gap Check has not seen yet pauses
// the tracker at the previous heartbeat first; any beat after a pause
// resumes it. When that pause fails the heartbeat is not advanced, so the
// gap stays visible and the pause is attempted again.
func (d *Detector) Beat(ctx context.Context, at time.Time) {
	at = at.Round(0)
	d.mu.Lock()
	prev := d.lastHeartbeat
	if !prev.IsZero() && at.Before(prev) {
		d.mu.Unlock()
		return
	}
	var gap time.Duration
	if !prev.IsZero() && !d.paused {
		if g := at.Sub(prev); g > d.cfg.SleepThreshold {
			gap = g
		}
	}
	d.mu.Unlock()

	resume := false
	if gap > 0 {
		if err := d.sleepDetected(ctx, prev, gap); err != nil {
			d.logger.Warn("pause for sleep failed", zap.Time("last_heartbeat", prev), zap.Error(err))
			return
		}
		resume = true
	}

	d.mu.Lock()
	if at.Before(d.lastHeartbeat) {
		d.mu.Unlock()
		return
	}
	resume = resume || d.paused
	d.paused = false
	d.lastHeartbeat = at
	persist := at.Sub(d.lastPersisted) >= d.cfg.SleepCheckInterval
	if persist {
		d.lastPersisted = at
	}
	d.mu.Unlock()

	if resume {
		if err := d.pauser.ResumeFromSleep(ctx); err != nil {
			d.logger.Warn("resume after sleep failed", zap.Error(err))
		}
	}
	if persist {
		if err := d.markers.PutTimeMarker(ctx, HeartbeatMarker, at, at); err != nil {
			d.logger.Warn("persist heartbeat failed", zap.Error(err))
		}
	}
}

// Check compares wall-clock now with the last heartbeat. It never advances
// the heartbeat itself. A failed pause is retried on the next check.
func (d *Detector) Check(ctx context.Context) {
	now := d.clock.Now().Round(0)
	d.mu.Lock()
	last := d.lastHeartbeat
	if last.IsZero() || d.paused {
		d.mu.Unlock()
		return
	}
	gap := now.Sub(last)
	d.mu.Unlock()
	if gap <= d.cfg.SleepThreshold {
		return
	}

	if err := d.sleepDetected(ctx, last, gap); err != nil {
		d.logger.Warn("pause for sleep failed", zap.Time("last_heartbeat", last), zap.Error(err))
		return
	}
	d.mu.Lock()
	// A beat that landed meanwhile has already resumed the tracker.
	if d.lastHeartbeat.Equal(last) {
		d.paused = true
	}
	d.mu.Unlock()
}

func (d *Detector) sleepDetected(ctx context.Context, lastHeartbeat time.Time, gap time.Duration) error {
	d.logger.Info("sleep gap detected",
		zap.Time("last_heartbeat", lastHeartbeat),
		zap.Duration("gap", gap))
	d.metrics.SleepGap(gap.Seconds())
	if err := d.markers.PutMarker(ctx, SleepGapMarker, gap.String(), d.clock.Now()); err != nil {
		d.logger.Warn("persist sleep gap failed", zap.Error(err))
	}
	return d.pauser.PauseForSleep(ctx, lastHeartbeat)
}

// Run checks every SleepCheckInterval until ctx ends.
func (d *Detector) Run(ctx context.Context) error {
	w := d.clock.TickerFunc(ctx, d.cfg.SleepCheckInterval, func() error {
		d.Check(ctx)
		return nil
	}, "sleepwake", "check")
	err := w.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Recover closes records left active by a previous run whose last
// heartbeat is older than the sleep threshold.
func (d *Detector) Recover(ctx context.Context) error {
	last, err := d.markers.GetTimeMarker(ctx, HeartbeatMarker)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.clock.Now().Sub(last) <= d.cfg.SleepThreshold {
		return nil
	}
	n, err := d.closer.CloseAllAt(ctx, last)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Info("closed records from previous run", zap.Int64("count", n), zap.Time("last_heartbeat", last))
	}
	return nil
}

func (d *Detector) LastHeartbeat() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHeartbeat
}

func (d *Detector) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}
