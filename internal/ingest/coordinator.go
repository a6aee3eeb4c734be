package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/hoststate"
	"github.com/g960059/tabtime/internal/logging"
	"github.com/g960059/tabtime/internal/metrics"
	"github.com/g960059/tabtime/internal/model"
	"github.com/g960059/tabtime/internal/retry"
	"github.com/g960059/tabtime/internal/siteurl"
)

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Dispatcher receives validated events. The session tracker implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.CanonicalEvent) error
}

// Coordinator debounces events per identity key, re-validates them against
// host state when their timer fires and hands them to the Dispatcher,
// retrying transient failures with the shared backoff policy.
type Coordinator struct {
	cfg        config.Config
	clock      quartz.Clock
	host       hoststate.Querier
	dispatcher Dispatcher
	policy     retry.Policy
	logger     *zap.Logger
	metrics    *metrics.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	pending  map[string]*pendingEvent
	closed   bool
	inflight sync.WaitGroup

	keyMu    sync.Mutex
	keyLocks map[string]*keyLockEntry

	lastKeepAlive atomic.Int64
}

type pendingEvent struct {
	ev      model.CanonicalEvent
	attempt int
	timer   *quartz.Timer
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Coordinator)

func WithClock(clock quartz.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(cfg config.Config, host hoststate.Querier, dispatcher Dispatcher, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		clock:      quartz.NewReal(),
		host:       host,
		dispatcher: dispatcher,
		policy: retry.Policy{
			Base:       cfg.RetryBaseDelay,
			Max:        cfg.RetryMaxDelay,
			MaxRetries: cfg.MaxRetries,
		},
		baseCtx:  ctx,
		cancel:   cancel,
		pending:  map[string]*pendingEvent{},
		keyLocks: map[string]*keyLockEntry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("coordinator")
	return c
}

// Schedule arms a debounced dispatch for ev. A pending event with the same
// key is cancelled and replaced; scheduling a tab activation also cancels
// every other pending activation.
func (c *Coordinator) Schedule(ev model.CanonicalEvent, priority Priority) {
	key := ev.Key()
	delay := c.cfg.DebounceDelay
	if priority == PriorityHigh {
		delay = c.cfg.FocusDebounceDelay
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if ev.Kind == model.EventTabActivated {
		for k, p := range c.pending {
			if k != key && p.ev.Kind == model.EventTabActivated {
				c.cancelLocked(k, p)
			}
		}
	}
	if p, ok := c.pending[key]; ok {
		c.cancelLocked(key, p)
	}
	c.armLocked(key, &pendingEvent{ev: ev}, delay, "debounce")
	c.metrics.Scheduled(string(ev.Kind))
	c.metrics.SetPending(len(c.pending))
}

func (c *Coordinator) cancelLocked(key string, p *pendingEvent) {
	p.timer.Stop()
	delete(c.pending, key)
	c.metrics.Superseded(string(p.ev.Kind))
}

func (c *Coordinator) armLocked(key string, p *pendingEvent, delay time.Duration, reason string) {
	p.timer = c.clock.AfterFunc(delay, func() { c.fire(key, p) }, "coordinator", reason)
	c.pending[key] = p
}

// fire runs on the timer goroutine. A timer whose Stop lost the race still
// runs; it notices it no longer owns the key and returns.
func (c *Coordinator) fire(key string, p *pendingEvent) {
	c.mu.Lock()
	if c.closed || c.pending[key] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.inflight.Add(1)
	c.metrics.SetPending(len(c.pending))
	c.mu.Unlock()
	defer c.inflight.Done()

	unlock := c.lockKey(key)
	defer unlock()
	c.process(p.ev, p.attempt)
}

func (c *Coordinator) process(ev model.CanonicalEvent, attempt int) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event processing panicked",
				zap.String("key", ev.Key()),
				zap.Any("panic", r))
			c.metrics.Dropped(string(ev.Kind), "panic")
		}
	}()

	valid, err := c.validate(ev)
	if err != nil {
		c.retryLater(ev, attempt, err)
		return
	}
	if !valid {
		c.logger.Debug("dropping stale event", eventFields(ev)...)
		c.metrics.Dropped(string(ev.Kind), "invalid")
		return
	}

	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.DispatchTimeout)
	defer cancel()
	if err := c.dispatcher.Dispatch(ctx, ev); err != nil {
		if errors.Is(err, model.ErrValidationRejected) {
			c.logger.Debug("event rejected by tracker", append(eventFields(ev), zap.Error(err))...)
			c.metrics.Dropped(string(ev.Kind), "rejected")
			return
		}
		c.retryLater(ev, attempt, err)
		return
	}
	c.metrics.Dispatched(string(ev.Kind))
}

// validate reports whether the event subject still exists and is current.
// A non-nil error means the host could not answer.
func (c *Coordinator) validate(ev model.CanonicalEvent) (bool, error) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.HostQueryTimeout)
	defer cancel()

	switch ev.Kind {
	case model.EventTabRemoved:
		return true, nil
	case model.EventWindowFocusChanged:
		if ev.FocusLost() {
			return true, nil
		}
		ok, err := c.host.WindowExists(ctx, model.WindowID(ev.SubjectID))
		if err != nil {
			return false, hostErr(err)
		}
		return ok, nil
	case model.EventTabUpdated:
		_, err := c.host.GetTab(ctx, model.TabID(ev.SubjectID))
		if errors.Is(err, hoststate.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, hostErr(err)
		}
		return true, nil
	case model.EventTabActivated:
		tab, err := c.host.GetTab(ctx, model.TabID(ev.SubjectID))
		if errors.Is(err, hoststate.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, hostErr(err)
		}
		active, err := c.host.ActiveTab(ctx, tab.WindowID)
		if errors.Is(err, hoststate.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, hostErr(err)
		}
		return active.ID == tab.ID, nil
	}
	return false, nil
}

func hostErr(err error) error {
	return fmt.Errorf("%w: %w", model.ErrTransientHost, err)
}

// retryLater re-arms ev after the policy delay. The retry takes the key's
// pending slot, so a newer schedule for the key supersedes it.
func (c *Coordinator) retryLater(ev model.CanonicalEvent, attempt int, cause error) {
	if c.policy.Exhausted(attempt) {
		c.logger.Warn("giving up on event", append(eventFields(ev), zap.Int("attempts", attempt+1), zap.Error(cause))...)
		c.metrics.Dropped(string(ev.Kind), "retries_exhausted")
		return
	}
	key := ev.Key()
	delay := c.policy.Delay(attempt)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.pending[key]; ok {
		c.logger.Debug("retry superseded by newer event", eventFields(ev)...)
		return
	}
	c.armLocked(key, &pendingEvent{ev: ev, attempt: attempt + 1}, delay, "retry")
	c.metrics.Retried(string(ev.Kind))
	c.metrics.SetPending(len(c.pending))
	c.logger.Debug("retrying event", append(eventFields(ev), zap.Duration("delay", delay), zap.Error(cause))...)
}

// lockKey serializes processing per key.
func (c *Coordinator) lockKey(key string) func() {
	c.keyMu.Lock()
	entry, ok := c.keyLocks[key]
	if !ok {
		entry = &keyLockEntry{}
		c.keyLocks[key] = entry
	}
	entry.refs++
	c.keyMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		c.keyMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.keyLocks, key)
		}
		c.keyMu.Unlock()
	}
}

// KeepAlive records a liveness tick every KeepAliveInterval until ctx ends.
// It has no effect on event handling.
func (c *Coordinator) KeepAlive(ctx context.Context) error {
	c.lastKeepAlive.Store(c.clock.Now().UnixNano())
	w := c.clock.TickerFunc(ctx, c.cfg.KeepAliveInterval, func() error {
		c.lastKeepAlive.Store(c.clock.Now().UnixNano())
		return nil
	}, "coordinator", "keepalive")
	err := w.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (c *Coordinator) LastKeepAlive() time.Time {
	n := c.lastKeepAlive.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops every pending timer and waits for in-flight processing.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for key, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()
	c.cancel()
	c.inflight.Wait()
	c.metrics.SetPending(0)
}

func eventFields(ev model.CanonicalEvent) []zap.Field {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.Int64("subject", ev.SubjectID),
		zap.Int64("window", int64(ev.WindowID)),
	}
	if ev.Detail.URL != "" {
		fields = append(fields, zap.String("url", siteurl.Redact(ev.Detail.URL)))
	}
	return fields
}
