// Package syncbridge ships completed session records to a remote consumer.
package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/logging"
	"github.com/g960059/tabtime/internal/metrics"
	"github.com/g960059/tabtime/internal/model"
	"github.com/g960059/tabtime/internal/retry"
)

var ErrConsumerDown = errors.New("sync consumer is down")

var errRejected = errors.New("consumer rejected batch")

// Source is where unsynced records come from. *db.Store implements it.
type Source interface {
	ListUnsynced(ctx context.Context, limit int) ([]model.SiteSession, error)
	MarkSynced(ctx context.Context, batch []model.SiteSession, at time.Time) (int64, error)
}

type Record struct {
	ID              string     `json:"id"`
	Day             string     `json:"day"`
	Domain          string     `json:"domain"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	Visits          int64      `json:"visits"`
}

type Batch struct {
	SentAt  time.Time `json:"sent_at"`
	Records []Record  `json:"records"`
}

type Bridge struct {
	cfg     config.Config
	clock   quartz.Clock
	source  Source
	client  *resty.Client
	limiter *rate.Limiter
	policy  retry.Policy
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	health HealthState
}

type Option func(*Bridge)

func WithClock(clock quartz.Clock) Option {
	return func(b *Bridge) { b.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithHTTPClient swaps the transport, mostly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) { b.client = resty.NewWithClient(c) }
}

func New(cfg config.Config, source Source, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:     cfg,
		clock:   quartz.NewReal(),
		source:  source,
		health:  HealthState{Current: HealthOK},
		limiter: rate.NewLimiter(rate.Limit(cfg.SyncRatePerSecond), 1),
		policy: retry.Policy{
			Base:       cfg.RetryBaseDelay,
			Max:        cfg.RetryMaxDelay,
			MaxRetries: cfg.MaxRetries,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = resty.New()
	}
	b.client.
		SetTimeout(cfg.SyncTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "tabtimed")
	b.logger = logging.OrNop(b.logger).Named("syncbridge")
	return b
}

func (b *Bridge) Enabled() bool {
	return b.cfg.SyncEndpoint != ""
}

func (b *Bridge) Health() HealthState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

// SyncOnce sends one batch and marks it synced after a 2xx. While the
// consumer is down it sends a single batch per SyncDownWindow, without
// retries. Rejected batches stay unsynced and are offered again on the next
// run.
func (b *Bridge) SyncOnce(ctx context.Context) (int64, error) {
	if !b.Enabled() {
		return 0, nil
	}
	now := b.clock.Now()
	b.mu.Lock()
	if !b.health.Allows(now) {
		b.mu.Unlock()
		return 0, ErrConsumerDown
	}
	recovering := b.health.Recovering()
	b.mu.Unlock()

	batch, err := b.source.ListUnsynced(ctx, b.cfg.SyncBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unsynced: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	payload := Batch{SentAt: now.UTC(), Records: make([]Record, 0, len(batch))}
	for _, s := range batch {
		payload.Records = append(payload.Records, Record{
			ID:              s.ID,
			Day:             s.Day,
			Domain:          s.Domain,
			StartTime:       s.StartTime.UTC(),
			EndTime:         s.EndTime,
			DurationSeconds: s.DurationSeconds,
			Visits:          s.Visits,
		})
	}

	policy := b.policy
	if recovering {
		policy.MaxRetries = 0
	}
	err = policy.Do(ctx, b.clock, func(ctx context.Context) error {
		return b.send(ctx, payload)
	}, func(err error, wait time.Duration) {
		b.logger.Debug("sync attempt failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})
	if err == nil || ctx.Err() == nil {
		b.observe(outcomeOf(err))
	}
	if err != nil {
		b.metrics.SyncBatch("failed", len(batch))
		return 0, err
	}

	n, err := b.source.MarkSynced(ctx, batch, b.clock.Now())
	if err != nil {
		b.metrics.SyncBatch("mark_failed", len(batch))
		return n, fmt.Errorf("mark synced: %w", err)
	}
	b.metrics.SyncBatch("ok", int(n))
	b.logger.Debug("synced batch", zap.Int("sent", len(batch)), zap.Int64("marked", n))
	return n, nil
}

func (b *Bridge) send(ctx context.Context, payload Batch) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return retry.Permanent(err)
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(b.cfg.SyncEndpoint)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("consumer returned %d", code)
	default:
		return retry.Permanent(fmt.Errorf("%w: %d", errRejected, code))
	}
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Delivered
	case errors.Is(err, errRejected):
		return Rejected
	default:
		return Unreachable
	}
}

func (b *Bridge) observe(outcome Outcome) {
	now := b.clock.Now()
	b.mu.Lock()
	prev := b.health.Current
	b.health = b.health.Observe(b.cfg, outcome, now)
	next := b.health.Current
	b.mu.Unlock()
	if prev != next {
		b.logger.Info("sync consumer health changed", zap.String("from", string(prev)), zap.String("to", string(next)))
	}
}

// Run syncs every SyncInterval until ctx ends. Failures are logged and never
// stop the loop.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.Enabled() {
		<-ctx.Done()
		return nil
	}
	w := b.clock.TickerFunc(ctx, b.cfg.SyncInterval, func() error {
		if _, err := b.SyncOnce(ctx); err != nil && !errors.Is(err, ErrConsumerDown) {
			b.logger.Warn("sync failed", zap.Error(err))
		}
		return nil
	}, "syncbridge", "sync")
	err := w.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
