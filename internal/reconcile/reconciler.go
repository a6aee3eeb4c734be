package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/logging"
	"github.com/g960059/tabtime/internal/metrics"
	"github.com/g960059/tabtime/internal/persist"
)

// Maintainer is the store maintenance surface. *persist.Engine implements it.
type Maintainer interface {
	Day(t time.Time) string
	Consolidate(ctx context.Context, day string) (persist.ConsolidateResult, error)
	CloseStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Purge(ctx context.Context) (persist.PurgeResult, error)
}

type Reconciler struct {
	store   Maintainer
	cfg     config.Config
	clock   quartz.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Reconciler)

func WithClock(clock quartz.Clock) Option {
	return func(r *Reconciler) { r.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func NewReconciler(store Maintainer, cfg config.Config, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, cfg: cfg, clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).Named("reconcile")
	return r
}

// Tick runs one maintenance pass: stale actives are closed, duplicate
// buckets of today and yesterday are merged and expired rows purged. Every
// step runs even when an earlier one fails.
func (r *Reconciler) Tick(ctx context.Context, now time.Time) error {
	var result *multierror.Error

	closed, err := r.store.CloseStale(ctx, r.cfg.StaleActiveAfter)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("close stale: %w", err))
	}

	days := []string{r.store.Day(now), r.store.Day(now.AddDate(0, 0, -1))}
	merged := 0
	for _, day := range days {
		res, err := r.store.Consolidate(ctx, day)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("consolidate %s: %w", day, err))
			continue
		}
		merged += res.Removed
	}

	purged, err := r.store.Purge(ctx)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("purge: %w", err))
	}

	if closed > 0 || merged > 0 || purged.Expired > 0 || purged.Synced > 0 {
		r.logger.Info("maintenance pass",
			zap.Int64("closed_stale", closed),
			zap.Int("merged", merged),
			zap.Int64("expired", purged.Expired),
			zap.Int64("synced_purged", purged.Synced))
	}
	if err := result.ErrorOrNil(); err != nil {
		for range result.Errors {
			r.metrics.MaintenanceFailed()
		}
		return err
	}
	return nil
}

// Run ticks every MaintenanceInterval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	w := r.clock.TickerFunc(ctx, r.cfg.MaintenanceInterval, func() error {
		if err := r.Tick(ctx, r.clock.Now()); err != nil {
			r.logger.Warn("maintenance failed", zap.Error(err))
		}
		return nil
	}, "reconcile", "tick")
	err := w.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
