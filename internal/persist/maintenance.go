package persist

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/tabtime/internal/db"
	"github.com/g960059/tabtime/internal/model"
)

type ConsolidateResult struct {
	Buckets int
	Removed int
}

type PurgeResult struct {
	Expired int64
	Synced  int64
}

// Consolidate merges every (day, domain) bucket holding more than one record
// into its most recently updated record. Durations are summed and capped at
// the daily domain cap; the merged record stays active if any member was.
func (e *Engine) Consolidate(ctx context.Context, day string) (ConsolidateResult, error) {
	now := e.clock.Now()
	capSeconds := seconds(e.cfg.DailyDomainCap)
	var res ConsolidateResult
	err := e.store.WithTx(ctx, func(tx *db.Tx) error {
		domains, err := tx.ListDuplicateBuckets(ctx, day)
		if err != nil {
			return err
		}
		for _, domain := range domains {
			bucket, err := tx.ListBucket(ctx, day, domain)
			if err != nil {
				return err
			}
			if len(bucket) < 2 {
				continue
			}
			primary, drop := merge(bucket, capSeconds, now)
			if err := tx.UpdateSession(ctx, primary); err != nil {
				return err
			}
			if _, err := tx.DeleteSessions(ctx, drop); err != nil {
				return err
			}
			res.Buckets++
			res.Removed += len(drop)
		}
		return nil
	})
	if err != nil {
		return ConsolidateResult{}, fmt.Errorf("%w: consolidate %s: %w", model.ErrPersistence, day, err)
	}
	if res.Buckets > 0 {
		e.logger.Info("consolidated duplicate records",
			zap.String("day", day),
			zap.Int("buckets", res.Buckets),
			zap.Int("removed", res.Removed))
	}
	return res, nil
}

// merge folds bucket (most recently updated first) into bucket[0].
func merge(bucket []model.SiteSession, capSeconds int64, now time.Time) (model.SiteSession, []string) {
	primary := bucket[0]
	var (
		total     int64
		visits    int64
		anyActive bool
		lastEnd   *time.Time
		drop      = make([]string, 0, len(bucket)-1)
	)
	for i, rec := range bucket {
		total += rec.DurationSeconds
		visits += rec.Visits
		if rec.StartTime.Before(primary.StartTime) {
			primary.StartTime = rec.StartTime
		}
		if rec.Active() {
			anyActive = true
		}
		if rec.EndTime != nil && (lastEnd == nil || rec.EndTime.After(*lastEnd)) {
			end := *rec.EndTime
			lastEnd = &end
		}
		if i > 0 {
			drop = append(drop, rec.ID)
		}
	}
	primary.DurationSeconds = min(total, capSeconds)
	primary.Visits = visits
	primary.SyncedAt = nil
	primary.UpdatedAt = now
	if anyActive {
		primary.Status = model.SessionActive
		primary.EndTime = nil
	} else {
		primary.Status = model.SessionCompleted
		if lastEnd == nil {
			lastEnd = &now
		}
		primary.EndTime = lastEnd
	}
	return primary, drop
}

// CloseStale completes active records not updated for olderThan. It covers
// crashes and sessions left open across midnight.
func (e *Engine) CloseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := e.clock.Now()
	n, err := e.store.CompleteStale(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	if n > 0 {
		e.logger.Info("closed stale active records", zap.Int64("count", n))
	}
	return n, nil
}

// CloseAllAt completes every active record with an end time no later than at.
func (e *Engine) CloseAllAt(ctx context.Context, at time.Time) (int64, error) {
	n, err := e.store.CompleteAllActive(ctx, at, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	return n, nil
}

// Purge deletes days older than the session retention and synced records
// older than the synced retention.
func (e *Engine) Purge(ctx context.Context) (PurgeResult, error) {
	now := e.clock.Now()
	var res PurgeResult
	err := e.store.WithTx(ctx, func(tx *db.Tx) error {
		var err error
		if res.Expired, err = tx.DeleteDaysBefore(ctx, e.Day(now.Add(-e.cfg.SessionRetention))); err != nil {
			return err
		}
		res.Synced, err = tx.DeleteSyncedBefore(ctx, now.Add(-e.cfg.SyncedRetention))
		return err
	})
	if err != nil {
		return PurgeResult{}, fmt.Errorf("%w: purge: %w", model.ErrPersistence, err)
	}
	if res.Expired > 0 || res.Synced > 0 {
		e.logger.Info("purged records", zap.Int64("expired", res.Expired), zap.Int64("synced", res.Synced))
	}
	return res, nil
}

func (e *Engine) Sessions(ctx context.Context, day string) ([]model.SiteSession, error) {
	return e.store.ListDay(ctx, day)
}

func (e *Engine) Summary(ctx context.Context, day string) ([]model.DomainTotal, error) {
	return e.store.DaySummary(ctx, day)
}

func (e *Engine) Session(ctx context.Context, id string) (model.SiteSession, error) {
	return e.store.GetSession(ctx, id)
}
