package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/db"
	"github.com/g960059/tabtime/internal/logging"
	"github.com/g960059/tabtime/internal/metrics"
	"github.com/g960059/tabtime/internal/model"
)

const dayLayout = "2006-01-02"

var (
	ErrNoActiveSession   = fmt.Errorf("%w: no active session", model.ErrValidationRejected)
	ErrStartInFuture     = fmt.Errorf("%w: start time in the future", model.ErrValidationRejected)
	ErrStartTooOld       = fmt.Errorf("%w: start time too old", model.ErrValidationRejected)
	ErrDeltaInconsistent = fmt.Errorf("%w: delta larger than session age", model.ErrValidationRejected)
	ErrEmptyDomain       = fmt.Errorf("%w: empty domain", model.ErrValidationRejected)
	ErrUnknownMode       = fmt.Errorf("%w: unknown record mode", model.ErrValidationRejected)
)

// RecordRequest is one durable write. Delta is the incremental time since
// the caller's last persisted point. StartTime is only read by create and
// EndTime only by finalize; zero values mean "now".
type RecordRequest struct {
	Domain     string
	Delta      time.Duration
	IsNewVisit bool
	StartTime  time.Time
	EndTime    time.Time
	Mode       model.RecordMode
	SessionID  string
}

type Engine struct {
	store   *db.Store
	cfg     config.Config
	clock   quartz.Clock
	loc     *time.Location
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Engine)

func WithClock(clock quartz.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLocation sets the time zone used for day buckets.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

func NewEngine(store *db.Store, cfg config.Config, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		cfg:   cfg,
		clock: quartz.NewReal(),
		loc:   time.Local,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger).Named("persist")
	return e
}

// Day returns the bucket key for t.
func (e *Engine) Day(t time.Time) string {
	return t.In(e.loc).Format(dayLayout)
}

func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// RecordTime applies one write. A nil record means the write was rejected or
// had nothing to do; rejections return an error wrapping
// model.ErrValidationRejected and store failures one wrapping
// model.ErrPersistence.
func (e *Engine) RecordTime(ctx context.Context, req RecordRequest) (*model.SiteSession, error) {
	req.Domain = strings.TrimSpace(req.Domain)
	var (
		rec      *model.SiteSession
		credited int64
		err      error
	)
	switch {
	case req.Domain == "" && req.SessionID == "":
		err = ErrEmptyDomain
	case req.Mode == model.RecordCreate:
		rec, credited, err = e.create(ctx, req)
	case req.Mode == model.RecordIncremental:
		rec, credited, err = e.incremental(ctx, req)
	case req.Mode == model.RecordFinalize:
		rec, credited, err = e.finalize(ctx, req)
	default:
		err = ErrUnknownMode
	}
	switch {
	case err == nil:
		e.metrics.RecordWrite(string(req.Mode), "ok", credited)
		return rec, nil
	case errors.Is(err, model.ErrValidationRejected):
		e.metrics.RecordWrite(string(req.Mode), "rejected", 0)
		e.logger.Debug("record rejected",
			zap.String("mode", string(req.Mode)),
			zap.String("domain", req.Domain),
			zap.Duration("delta", req.Delta),
			zap.Error(err))
		return nil, err
	default:
		e.metrics.RecordWrite(string(req.Mode), "error", 0)
		e.logger.Warn("record failed",
			zap.String("mode", string(req.Mode)),
			zap.String("domain", req.Domain),
			zap.Error(err))
		return nil, fmt.Errorf("%w: record %s: %w", model.ErrPersistence, req.Mode, err)
	}
}

func (e *Engine) validateStart(start, now time.Time) error {
	if start.After(now.Add(e.cfg.ClockSkew)) {
		return ErrStartInFuture
	}
	if now.Sub(start) > e.cfg.MaxStartAge {
		return ErrStartTooOld
	}
	return nil
}

func (e *Engine) create(ctx context.Context, req RecordRequest) (*model.SiteSession, int64, error) {
	if req.Domain == "" {
		return nil, 0, ErrEmptyDomain
	}
	now := e.clock.Now()
	start := req.StartTime
	if start.IsZero() {
		start = now
	}
	if err := e.validateStart(start, now); err != nil {
		return nil, 0, err
	}
	if start.After(now) {
		start = now
	}
	day := e.Day(now)

	var (
		out      model.SiteSession
		credited int64
	)
	err := e.store.WithTx(ctx, func(tx *db.Tx) error {
		bucket, err := tx.ListBucket(ctx, day, req.Domain)
		if err != nil {
			return err
		}
		reuse := e.pickReusable(bucket, now)
		for _, other := range bucket {
			if !other.Active() || (reuse != nil && other.ID == reuse.ID) {
				continue
			}
			closeRecord(&other, other.UpdatedAt, now)
			if err := tx.UpdateSession(ctx, other); err != nil {
				return err
			}
		}

		var rec model.SiteSession
		if reuse != nil {
			rec = *reuse
			if !rec.Active() {
				rec.Status = model.SessionActive
				rec.EndTime = nil
			}
			rec.SyncedAt = nil
			if req.IsNewVisit {
				rec.Visits++
			}
			rec.UpdatedAt = now
		} else {
			rec = model.SiteSession{
				ID:        uuid.NewString(),
				Day:       day,
				Domain:    req.Domain,
				StartTime: start,
				Status:    model.SessionActive,
				Visits:    1,
				UpdatedAt: now,
			}
			if err := tx.InsertSession(ctx, rec); err != nil {
				return err
			}
		}
		active, added, err := e.addDelta(ctx, tx, &rec, req.Delta, now)
		if err != nil {
			return err
		}
		out, credited = active, added
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &out, credited, nil
}

// pickReusable returns the most recent record of the bucket that was touched
// within the reuse window and still has room below the session cap.
func (e *Engine) pickReusable(bucket []model.SiteSession, now time.Time) *model.SiteSession {
	capSeconds := seconds(e.cfg.SessionCap)
	for i := range bucket {
		rec := bucket[i]
		if now.Sub(rec.UpdatedAt) > e.cfg.ReuseWindow {
			continue
		}
		if rec.DurationSeconds >= capSeconds {
			continue
		}
		return &bucket[i]
	}
	return nil
}

func (e *Engine) incremental(ctx context.Context, req RecordRequest) (*model.SiteSession, int64, error) {
	now := e.clock.Now()
	var (
		out      model.SiteSession
		credited int64
	)
	err := e.store.WithTx(ctx, func(tx *db.Tx) error {
		rec, err := e.findActive(ctx, tx, req.SessionID, req.Domain, now)
		if err != nil {
			return err
		}
		age := now.Sub(rec.StartTime)
		if req.Delta > age+e.cfg.AgeTolerance {
			return ErrDeltaInconsistent
		}
		rec.UpdatedAt = now
		active, added, err := e.addDelta(ctx, tx, &rec, req.Delta, now)
		if err != nil {
			return err
		}
		out, credited = active, added
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &out, credited, nil
}

func (e *Engine) finalize(ctx context.Context, req RecordRequest) (*model.SiteSession, int64, error) {
	now := e.clock.Now()
	end := req.EndTime
	if end.IsZero() || end.After(now) {
		end = now
	}
	var (
		out      model.SiteSession
		credited int64
	)
	err := e.store.WithTx(ctx, func(tx *db.Tx) error {
		if req.SessionID != "" {
			rec, err := tx.GetSession(ctx, req.SessionID)
			if err == nil && !rec.Active() {
				out = rec
				return nil
			}
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
		}
		rec, err := e.findActive(ctx, tx, req.SessionID, req.Domain, now)
		if err != nil {
			return err
		}
		rec.UpdatedAt = now
		active := rec
		if req.Delta >= time.Second {
			active, credited, err = e.addDelta(ctx, tx, &rec, req.Delta, now)
			if err != nil {
				return err
			}
		}
		if !active.Active() {
			out = active
			return nil
		}
		closeRecord(&active, end, now)
		if err := tx.UpdateSession(ctx, active); err != nil {
			return err
		}
		out = active
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &out, credited, nil
}

// findActive resolves the record a write applies to: the given session when
// it is still active, otherwise the most recent active record of the domain.
func (e *Engine) findActive(ctx context.Context, tx *db.Tx, sessionID, domain string, now time.Time) (model.SiteSession, error) {
	if sessionID != "" {
		rec, err := tx.GetSession(ctx, sessionID)
		switch {
		case err == nil && rec.Active():
			return rec, nil
		case err == nil:
			domain = rec.Domain
		case !errors.Is(err, db.ErrNotFound):
			return model.SiteSession{}, err
		}
	}
	if domain == "" {
		return model.SiteSession{}, ErrNoActiveSession
	}
	bucket, err := tx.ListBucket(ctx, e.Day(now), domain)
	if err != nil {
		return model.SiteSession{}, err
	}
	var (
		found  model.SiteSession
		active int
	)
	for _, rec := range bucket {
		if !rec.Active() {
			continue
		}
		if active == 0 {
			found = rec
		}
		active++
	}
	if active == 0 {
		return model.SiteSession{}, ErrNoActiveSession
	}
	if active > 1 {
		// Left for Consolidate to repair; writes go to the most recent record.
		e.logger.Warn("bucket has more than one active record",
			zap.String("day", found.Day),
			zap.String("domain", domain),
			zap.Error(fmt.Errorf("%w: %d active records", model.ErrInvariantViolation, active)))
	}
	return found, nil
}

// addDelta credits delta to rec (already loaded inside tx) and writes it
// back. When the session cap is crossed rec is completed and the overflow
// goes to a new active record, which is returned instead of rec.
func (e *Engine) addDelta(ctx context.Context, tx *db.Tx, rec *model.SiteSession, delta time.Duration, now time.Time) (model.SiteSession, int64, error) {
	secs := int64(delta / time.Second)
	if maxSecs := seconds(e.cfg.MaxIncrement); secs > maxSecs {
		secs = maxSecs
	}
	if secs < 0 {
		secs = 0
	}
	room := seconds(e.cfg.SessionCap) - rec.DurationSeconds
	if room < 0 {
		room = 0
	}
	if secs <= room && room > 0 {
		rec.DurationSeconds += secs
		if err := tx.UpdateSession(ctx, *rec); err != nil {
			return model.SiteSession{}, 0, err
		}
		return *rec, secs, nil
	}

	rec.DurationSeconds += room
	closeRecord(rec, now, now)
	if err := tx.UpdateSession(ctx, *rec); err != nil {
		return model.SiteSession{}, 0, err
	}
	next := model.SiteSession{
		ID:              uuid.NewString(),
		Day:             rec.Day,
		Domain:          rec.Domain,
		StartTime:       now,
		DurationSeconds: secs - room,
		Status:          model.SessionActive,
		UpdatedAt:       now,
	}
	if err := tx.InsertSession(ctx, next); err != nil {
		return model.SiteSession{}, 0, err
	}
	e.logger.Info("session cap reached, rolled over",
		zap.String("domain", rec.Domain),
		zap.String("completed", rec.ID),
		zap.String("next", next.ID),
		zap.Int64("overflow_seconds", next.DurationSeconds))
	return next, secs, nil
}

func closeRecord(rec *model.SiteSession, end, now time.Time) {
	if end.Before(rec.StartTime) {
		end = rec.StartTime
	}
	rec.Status = model.SessionCompleted
	rec.EndTime = &end
	rec.UpdatedAt = now
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
