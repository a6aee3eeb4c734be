package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/tabtime/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// timestampLayout is fixed width so stored values sort lexicographically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the statements shared by Store and Tx.
type queries struct {
	q execer
}

type Store struct {
	queries
	db *sql.DB
}

// Tx is a read-modify-write unit over the store. It is only valid inside
// the callback passed to Store.WithTx.
type Tx struct {
	queries
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{queries: queries{q: db}, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn in one transaction and commits when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{queries: queries{q: sqlTx}}); err != nil {
		sqlTx.Rollback() //nolint:errcheck
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, day, domain, start_time, end_time, duration_seconds, status, visits, updated_at, synced_at`

func (q queries) GetSession(ctx context.Context, sessionID string) (model.SiteSession, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM site_sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListBucket returns every record of one (day, domain) bucket, most recently
// updated first.
func (q queries) ListBucket(ctx context.Context, day, domain string) ([]model.SiteSession, error) {
	rows, err := q.q.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM site_sessions
WHERE day = ? AND domain = ?
ORDER BY updated_at DESC, session_id DESC
`, day, domain)
	if err != nil {
		return nil, fmt.Errorf("list bucket: %w", err)
	}
	return collectSessions(rows)
}

func (q queries) ListActiveByDomain(ctx context.Context, domain string) ([]model.SiteSession, error) {
	rows, err := q.q.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM site_sessions
WHERE domain = ? AND status = 'active'
ORDER BY updated_at DESC, session_id DESC
`, domain)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return collectSessions(rows)
}

func (q queries) ListDay(ctx context.Context, day string) ([]model.SiteSession, error) {
	rows, err := q.q.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM site_sessions
WHERE day = ?
ORDER BY domain ASC, updated_at DESC, session_id DESC
`, day)
	if err != nil {
		return nil, fmt.Errorf("list day: %w", err)
	}
	return collectSessions(rows)
}

// ListDuplicateBuckets returns the domains of day that hold more than one record.
func (q queries) ListDuplicateBuckets(ctx context.Context, day string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
SELECT domain
FROM site_sessions
WHERE day = ?
GROUP BY domain
HAVING COUNT(*) > 1
ORDER BY domain ASC
`, day)
	if err != nil {
		return nil, fmt.Errorf("list duplicate buckets: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return nil, fmt.Errorf("scan duplicate bucket: %w", err)
		}
		out = append(out, domain)
	}
	return out, rows.Err()
}

func (q queries) InsertSession(ctx context.Context, s model.SiteSession) error {
	_, err := q.q.ExecContext(ctx, `
INSERT INTO site_sessions(`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, s.ID, s.Day, s.Domain, ts(s.StartTime), nullableTS(s.EndTime), s.DurationSeconds, string(s.Status), s.Visits, ts(s.UpdatedAt), nullableTS(s.SyncedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (q queries) UpdateSession(ctx context.Context, s model.SiteSession) error {
	res, err := q.q.ExecContext(ctx, `
UPDATE site_sessions
SET start_time = ?, end_time = ?, duration_seconds = ?, status = ?, visits = ?, updated_at = ?, synced_at = ?
WHERE session_id = ?
`, ts(s.StartTime), nullableTS(s.EndTime), s.DurationSeconds, string(s.Status), s.Visits, ts(s.UpdatedAt), nullableTS(s.SyncedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q queries) DeleteSessions(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := q.q.ExecContext(ctx, `DELETE FROM site_sessions WHERE session_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return res.RowsAffected()
}

// CompleteStale closes active records not updated since cutoff. The end time
// is the last update, the last moment time was credited.
func (q queries) CompleteStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
UPDATE site_sessions
SET status = 'completed', end_time = updated_at, updated_at = ?
WHERE status = 'active' AND updated_at < ?
`, ts(now), ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("complete stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// CompleteAllActive closes every active record with an end time no later
// than at.
func (q queries) CompleteAllActive(ctx context.Context, at, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
UPDATE site_sessions
SET status = 'completed',
	end_time = CASE WHEN updated_at < ? THEN updated_at ELSE ? END,
	updated_at = ?
WHERE status = 'active'
`, ts(at), ts(at), ts(now))
	if err != nil {
		return 0, fmt.Errorf("complete active sessions: %w", err)
	}
	return res.RowsAffected()
}

func (q queries) DeleteDaysBefore(ctx context.Context, day string) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM site_sessions WHERE day < ?`, day)
	if err != nil {
		return 0, fmt.Errorf("purge old days: %w", err)
	}
	return res.RowsAffected()
}

func (q queries) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
DELETE FROM site_sessions
WHERE status = 'completed' AND synced_at IS NOT NULL AND updated_at < ?
`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge synced sessions: %w", err)
	}
	return res.RowsAffected()
}

func (q queries) ListUnsynced(ctx context.Context, limit int) ([]model.SiteSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.q.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM site_sessions
WHERE status = 'completed' AND synced_at IS NULL
ORDER BY updated_at ASC, session_id ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsynced sessions: %w", err)
	}
	return collectSessions(rows)
}

// MarkSynced stamps synced_at on completed records. Records that changed
// since they were read (updated_at moved) are left for the next batch.
func (q queries) MarkSynced(ctx context.Context, batch []model.SiteSession, at time.Time) (int64, error) {
	var total int64
	for _, s := range batch {
		res, err := q.q.ExecContext(ctx, `
UPDATE site_sessions
SET synced_at = ?
WHERE session_id = ? AND status = 'completed' AND updated_at = ?
`, ts(at), s.ID, ts(s.UpdatedAt))
		if err != nil {
			return total, fmt.Errorf("mark synced: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("mark synced rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

func (q queries) DaySummary(ctx context.Context, day string) ([]model.DomainTotal, error) {
	rows, err := q.q.QueryContext(ctx, `
SELECT domain, SUM(duration_seconds), COUNT(*)
FROM site_sessions
WHERE day = ?
GROUP BY domain
ORDER BY SUM(duration_seconds) DESC, domain ASC
`, day)
	if err != nil {
		return nil, fmt.Errorf("day summary: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	out := make([]model.DomainTotal, 0)
	for rows.Next() {
		var item model.DomainTotal
		if err := rows.Scan(&item.Domain, &item.Seconds, &item.Sessions); err != nil {
			return nil, fmt.Errorf("scan day summary: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (q queries) GetMarker(ctx context.Context, name string) (string, time.Time, error) {
	var value, updatedAt string
	err := q.q.QueryRowContext(ctx, `SELECT value, updated_at FROM markers WHERE name = ?`, name).Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get marker %s: %w", name, err)
	}
	at, err := parseTS(updatedAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return value, at, nil
}

func (q queries) PutMarker(ctx context.Context, name, value string, now time.Time) error {
	_, err := q.q.ExecContext(ctx, `
INSERT INTO markers(name, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	value = excluded.value,
	updated_at = excluded.updated_at
`, name, value, ts(now))
	if err != nil {
		return fmt.Errorf("put marker %s: %w", name, err)
	}
	return nil
}

// GetTimeMarker reads a marker whose value is a timestamp.
func (q queries) GetTimeMarker(ctx context.Context, name string) (time.Time, error) {
	value, _, err := q.GetMarker(ctx, name)
	if err != nil {
		return time.Time{}, err
	}
	return parseTS(value)
}

func (q queries) PutTimeMarker(ctx context.Context, name string, value, now time.Time) error {
	return q.PutMarker(ctx, name, ts(value), now)
}

func collectSessions(rows *sql.Rows) ([]model.SiteSession, error) {
	defer rows.Close() //nolint:errcheck
	out := make([]model.SiteSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.SiteSession, error) {
	var (
		s                    model.SiteSession
		status               string
		startTime, updatedAt string
		endTime, syncedAt    sql.NullString
	)
	if err := scanner.Scan(&s.ID, &s.Day, &s.Domain, &startTime, &endTime, &s.DurationSeconds, &status, &s.Visits, &updatedAt, &syncedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SiteSession{}, ErrNotFound
		}
		return model.SiteSession{}, fmt.Errorf("scan session: %w", err)
	}
	s.Status = model.SessionStatus(status)
	var err error
	if s.StartTime, err = parseTS(startTime); err != nil {
		return model.SiteSession{}, err
	}
	if s.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.SiteSession{}, err
	}
	if s.EndTime, err = parseNullableTS(endTime); err != nil {
		return model.SiteSession{}, err
	}
	if s.SyncedAt, err = parseNullableTS(syncedAt); err != nil {
		return model.SiteSession{}, err
	}
	return s, nil
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func ts(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
