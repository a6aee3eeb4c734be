package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/tabtime/internal/db"
	"github.com/g960059/tabtime/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "tabtime-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedSession inserts a record for domain on day with the given duration.
// Completed records get an end time equal to updatedAt.
func SeedSession(t *testing.T, store *db.Store, ctx context.Context, day, domain string, status model.SessionStatus, seconds int64, updatedAt time.Time) model.SiteSession {
	t.Helper()
	s := model.SiteSession{
		ID:              uuid.NewString(),
		Day:             day,
		Domain:          domain,
		StartTime:       updatedAt.Add(-time.Duration(seconds) * time.Second),
		DurationSeconds: seconds,
		Status:          status,
		Visits:          1,
		UpdatedAt:       updatedAt,
	}
	if status == model.SessionCompleted {
		end := updatedAt
		s.EndTime = &end
	}
	if err := store.InsertSession(ctx, s); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return s
}
