package tracker

import (
	"context"
	"time"

	"github.com/g960059/tabtime/internal/model"
	"github.com/g960059/tabtime/internal/notify"
	"github.com/g960059/tabtime/internal/persist"
)

// State is the tracker's position in the session state machine; the
// allowed moves are listed in fsm.go.
type State string

const (
	StateIdle        State = "idle"
	StateActive      State = "active"
	StateGracePaused State = "grace_paused"
	StateSleepPaused State = "sleep_paused"
)

// Session is the in-memory view of the domain currently being timed.
// Carry is credited time not yet written to the store.
type Session struct {
	TabID        model.TabID
	WindowID     model.WindowID
	Domain       string
	StartTime    time.Time
	LastSaveTime time.Time
	Carry        time.Duration
	RecordID     string
	Persisted    bool
	IsActive     bool
}

func (s Session) accrued(now time.Time) time.Duration {
	d := s.Carry
	if now.After(s.LastSaveTime) {
		d += now.Sub(s.LastSaveTime)
	}
	return d
}

// GraceSnapshot is a session captured on switch-away. It is either restored
// or finalized when its grace timer fires, never both.
type GraceSnapshot struct {
	Domain     string
	TabID      model.TabID
	WindowID   model.WindowID
	StartTime  time.Time
	Duration   time.Duration
	CapturedAt time.Time
	RecordID   string
	Persisted  bool
}

// Status is the read-only view returned by Snapshot.
type Status struct {
	State      State
	Current    *Session
	Paused     *Session
	Grace      []GraceSnapshot
	LastSwitch time.Time
}

// Recorder is the durable write path. *persist.Engine implements it.
type Recorder interface {
	RecordTime(ctx context.Context, req persist.RecordRequest) (*model.SiteSession, error)
}

// Publisher receives session notifications. *notify.Hub implements it.
type Publisher interface {
	Publish(n model.Notification) notify.Result
}

// HeartbeatFunc receives every genuine activity signal.
type HeartbeatFunc func(ctx context.Context, at time.Time)

// LastBeatFunc reports the most recent activity signal, or the zero time
// when there has been none.
type LastBeatFunc func() time.Time
