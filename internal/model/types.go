package model

import (
	"errors"
	"fmt"
	"time"
)

// EventKind is the canonical kind of a host event.
type EventKind string

const (
	EventTabActivated       EventKind = "tab_activated"
	EventTabUpdated         EventKind = "tab_updated"
	EventWindowFocusChanged EventKind = "window_focus_changed"
	EventTabRemoved         EventKind = "tab_removed"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventTabActivated, EventTabUpdated, EventWindowFocusChanged, EventTabRemoved:
		return true
	}
	return false
}

type TabID int64

type WindowID int64

// WindowNone is the window id the host reports when no window has focus.
const WindowNone WindowID = -1

const (
	TabStatusLoading  = "loading"
	TabStatusComplete = "complete"
)

type Tab struct {
	ID       TabID
	WindowID WindowID
	URL      string
	Active   bool
	Status   string
}

// EventDetail carries the parts of a host payload that matter downstream.
type EventDetail struct {
	URL        string
	Status     string
	ChangedURL bool
	Tab        *Tab
}

// CanonicalEvent is a normalized host event. SubjectID is a tab id for tab
// events and a window id for focus events.
type CanonicalEvent struct {
	Kind       EventKind
	SubjectID  int64
	WindowID   WindowID
	Timestamp  time.Time
	ReceivedAt time.Time
	Detail     EventDetail
}

// Key is the debounce identity of the event.
func (e CanonicalEvent) Key() string {
	if e.Kind == EventWindowFocusChanged && WindowID(e.SubjectID) == WindowNone {
		return string(e.Kind) + ":none"
	}
	return fmt.Sprintf("%s:%d", e.Kind, e.SubjectID)
}

func (e CanonicalEvent) FocusLost() bool {
	return e.Kind == EventWindowFocusChanged && WindowID(e.SubjectID) == WindowNone
}

// RawEvent is a host event as delivered over the wire, before normalization.
type RawEvent struct {
	Kind       string
	TabID      *int64
	WindowID   *int64
	ChangeInfo *ChangeInfo
	Tab        *RawTab
	Timestamp  *time.Time
}

type ChangeInfo struct {
	URL    string
	Status string
}

type RawTab struct {
	ID       int64
	WindowID int64
	URL      string
	Active   bool
	Status   string
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// SiteSession is the durable per-domain, per-day session record.
type SiteSession struct {
	ID              string
	Day             string
	Domain          string
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds int64
	Status          SessionStatus
	Visits          int64
	UpdatedAt       time.Time
	SyncedAt        *time.Time
}

func (s SiteSession) Active() bool {
	return s.Status == SessionActive
}

type RecordMode string

const (
	RecordCreate      RecordMode = "create"
	RecordIncremental RecordMode = "incremental"
	RecordFinalize    RecordMode = "finalize"
)

// DomainTotal is one row of a daily summary.
type DomainTotal struct {
	Domain   string
	Seconds  int64
	Sessions int
}

type NotificationKind string

const (
	NotifySessionStarted NotificationKind = "session_started"
	NotifySessionUpdated NotificationKind = "session_updated"
	NotifySessionStopped NotificationKind = "session_stopped"
)

type Notification struct {
	ID              string
	Kind            NotificationKind
	Domain          string
	SessionID       string
	DurationSeconds int64
	At              time.Time
}

// Error classes. Callers classify with errors.Is.
var (
	ErrValidationRejected  = errors.New("validation rejected")
	ErrTransientHost       = errors.New("transient host error")
	ErrPersistence         = errors.New("persistence error")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrUnsupportedEvent    = errors.New("unsupported event")
	ErrMalformedEventInput = errors.New("malformed event")
)

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrEventRejected      = "E_EVENT_REJECTED"
	ErrStoreUnavailable   = "E_STORE_UNAVAILABLE"
)
