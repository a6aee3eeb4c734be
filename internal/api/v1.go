package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type ChangeInfo struct {
	URL    string `json:"url,omitempty"`
	Status string `json:"status,omitempty"`
}

type Tab struct {
	ID       int64  `json:"id"`
	WindowID int64  `json:"window_id"`
	URL      string `json:"url,omitempty"`
	Active   bool   `json:"active"`
	Status   string `json:"status,omitempty"`
}

// EventRequest is one host event as posted by the extension.
type EventRequest struct {
	Kind       string      `json:"kind"`
	TabID      *int64      `json:"tab_id,omitempty"`
	WindowID   *int64      `json:"window_id,omitempty"`
	ChangeInfo *ChangeInfo `json:"change_info,omitempty"`
	Tab        *Tab        `json:"tab,omitempty"`
	Timestamp  *time.Time  `json:"timestamp,omitempty"`
}

type EventResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Key           string    `json:"key"`
	Scheduled     bool      `json:"scheduled"`
}

type HeartbeatResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Paused        bool      `json:"paused"`
}

// TabsSnapshot replaces the daemon's view of the host.
type TabsSnapshot struct {
	Tabs            []Tab `json:"tabs"`
	FocusedWindowID int64 `json:"focused_window_id"`
}

type TabsResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Tabs          int       `json:"tabs"`
}

type TrackedSession struct {
	TabID          int64     `json:"tab_id"`
	WindowID       int64     `json:"window_id"`
	Domain         string    `json:"domain"`
	StartTime      time.Time `json:"start_time"`
	LastSaveTime   time.Time `json:"last_save_time"`
	RecordID       string    `json:"record_id,omitempty"`
	UnsavedSeconds float64   `json:"unsaved_seconds"`
}

type GraceSession struct {
	Domain          string    `json:"domain"`
	TabID           int64     `json:"tab_id"`
	DurationSeconds float64   `json:"duration_seconds"`
	CapturedAt      time.Time `json:"captured_at"`
	RecordID        string    `json:"record_id,omitempty"`
}

type StatusResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	State         string          `json:"state"`
	Current       *TrackedSession `json:"current,omitempty"`
	Paused        *TrackedSession `json:"paused,omitempty"`
	Grace         []GraceSession  `json:"grace"`
	LastSwitch    *time.Time      `json:"last_switch,omitempty"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	SleepPaused   bool            `json:"sleep_paused"`
	PendingEvents int             `json:"pending_events"`
	Listeners     int             `json:"listeners"`
	SyncHealth    string          `json:"sync_health,omitempty"`
}

type SessionRecord struct {
	ID              string     `json:"id"`
	Day             string     `json:"day"`
	Domain          string     `json:"domain"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	Status          string     `json:"status"`
	Visits          int64      `json:"visits"`
	UpdatedAt       time.Time  `json:"updated_at"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
}

type SessionsEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Day           string          `json:"day"`
	Sessions      []SessionRecord `json:"sessions"`
}

type DomainTotal struct {
	Domain   string `json:"domain"`
	Seconds  int64  `json:"seconds"`
	Sessions int    `json:"sessions"`
}

type SummaryEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Day           string        `json:"day"`
	TotalSeconds  int64         `json:"total_seconds"`
	Domains       []DomainTotal `json:"domains"`
}

type StopResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	State         string    `json:"state"`
}

type ConsolidateRequest struct {
	Day string `json:"day,omitempty"`
}

type ConsolidateResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Day           string    `json:"day"`
	Buckets       int       `json:"buckets"`
	Removed       int       `json:"removed"`
}

// Notification is one message on the /v1/notifications stream.
type Notification struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Domain          string    `json:"domain"`
	SessionID       string    `json:"session_id,omitempty"`
	DurationSeconds int64     `json:"duration_seconds"`
	At              time.Time `json:"at"`
}
