package api

import "time"

type HealthResponse struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Status        string     `json:"status"`
	SyncHealth    string     `json:"sync_health,omitempty"`
	LastKeepAlive *time.Time `json:"last_keepalive,omitempty"`
}
