package domain

import "time"

// LogLevel is the severity of a delivery log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// DeliveryLogEntry is one append-only audit record for a delivery. Entries
// are never mutated or deleted.
type DeliveryLogEntry struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	DeliveryID string         `json:"delivery_id"`
	Level      LogLevel       `json:"level"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
