package domain

import "time"

// Event is an immutable record of a business occurrence. Only its aggregate
// delivery counts are updated after insert.
type Event struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	EventType        string         `json:"event_type"`
	Version          string         `json:"version"`
	Timestamp        time.Time      `json:"timestamp"`
	Data             map[string]any `json:"data"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	SourceEntityType string         `json:"source_entity_type,omitempty"`
	SourceEntityID   string         `json:"source_entity_id,omitempty"`

	SubscriptionsMatched int `json:"subscriptions_matched"`
	DeliveriesPending    int `json:"deliveries_pending"`
	DeliveriesSucceeded  int `json:"deliveries_succeeded"`
	DeliveriesFailed     int `json:"deliveries_failed"`

	CreatedAt time.Time `json:"created_at"`
}

// EventTypeInfo describes a registered event type and its publish statistics.
type EventTypeInfo struct {
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Enabled         bool       `json:"enabled"`
	PublishCount    int64      `json:"publish_count"`
	LastPublishedAt *time.Time `json:"last_published_at,omitempty"`
}

// Envelope is the canonical wire payload POSTed to subscription endpoints.
// The signature covers the exact marshaled bytes of this structure.
type Envelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	EventTimestamp string         `json:"event_timestamp"` // RFC3339
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
