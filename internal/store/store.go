// Package store defines the persistence contracts for the delivery core.
// Retry scheduling state lives behind these interfaces so it survives
// process restarts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lighthook/lighthook/internal/domain"
)

// ErrNotFound is returned when a row does not exist, is soft-deleted, or
// belongs to another tenant.
var ErrNotFound = errors.New("not found")

// ClaimLease bounds how long a claimed delivery may sit in sending. A
// dispatcher that dies between claim and outcome leaves the row in sending;
// once the lease expires the row becomes claimable again.
const ClaimLease = 5 * time.Minute

type SubscriptionStore interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	// Get is tenant-scoped and excludes soft-deleted rows.
	Get(ctx context.Context, id, tenantID string) (*domain.Subscription, error)
	// GetByID is the dispatcher's unscoped lookup; it still excludes
	// soft-deleted rows.
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	List(ctx context.Context, tenantID string) ([]*domain.Subscription, error)
	Update(ctx context.Context, sub *domain.Subscription) error
	// Matching returns active, non-deleted, non-suspended subscriptions for
	// the tenant whose event-type set contains eventType.
	Matching(ctx context.Context, tenantID, eventType string) ([]*domain.Subscription, error)
	// RecordOutcome updates delivery counters, the consecutive-failure count
	// and the derived health status after a terminal-or-retryable attempt.
	RecordOutcome(ctx context.Context, id string, success bool) error
}

type EventStore interface {
	Insert(ctx context.Context, ev *domain.Event) error
	Get(ctx context.Context, id, tenantID string) (*domain.Event, error)
	// SetFanout records how many subscriptions matched and how many
	// deliveries were enqueued for the event.
	SetFanout(ctx context.Context, id string, matched, pending int) error
	// RecordDeliveryOutcome moves one pending delivery into the succeeded or
	// failed aggregate. Called only on terminal delivery states.
	RecordDeliveryOutcome(ctx context.Context, id string, success bool) error
}

type EventTypeStore interface {
	Get(ctx context.Context, name string) (*domain.EventTypeInfo, error)
	List(ctx context.Context) ([]*domain.EventTypeInfo, error)
	Upsert(ctx context.Context, et *domain.EventTypeInfo) error
	// RecordPublish bumps publish statistics, creating the row for
	// previously unseen event types.
	RecordPublish(ctx context.Context, name string, at time.Time) error
}

type DeliveryStore interface {
	Create(ctx context.Context, d *domain.Delivery) error
	// CreateBatch inserts one event's whole fan-out in a single round trip.
	CreateBatch(ctx context.Context, ds []*domain.Delivery) error
	Get(ctx context.Context, id string) (*domain.Delivery, error)
	ListByEvent(ctx context.Context, eventID string) ([]*domain.Delivery, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*domain.Delivery, error)
	// CountSince counts deliveries created for the subscription after the
	// given instant. Used for trailing-window rate checks.
	CountSince(ctx context.Context, subscriptionID string, since time.Time) (int, error)
	// ClaimDue atomically claims up to limit due deliveries (pending or
	// failed, next_retry_at <= now, subscription active and not deleted),
	// marking each sending with sent_at set, oldest first. Concurrent
	// dispatchers never claim the same row. Sending rows whose claim is
	// older than ClaimLease are orphans from a dead dispatcher and are
	// claimed again.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*domain.Delivery, error)
	Update(ctx context.Context, d *domain.Delivery) error
}

type DeliveryLogStore interface {
	Append(ctx context.Context, e *domain.DeliveryLogEntry) error
	ListByDelivery(ctx context.Context, deliveryID string, limit int) ([]*domain.DeliveryLogEntry, error)
}

// Store bundles the per-aggregate stores a backend provides.
type Store interface {
	Subscriptions() SubscriptionStore
	Events() EventStore
	EventTypes() EventTypeStore
	Deliveries() DeliveryStore
	DeliveryLogs() DeliveryLogStore
}
