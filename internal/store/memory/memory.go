// Package memory is a mutex-guarded, map-backed store. It backs unit tests
// and the single-process development mode; durability comes from the
// postgres backend.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/store"
)

type DB struct {
	mu            sync.RWMutex
	subscriptions map[string]*domain.Subscription
	events        map[string]*domain.Event
	eventTypes    map[string]*domain.EventTypeInfo
	deliveries    map[string]*domain.Delivery
	logs          []*domain.DeliveryLogEntry

	// FailLogAppends makes Append return an error; tests use it to exercise
	// the swallow-and-report contract.
	FailLogAppends bool
}

func New() *DB {
	return &DB{
		subscriptions: make(map[string]*domain.Subscription),
		events:        make(map[string]*domain.Event),
		eventTypes:    make(map[string]*domain.EventTypeInfo),
		deliveries:    make(map[string]*domain.Delivery),
	}
}

func (db *DB) Subscriptions() store.SubscriptionStore { return &subscriptionStore{db} }
func (db *DB) Events() store.EventStore               { return &eventStore{db} }
func (db *DB) EventTypes() store.EventTypeStore       { return &eventTypeStore{db} }
func (db *DB) Deliveries() store.DeliveryStore        { return &deliveryStore{db} }
func (db *DB) DeliveryLogs() store.DeliveryLogStore   { return &deliveryLogStore{db} }

var _ store.Store = (*DB)(nil)

type subscriptionStore struct{ db *DB }

func (s *subscriptionStore) Create(_ context.Context, sub *domain.Subscription) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *sub
	s.db.subscriptions[sub.ID] = &cp
	return nil
}

func (s *subscriptionStore) Get(_ context.Context, id, tenantID string) (*domain.Subscription, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	sub, ok := s.db.subscriptions[id]
	if !ok || sub.TenantID != tenantID || sub.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *subscriptionStore) GetByID(_ context.Context, id string) (*domain.Subscription, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	sub, ok := s.db.subscriptions[id]
	if !ok || sub.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *subscriptionStore) List(_ context.Context, tenantID string) ([]*domain.Subscription, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*domain.Subscription
	for _, sub := range s.db.subscriptions {
		if sub.TenantID == tenantID && sub.DeletedAt == nil {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *subscriptionStore) Update(_ context.Context, sub *domain.Subscription) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	existing, ok := s.db.subscriptions[sub.ID]
	if !ok || existing.TenantID != sub.TenantID {
		return store.ErrNotFound
	}
	cp := *sub
	cp.UpdatedAt = time.Now().UTC()
	s.db.subscriptions[sub.ID] = &cp
	return nil
}

func (s *subscriptionStore) Matching(_ context.Context, tenantID, eventType string) ([]*domain.Subscription, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*domain.Subscription
	for _, sub := range s.db.subscriptions {
		if sub.TenantID != tenantID || !sub.Deliverable() {
			continue
		}
		if sub.WantsEventType(eventType) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *subscriptionStore) RecordOutcome(_ context.Context, id string, success bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sub, ok := s.db.subscriptions[id]
	if !ok {
		return store.ErrNotFound
	}
	if success {
		sub.TotalSent++
		sub.ConsecutiveFailures = 0
	} else {
		sub.TotalFailed++
		sub.ConsecutiveFailures++
	}
	sub.Health = domain.HealthForFailures(sub.ConsecutiveFailures, sub.Health)
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

type eventStore struct{ db *DB }

func (s *eventStore) Insert(_ context.Context, ev *domain.Event) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *ev
	s.db.events[ev.ID] = &cp
	return nil
}

func (s *eventStore) Get(_ context.Context, id, tenantID string) (*domain.Event, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	ev, ok := s.db.events[id]
	if !ok || ev.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *eventStore) SetFanout(_ context.Context, id string, matched, pending int) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ev, ok := s.db.events[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.SubscriptionsMatched = matched
	ev.DeliveriesPending = pending
	return nil
}

func (s *eventStore) RecordDeliveryOutcome(_ context.Context, id string, success bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ev, ok := s.db.events[id]
	if !ok {
		return store.ErrNotFound
	}
	if ev.DeliveriesPending > 0 {
		ev.DeliveriesPending--
	}
	if success {
		ev.DeliveriesSucceeded++
	} else {
		ev.DeliveriesFailed++
	}
	return nil
}

type eventTypeStore struct{ db *DB }

func (s *eventTypeStore) Get(_ context.Context, name string) (*domain.EventTypeInfo, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	et, ok := s.db.eventTypes[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *et
	return &cp, nil
}

func (s *eventTypeStore) List(_ context.Context) ([]*domain.EventTypeInfo, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*domain.EventTypeInfo
	for _, et := range s.db.eventTypes {
		cp := *et
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *eventTypeStore) Upsert(_ context.Context, et *domain.EventTypeInfo) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if existing, ok := s.db.eventTypes[et.Name]; ok {
		existing.Description = et.Description
		existing.Enabled = et.Enabled
		return nil
	}
	cp := *et
	s.db.eventTypes[et.Name] = &cp
	return nil
}

func (s *eventTypeStore) RecordPublish(_ context.Context, name string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	et, ok := s.db.eventTypes[name]
	if !ok {
		et = &domain.EventTypeInfo{Name: name, Enabled: true}
		s.db.eventTypes[name] = et
	}
	et.PublishCount++
	t := at
	et.LastPublishedAt = &t
	return nil
}

type deliveryStore struct{ db *DB }

func (s *deliveryStore) Create(_ context.Context, d *domain.Delivery) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *d
	s.db.deliveries[d.ID] = &cp
	return nil
}

func (s *deliveryStore) CreateBatch(_ context.Context, ds []*domain.Delivery) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, d := range ds {
		cp := *d
		s.db.deliveries[d.ID] = &cp
	}
	return nil
}

func (s *deliveryStore) Get(_ context.Context, id string) (*domain.Delivery, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	d, ok := s.db.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *deliveryStore) ListByEvent(_ context.Context, eventID string) ([]*domain.Delivery, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*domain.Delivery
	for _, d := range s.db.deliveries {
		if d.EventID == eventID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *deliveryStore) ListBySubscription(_ context.Context, subscriptionID string, limit int) ([]*domain.Delivery, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*domain.Delivery
	for _, d := range s.db.deliveries {
		if d.SubscriptionID == subscriptionID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *deliveryStore) CountSince(_ context.Context, subscriptionID string, since time.Time) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	n := 0
	for _, d := range s.db.deliveries {
		if d.SubscriptionID == subscriptionID && !d.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *deliveryStore) ClaimDue(_ context.Context, limit int, now time.Time) ([]*domain.Delivery, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	stale := now.Add(-store.ClaimLease)
	var due []*domain.Delivery
	for _, d := range s.db.deliveries {
		switch d.Status {
		case domain.DeliveryPending, domain.DeliveryFailed:
			if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
				continue
			}
		case domain.DeliverySending:
			// Orphaned claim from a dead dispatcher; reclaim after the lease.
			if d.SentAt == nil || d.SentAt.After(stale) {
				continue
			}
		default:
			continue
		}
		sub, ok := s.db.subscriptions[d.SubscriptionID]
		if !ok || !sub.Active || sub.DeletedAt != nil {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*domain.Delivery, 0, len(due))
	for _, d := range due {
		d.Status = domain.DeliverySending
		d.AttemptNumber = d.RetryCount + 1
		t := now
		d.SentAt = &t
		d.UpdatedAt = now
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *deliveryStore) Update(_ context.Context, d *domain.Delivery) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.deliveries[d.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *d
	cp.UpdatedAt = time.Now().UTC()
	s.db.deliveries[d.ID] = &cp
	return nil
}

type deliveryLogStore struct{ db *DB }

func (s *deliveryLogStore) Append(_ context.Context, e *domain.DeliveryLogEntry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.FailLogAppends {
		return errAppendFailed
	}
	cp := *e
	s.db.logs = append(s.db.logs, &cp)
	return nil
}

func (s *deliveryLogStore) ListByDelivery(_ context.Context, deliveryID string, limit int) ([]*domain.DeliveryLogEntry, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []*domain.DeliveryLogEntry
	for _, e := range s.db.logs {
		if e.DeliveryID == deliveryID {
			cp := *e
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var errAppendFailed = errors.New("append failed")
