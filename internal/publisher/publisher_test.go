package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lighthook/lighthook/internal/deliverylog"
	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/signature"
	"github.com/lighthook/lighthook/internal/store/memory"
)

func newTestPublisher(t *testing.T) (*Service, *memory.DB) {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	if err := st.EventTypes().Upsert(ctx, &domain.EventTypeInfo{Name: "order.created", Enabled: true}); err != nil {
		t.Fatalf("seed event type: %v", err)
	}
	if err := st.EventTypes().Upsert(ctx, &domain.EventTypeInfo{Name: "legacy.sync", Enabled: false}); err != nil {
		t.Fatalf("seed event type: %v", err)
	}
	return New(st, deliverylog.NewWriter(st.DeliveryLogs())), st
}

func seedSubscription(t *testing.T, st *memory.DB, tenantID string, filter map[string]any, limits domain.RateLimits) *domain.Subscription {
	t.Helper()
	f, err := domain.ParseFilter(filter)
	if err != nil {
		t.Fatalf("ParseFilter() error = %v", err)
	}
	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		URL:        "https://example.com/hooks",
		EventTypes: []string{"order.created"},
		Filter:     f,
		Secret:     "sub-secret",
		Algorithm:  domain.AlgorithmSHA256,
		Retry:      domain.DefaultRetryPolicy(),
		RateLimits: limits,
		Health:     domain.HealthHealthy,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.Subscriptions().Create(context.Background(), sub); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}

func TestPublishFanout(t *testing.T) {
	pub, st := newTestPublisher(t)
	ctx := context.Background()

	matching := seedSubscription(t, st, "tn_1", map[string]any{"region": "eu"}, domain.RateLimits{})
	seedSubscription(t, st, "tn_1", map[string]any{"region": "us"}, domain.RateLimits{})

	ev, err := pub.Publish(ctx, PublishInput{
		TenantID:  "tn_1",
		EventType: "order.created",
		Data:      map[string]any{"region": "eu", "amount": 250.0},
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ev == nil {
		t.Fatal("Publish() returned nil event")
	}
	if ev.SubscriptionsMatched != 1 || ev.DeliveriesPending != 1 {
		t.Errorf("Publish() matched=%d pending=%d, want 1/1", ev.SubscriptionsMatched, ev.DeliveriesPending)
	}

	ds, err := st.Deliveries().ListByEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("ListByEvent() error = %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("Publish() created %d deliveries, want 1", len(ds))
	}

	d := ds[0]
	if d.SubscriptionID != matching.ID {
		t.Errorf("delivery subscription = %s, want %s", d.SubscriptionID, matching.ID)
	}
	if d.Status != domain.DeliveryPending {
		t.Errorf("delivery status = %s, want pending", d.Status)
	}
	if d.AttemptNumber != 1 || d.RetryCount != 0 {
		t.Errorf("delivery attempt=%d retries=%d, want 1/0", d.AttemptNumber, d.RetryCount)
	}
	if d.NextRetryAt == nil {
		t.Fatal("delivery has no nextRetryAt")
	}

	// The persisted signature must verify against the persisted body.
	if !signature.Verify([]byte(d.Request.Body), d.Request.Signature, matching.Secret, matching.Algorithm) {
		t.Error("persisted signature does not verify against persisted body")
	}
	if d.Request.Headers["Content-Type"] != "application/json" {
		t.Errorf("delivery content type = %q", d.Request.Headers["Content-Type"])
	}
	if d.Request.Headers[pub.SignatureHeader] != d.Request.Signature {
		t.Error("signature header does not carry the computed signature")
	}
}

func TestPublishValidation(t *testing.T) {
	pub, _ := newTestPublisher(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   PublishInput
	}{
		{name: "missing tenant", in: PublishInput{EventType: "order.created", Data: map[string]any{}}},
		{name: "missing event type", in: PublishInput{TenantID: "tn_1", Data: map[string]any{}}},
		{name: "missing data", in: PublishInput{TenantID: "tn_1", EventType: "order.created"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := pub.Publish(ctx, tt.in); err == nil {
				t.Error("Publish() did not fail")
			}
		})
	}
}

func TestPublishDisabledTypeDropsSilently(t *testing.T) {
	pub, st := newTestPublisher(t)
	ctx := context.Background()
	seedSubscription(t, st, "tn_1", nil, domain.RateLimits{})

	ev, err := pub.Publish(ctx, PublishInput{
		TenantID:  "tn_1",
		EventType: "legacy.sync",
		Data:      map[string]any{"x": 1.0},
	})
	if err != nil {
		t.Fatalf("Publish() error = %v, want silent drop", err)
	}
	if ev != nil {
		t.Errorf("Publish() = %+v, want nil event for disabled type", ev)
	}
}

func TestPublishUnknownTypePassesThrough(t *testing.T) {
	pub, _ := newTestPublisher(t)
	ctx := context.Background()

	ev, err := pub.Publish(ctx, PublishInput{
		TenantID:  "tn_1",
		EventType: "never.registered",
		Data:      map[string]any{"x": 1.0},
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ev == nil {
		t.Fatal("Publish() dropped an unknown (not disabled) event type")
	}
}

func TestPublishRateLimitDrop(t *testing.T) {
	pub, st := newTestPublisher(t)
	ctx := context.Background()

	one := 1
	sub := seedSubscription(t, st, "tn_1", nil, domain.RateLimits{PerMinute: &one})
	unlimited := seedSubscription(t, st, "tn_1", nil, domain.RateLimits{})

	first, err := pub.Publish(ctx, PublishInput{
		TenantID:  "tn_1",
		EventType: "order.created",
		Data:      map[string]any{"n": 1.0},
	})
	if err != nil {
		t.Fatalf("Publish() #1 error = %v", err)
	}
	if first.DeliveriesPending != 2 {
		t.Fatalf("Publish() #1 pending = %d, want 2", first.DeliveriesPending)
	}

	// The second publish inside the window is at the limit for the capped
	// subscription only: its delivery is dropped silently while the
	// unlimited one still receives a delivery, and no error surfaces.
	second, err := pub.Publish(ctx, PublishInput{
		TenantID:  "tn_1",
		EventType: "order.created",
		Data:      map[string]any{"n": 2.0},
	})
	if err != nil {
		t.Fatalf("Publish() #2 error = %v, want silent drop", err)
	}
	if second == nil {
		t.Fatal("Publish() #2 returned nil event")
	}
	if second.DeliveriesPending != 1 {
		t.Errorf("Publish() #2 pending = %d, want 1", second.DeliveriesPending)
	}

	ds, err := st.Deliveries().ListBySubscription(ctx, sub.ID, 10)
	if err != nil {
		t.Fatalf("ListBySubscription() error = %v", err)
	}
	if len(ds) != 1 {
		t.Errorf("capped subscription has %d deliveries, want 1", len(ds))
	}

	ds, err = st.Deliveries().ListBySubscription(ctx, unlimited.ID, 10)
	if err != nil {
		t.Fatalf("ListBySubscription() error = %v", err)
	}
	if len(ds) != 2 {
		t.Errorf("unlimited subscription has %d deliveries, want 2", len(ds))
	}
}

func TestPublishTenantIsolation(t *testing.T) {
	pub, st := newTestPublisher(t)
	ctx := context.Background()
	other := seedSubscription(t, st, "tn_2", nil, domain.RateLimits{})

	ev, err := pub.Publish(ctx, PublishInput{
		TenantID:  "tn_1",
		EventType: "order.created",
		Data:      map[string]any{"x": 1.0},
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ev.SubscriptionsMatched != 0 {
		t.Errorf("Publish() matched %d subscriptions across tenants, want 0", ev.SubscriptionsMatched)
	}
	ds, err := st.Deliveries().ListBySubscription(ctx, other.ID, 10)
	if err != nil {
		t.Fatalf("ListBySubscription() error = %v", err)
	}
	if len(ds) != 0 {
		t.Errorf("cross-tenant subscription received %d deliveries, want 0", len(ds))
	}
}

func TestPublishRecordsEventTypeStats(t *testing.T) {
	pub, st := newTestPublisher(t)
	ctx := context.Background()

	if _, err := pub.Publish(ctx, PublishInput{
		TenantID:  "tn_1",
		EventType: "order.created",
		Data:      map[string]any{},
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	et, err := st.EventTypes().Get(ctx, "order.created")
	if err != nil {
		t.Fatalf("EventTypes().Get() error = %v", err)
	}
	if et.PublishCount != 1 {
		t.Errorf("publish count = %d, want 1", et.PublishCount)
	}
	if et.LastPublishedAt == nil {
		t.Error("last published timestamp not set")
	}
}
