// Package publisher accepts events, fans them out to matching subscriptions,
// and enqueues deliveries with their request bodies signed at publish time.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lighthook/lighthook/internal/deliverylog"
	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/logging"
	"github.com/lighthook/lighthook/internal/metrics"
	"github.com/lighthook/lighthook/internal/signature"
	"github.com/lighthook/lighthook/internal/store"
	"github.com/lighthook/lighthook/internal/tracing"
)

// Service publishes events and creates pending deliveries for every matching,
// rate-permitted subscription.
type Service struct {
	store store.Store
	audit *deliverylog.Writer

	// SignatureHeader is the default outbound signature header name; a
	// subscription's own SignatureHeader overrides it.
	SignatureHeader string
	TimestampHeader string

	logger *logging.Logger
}

func New(st store.Store, audit *deliverylog.Writer) *Service {
	return &Service{
		store:           st,
		audit:           audit,
		SignatureHeader: "X-Webhook-Signature",
		TimestampHeader: "X-Webhook-Timestamp",
		logger:          logging.New("lighthook-publisher"),
	}
}

// PublishInput carries one event occurrence.
type PublishInput struct {
	TenantID         string
	EventType        string
	Version          string
	Timestamp        time.Time
	Data             map[string]any
	Metadata         map[string]any
	SourceEntityType string
	SourceEntityID   string
}

// Publish records the event and fans it out. A disabled event type drops the
// event silently and returns (nil, nil). Delivery failures never surface
// here: the returned error only covers validation and storage problems.
func (s *Service) Publish(ctx context.Context, in PublishInput) (*domain.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "publisher.Publish",
		attribute.String("tenant_id", in.TenantID),
		attribute.String("event_type", in.EventType),
	)
	defer span.End()

	if in.TenantID == "" {
		return nil, domain.Invalid("tenant_id", "required")
	}
	if in.EventType == "" {
		return nil, domain.Invalid("event_type", "required")
	}
	if in.Data == nil {
		return nil, domain.Invalid("data", "required")
	}

	// Unknown event types pass through; explicitly disabled ones drop the
	// event without error so that producers need no knowledge of the registry.
	et, err := s.store.EventTypes().Get(ctx, in.EventType)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.logger.WithContext(ctx).WithTenant(in.TenantID).
			WithField("event_type", in.EventType).
			Info("publishing unregistered event type")
	case err != nil:
		return nil, err
	case !et.Enabled:
		tracing.AddSpanEvent(ctx, "event_type.disabled")
		s.logger.WithContext(ctx).WithTenant(in.TenantID).
			WithField("event_type", in.EventType).
			Info("event type disabled, dropping event")
		return nil, nil
	}

	now := time.Now().UTC()
	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}
	version := in.Version
	if version == "" {
		version = "1.0"
	}

	ev := &domain.Event{
		ID:               uuid.NewString(),
		TenantID:         in.TenantID,
		EventType:        in.EventType,
		Version:          version,
		Timestamp:        ts,
		Data:             in.Data,
		Metadata:         in.Metadata,
		SourceEntityType: in.SourceEntityType,
		SourceEntityID:   in.SourceEntityID,
		CreatedAt:        now,
	}
	tracing.AddSpanEvent(ctx, "store.insert_event")
	if err := s.store.Events().Insert(ctx, ev); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("event_id", ev.ID))

	subs, err := s.store.Subscriptions().Matching(ctx, in.TenantID, in.EventType)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("subscriptions_matched", len(subs)))

	envelope := domain.Envelope{
		EventID:        ev.ID,
		EventType:      ev.EventType,
		EventTimestamp: ev.Timestamp.Format(time.RFC3339),
		Data:           ev.Data,
		Metadata:       ev.Metadata,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	matched := 0
	var fanout []*domain.Delivery
	for _, sub := range subs {
		if !sub.Filter.Matches(ev.Data) {
			continue
		}
		matched++
		allowed, window, err := s.withinRateLimits(ctx, sub, now)
		if err != nil {
			return nil, err
		}
		if !allowed {
			// At-limit is a silent drop for the producer; the audit trail and
			// metrics still record it.
			tracing.AddSpanEvent(ctx, "delivery.rate_limited",
				attribute.String("subscription_id", sub.ID),
				attribute.String("window", window),
			)
			metrics.RecordDrop("rate_limited")
			s.audit.Warn(ctx, sub.TenantID, "", "delivery dropped: rate limit reached", map[string]any{
				"subscription_id": sub.ID,
				"event_id":        ev.ID,
				"window":          window,
			})
			continue
		}
		d, err := s.buildDelivery(sub, ev, body, now)
		if err != nil {
			return nil, err
		}
		fanout = append(fanout, d)
	}

	if err := s.store.Deliveries().CreateBatch(ctx, fanout); err != nil {
		return nil, err
	}
	pending := len(fanout)
	for _, d := range fanout {
		s.audit.Info(ctx, ev.TenantID, d.ID, "delivery enqueued", map[string]any{
			"subscription_id": d.SubscriptionID,
			"event_id":        ev.ID,
			"url":             d.Request.URL,
		})
	}

	if err := s.store.Events().SetFanout(ctx, ev.ID, matched, pending); err != nil {
		return nil, err
	}
	ev.SubscriptionsMatched = matched
	ev.DeliveriesPending = pending

	if err := s.store.EventTypes().RecordPublish(ctx, ev.EventType, now); err != nil {
		s.logger.WithContext(ctx).WithEvent(ev.ID).WithError(err).Warn("event type stats update failed")
	}
	metrics.RecordEventPublished(ev.EventType)

	span.SetAttributes(attribute.Int("deliveries_pending", pending))
	s.logger.WithContext(ctx).WithTenant(ev.TenantID).WithEvent(ev.ID).
		WithFields(map[string]any{"event_type": ev.EventType, "fanout": pending}).
		Info("event published")
	return ev, nil
}

// withinRateLimits checks the trailing 1m/1h/1d windows. Counts are
// point-in-time: concurrent publishes may overshoot a limit slightly, which
// is accepted.
func (s *Service) withinRateLimits(ctx context.Context, sub *domain.Subscription, now time.Time) (bool, string, error) {
	checks := []struct {
		limit  *int
		window time.Duration
		name   string
	}{
		{sub.RateLimits.PerMinute, time.Minute, "per_minute"},
		{sub.RateLimits.PerHour, time.Hour, "per_hour"},
		{sub.RateLimits.PerDay, 24 * time.Hour, "per_day"},
	}
	for _, c := range checks {
		if c.limit == nil {
			continue
		}
		n, err := s.store.Deliveries().CountSince(ctx, sub.ID, now.Add(-c.window))
		if err != nil {
			return false, "", err
		}
		if n >= *c.limit {
			return false, c.name, nil
		}
	}
	return true, "", nil
}

// buildDelivery freezes the signed request snapshot for one subscription.
// The row is inserted later with the rest of the event's fan-out.
func (s *Service) buildDelivery(sub *domain.Subscription, ev *domain.Event, body []byte, now time.Time) (*domain.Delivery, error) {
	sig, err := signature.Sign(body, sub.Secret, sub.Algorithm)
	if err != nil {
		return nil, err
	}

	sigHeader := sub.SignatureHeader
	if sigHeader == "" {
		sigHeader = s.SignatureHeader
	}
	headers := map[string]string{
		"Content-Type":    "application/json",
		sigHeader:         sig,
		s.TimestampHeader: now.Format(time.RFC3339),
	}
	for k, v := range sub.Headers {
		headers[k] = v
	}

	next := now
	d := &domain.Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EventID:        ev.ID,
		AttemptNumber:  1,
		Status:         domain.DeliveryPending,
		Request: domain.DeliveryRequest{
			URL:       sub.URL,
			Headers:   headers,
			Body:      string(body),
			Signature: sig,
		},
		RetryCount:  0,
		NextRetryAt: &next,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return d, nil
}
