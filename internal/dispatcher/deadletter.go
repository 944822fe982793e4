package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/tracing"
)

const DeadLetterType = "delivery.dead_letter"

// DeadLetter is the envelope published when a delivery is abandoned, for
// downstream consumers that alert on or replay exhausted deliveries.
type DeadLetter struct {
	Type           string            `json:"type"`    // "delivery.dead_letter"
	Version        string            `json:"version"` // schema version
	At             string            `json:"at"`      // RFC3339 time the dead letter was emitted
	Reason         string            `json:"reason"`  // human/debug text
	DeliveryID     string            `json:"delivery_id"`
	SubscriptionID string            `json:"subscription_id"`
	EventID        string            `json:"event_id"`
	TenantID       string            `json:"tenant_id"`
	URL            string            `json:"url"`
	Attempt        int               `json:"attempt"` // attempt count when abandoned
	HTTPStatus     int               `json:"http_status,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewDeadLetter snapshots an abandoned delivery into a dead-letter envelope.
func NewDeadLetter(ctx context.Context, d *domain.Delivery, tenantID string, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:           DeadLetterType,
		Version:        "v1",
		At:             time.Now().Format(time.RFC3339Nano),
		Reason:         reason,
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		EventID:        d.EventID,
		TenantID:       tenantID,
		URL:            d.Request.URL,
		Attempt:        d.RetryCount,
		HTTPStatus:     httpStatus,
		LastError:      lastErr,
		TraceHeaders:   tracing.InjectCarrier(ctx),
	}
}

// DeadLetterPublisher receives abandoned deliveries. Publish failures are
// logged by the dispatcher, never retried: the delivery row itself remains
// the source of truth.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, dl DeadLetter) error
}

// NSQDeadLetters publishes dead letters to an NSQ topic.
type NSQDeadLetters struct {
	producer *nsq.Producer
	topic    string
}

func NewNSQDeadLetters(nsqdTCPAddr, topic string) (*NSQDeadLetters, error) {
	producer, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &NSQDeadLetters{producer: producer, topic: topic}, nil
}

func (p *NSQDeadLetters) Publish(_ context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return p.producer.Publish(p.topic, b)
}

func (p *NSQDeadLetters) Stop() {
	p.producer.Stop()
}
