package domain

import "time"

// DeliveryStatus is the state machine position of a delivery.
//
//	pending -> sending -> succeeded (terminal)
//	                   -> failed -> sending (next due cycle)
//	                   -> abandoned (terminal, retries exhausted)
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySending   DeliveryStatus = "sending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryAbandoned DeliveryStatus = "abandoned"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySucceeded || s == DeliveryAbandoned
}

// MaxResponseBodyBytes caps how much of an endpoint's response body is
// persisted on a delivery.
const MaxResponseBodyBytes = 10 * 1024

// Delivery error codes.
const (
	ErrCodeTimeout = "TIMEOUT"
	ErrCodeNetwork = "NETWORK"
	ErrCodeHTTP    = "HTTP_ERROR"
)

// DeliveryRequest is the signed request snapshot captured when the delivery
// row is created. The body and signature are fixed at publish time so that a
// later secret rotation does not affect in-flight deliveries.
type DeliveryRequest struct {
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body"`
	Signature string            `json:"signature"`
}

// DeliveryResponse captures the endpoint's reply for the most recent attempt.
type DeliveryResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"` // truncated to MaxResponseBodyBytes
	TimeMs     int64             `json:"time_ms"`
}

// DeliveryError describes why the most recent attempt failed.
type DeliveryError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Delivery is one attempt-tracked unit of work for an (event, subscription)
// pair. Created once at publish time, mutated in place across retries.
type Delivery struct {
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscription_id"`
	EventID        string            `json:"event_id"`
	AttemptNumber  int               `json:"attempt_number"`
	Status         DeliveryStatus    `json:"status"`
	Request        DeliveryRequest   `json:"request"`
	Response       *DeliveryResponse `json:"response,omitempty"`
	Error          *DeliveryError    `json:"error,omitempty"`
	RetryCount     int               `json:"retry_count"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	SentAt         *time.Time        `json:"sent_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// TruncateBody trims a response body to the persisted maximum.
func TruncateBody(b []byte) string {
	if len(b) > MaxResponseBodyBytes {
		b = b[:MaxResponseBodyBytes]
	}
	return string(b)
}
