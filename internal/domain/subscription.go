package domain

import "time"

// SignatureAlgorithm selects the keyed hash used to sign webhook bodies.
type SignatureAlgorithm string

const (
	AlgorithmSHA256 SignatureAlgorithm = "sha256"
	AlgorithmSHA512 SignatureAlgorithm = "sha512"
)

// HealthStatus summarizes recent delivery outcomes for a subscription.
// It is advisory: nothing in the delivery path suspends a subscription
// automatically, suspended is only ever set by an operator.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthFailing   HealthStatus = "failing"
	HealthSuspended HealthStatus = "suspended"
)

// RetryPolicy controls the retry state machine for a subscription's deliveries.
type RetryPolicy struct {
	MaxAttempts         int     `json:"max_attempts"`
	InitialDelaySeconds int     `json:"initial_delay_seconds"`
	BackoffMultiplier   float64 `json:"backoff_multiplier"`
	MaxDelaySeconds     int     `json:"max_delay_seconds"`
}

// DefaultRetryPolicy returns the policy applied when a subscription is
// created without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         5,
		InitialDelaySeconds: 60,
		BackoffMultiplier:   2.0,
		MaxDelaySeconds:     3600,
	}
}

// Delay computes the backoff before the next attempt given the number of
// failures so far: initial * multiplier^retryCount, capped at the max delay.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := float64(p.InitialDelaySeconds)
	for i := 0; i < retryCount; i++ {
		delay *= p.BackoffMultiplier
		if delay >= float64(p.MaxDelaySeconds) {
			break
		}
	}
	if delay > float64(p.MaxDelaySeconds) {
		delay = float64(p.MaxDelaySeconds)
	}
	return time.Duration(delay * float64(time.Second))
}

// RateLimits caps how many deliveries may be created for a subscription in
// trailing windows. A nil limit is unbounded.
type RateLimits struct {
	PerMinute *int `json:"per_minute,omitempty"`
	PerHour   *int `json:"per_hour,omitempty"`
	PerDay    *int `json:"per_day,omitempty"`
}

// Subscription is a tenant-owned registration of a destination URL, the event
// types it wants, and its delivery policy.
type Subscription struct {
	ID              string             `json:"id"`
	TenantID        string             `json:"tenant_id"`
	URL             string             `json:"url"`
	EventTypes      []string           `json:"event_types"`
	Filter          Filter             `json:"filter,omitempty"`
	Secret          string             `json:"secret,omitempty"`
	Algorithm       SignatureAlgorithm `json:"algorithm"`
	SignatureHeader string             `json:"signature_header,omitempty"`
	Retry           RetryPolicy        `json:"retry"`
	RateLimits      RateLimits         `json:"rate_limits"`
	TimeoutSeconds  int                `json:"timeout_seconds"`
	Headers         map[string]string  `json:"headers,omitempty"`

	TotalSent            int64        `json:"total_sent"`
	TotalFailed          int64        `json:"total_failed"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	Health               HealthStatus `json:"health"`
	Active               bool         `json:"active"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
	DeletedAt            *time.Time   `json:"deleted_at,omitempty"`
}

// Timeout returns the per-request timeout for this subscription's endpoint.
func (s *Subscription) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// WantsEventType reports whether the subscription's event-type set contains t.
func (s *Subscription) WantsEventType(t string) bool {
	for _, et := range s.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Deliverable reports whether the subscription may receive new deliveries.
func (s *Subscription) Deliverable() bool {
	return s.Active && s.DeletedAt == nil && s.Health != HealthSuspended
}

// HealthForFailures maps a consecutive-failure count to a health status.
// A suspended subscription stays suspended regardless of outcomes.
func HealthForFailures(n int, current HealthStatus) HealthStatus {
	if current == HealthSuspended {
		return HealthSuspended
	}
	switch {
	case n >= 10:
		return HealthFailing
	case n >= 3:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
