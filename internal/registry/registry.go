// Package registry manages the lifecycle of webhook subscriptions: creation,
// updates, soft deletion, secret rotation, and endpoint probing.
package registry

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/logging"
	"github.com/lighthook/lighthook/internal/signature"
	"github.com/lighthook/lighthook/internal/store"
)

// Service implements subscription management on top of a store backend.
type Service struct {
	store  store.Store
	client *http.Client

	// Default header names for outbound probes; a subscription's
	// SignatureHeader overrides the signature header per destination.
	SignatureHeader string
	TimestampHeader string

	logger *logging.Logger
}

func New(st store.Store) *Service {
	return &Service{
		store:           st,
		client:          &http.Client{},
		SignatureHeader: "X-Webhook-Signature",
		TimestampHeader: "X-Webhook-Timestamp",
		logger:          logging.New("lighthook-registry"),
	}
}

// CreateInput carries the caller-settable fields of a new subscription.
// Zero-valued optional fields take defaults.
type CreateInput struct {
	TenantID        string
	URL             string
	EventTypes      []string
	Filter          map[string]any
	Algorithm       domain.SignatureAlgorithm
	SignatureHeader string
	Retry           *domain.RetryPolicy
	RateLimits      domain.RateLimits
	TimeoutSeconds  int
	Headers         map[string]string
}

// generateSecret generates a random base64-encoded string of n bytes
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Subscription, error) {
	if in.TenantID == "" {
		return nil, domain.Invalid("tenant_id", "required")
	}
	if in.URL == "" {
		return nil, domain.Invalid("url", "required")
	}
	if _, err := url.ParseRequestURI(in.URL); err != nil {
		return nil, domain.Invalid("url", err.Error())
	}
	if len(in.EventTypes) == 0 {
		return nil, domain.Invalid("event_types", "at least one event type is required")
	}
	if err := s.validateEventTypes(ctx, in.EventTypes); err != nil {
		return nil, err
	}

	filter, err := domain.ParseFilter(in.Filter)
	if err != nil {
		return nil, domain.Invalid("filter", err.Error())
	}

	alg := in.Algorithm
	if alg == "" {
		alg = domain.AlgorithmSHA256
	}
	if alg != domain.AlgorithmSHA256 && alg != domain.AlgorithmSHA512 {
		return nil, domain.Invalid("algorithm", fmt.Sprintf("unsupported algorithm %q", alg))
	}

	retry := domain.DefaultRetryPolicy()
	if in.Retry != nil {
		if err := validateRetry(*in.Retry); err != nil {
			return nil, err
		}
		retry = *in.Retry
	}

	secret, err := generateSecret(32) // 256-bit
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:              uuid.NewString(),
		TenantID:        in.TenantID,
		URL:             in.URL,
		EventTypes:      in.EventTypes,
		Filter:          filter,
		Secret:          secret,
		Algorithm:       alg,
		SignatureHeader: in.SignatureHeader,
		Retry:           retry,
		RateLimits:      in.RateLimits,
		TimeoutSeconds:  in.TimeoutSeconds,
		Headers:         in.Headers,
		Health:          domain.HealthHealthy,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Subscriptions().Create(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithTenant(sub.TenantID).WithSubscription(sub.ID).Info("subscription created")
	return sub, nil
}

// UpdateInput carries the mutable subscription fields; nil pointers leave the
// field unchanged.
type UpdateInput struct {
	URL             *string
	EventTypes      []string
	Filter          map[string]any
	FilterSet       bool
	Algorithm       *domain.SignatureAlgorithm
	SignatureHeader *string
	Retry           *domain.RetryPolicy
	RateLimits      *domain.RateLimits
	TimeoutSeconds  *int
	Headers         map[string]string
	HeadersSet      bool
	Active          *bool
	Health          *domain.HealthStatus
}

func (s *Service) Update(ctx context.Context, id, tenantID string, in UpdateInput) (*domain.Subscription, error) {
	sub, err := s.store.Subscriptions().Get(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if in.URL != nil {
		if _, err := url.ParseRequestURI(*in.URL); err != nil {
			return nil, domain.Invalid("url", err.Error())
		}
		sub.URL = *in.URL
	}
	if in.EventTypes != nil {
		if len(in.EventTypes) == 0 {
			return nil, domain.Invalid("event_types", "at least one event type is required")
		}
		if err := s.validateEventTypes(ctx, in.EventTypes); err != nil {
			return nil, err
		}
		sub.EventTypes = in.EventTypes
	}
	if in.FilterSet {
		filter, err := domain.ParseFilter(in.Filter)
		if err != nil {
			return nil, domain.Invalid("filter", err.Error())
		}
		sub.Filter = filter
	}
	if in.Algorithm != nil {
		if *in.Algorithm != domain.AlgorithmSHA256 && *in.Algorithm != domain.AlgorithmSHA512 {
			return nil, domain.Invalid("algorithm", fmt.Sprintf("unsupported algorithm %q", *in.Algorithm))
		}
		sub.Algorithm = *in.Algorithm
	}
	if in.SignatureHeader != nil {
		sub.SignatureHeader = *in.SignatureHeader
	}
	if in.Retry != nil {
		if err := validateRetry(*in.Retry); err != nil {
			return nil, err
		}
		sub.Retry = *in.Retry
	}
	if in.RateLimits != nil {
		sub.RateLimits = *in.RateLimits
	}
	if in.TimeoutSeconds != nil {
		sub.TimeoutSeconds = *in.TimeoutSeconds
	}
	if in.HeadersSet {
		sub.Headers = in.Headers
	}
	if in.Active != nil {
		sub.Active = *in.Active
	}
	if in.Health != nil {
		sub.Health = *in.Health
	}
	sub.UpdatedAt = time.Now().UTC()
	if err := s.store.Subscriptions().Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete soft-deletes the subscription. Existing deliveries stop being
// claimed but their rows are preserved for audit.
func (s *Service) Delete(ctx context.Context, id, tenantID string) error {
	sub, err := s.store.Subscriptions().Get(ctx, id, tenantID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	sub.DeletedAt = &now
	sub.Active = false
	sub.UpdatedAt = now
	return s.store.Subscriptions().Update(ctx, sub)
}

func (s *Service) Get(ctx context.Context, id, tenantID string) (*domain.Subscription, error) {
	return s.store.Subscriptions().Get(ctx, id, tenantID)
}

func (s *Service) List(ctx context.Context, tenantID string) ([]*domain.Subscription, error) {
	return s.store.Subscriptions().List(ctx, tenantID)
}

// RegenerateSecret rotates the signing secret and returns the new value.
// In-flight deliveries keep the signature computed at publish time.
func (s *Service) RegenerateSecret(ctx context.Context, id, tenantID string) (string, error) {
	sub, err := s.store.Subscriptions().Get(ctx, id, tenantID)
	if err != nil {
		return "", err
	}
	secret, err := generateSecret(32)
	if err != nil {
		return "", err
	}
	sub.Secret = secret
	sub.UpdatedAt = time.Now().UTC()
	if err := s.store.Subscriptions().Update(ctx, sub); err != nil {
		return "", err
	}
	s.logger.WithContext(ctx).WithTenant(tenantID).WithSubscription(id).Info("subscription secret rotated")
	return secret, nil
}

// Matching returns the deliverable subscriptions for the tenant whose
// event-type set contains eventType.
func (s *Service) Matching(ctx context.Context, tenantID, eventType string) ([]*domain.Subscription, error) {
	return s.store.Subscriptions().Matching(ctx, tenantID, eventType)
}

// TestResult is the outcome of a synchronous endpoint probe.
type TestResult struct {
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// Test sends one signed probe to the subscription's endpoint and reports the
// outcome. No Delivery row is created and no counters move: probes are
// diagnostics, not traffic.
func (s *Service) Test(ctx context.Context, id, tenantID string) (*TestResult, error) {
	sub, err := s.store.Subscriptions().Get(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	envelope := map[string]any{
		"event_id":        uuid.NewString(),
		"event_type":      "test.probe",
		"event_timestamp": now.Format(time.RFC3339),
		"data":            map[string]any{"test": true},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	sig, err := signature.Sign(body, sub.Secret, sub.Algorithm)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, sub.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	sigHeader := sub.SignatureHeader
	if sigHeader == "" {
		sigHeader = s.SignatureHeader
	}
	req.Header.Set(sigHeader, sig)
	req.Header.Set(s.TimestampHeader, now.Format(time.RFC3339))
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &TestResult{Success: false, ResponseTimeMs: elapsed, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	result := &TestResult{
		Success:        resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode:     resp.StatusCode,
		ResponseTimeMs: elapsed,
	}
	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return result, nil
}

func (s *Service) validateEventTypes(ctx context.Context, types []string) error {
	for _, name := range types {
		et, err := s.store.EventTypes().Get(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			return domain.Invalid("event_types", fmt.Sprintf("unknown event type %q", name))
		}
		if err != nil {
			return err
		}
		if !et.Enabled {
			return domain.Invalid("event_types", fmt.Sprintf("event type %q is disabled", name))
		}
	}
	return nil
}

func validateRetry(p domain.RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return domain.Invalid("retry.max_attempts", "must be at least 1")
	}
	if p.InitialDelaySeconds < 0 {
		return domain.Invalid("retry.initial_delay_seconds", "must not be negative")
	}
	if p.BackoffMultiplier < 1 {
		return domain.Invalid("retry.backoff_multiplier", "must be at least 1")
	}
	if p.MaxDelaySeconds < p.InitialDelaySeconds {
		return domain.Invalid("retry.max_delay_seconds", "must not be below initial delay")
	}
	return nil
}
