package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/store"
)

type SubscriptionStore struct {
	db *DB
}

const subscriptionColumns = `
	id, tenant_id, url, event_types, filter::text, secret, algorithm,
	signature_header, retry::text, rate_limits::text, timeout_seconds,
	headers::text, total_sent, total_failed, consecutive_failures, health,
	active, created_at, updated_at, deleted_at`

func (s *SubscriptionStore) Create(ctx context.Context, sub *domain.Subscription) error {
	filterJSON, err := nullableJSON(sub.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	retryJSON, err := json.Marshal(sub.Retry)
	if err != nil {
		return fmt.Errorf("marshal retry policy: %w", err)
	}
	limitsJSON, err := json.Marshal(sub.RateLimits)
	if err != nil {
		return fmt.Errorf("marshal rate limits: %w", err)
	}
	headersJSON, err := nullableJSON(sub.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO lighthook.subscriptions(
			id, tenant_id, url, event_types, filter, secret, algorithm,
			signature_header, retry, rate_limits, timeout_seconds, headers,
			health, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9::jsonb, $10::jsonb,
			$11, $12::jsonb, $13, $14, $15, $16)`,
		sub.ID, sub.TenantID, sub.URL, sub.EventTypes, filterJSON, sub.Secret,
		string(sub.Algorithm), sub.SignatureHeader, string(retryJSON),
		string(limitsJSON), sub.TimeoutSeconds, headersJSON,
		string(sub.Health), sub.Active, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) Get(ctx context.Context, id, tenantID string) (*domain.Subscription, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM lighthook.subscriptions
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		id, tenantID)
	return scanSubscription(row)
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM lighthook.subscriptions
		WHERE id = $1 AND deleted_at IS NULL`,
		id)
	return scanSubscription(row)
}

func (s *SubscriptionStore) List(ctx context.Context, tenantID string) ([]*domain.Subscription, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM lighthook.subscriptions
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (s *SubscriptionStore) Matching(ctx context.Context, tenantID, eventType string) ([]*domain.Subscription, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM lighthook.subscriptions
		WHERE tenant_id = $1
		  AND deleted_at IS NULL
		  AND active
		  AND health <> 'suspended'
		  AND $2 = ANY(event_types)
		ORDER BY created_at`,
		tenantID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (s *SubscriptionStore) Update(ctx context.Context, sub *domain.Subscription) error {
	filterJSON, err := nullableJSON(sub.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	retryJSON, err := json.Marshal(sub.Retry)
	if err != nil {
		return fmt.Errorf("marshal retry policy: %w", err)
	}
	limitsJSON, err := json.Marshal(sub.RateLimits)
	if err != nil {
		return fmt.Errorf("marshal rate limits: %w", err)
	}
	headersJSON, err := nullableJSON(sub.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	ct, err := s.db.Pool.Exec(ctx, `
		UPDATE lighthook.subscriptions SET
			url = $2, event_types = $3, filter = $4::jsonb, secret = $5,
			algorithm = $6, signature_header = $7, retry = $8::jsonb,
			rate_limits = $9::jsonb, timeout_seconds = $10, headers = $11::jsonb,
			health = $12, active = $13, updated_at = now(), deleted_at = $14
		WHERE id = $1 AND tenant_id = $15`,
		sub.ID, sub.URL, sub.EventTypes, filterJSON, sub.Secret,
		string(sub.Algorithm), sub.SignatureHeader, string(retryJSON),
		string(limitsJSON), sub.TimeoutSeconds, headersJSON,
		string(sub.Health), sub.Active, sub.DeletedAt, sub.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SubscriptionStore) RecordOutcome(ctx context.Context, id string, success bool) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE lighthook.subscriptions SET
			total_sent = total_sent + CASE WHEN $2 THEN 1 ELSE 0 END,
			total_failed = total_failed + CASE WHEN $2 THEN 0 ELSE 1 END,
			consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures + 1 END,
			health = CASE
				WHEN health = 'suspended' THEN health
				WHEN $2 THEN 'healthy'
				WHEN consecutive_failures + 1 >= 10 THEN 'failing'
				WHEN consecutive_failures + 1 >= 3 THEN 'degraded'
				ELSE 'healthy'
			END,
			updated_at = now()
		WHERE id = $1`,
		id, success)
	if err != nil {
		return fmt.Errorf("record subscription outcome: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		sub         domain.Subscription
		filterJSON  sql.NullString
		headersJSON sql.NullString
		retryJSON   string
		limitsJSON  string
		algorithm   string
		health      string
	)
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.URL, &sub.EventTypes, &filterJSON,
		&sub.Secret, &algorithm, &sub.SignatureHeader, &retryJSON, &limitsJSON,
		&sub.TimeoutSeconds, &headersJSON, &sub.TotalSent, &sub.TotalFailed,
		&sub.ConsecutiveFailures, &health, &sub.Active, &sub.CreatedAt,
		&sub.UpdatedAt, &sub.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Algorithm = domain.SignatureAlgorithm(algorithm)
	sub.Health = domain.HealthStatus(health)
	if err := json.Unmarshal([]byte(retryJSON), &sub.Retry); err != nil {
		return nil, fmt.Errorf("unmarshal retry policy: %w", err)
	}
	if err := json.Unmarshal([]byte(limitsJSON), &sub.RateLimits); err != nil {
		return nil, fmt.Errorf("unmarshal rate limits: %w", err)
	}
	if filterJSON.Valid && filterJSON.String != "" {
		if err := json.Unmarshal([]byte(filterJSON.String), &sub.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal filter: %w", err)
		}
	}
	if headersJSON.Valid && headersJSON.String != "" {
		if err := json.Unmarshal([]byte(headersJSON.String), &sub.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*domain.Subscription, error) {
	var out []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// nullableJSON marshals v, mapping empty containers to SQL NULL.
func nullableJSON(v any) (*string, error) {
	switch t := v.(type) {
	case domain.Filter:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
