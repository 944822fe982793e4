package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/store"
)

type DeliveryStore struct {
	db *DB
}

const deliveryColumns = `
	id, subscription_id, event_id, attempt_number, status, request::text,
	response::text, error::text, retry_count, next_retry_at, sent_at,
	completed_at, created_at, updated_at`

func (s *DeliveryStore) Create(ctx context.Context, d *domain.Delivery) error {
	reqJSON, err := json.Marshal(d.Request)
	if err != nil {
		return fmt.Errorf("marshal delivery request: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO lighthook.deliveries(
			id, subscription_id, event_id, attempt_number, status, request,
			retry_count, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)`,
		d.ID, d.SubscriptionID, d.EventID, d.AttemptNumber, string(d.Status),
		string(reqJSON), d.RetryCount, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// CreateBatch pipelines one event's fan-out through a single round trip.
func (s *DeliveryStore) CreateBatch(ctx context.Context, ds []*domain.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range ds {
		reqJSON, err := json.Marshal(d.Request)
		if err != nil {
			return fmt.Errorf("marshal delivery request: %w", err)
		}
		batch.Queue(`
			INSERT INTO lighthook.deliveries(
				id, subscription_id, event_id, attempt_number, status, request,
				retry_count, next_retry_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)`,
			d.ID, d.SubscriptionID, d.EventID, d.AttemptNumber, string(d.Status),
			string(reqJSON), d.RetryCount, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
		)
	}
	br := s.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range ds {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert delivery batch: %w", err)
		}
	}
	return nil
}

func (s *DeliveryStore) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM lighthook.deliveries
		WHERE id = $1`,
		id)
	return scanDelivery(row)
}

func (s *DeliveryStore) ListByEvent(ctx context.Context, eventID string) ([]*domain.Delivery, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM lighthook.deliveries
		WHERE event_id = $1
		ORDER BY created_at`,
		eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *DeliveryStore) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*domain.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM lighthook.deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *DeliveryStore) CountSince(ctx context.Context, subscriptionID string, since time.Time) (int, error) {
	var n int
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM lighthook.deliveries
		WHERE subscription_id = $1 AND created_at >= $2`,
		subscriptionID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return n, nil
}

// ClaimDue claims a batch of due deliveries with SKIP LOCKED so concurrent
// dispatcher instances never double-deliver. Claimed rows are moved to
// sending with sent_at stamped and the attempt number advanced. Sending rows
// with an expired claim lease are reclaimed: a dispatcher that died between
// claim and outcome must not strand its batch.
func (s *DeliveryStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*domain.Delivery, error) {
	rows, err := s.db.Pool.Query(ctx, `
		WITH due AS (
			SELECT d.id
			FROM lighthook.deliveries d
			JOIN lighthook.subscriptions sub ON sub.id = d.subscription_id
			WHERE ((d.status IN ('pending', 'failed') AND d.next_retry_at <= $1)
			   OR (d.status = 'sending' AND d.sent_at <= $3))
			  AND sub.active
			  AND sub.deleted_at IS NULL
			ORDER BY d.created_at
			LIMIT $2
			FOR UPDATE OF d SKIP LOCKED
		)
		UPDATE lighthook.deliveries d
		SET status = 'sending',
		    attempt_number = d.retry_count + 1,
		    sent_at = $1,
		    updated_at = now()
		FROM due
		WHERE d.id = due.id
		RETURNING `+deliveryColumns,
		now, limit, now.Add(-store.ClaimLease))
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close()
	claimed, err := collectDeliveries(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is not guaranteed; callers expect FIFO.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	return claimed, nil
}

func (s *DeliveryStore) Update(ctx context.Context, d *domain.Delivery) error {
	respJSON, err := nullableJSONStruct(d.Response)
	if err != nil {
		return fmt.Errorf("marshal delivery response: %w", err)
	}
	errJSON, err := nullableJSONStruct(d.Error)
	if err != nil {
		return fmt.Errorf("marshal delivery error: %w", err)
	}
	ct, err := s.db.Pool.Exec(ctx, `
		UPDATE lighthook.deliveries SET
			attempt_number = $2, status = $3, response = $4::jsonb,
			error = $5::jsonb, retry_count = $6, next_retry_at = $7,
			sent_at = $8, completed_at = $9, updated_at = now()
		WHERE id = $1`,
		d.ID, d.AttemptNumber, string(d.Status), respJSON, errJSON,
		d.RetryCount, d.NextRetryAt, d.SentAt, d.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanDelivery(row rowScanner) (*domain.Delivery, error) {
	var (
		d        domain.Delivery
		status   string
		reqJSON  string
		respJSON sql.NullString
		errJSON  sql.NullString
	)
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.EventID, &d.AttemptNumber, &status,
		&reqJSON, &respJSON, &errJSON, &d.RetryCount, &d.NextRetryAt,
		&d.SentAt, &d.CompletedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = domain.DeliveryStatus(status)
	if err := json.Unmarshal([]byte(reqJSON), &d.Request); err != nil {
		return nil, fmt.Errorf("unmarshal delivery request: %w", err)
	}
	if respJSON.Valid && respJSON.String != "" {
		d.Response = &domain.DeliveryResponse{}
		if err := json.Unmarshal([]byte(respJSON.String), d.Response); err != nil {
			return nil, fmt.Errorf("unmarshal delivery response: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		d.Error = &domain.DeliveryError{}
		if err := json.Unmarshal([]byte(errJSON.String), d.Error); err != nil {
			return nil, fmt.Errorf("unmarshal delivery error: %w", err)
		}
	}
	return &d, nil
}

func collectDeliveries(rows pgx.Rows) ([]*domain.Delivery, error) {
	var out []*domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// nullableJSONStruct marshals a pointer value, mapping nil to SQL NULL.
func nullableJSONStruct[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
