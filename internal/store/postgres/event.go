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

type EventStore struct {
	db *DB
}

func (s *EventStore) Insert(ctx context.Context, ev *domain.Event) error {
	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	metaJSON, err := nullableJSON(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO lighthook.events(
			id, tenant_id, event_type, version, ts, data, metadata,
			source_entity_type, source_entity_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10)`,
		ev.ID, ev.TenantID, ev.EventType, ev.Version, ev.Timestamp,
		string(dataJSON), metaJSON,
		nullIfEmpty(ev.SourceEntityType), nullIfEmpty(ev.SourceEntityID),
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *EventStore) Get(ctx context.Context, id, tenantID string) (*domain.Event, error) {
	var (
		ev                   domain.Event
		dataJSON             string
		metaJSON             sql.NullString
		srcType, srcID       sql.NullString
	)
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, event_type, version, ts, data::text, metadata::text,
		       source_entity_type, source_entity_id,
		       subscriptions_matched, deliveries_pending,
		       deliveries_succeeded, deliveries_failed, created_at
		FROM lighthook.events
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	).Scan(
		&ev.ID, &ev.TenantID, &ev.EventType, &ev.Version, &ev.Timestamp,
		&dataJSON, &metaJSON, &srcType, &srcID,
		&ev.SubscriptionsMatched, &ev.DeliveriesPending,
		&ev.DeliveriesSucceeded, &ev.DeliveriesFailed, &ev.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataJSON), &ev.Data); err != nil {
		return nil, fmt.Errorf("unmarshal event data: %w", err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	ev.SourceEntityType = srcType.String
	ev.SourceEntityID = srcID.String
	return &ev, nil
}

func (s *EventStore) SetFanout(ctx context.Context, id string, matched, pending int) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE lighthook.events
		SET subscriptions_matched = $2, deliveries_pending = $3
		WHERE id = $1`,
		id, matched, pending)
	if err != nil {
		return fmt.Errorf("set event fanout: %w", err)
	}
	return nil
}

func (s *EventStore) RecordDeliveryOutcome(ctx context.Context, id string, success bool) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE lighthook.events SET
			deliveries_pending = GREATEST(deliveries_pending - 1, 0),
			deliveries_succeeded = deliveries_succeeded + CASE WHEN $2 THEN 1 ELSE 0 END,
			deliveries_failed = deliveries_failed + CASE WHEN $2 THEN 0 ELSE 1 END
		WHERE id = $1`,
		id, success)
	if err != nil {
		return fmt.Errorf("record event delivery outcome: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
