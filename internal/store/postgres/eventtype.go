package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lighthook/lighthook/internal/domain"
	"github.com/lighthook/lighthook/internal/store"
)

type EventTypeStore struct {
	db *DB
}

func (s *EventTypeStore) Get(ctx context.Context, name string) (*domain.EventTypeInfo, error) {
	var et domain.EventTypeInfo
	err := s.db.Pool.QueryRow(ctx, `
		SELECT name, description, enabled, publish_count, last_published_at
		FROM lighthook.event_types
		WHERE name = $1`,
		name,
	).Scan(&et.Name, &et.Description, &et.Enabled, &et.PublishCount, &et.LastPublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &et, nil
}

func (s *EventTypeStore) List(ctx context.Context) ([]*domain.EventTypeInfo, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT name, description, enabled, publish_count, last_published_at
		FROM lighthook.event_types
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.EventTypeInfo
	for rows.Next() {
		var et domain.EventTypeInfo
		if err := rows.Scan(&et.Name, &et.Description, &et.Enabled, &et.PublishCount, &et.LastPublishedAt); err != nil {
			return nil, err
		}
		out = append(out, &et)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *EventTypeStore) Upsert(ctx context.Context, et *domain.EventTypeInfo) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO lighthook.event_types(name, description, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET description = EXCLUDED.description, enabled = EXCLUDED.enabled`,
		et.Name, et.Description, et.Enabled)
	if err != nil {
		return fmt.Errorf("upsert event type: %w", err)
	}
	return nil
}

func (s *EventTypeStore) RecordPublish(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO lighthook.event_types(name, publish_count, last_published_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (name) DO UPDATE
		SET publish_count = lighthook.event_types.publish_count + 1,
		    last_published_at = EXCLUDED.last_published_at`,
		name, at)
	if err != nil {
		return fmt.Errorf("record event type publish: %w", err)
	}
	return nil
}
