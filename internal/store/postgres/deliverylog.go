package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lighthook/lighthook/internal/domain"
)

type DeliveryLogStore struct {
	db *DB
}

func (s *DeliveryLogStore) Append(ctx context.Context, e *domain.DeliveryLogEntry) error {
	dataJSON, err := nullableJSON(e.Data)
	if err != nil {
		return fmt.Errorf("marshal log data: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO lighthook.delivery_logs(
			id, tenant_id, delivery_id, level, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		e.ID, e.TenantID, e.DeliveryID, string(e.Level), e.Message, dataJSON, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

func (s *DeliveryLogStore) ListByDelivery(ctx context.Context, deliveryID string, limit int) ([]*domain.DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, tenant_id, delivery_id, level, message, data::text, created_at
		FROM lighthook.delivery_logs
		WHERE delivery_id = $1
		ORDER BY created_at
		LIMIT $2`,
		deliveryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DeliveryLogEntry
	for rows.Next() {
		var (
			e        domain.DeliveryLogEntry
			level    string
			dataJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.DeliveryID, &level, &e.Message, &dataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Level = domain.LogLevel(level)
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal log data: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
