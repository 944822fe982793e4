// Package postgres is the durable store backend, raw SQL over pgx.
package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lighthook/lighthook/internal/store"
)

//go:embed schema.sql
var schema string

type DB struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *DB {
	return &DB{Pool: pool}
}

func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies the schema. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (db *DB) Subscriptions() store.SubscriptionStore { return &SubscriptionStore{db: db} }
func (db *DB) Events() store.EventStore               { return &EventStore{db: db} }
func (db *DB) EventTypes() store.EventTypeStore       { return &EventTypeStore{db: db} }
func (db *DB) Deliveries() store.DeliveryStore        { return &DeliveryStore{db: db} }
func (db *DB) DeliveryLogs() store.DeliveryLogStore   { return &DeliveryLogStore{db: db} }

var _ store.Store = (*DB)(nil)
