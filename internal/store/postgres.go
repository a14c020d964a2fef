package store

import (
	"context"
	"encoding/json"
	"fmt"

	"escrowcore/internal/host"
	"escrowcore/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists contract state and committed events in PostgreSQL.
// Each invocation's writes and events go through a single transaction,
// which provides the all-or-nothing commit the host requires.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres backend and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Migrate creates the storage tables if they do not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS contract_state (
			instance   TEXT        NOT NULL,
			key        TEXT        NOT NULL,
			value      JSONB       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (instance, key)
		)`,
		`CREATE TABLE IF NOT EXISTS contract_events (
			id          BIGSERIAL PRIMARY KEY,
			contract_id TEXT        NOT NULL,
			event_type  TEXT        NOT NULL,
			data        JSONB,
			sequence    BIGINT      NOT NULL,
			timestamp   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contract_events_contract
			ON contract_events (contract_id, id)`,
	}

	for _, stmt := range ddl {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Get returns the committed value for (instance, key).
func (p *Postgres) Get(ctx context.Context, instance, key string) ([]byte, bool, error) {
	query := `SELECT value FROM contract_state WHERE instance = $1 AND key = $2`

	var value []byte
	err := p.pool.QueryRow(ctx, query, instance, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read contract state: %w", err)
	}
	return value, true, nil
}

// Commit applies one invocation's writes and events in a transaction.
func (p *Postgres) Commit(ctx context.Context, instance string, writes []host.Write, events []models.Event) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
		INSERT INTO contract_state (instance, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (instance, key) DO UPDATE SET value = $3, updated_at = now()
	`
	for _, w := range writes {
		if _, err := tx.Exec(ctx, upsert, instance, w.Key, w.Value); err != nil {
			return fmt.Errorf("failed to upsert contract state %q: %w", w.Key, err)
		}
	}

	insertEvent := `
		INSERT INTO contract_events (contract_id, event_type, data, sequence, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, event := range events {
		dataJSON, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		if _, err := tx.Exec(ctx, insertEvent,
			event.ContractID,
			event.EventType,
			dataJSON,
			int64(event.Sequence),
			event.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert contract event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit invocation: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
