package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the documents table if it does not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	q := `
	CREATE TABLE IF NOT EXISTS documents (
		id         TEXT PRIMARY KEY,
		body       JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	_, err := pool.Exec(ctx, q)
	return err
}

// LoadDocument returns the serialized tree for id, or nil if the row is missing.
func LoadDocument(ctx context.Context, pool *pgxpool.Pool, id string) ([]byte, error) {
	var body []byte
	err := pool.QueryRow(ctx, `SELECT body FROM documents WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// LockDocument loads the tree for id inside tx and holds a row lock on it
// until the transaction ends, creating the row first if needed.
func LockDocument(ctx context.Context, tx pgx.Tx, id string) ([]byte, error) {
	_, err := tx.Exec(ctx, `INSERT INTO documents (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = tx.QueryRow(ctx, `SELECT body FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// SaveDocument writes the tree for id and announces the written paths on
// channel. The notification is delivered only if tx commits.
func SaveDocument(ctx context.Context, tx pgx.Tx, id string, body []byte, channel string, note []byte) error {
	_, err := tx.Exec(ctx, `UPDATE documents SET body = $2, updated_at = now() WHERE id = $1`, id, body)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(note))
	return err
}
