package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const createUpdatesTable = `
CREATE TABLE IF NOT EXISTS room_updates (
    room_name  TEXT        NOT NULL,
    seq        BIGINT      GENERATED ALWAYS AS IDENTITY,
    payload    BYTEA       NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (room_name, seq)
)`

// PostgresStore keeps update history in a single append-only table, for
// deployments that already run Postgres instead of the embedded store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// OpenPostgres connects to dsn and ensures the history table exists.
func OpenPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createUpdatesTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure room_updates table: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, room string) ([]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM room_updates WHERE room_name = $1 ORDER BY seq`, room)
	if err != nil {
		return nil, fmt.Errorf("load history for room %s: %w", room, err)
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan update for room %s: %w", room, err)
		}
		out = append(out, payload...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history for room %s: %w", room, err)
	}
	return out, nil
}

func (s *PostgresStore) AppendUpdate(ctx context.Context, room string, update []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO room_updates (room_name, payload) VALUES ($1, $2)`, room, update)
	if err != nil {
		return fmt.Errorf("append update for room %s: %w", room, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
