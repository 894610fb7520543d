package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"copy_trader/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS copy_trader_state (
	id SMALLINT PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	checksum BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps the snapshot in a single-row table
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create state table: %w", err)
	}

	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) Save(ctx context.Context, snap *core.Snapshot) error {
	data, checksum, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	const upsertSQL = `
		INSERT INTO copy_trader_state (id, data, checksum, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			checksum = EXCLUDED.checksum,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(ctx, upsertSQL, string(data), checksum, time.Now()); err != nil {
		return fmt.Errorf("failed to write snapshot to db: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*core.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var data string
	var checksum []byte
	err := s.db.QueryRow(ctx, `SELECT data, checksum FROM copy_trader_state WHERE id = 1`).Scan(&data, &checksum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot from db: %w", err)
	}

	return decodeSnapshot([]byte(data), checksum)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
