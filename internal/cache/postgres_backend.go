package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresBackend keeps scope records in the cache_scopes table. It is the
// fallback when Redis is not configured.
type PostgresBackend struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db, now: time.Now}
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (Record, bool, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT record FROM cache_scopes WHERE id = $1 AND expires_at > $2`,
		id, b.now(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup scope record: %w", err)
	}

	record := Record{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, false, fmt.Errorf("unmarshal scope record: %w", err)
	}
	return record, true, nil
}

func (b *PostgresBackend) Set(ctx context.Context, id string, record Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal scope record: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO cache_scopes (id, record, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, expires_at = EXCLUDED.expires_at
	`, id, string(data), b.now().Add(ttl))
	if err != nil {
		return fmt.Errorf("save scope record: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Replace(ctx context.Context, id string, record Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal scope record: %w", err)
	}
	now := b.now()
	result, err := b.db.ExecContext(ctx, `
		UPDATE cache_scopes SET record = $2, expires_at = $3
		WHERE id = $1 AND expires_at > $4
	`, id, string(data), now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("replace scope record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace scope record: %w", err)
	}
	if affected == 0 {
		return ErrRecordVanished
	}
	return nil
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}
