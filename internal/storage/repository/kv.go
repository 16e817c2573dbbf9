package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/cistern/internal/kv"
)

// KV persists settings in the settings table. It has no broadcast side; pair
// it with a kv.Broadcaster when several processes share the database.
type KV struct {
	db *DB
}

var _ kv.Store = (*KV)(nil)

// KV returns the settings store backed by d.
func (d *DB) KV() *KV {
	return &KV{db: d}
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := k.db.checkOpen(); err != nil {
		return nil, false, err
	}

	ctx, cancel := k.db.queryContext(ctx)
	defer cancel()

	var value []byte
	err := k.db.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		k.db.errors.Add(1)
		return nil, false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := k.db.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := k.db.queryContext(ctx)
	defer cancel()

	_, err := k.db.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, now())
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = now()
	`, key, value)
	if err != nil {
		k.db.errors.Add(1)
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
