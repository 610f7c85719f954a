package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hrygo/personabot/store"
)

func (d *DB) GetRuntimeConfig(ctx context.Context, key string) (*store.RuntimeConfig, error) {
	query := `
		SELECT key, value, description, version, updated_ts
		FROM runtime_config
		WHERE key = ?`

	cfg := &store.RuntimeConfig{}
	var value string
	err := d.db.QueryRowContext(ctx, query, key).Scan(
		&cfg.Key,
		&value,
		&cfg.Description,
		&cfg.Version,
		&cfg.UpdatedTs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runtime_config %q: %w", key, err)
	}
	cfg.Value = []byte(value)
	return cfg, nil
}

func (d *DB) UpsertRuntimeConfig(ctx context.Context, upsert *store.UpsertRuntimeConfig) (*store.RuntimeConfig, error) {
	// No trigger on sqlite; bump version and stamp updated_ts inline.
	stmt := `
		INSERT INTO runtime_config (key, value, description, version, updated_ts)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			description = excluded.description,
			version = runtime_config.version + 1,
			updated_ts = excluded.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.Key, string(upsert.Value), upsert.Description, time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("failed to upsert runtime_config %q: %w", upsert.Key, err)
	}
	return d.GetRuntimeConfig(ctx, upsert.Key)
}
