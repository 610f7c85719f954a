package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hrygo/personabot/store"
)

func (d *DB) GetRuntimeConfig(ctx context.Context, key string) (*store.RuntimeConfig, error) {
	query := `
		SELECT key, value, description, version, EXTRACT(EPOCH FROM updated_at)::bigint
		FROM runtime_config
		WHERE key = $1`

	cfg := &store.RuntimeConfig{}
	err := d.db.QueryRowContext(ctx, query, key).Scan(
		&cfg.Key,
		&cfg.Value,
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
	return cfg, nil
}

func (d *DB) UpsertRuntimeConfig(ctx context.Context, upsert *store.UpsertRuntimeConfig) (*store.RuntimeConfig, error) {
	// The BEFORE UPDATE trigger bumps version and stamps updated_at.
	query := `
		INSERT INTO runtime_config (key, value, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, description = EXCLUDED.description
		RETURNING key, value, description, version, EXTRACT(EPOCH FROM updated_at)::bigint`

	cfg := &store.RuntimeConfig{}
	err := d.db.QueryRowContext(ctx, query, upsert.Key, upsert.Value, upsert.Description).Scan(
		&cfg.Key,
		&cfg.Value,
		&cfg.Description,
		&cfg.Version,
		&cfg.UpdatedTs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert runtime_config %q: %w", upsert.Key, err)
	}
	return cfg, nil
}
