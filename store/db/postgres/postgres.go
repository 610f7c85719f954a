package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Import the Postgres driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/personabot/internal/profile"
	"github.com/hrygo/personabot/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a connection to the Postgres system of record.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	pgDB.SetMaxOpenConns(10)
	pgDB.SetMaxIdleConns(5)

	driver := DB{db: pgDB, profile: profile}
	return &driver, nil
}

func (d *DB) GetDB() any {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the tables the core reads and writes. role_data is owned
// by the content pipeline; it is only created here so a fresh instance can
// boot against an empty database.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runtime_config (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			version INT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE OR REPLACE FUNCTION runtime_config_touch() RETURNS trigger AS $$
		BEGIN
			NEW.version := OLD.version + 1;
			NEW.updated_at := now();
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS runtime_config_touch_trigger ON runtime_config`,
		`CREATE TRIGGER runtime_config_touch_trigger
			BEFORE UPDATE ON runtime_config
			FOR EACH ROW EXECUTE FUNCTION runtime_config_touch()`,
		`CREATE TABLE IF NOT EXISTS role_data (
			role_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			first_mes TEXT NOT NULL DEFAULT '',
			extensions JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			role_id TEXT NOT NULL DEFAULT '',
			user_input TEXT NOT NULL,
			bot_reply TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			history JSONB NOT NULL DEFAULT '[]',
			model_name TEXT NOT NULL DEFAULT '',
			attempt_count INT NOT NULL DEFAULT 1,
			type TEXT NOT NULL DEFAULT 'normal',
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_role ON messages (user_id, role_id)`,
		`CREATE TABLE IF NOT EXISTS chat_snapshots (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			role_id TEXT NOT NULL DEFAULT '',
			snapshot_name TEXT NOT NULL,
			history JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_snapshots_user ON chat_snapshots (user_id)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}
