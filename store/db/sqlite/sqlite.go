package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/personabot/internal/profile"
	"github.com/hrygo/personabot/store"
)

// SQLite is supported on a best-effort basis for development and single-user
// instances. Production deployments use the Postgres driver; anything that
// needs concurrent writers or the runtime_config version trigger semantics
// beyond a simple inline bump is out of scope here.

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database file named by the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// WAL journal mode prevents most locking issues; a single connection is
	// optimal with WAL for a local file.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)

	driver := DB{db: sqliteDB, profile: profile}
	return &driver, nil
}

func (d *DB) GetDB() any {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runtime_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			updated_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE TABLE IF NOT EXISTS role_data (
			role_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			first_mes TEXT NOT NULL DEFAULT '',
			extensions TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			role_id TEXT NOT NULL DEFAULT '',
			user_input TEXT NOT NULL,
			bot_reply TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			history TEXT NOT NULL DEFAULT '[]',
			model_name TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 1,
			type TEXT NOT NULL DEFAULT 'normal',
			created_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_role ON messages (user_id, role_id)`,
		`CREATE TABLE IF NOT EXISTS chat_snapshots (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			role_id TEXT NOT NULL DEFAULT '',
			snapshot_name TEXT NOT NULL,
			history TEXT NOT NULL DEFAULT '[]',
			created_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now'))
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
