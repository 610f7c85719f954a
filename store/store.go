// Package store provides access to the system of record: runtime
// configuration rows, role cards, the append-only message log, and chat
// snapshots. Session state itself lives in the durable KV (see package
// session), not here.
package store

import (
	"context"

	"github.com/hrygo/personabot/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// Driver is an interface for database drivers.
type Driver interface {
	GetDB() any
	Close() error
	Migrate(ctx context.Context) error

	// RuntimeConfig
	GetRuntimeConfig(ctx context.Context, key string) (*RuntimeConfig, error)
	UpsertRuntimeConfig(ctx context.Context, upsert *UpsertRuntimeConfig) (*RuntimeConfig, error)

	// Character (role_data, read-only for the core)
	GetCharacter(ctx context.Context, roleID string) (*Character, error)

	// MessageLog (append-only)
	CreateMessageLog(ctx context.Context, create *MessageLog) (*MessageLog, error)
	CountMessageLogs(ctx context.Context, find *FindMessageLog) (int64, error)

	// Snapshot
	CreateSnapshot(ctx context.Context, create *Snapshot) (*Snapshot, error)
	GetSnapshot(ctx context.Context, find *FindSnapshot) (*Snapshot, error)
	ListSnapshots(ctx context.Context, find *FindSnapshot) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, delete *DeleteSnapshot) error
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) GetRuntimeConfig(ctx context.Context, key string) (*RuntimeConfig, error) {
	return s.driver.GetRuntimeConfig(ctx, key)
}

func (s *Store) UpsertRuntimeConfig(ctx context.Context, upsert *UpsertRuntimeConfig) (*RuntimeConfig, error) {
	return s.driver.UpsertRuntimeConfig(ctx, upsert)
}

func (s *Store) GetCharacter(ctx context.Context, roleID string) (*Character, error) {
	return s.driver.GetCharacter(ctx, roleID)
}

func (s *Store) CreateMessageLog(ctx context.Context, create *MessageLog) (*MessageLog, error) {
	return s.driver.CreateMessageLog(ctx, create)
}

func (s *Store) CountMessageLogs(ctx context.Context, find *FindMessageLog) (int64, error) {
	return s.driver.CountMessageLogs(ctx, find)
}

func (s *Store) CreateSnapshot(ctx context.Context, create *Snapshot) (*Snapshot, error) {
	return s.driver.CreateSnapshot(ctx, create)
}

func (s *Store) GetSnapshot(ctx context.Context, find *FindSnapshot) (*Snapshot, error) {
	return s.driver.GetSnapshot(ctx, find)
}

func (s *Store) ListSnapshots(ctx context.Context, find *FindSnapshot) ([]*Snapshot, error) {
	return s.driver.ListSnapshots(ctx, find)
}

func (s *Store) DeleteSnapshot(ctx context.Context, delete *DeleteSnapshot) error {
	return s.driver.DeleteSnapshot(ctx, delete)
}
