// Package config implements the runtime configuration resolver: a
// three-tier lookup (process memory, distributed cache, system of record)
// with a static fallback of last resort. All request-path knobs flow
// through here so they can change without a restart.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hrygo/personabot/cache"
	"github.com/hrygo/personabot/internal/profile"
	"github.com/hrygo/personabot/metrics"
	"github.com/hrygo/personabot/store"
)

// Runtime configuration keys.
const (
	KeyAIConfigSource          = "ai_config_source"
	KeyMaxHistoryItems         = "max_history_items"
	KeyHistoryRetentionCount   = "history_retention_count"
	KeySessionTimeoutMinutes   = "session_timeout_minutes"
	KeyDefaultRoleID           = "default_role_id"
	KeySystemInstructions      = "system_instructions"
	KeyWelcomeMessage          = "welcome_message"
	KeyStreamInterChunkTimeout = "ai_stream_inter_chunk_timeout"
	KeyStreamTotalTimeout      = "ai_stream_total_timeout"
)

// resolverTTL bounds staleness for both the process-memory entries and the
// distributed-cache write-back. A value written to the system of record is
// visible process-wide within one TTL cycle.
const resolverTTL = 60 * time.Second

const distKeyPrefix = "runtime_config:"

// ErrCacheMiss is returned by a DistCache when the key is absent.
var ErrCacheMiss = errors.New("config: cache miss")

// ErrInvalidConfig marks a row that failed schema validation. The resolver
// falls back to the static default and logs at warn.
var ErrInvalidConfig = errors.New("config: invalid value")

// DistCache is the distributed cache tier, typically Redis.
type DistCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RecordStore is the system-of-record tier. *store.Store satisfies it.
type RecordStore interface {
	GetRuntimeConfig(ctx context.Context, key string) (*store.RuntimeConfig, error)
}

// Resolver resolves configuration values through the tiers. It is safe for
// concurrent use; concurrent misses on the same key are collapsed into one
// backend load.
type Resolver struct {
	profile  *profile.Profile
	memory   *cache.LRUCache[string, json.RawMessage]
	dist     DistCache
	records  RecordStore
	exporter *metrics.Exporter
	group    singleflight.Group
}

// NewResolver creates a resolver. dist and records may be nil; absent tiers
// are skipped and the static fallbacks win.
func NewResolver(profile *profile.Profile, dist DistCache, records RecordStore, exporter *metrics.Exporter) *Resolver {
	return &Resolver{
		profile:  profile,
		memory:   cache.NewLRUCache[string, json.RawMessage](256, resolverTTL),
		dist:     dist,
		records:  records,
		exporter: exporter,
	}
}

// raw resolves the JSON document for key, or ok=false when no tier has it.
// Misses are cached for one TTL cycle as well, so an absent key does not
// hammer the system of record on the hot path.
func (r *Resolver) raw(ctx context.Context, key string) (json.RawMessage, bool) {
	if value, ok := r.memory.Get(key); ok {
		r.exporter.ObserveConfigLookup("memory")
		return value, value != nil
	}

	result, err, _ := r.group.Do(key, func() (any, error) {
		return r.load(ctx, key), nil
	})
	if err != nil {
		return nil, false
	}
	value := result.(json.RawMessage)
	return value, value != nil
}

func (r *Resolver) load(ctx context.Context, key string) json.RawMessage {
	if r.dist != nil {
		raw, err := r.dist.Get(ctx, distKeyPrefix+key)
		switch {
		case err == nil:
			if json.Valid([]byte(raw)) {
				value := json.RawMessage(raw)
				r.memory.Set(key, value, resolverTTL)
				r.exporter.ObserveConfigLookup("dist")
				return value
			}
			slog.Warn("config: distributed cache entry is not valid JSON", "key", key)
		case errors.Is(err, ErrCacheMiss):
			// fall through to the system of record
		default:
			slog.Warn("config: distributed cache read failed", "key", key, "error", err)
		}
	}

	if r.records != nil {
		row, err := r.records.GetRuntimeConfig(ctx, key)
		if err != nil {
			slog.Warn("config: system of record read failed", "key", key, "error", err)
		} else if row != nil {
			value := json.RawMessage(row.Value)
			r.memory.Set(key, value, resolverTTL)
			r.exporter.ObserveConfigLookup("record")
			r.writeBack(key, string(row.Value))
			return value
		}
	}

	// Cache the miss too; nil means "use the static fallback".
	r.memory.Set(key, nil, resolverTTL)
	r.exporter.ObserveConfigLookup("fallback")
	return nil
}

// writeBack populates the distributed cache after a system-of-record hit.
// Fire-and-forget: a failure only costs the next process a DB read.
func (r *Resolver) writeBack(key, value string) {
	if r.dist == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.dist.Set(ctx, distKeyPrefix+key, value, resolverTTL); err != nil {
			slog.Warn("config: distributed cache write-back failed", "key", key, "error", err)
		}
	}()
}

// GetString resolves a text key. Empty strings fail closed to the fallback.
func (r *Resolver) GetString(ctx context.Context, key, fallback string) string {
	raw, ok := r.raw(ctx, key)
	if !ok {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		slog.Warn("config: invalid text value, using fallback", "key", key)
		return fallback
	}
	return s
}

// GetInt resolves a numeric key, coercing from a JSON number or a numeric
// string.
func (r *Resolver) GetInt(ctx context.Context, key string, fallback int) int {
	raw, ok := r.raw(ctx, key)
	if !ok {
		return fallback
	}
	value, err := coerceInt(raw)
	if err != nil {
		slog.Warn("config: invalid numeric value, using fallback", "key", key, "error", err)
		return fallback
	}
	return value
}

// Get resolves key into T with an optional validator. This is the escape
// hatch for keys without a typed accessor; callers supply the schema.
func Get[T any](ctx context.Context, r *Resolver, key string, fallback T, validate func(T) error) T {
	raw, ok := r.raw(ctx, key)
	if !ok {
		return fallback
	}
	if string(bytes.TrimSpace(raw)) == "null" {
		// A JSON null would decode into a nil pointer and reach the
		// validator; treat it as absent instead.
		slog.Warn("config: null value, using fallback", "key", key)
		return fallback
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		slog.Warn("config: failed to decode value, using fallback", "key", key, "error", err)
		return fallback
	}
	if validate != nil {
		if err := validate(value); err != nil {
			slog.Warn("config: value failed validation, using fallback", "key", key, "error", err)
			return fallback
		}
	}
	return value
}

func coerceInt(raw json.RawMessage) (int, error) {
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		n, err := number.Int64()
		if err != nil {
			return 0, ErrInvalidConfig
		}
		return int(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, ErrInvalidConfig
		}
		return n, nil
	}
	return 0, ErrInvalidConfig
}
