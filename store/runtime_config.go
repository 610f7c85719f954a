package store

// RuntimeConfig represents one row of the runtime_config table.
// Value is the raw JSON document; typed decoding happens in the config
// resolver, not here.
type RuntimeConfig struct {
	Key         string
	Value       []byte
	Description string
	Version     int32
	UpdatedTs   int64
}

// UpsertRuntimeConfig specifies the data for upserting a runtime config row.
// The version bump and updated_at stamp are handled by a database trigger
// on postgres; sqlite does both inline.
type UpsertRuntimeConfig struct {
	Key         string
	Value       []byte
	Description string
}
