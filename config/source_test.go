package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSourceDoc = `{
  "channels": {
    "fast": [
      {"id": "fast-0", "provider": "openai", "url": "https://a.example.com/v1", "key": "sk-a", "model": "model-a", "firstchunk_timeout_ms": 3000, "total_timeout_ms": 60000},
      {"id": "fast-1", "provider": "deepseek", "url": "https://b.example.com/v1", "key": "sk-b", "model": "model-b", "firstchunk_timeout_ms": 5000, "total_timeout_ms": 90000}
    ],
    "smart": [
      {"id": "smart-0", "provider": "openai", "url": "https://c.example.com/v1", "key": "sk-c", "model": "model-c", "firstchunk_timeout_ms": 8000, "total_timeout_ms": 120000}
    ]
  },
  "tier_mapping": {
    "basic": "fast",
    "standard_a": "fast",
    "standard_b": "smart"
  }
}`

func TestSourceFromRecord(t *testing.T) {
	records := newFakeRecordStore()
	records.rows[KeyAIConfigSource] = []byte(validSourceDoc)
	resolver := NewResolver(testResolverProfile(), nil, records, nil)

	source := resolver.Source(context.Background())
	require.NotNil(t, source)

	assert.Len(t, source.Channels, 2)
	assert.Len(t, source.Channels["fast"], 2)
	assert.Equal(t, "smart", source.TierMapping["standard_b"])
	assert.Equal(t, 3000, source.Channels["fast"][0].FirstChunkTimeoutMs)
}

func TestSourceStaticFallback(t *testing.T) {
	resolver := NewResolver(testResolverProfile(), nil, nil, nil)

	source := resolver.Source(context.Background())
	require.NotNil(t, source)

	// Single default channel serving every tier, built from env credentials.
	profiles := source.Channels["default"]
	require.Len(t, profiles, 1)
	assert.Equal(t, "sk-fallback", profiles[0].Key)
	assert.Equal(t, "fallback-model", profiles[0].Model)
	for _, tier := range []string{"basic", "standard_a", "standard_b"} {
		assert.Equal(t, "default", source.TierMapping[tier])
	}
}

func TestSourceInvalidDocumentFailsClosed(t *testing.T) {
	records := newFakeRecordStore()
	// Mapped channel does not exist.
	records.rows[KeyAIConfigSource] = []byte(`{
	  "channels": {"fast": [{"id": "fast-0", "provider": "openai", "url": "https://a.example.com/v1", "key": "sk-a", "model": "m", "firstchunk_timeout_ms": 1000, "total_timeout_ms": 2000}]},
	  "tier_mapping": {"basic": "missing"}
	}`)
	resolver := NewResolver(testResolverProfile(), nil, records, nil)

	source := resolver.Source(context.Background())
	require.NotNil(t, source)
	assert.Contains(t, source.Channels, "default")
}

func TestSourceNullDocumentFailsClosed(t *testing.T) {
	records := newFakeRecordStore()
	records.rows[KeyAIConfigSource] = []byte("null")
	resolver := NewResolver(testResolverProfile(), nil, records, nil)

	source := resolver.Source(context.Background())
	require.NotNil(t, source)
	assert.Contains(t, source.Channels, "default")
}

func TestValidateNilSource(t *testing.T) {
	var source *Source
	assert.ErrorIs(t, source.Validate(), ErrInvalidConfig)
}

func TestValidateRejectsIncompleteProfile(t *testing.T) {
	source := &Source{
		Channels: map[string][]Profile{
			"fast": {{ID: "fast-0", Provider: "openai", URL: "https://a", Key: "k", Model: "m", FirstChunkTimeoutMs: 1000}},
		},
		TierMapping: map[string]string{"basic": "fast"},
	}
	err := source.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "total_timeout_ms")
}

func TestValidateRejectsEmptyChannel(t *testing.T) {
	source := &Source{
		Channels:    map[string][]Profile{"fast": {}},
		TierMapping: map[string]string{"basic": "fast"},
	}
	assert.ErrorIs(t, source.Validate(), ErrInvalidConfig)
}

func TestValidateAcceptsCompleteDocument(t *testing.T) {
	source := &Source{
		Channels: map[string][]Profile{
			"fast": {{ID: "fast-0", Provider: "openai", URL: "https://a", Key: "k", Model: "m", FirstChunkTimeoutMs: 1000, TotalTimeoutMs: 2000}},
		},
		TierMapping: map[string]string{"basic": "fast"},
	}
	assert.NoError(t, source.Validate())
}
