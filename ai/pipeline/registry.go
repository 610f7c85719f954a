package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hrygo/personabot/ai/llm"
	"github.com/hrygo/personabot/config"
	"github.com/hrygo/personabot/metrics"
	"github.com/hrygo/personabot/session"
)

// ErrChannelNotFound marks a broken tier-to-channel mapping: the operator
// needs to fix the ai_config_source document.
var ErrChannelNotFound = errors.New("pipeline: channel not found")

// Registry resolves tier -> channel id -> Channel from live configuration.
// Channels are cheap values rebuilt per call, so configuration changes take
// effect within one resolver TTL cycle.
type Registry struct {
	resolver *config.Resolver
	streamer llm.Streamer
	exporter *metrics.Exporter
}

// NewRegistry creates a registry.
func NewRegistry(resolver *config.Resolver, streamer llm.Streamer, exporter *metrics.Exporter) *Registry {
	return &Registry{
		resolver: resolver,
		streamer: streamer,
		exporter: exporter,
	}
}

// ForTier returns the pipeline serving the given user tier.
func (r *Registry) ForTier(ctx context.Context, tier session.Tier) (*Channel, error) {
	source := r.resolver.Source(ctx)

	channelID, ok := source.TierMapping[string(tier)]
	if !ok {
		return nil, fmt.Errorf("%w: no channel mapped for tier %q", ErrChannelNotFound, tier)
	}
	profiles, ok := source.Channels[channelID]
	if !ok || len(profiles) == 0 {
		return nil, fmt.Errorf("%w: channel %q has no profiles", ErrChannelNotFound, channelID)
	}
	profiles = capTotalTimeout(profiles, r.resolver.TotalStreamTimeout(ctx))

	return NewChannel(channelID, profiles, r.streamer, r.resolver.InterChunkTimeout(ctx), r.exporter), nil
}

// capTotalTimeout bounds each profile's own total deadline by the
// operator-wide stream deadline (ai_stream_total_timeout).
func capTotalTimeout(profiles []config.Profile, limit time.Duration) []config.Profile {
	limitMs := int(limit.Milliseconds())
	if limitMs <= 0 {
		return profiles
	}
	capped := make([]config.Profile, len(profiles))
	copy(capped, profiles)
	for i := range capped {
		if capped[i].TotalTimeoutMs > limitMs {
			capped[i].TotalTimeoutMs = limitMs
		}
	}
	return capped
}
