package config

import (
	"context"
	"fmt"
	"log/slog"
)

// Profile is one upstream attempt target: endpoint, credential, model and
// the two per-step deadlines.
type Profile struct {
	ID                  string `json:"id"`
	Provider            string `json:"provider"`
	URL                 string `json:"url"`
	Key                 string `json:"key"`
	Model               string `json:"model"`
	FirstChunkTimeoutMs int    `json:"firstchunk_timeout_ms"`
	TotalTimeoutMs      int    `json:"total_timeout_ms"`
}

// Source is the decoded ai_config_source document: named channels (ordered
// profile lists) plus the tier-to-channel mapping.
type Source struct {
	Channels    map[string][]Profile `json:"channels"`
	TierMapping map[string]string    `json:"tier_mapping"`
}

// Validate checks the document shape. Every profile must carry all seven
// fields and every mapped channel must exist. Ill-formed documents fail
// closed: the caller keeps its static fallback.
func (s *Source) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidConfig)
	}
	if len(s.Channels) == 0 {
		return fmt.Errorf("%w: no channels", ErrInvalidConfig)
	}
	if len(s.TierMapping) == 0 {
		return fmt.Errorf("%w: no tier mapping", ErrInvalidConfig)
	}
	for name, profiles := range s.Channels {
		if len(profiles) == 0 {
			return fmt.Errorf("%w: channel %q is empty", ErrInvalidConfig, name)
		}
		for i, p := range profiles {
			if err := p.validate(); err != nil {
				return fmt.Errorf("%w: channel %q profile %d: %v", ErrInvalidConfig, name, i, err)
			}
		}
	}
	for tier, channelID := range s.TierMapping {
		if _, ok := s.Channels[channelID]; !ok {
			return fmt.Errorf("%w: tier %q maps to unknown channel %q", ErrInvalidConfig, tier, channelID)
		}
	}
	return nil
}

func (p *Profile) validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("missing id")
	case p.Provider == "":
		return fmt.Errorf("missing provider")
	case p.URL == "":
		return fmt.Errorf("missing url")
	case p.Key == "":
		return fmt.Errorf("missing key")
	case p.Model == "":
		return fmt.Errorf("missing model")
	case p.FirstChunkTimeoutMs <= 0:
		return fmt.Errorf("missing firstchunk_timeout_ms")
	case p.TotalTimeoutMs <= 0:
		return fmt.Errorf("missing total_timeout_ms")
	}
	return nil
}

// Source resolves the ai_config_source document, falling back to the single
// static channel built from the process profile when every tier misses or
// the stored document is ill-formed.
func (r *Resolver) Source(ctx context.Context) *Source {
	fallback := r.staticSource()
	source := Get(ctx, r, KeyAIConfigSource, fallback, func(s *Source) error {
		return s.Validate()
	})
	return source
}

// staticSource builds the fallback pipeline source from the env-provided
// model credentials: one channel serving every tier.
func (r *Resolver) staticSource() *Source {
	if r.profile.ModelAPIKey == "" || r.profile.ModelBaseURL == "" {
		slog.Warn("config: no fallback model credentials configured")
	}
	return &Source{
		Channels: map[string][]Profile{
			"default": {
				{
					ID:                  "default-0",
					Provider:            "openai",
					URL:                 r.profile.ModelBaseURL,
					Key:                 r.profile.ModelAPIKey,
					Model:               r.profile.ModelName,
					FirstChunkTimeoutMs: 10000,
					TotalTimeoutMs:      defaultTotalTimeoutMs,
				},
			},
		},
		TierMapping: map[string]string{
			"basic":      "default",
			"standard_a": "default",
			"standard_b": "default",
		},
	}
}
