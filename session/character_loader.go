package session

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hrygo/personabot/store"
)

//go:embed characters/default.json
var bundledCards embed.FS

// LoadCharacter loads a role card from the system of record, falling back
// to a local card file under <dataDir>/characters/<roleID>.json, and
// finally to the bundled default card. The core never writes role cards.
func (s *Service) LoadCharacter(ctx context.Context, roleID string) (*store.Character, error) {
	if s.records != nil {
		character, err := s.records.GetCharacter(ctx, roleID)
		if err != nil {
			slog.Warn("failed to load character from record store", "role_id", roleID, "error", err)
		} else if character != nil {
			return character, nil
		}
	}

	if s.dataDir != "" {
		path := filepath.Join(s.dataDir, "characters", roleID+".json")
		if raw, err := os.ReadFile(path); err == nil {
			character, err := parseCharacterCard(roleID, raw)
			if err != nil {
				slog.Warn("failed to parse local character card", "path", path, "error", err)
			} else {
				return character, nil
			}
		}
	}

	raw, err := bundledCards.ReadFile("characters/default.json")
	if err != nil {
		return nil, fmt.Errorf("no character available for role %q: %w", roleID, err)
	}
	character, err := parseCharacterCard(roleID, raw)
	if err != nil {
		return nil, fmt.Errorf("bundled character card is invalid: %w", err)
	}
	return character, nil
}

// characterCard mirrors the on-disk card format: either a bare card or a
// chara_card_v2 envelope wrapping one.
type characterCard struct {
	Spec string          `json:"spec"`
	Data json.RawMessage `json:"data"`

	Name         string                    `json:"name"`
	SystemPrompt string                    `json:"system_prompt"`
	FirstMes     string                    `json:"first_mes"`
	Extensions   store.CharacterExtensions `json:"extensions"`
}

func parseCharacterCard(roleID string, raw []byte) (*store.Character, error) {
	var card characterCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, err
	}

	// Normalize the V2 envelope down to its inner data object.
	if card.Spec == "chara_card_v2" && len(card.Data) > 0 {
		var inner characterCard
		if err := json.Unmarshal(card.Data, &inner); err != nil {
			return nil, err
		}
		card = inner
	}

	if card.Name == "" {
		return nil, fmt.Errorf("character card has no name")
	}
	return &store.Character{
		RoleID:       roleID,
		Name:         card.Name,
		SystemPrompt: card.SystemPrompt,
		FirstMes:     card.FirstMes,
		Extensions:   card.Extensions,
	}, nil
}
