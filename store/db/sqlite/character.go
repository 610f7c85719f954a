package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hrygo/personabot/store"
)

func (d *DB) GetCharacter(ctx context.Context, roleID string) (*store.Character, error) {
	query := `
		SELECT role_id, name, system_prompt, first_mes, extensions
		FROM role_data
		WHERE role_id = ?`

	character := &store.Character{}
	var extensions string
	err := d.db.QueryRowContext(ctx, query, roleID).Scan(
		&character.RoleID,
		&character.Name,
		&character.SystemPrompt,
		&character.FirstMes,
		&extensions,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role_data %q: %w", roleID, err)
	}

	if extensions != "" {
		if err := json.Unmarshal([]byte(extensions), &character.Extensions); err != nil {
			return nil, fmt.Errorf("failed to decode extensions for %q: %w", roleID, err)
		}
	}
	return character, nil
}
