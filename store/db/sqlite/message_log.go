package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/personabot/store"
)

func (d *DB) CreateMessageLog(ctx context.Context, create *store.MessageLog) (*store.MessageLog, error) {
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	history := string(create.History)
	if history == "" {
		history = "[]"
	}

	stmt := `
		INSERT INTO messages (user_id, role_id, user_input, bot_reply, instructions, history, model_name, attempt_count, type, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := d.db.ExecContext(ctx, stmt,
		create.UserID, create.RoleID, create.UserInput, create.BotReply,
		create.Instructions, history, create.ModelName, create.AttemptCount,
		string(create.Type), create.CreatedTs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create message log")
	}
	create.ID, _ = result.LastInsertId()
	return create, nil
}

func (d *DB) CountMessageLogs(ctx context.Context, find *store.FindMessageLog) (int64, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if find.RoleID != nil {
		where, args = append(where, "role_id = ?"), append(args, *find.RoleID)
	}

	query := `SELECT COUNT(*) FROM messages WHERE ` + strings.Join(where, " AND ")
	var count int64
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count message logs")
	}
	return count, nil
}
