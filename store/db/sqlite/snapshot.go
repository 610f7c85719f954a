package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/personabot/store"
)

func (d *DB) CreateSnapshot(ctx context.Context, create *store.Snapshot) (*store.Snapshot, error) {
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	stmt := `
		INSERT INTO chat_snapshots (id, user_id, role_id, snapshot_name, history, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.UserID, create.RoleID, create.Name, string(create.History), create.CreatedTs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create snapshot")
	}
	return create, nil
}

func (d *DB) GetSnapshot(ctx context.Context, find *store.FindSnapshot) (*store.Snapshot, error) {
	list, err := d.ListSnapshots(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (d *DB) ListSnapshots(ctx context.Context, find *store.FindSnapshot) ([]*store.Snapshot, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}

	query := `
		SELECT id, user_id, role_id, snapshot_name, history, created_ts
		FROM chat_snapshots
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list snapshots")
	}
	defer rows.Close()

	list := []*store.Snapshot{}
	for rows.Next() {
		snapshot := &store.Snapshot{}
		var history string
		if err := rows.Scan(
			&snapshot.ID,
			&snapshot.UserID,
			&snapshot.RoleID,
			&snapshot.Name,
			&history,
			&snapshot.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan snapshot")
		}
		snapshot.History = []byte(history)
		list = append(list, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) DeleteSnapshot(ctx context.Context, delete *store.DeleteSnapshot) error {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM chat_snapshots WHERE id = ? AND user_id = ?`, delete.ID, delete.UserID)
	if err != nil {
		return errors.Wrap(err, "failed to delete snapshot")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
