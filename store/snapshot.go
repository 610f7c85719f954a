package store

// Snapshot is a named immutable copy of a session's history.
type Snapshot struct {
	ID        string
	UserID    string
	RoleID    string
	Name      string
	History   []byte // JSON-encoded message list
	CreatedTs int64
}

// FindSnapshot specifies the conditions for finding snapshots.
type FindSnapshot struct {
	ID     *string
	UserID *string
}

// DeleteSnapshot specifies the snapshot to delete. UserID scopes the delete
// so one user cannot remove another's snapshot.
type DeleteSnapshot struct {
	ID     string
	UserID string
}
