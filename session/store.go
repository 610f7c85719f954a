package session

import "context"

// Store is the durable KV port backing sessions: message lists, the per-user
// session pointers, preferences, and the last-active stamp. Absence is
// reported as zero values, not errors.
type Store interface {
	// GetMessages returns the ordered history, empty if absent.
	GetMessages(ctx context.Context, sessionID string) ([]Message, error)

	// SetMessages replaces the entire list.
	SetMessages(ctx context.Context, sessionID string, messages []Message) error

	// AppendMessage pushes one message. When the resulting length exceeds
	// maxItems the list is trimmed oldest-first down to retention entries.
	AppendMessage(ctx context.Context, sessionID string, message Message, maxItems, retention int) error

	GetCurrentSessionID(ctx context.Context, userID string) (string, error)
	SetCurrentSessionID(ctx context.Context, userID, sessionID string) error

	// GetLastSessionID holds the most-recently-expired session id.
	GetLastSessionID(ctx context.Context, userID string) (string, error)
	SetLastSessionID(ctx context.Context, userID, sessionID string) error

	GetSessionData(ctx context.Context, sessionID string) (map[string]any, error)
	SetSessionData(ctx context.Context, sessionID string, data map[string]any) error

	// GetUserModelMode defaults to DefaultTier when absent or unknown.
	GetUserModelMode(ctx context.Context, userID string) (Tier, error)
	SetUserModelMode(ctx context.Context, userID string, tier Tier) error

	// GetLastActiveTime returns the millisecond epoch, 0 if absent.
	GetLastActiveTime(ctx context.Context, userID string) (int64, error)
	SetLastActiveTime(ctx context.Context, userID string, ms int64) error
}
