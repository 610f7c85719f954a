package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/personabot/config"
	"github.com/hrygo/personabot/store"
)

// ErrSnapshotNotFound is returned when a restore or delete targets a
// snapshot that does not exist or belongs to another user.
var ErrSnapshotNotFound = errors.New("session: snapshot not found")

// RecordStore is the slice of the system of record the session service
// consumes: role cards and snapshots. *store.Store satisfies it.
type RecordStore interface {
	GetCharacter(ctx context.Context, roleID string) (*store.Character, error)
	CreateSnapshot(ctx context.Context, create *store.Snapshot) (*store.Snapshot, error)
	GetSnapshot(ctx context.Context, find *store.FindSnapshot) (*store.Snapshot, error)
	ListSnapshots(ctx context.Context, find *store.FindSnapshot) ([]*store.Snapshot, error)
	DeleteSnapshot(ctx context.Context, delete *store.DeleteSnapshot) error
}

// Service implements session lifecycle: experience-window resolution,
// history mutation, character switching, and snapshots. It exclusively owns
// session state; history lists are mutated only through its methods.
type Service struct {
	kv       Store
	records  RecordStore
	resolver *config.Resolver
	dataDir  string
	now      func() time.Time
}

// NewService creates a session service.
func NewService(kv Store, records RecordStore, resolver *config.Resolver, dataDir string) *Service {
	return &Service{
		kv:       kv,
		records:  records,
		resolver: resolver,
		dataDir:  dataDir,
		now:      time.Now,
	}
}

// Resolution is the outcome of resolving which window a turn belongs to.
type Resolution struct {
	SessionID        string
	IsNew            bool
	ExpiredSessionID string
}

// ResolveSessionID decides the session for a user activity happening now,
// expiring the previous window when the inactivity gap exceeds the
// configured timeout. A gap exactly equal to the timeout is not expired.
func (s *Service) ResolveSessionID(ctx context.Context, userID string) (*Resolution, error) {
	nowMs := s.now().UnixMilli()

	current, err := s.kv.GetCurrentSessionID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read current session: %w", err)
	}

	if current == "" {
		minted := sessionID(userID, nowMs)
		if err := s.kv.SetCurrentSessionID(ctx, userID, minted); err != nil {
			return nil, fmt.Errorf("failed to set current session: %w", err)
		}
		if err := s.kv.SetLastActiveTime(ctx, userID, nowMs); err != nil {
			return nil, fmt.Errorf("failed to set last active time: %w", err)
		}
		return &Resolution{SessionID: minted, IsNew: true}, nil
	}

	lastActive, err := s.kv.GetLastActiveTime(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read last active time: %w", err)
	}
	if lastActive == 0 {
		// Migration path: a current session without a stamp is treated as
		// active.
		if err := s.kv.SetLastActiveTime(ctx, userID, nowMs); err != nil {
			return nil, fmt.Errorf("failed to set last active time: %w", err)
		}
		return &Resolution{SessionID: current}, nil
	}

	timeoutMs := s.resolver.SessionTimeout(ctx).Milliseconds()
	if nowMs-lastActive > timeoutMs {
		if err := s.kv.SetLastSessionID(ctx, userID, current); err != nil {
			return nil, fmt.Errorf("failed to record expired session: %w", err)
		}
		minted := sessionID(userID, nowMs)
		if err := s.kv.SetCurrentSessionID(ctx, userID, minted); err != nil {
			return nil, fmt.Errorf("failed to set current session: %w", err)
		}
		if err := s.kv.SetLastActiveTime(ctx, userID, nowMs); err != nil {
			return nil, fmt.Errorf("failed to set last active time: %w", err)
		}
		return &Resolution{SessionID: minted, IsNew: true, ExpiredSessionID: current}, nil
	}

	if err := s.kv.SetLastActiveTime(ctx, userID, nowMs); err != nil {
		return nil, fmt.Errorf("failed to touch last active time: %w", err)
	}
	return &Resolution{SessionID: current}, nil
}

// GetOrCreateSession resolves the window and hydrates the full session:
// history, metadata, and the active character. A fresh window after expiry
// keeps the previous window's character.
func (s *Service) GetOrCreateSession(ctx context.Context, userID string) (*Session, error) {
	res, err := s.ResolveSessionID(ctx, userID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:           res.SessionID,
		UserID:       userID,
		LastActiveMs: s.now().UnixMilli(),
		IsNew:        res.IsNew,
	}

	if !res.IsNew {
		history, err := s.kv.GetMessages(ctx, res.SessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		sess.History = history
	}

	data, err := s.kv.GetSessionData(ctx, res.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session data: %w", err)
	}

	roleID := stringField(data, "role_id")
	sess.TurnCount = intField(data, "turn_count")

	if res.IsNew {
		if res.ExpiredSessionID != "" && roleID == "" {
			// Carry the active character over into the new window.
			if oldData, err := s.kv.GetSessionData(ctx, res.ExpiredSessionID); err != nil {
				slog.Warn("failed to read expired session data", "session_id", res.ExpiredSessionID, "error", err)
			} else {
				roleID = stringField(oldData, "role_id")
			}
		}
		newData := map[string]any{
			"session_id": res.SessionID,
			"user_id":    userID,
			"role_id":    roleID,
			"turn_count": 0,
		}
		if err := s.kv.SetSessionData(ctx, res.SessionID, newData); err != nil {
			slog.Warn("failed to write session data", "session_id", res.SessionID, "error", err)
		}
		sess.TurnCount = 0
	}

	if roleID == "" {
		roleID = s.resolver.DefaultRoleID(ctx)
	}
	sess.RoleID = roleID

	character, err := s.LoadCharacter(ctx, roleID)
	if err != nil {
		return nil, err
	}
	sess.Character = character

	return sess, nil
}

// AppendMessages appends the batch to the in-memory history and writes each
// message through to the store. Write failures are logged and absorbed: the
// user-visible reply has already been produced by the time this runs. A
// batch holding both a user and an assistant message counts as one turn.
func (s *Service) AppendMessages(ctx context.Context, sess *Session, messages []Message) {
	maxItems := s.resolver.MaxHistoryItems(ctx)
	retention := s.resolver.HistoryRetentionCount(ctx)

	hasUser, hasAssistant := false, false
	for _, msg := range messages {
		sess.History = append(sess.History, msg)
		if err := s.kv.AppendMessage(ctx, sess.ID, msg, maxItems, retention); err != nil {
			slog.Error("failed to persist message", "session_id", sess.ID, "role", msg.Role, "error", err)
		}
		// Trim per append, mirroring the store, so the in-memory view never
		// diverges from the persisted list mid-batch.
		if len(sess.History) > maxItems && retention > 0 {
			sess.History = sess.History[len(sess.History)-retention:]
		}
		switch msg.Role {
		case RoleUser:
			hasUser = true
		case RoleAssistant:
			hasAssistant = true
		}
	}

	if hasUser && hasAssistant {
		sess.TurnCount++
		s.mergeSessionData(ctx, sess.ID, map[string]any{"turn_count": sess.TurnCount})
	}
}

// RollbackHistoryToLastUser truncates the history so the last user message
// is the final entry and returns its content. Returns found=false without
// mutation when the history holds no user message.
func (s *Service) RollbackHistoryToLastUser(ctx context.Context, sess *Session) (content string, found bool, err error) {
	last := -1
	for i := len(sess.History) - 1; i >= 0; i-- {
		if sess.History[i].Role == RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return "", false, nil
	}

	content = sess.History[last].Content
	if last == len(sess.History)-1 {
		// Tail is already a user message; nothing to shorten.
		return content, true, nil
	}

	sess.History = sess.History[:last+1]
	if err := s.kv.SetMessages(ctx, sess.ID, sess.History); err != nil {
		slog.Error("failed to persist rollback", "session_id", sess.ID, "error", err)
		return "", false, fmt.Errorf("failed to persist rollback: %w", err)
	}
	return content, true, nil
}

// ResetSessionHistory clears the current window's history while keeping its
// metadata (character, turn count).
func (s *Service) ResetSessionHistory(ctx context.Context, userID string) error {
	res, err := s.ResolveSessionID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.kv.SetMessages(ctx, res.SessionID, []Message{}); err != nil {
		return fmt.Errorf("failed to reset history: %w", err)
	}
	return nil
}

// SwitchCharacter loads the new role card, clears the current window's
// history, and records the character in the session metadata.
func (s *Service) SwitchCharacter(ctx context.Context, userID, roleID string) (*store.Character, error) {
	character, err := s.LoadCharacter(ctx, roleID)
	if err != nil {
		return nil, err
	}

	res, err := s.ResolveSessionID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.kv.SetMessages(ctx, res.SessionID, []Message{}); err != nil {
		slog.Error("failed to clear history on character switch", "session_id", res.SessionID, "error", err)
		return nil, fmt.Errorf("failed to clear history: %w", err)
	}
	if err := s.mergeSessionData(ctx, res.SessionID, map[string]any{
		"role_id":   character.RoleID,
		"post_link": character.Extensions.PostLink,
		"avatar":    character.Extensions.Avatar,
	}); err != nil {
		slog.Error("failed to update session data on character switch", "session_id", res.SessionID, "error", err)
		return nil, fmt.Errorf("failed to update session data: %w", err)
	}
	return character, nil
}

// CreateSnapshot names and stores an immutable copy of the current history.
// An empty history produces no snapshot and returns nil.
func (s *Service) CreateSnapshot(ctx context.Context, userID, userLabel string) (*store.Snapshot, error) {
	res, err := s.ResolveSessionID(ctx, userID)
	if err != nil {
		return nil, err
	}
	history, err := s.kv.GetMessages(ctx, res.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if len(history) == 0 {
		return nil, nil
	}

	data, err := s.kv.GetSessionData(ctx, res.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session data: %w", err)
	}
	roleID := stringField(data, "role_id")
	if roleID == "" {
		roleID = s.resolver.DefaultRoleID(ctx)
	}

	title := roleID
	if character, err := s.LoadCharacter(ctx, roleID); err == nil {
		if character.Extensions.Title != "" {
			title = character.Extensions.Title
		} else if character.Name != "" {
			title = character.Name
		}
	}

	encoded, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	snapshot := &store.Snapshot{
		ID:        uuid.NewString(),
		UserID:    userID,
		RoleID:    roleID,
		Name:      fmt.Sprintf("%s_%s_%s", s.now().Format("20060102_150405"), userLabel, title),
		History:   encoded,
		CreatedTs: s.now().Unix(),
	}
	created, err := s.records.CreateSnapshot(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}
	return created, nil
}

// RestoreSnapshot replaces the current window's history with the snapshot's.
// The window itself is reused; no new session is minted.
func (s *Service) RestoreSnapshot(ctx context.Context, userID, snapshotID string) error {
	snapshot, err := s.records.GetSnapshot(ctx, &store.FindSnapshot{ID: &snapshotID, UserID: &userID})
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snapshot == nil {
		return ErrSnapshotNotFound
	}

	var history []Message
	if err := json.Unmarshal(snapshot.History, &history); err != nil {
		return fmt.Errorf("failed to decode snapshot history: %w", err)
	}

	res, err := s.ResolveSessionID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.kv.SetMessages(ctx, res.SessionID, history); err != nil {
		return fmt.Errorf("failed to restore history: %w", err)
	}
	return s.mergeSessionData(ctx, res.SessionID, map[string]any{
		"role_id":    snapshot.RoleID,
		"turn_count": len(history) / 2,
	})
}

// ListSnapshots returns the user's snapshots, newest first.
func (s *Service) ListSnapshots(ctx context.Context, userID string) ([]*store.Snapshot, error) {
	return s.records.ListSnapshots(ctx, &store.FindSnapshot{UserID: &userID})
}

// DeleteSnapshot removes one of the user's snapshots.
func (s *Service) DeleteSnapshot(ctx context.Context, userID, snapshotID string) error {
	err := s.records.DeleteSnapshot(ctx, &store.DeleteSnapshot{ID: snapshotID, UserID: userID})
	if err != nil {
		return ErrSnapshotNotFound
	}
	return nil
}

// mergeSessionData applies a read-modify-write update to the metadata blob.
func (s *Service) mergeSessionData(ctx context.Context, sessionID string, update map[string]any) error {
	data, err := s.kv.GetSessionData(ctx, sessionID)
	if err != nil {
		slog.Warn("failed to read session data for merge", "session_id", sessionID, "error", err)
		data = nil
	}
	if data == nil {
		data = map[string]any{"session_id": sessionID}
	}
	for k, v := range update {
		data[k] = v
	}
	if err := s.kv.SetSessionData(ctx, sessionID, data); err != nil {
		slog.Error("failed to merge session data", "session_id", sessionID, "error", err)
		return err
	}
	return nil
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if value, ok := data[key].(string); ok {
		return value
	}
	return ""
}

func intField(data map[string]any, key string) int {
	if data == nil {
		return 0
	}
	switch value := data[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	case json.Number:
		n, _ := value.Int64()
		return int(n)
	default:
		return 0
	}
}
