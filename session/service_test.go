package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/personabot/config"
	"github.com/hrygo/personabot/internal/profile"
	"github.com/hrygo/personabot/store"
)

// memoryStore is an in-memory Store for tests.
type memoryStore struct {
	messages   map[string][]Message
	current    map[string]string
	last       map[string]string
	data       map[string]map[string]any
	modes      map[string]Tier
	lastActive map[string]int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		messages:   map[string][]Message{},
		current:    map[string]string{},
		last:       map[string]string{},
		data:       map[string]map[string]any{},
		modes:      map[string]Tier{},
		lastActive: map[string]int64{},
	}
}

func (m *memoryStore) GetMessages(_ context.Context, sessionID string) ([]Message, error) {
	return append([]Message(nil), m.messages[sessionID]...), nil
}

func (m *memoryStore) SetMessages(_ context.Context, sessionID string, messages []Message) error {
	m.messages[sessionID] = append([]Message(nil), messages...)
	return nil
}

func (m *memoryStore) AppendMessage(_ context.Context, sessionID string, message Message, maxItems, retention int) error {
	list := append(m.messages[sessionID], message)
	if len(list) > maxItems && retention > 0 {
		list = list[len(list)-retention:]
	}
	m.messages[sessionID] = list
	return nil
}

func (m *memoryStore) GetCurrentSessionID(_ context.Context, userID string) (string, error) {
	return m.current[userID], nil
}

func (m *memoryStore) SetCurrentSessionID(_ context.Context, userID, sessionID string) error {
	m.current[userID] = sessionID
	return nil
}

func (m *memoryStore) GetLastSessionID(_ context.Context, userID string) (string, error) {
	return m.last[userID], nil
}

func (m *memoryStore) SetLastSessionID(_ context.Context, userID, sessionID string) error {
	m.last[userID] = sessionID
	return nil
}

func (m *memoryStore) GetSessionData(_ context.Context, sessionID string) (map[string]any, error) {
	data, ok := m.data[sessionID]
	if !ok {
		return nil, nil
	}
	copied := make(map[string]any, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return copied, nil
}

func (m *memoryStore) SetSessionData(_ context.Context, sessionID string, data map[string]any) error {
	m.data[sessionID] = data
	return nil
}

func (m *memoryStore) GetUserModelMode(_ context.Context, userID string) (Tier, error) {
	if tier, ok := m.modes[userID]; ok {
		return tier, nil
	}
	return DefaultTier, nil
}

func (m *memoryStore) SetUserModelMode(_ context.Context, userID string, tier Tier) error {
	m.modes[userID] = tier
	return nil
}

func (m *memoryStore) GetLastActiveTime(_ context.Context, userID string) (int64, error) {
	return m.lastActive[userID], nil
}

func (m *memoryStore) SetLastActiveTime(_ context.Context, userID string, ms int64) error {
	m.lastActive[userID] = ms
	return nil
}

// memoryRecords is an in-memory RecordStore for tests.
type memoryRecords struct {
	characters map[string]*store.Character
	snapshots  map[string]*store.Snapshot
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{
		characters: map[string]*store.Character{},
		snapshots:  map[string]*store.Snapshot{},
	}
}

func (m *memoryRecords) GetCharacter(_ context.Context, roleID string) (*store.Character, error) {
	return m.characters[roleID], nil
}

func (m *memoryRecords) CreateSnapshot(_ context.Context, create *store.Snapshot) (*store.Snapshot, error) {
	m.snapshots[create.ID] = create
	return create, nil
}

func (m *memoryRecords) GetSnapshot(_ context.Context, find *store.FindSnapshot) (*store.Snapshot, error) {
	for _, snapshot := range m.snapshots {
		if find.ID != nil && snapshot.ID != *find.ID {
			continue
		}
		if find.UserID != nil && snapshot.UserID != *find.UserID {
			continue
		}
		return snapshot, nil
	}
	return nil, nil
}

func (m *memoryRecords) ListSnapshots(_ context.Context, find *store.FindSnapshot) ([]*store.Snapshot, error) {
	var out []*store.Snapshot
	for _, snapshot := range m.snapshots {
		if find.UserID != nil && snapshot.UserID != *find.UserID {
			continue
		}
		out = append(out, snapshot)
	}
	return out, nil
}

func (m *memoryRecords) DeleteSnapshot(_ context.Context, del *store.DeleteSnapshot) error {
	snapshot, ok := m.snapshots[del.ID]
	if !ok || snapshot.UserID != del.UserID {
		return fmt.Errorf("snapshot not found")
	}
	delete(m.snapshots, del.ID)
	return nil
}

type serviceFixture struct {
	service *Service
	kv      *memoryStore
	records *memoryRecords
	clock   time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	prof := &profile.Profile{
		MaxHistoryItems:       40,
		HistoryRetentionCount: 20,
		SessionTimeoutMinutes: 30,
		DefaultRoleID:         "companion",
	}
	kv := newMemoryStore()
	records := newMemoryRecords()
	records.characters["companion"] = &store.Character{
		RoleID:       "companion",
		Name:         "小伴",
		SystemPrompt: "你是一个温柔的聊天伙伴。",
		FirstMes:     "你好呀！",
	}
	resolver := config.NewResolver(prof, nil, nil, nil)
	service := NewService(kv, records, resolver, "")

	f := &serviceFixture{
		service: service,
		kv:      kv,
		records: records,
		clock:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	service.now = func() time.Time { return f.clock }
	return f
}

func (f *serviceFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestResolveSessionIDFirstContact(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	res, err := f.service.ResolveSessionID(ctx, "42")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, fmt.Sprintf("sess_42_%d", f.clock.UnixMilli()), res.SessionID)
	assert.Empty(t, res.ExpiredSessionID)
	assert.Equal(t, f.clock.UnixMilli(), f.kv.lastActive["42"])
}

func TestResolveSessionIDReusesActiveWindow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.ResolveSessionID(ctx, "42")
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	second, err := f.service.ResolveSessionID(ctx, "42")
	require.NoError(t, err)

	assert.False(t, second.IsNew)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, f.clock.UnixMilli(), f.kv.lastActive["42"])
}

func TestResolveSessionIDGapEqualToTimeoutIsNotExpired(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.ResolveSessionID(ctx, "42")
	require.NoError(t, err)

	f.advance(30 * time.Minute)
	second, err := f.service.ResolveSessionID(ctx, "42")
	require.NoError(t, err)

	assert.False(t, second.IsNew)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestResolveSessionIDExpiresAfterTimeout(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.ResolveSessionID(ctx, "42")
	require.NoError(t, err)

	f.advance(30*time.Minute + time.Millisecond)
	second, err := f.service.ResolveSessionID(ctx, "42")
	require.NoError(t, err)

	assert.True(t, second.IsNew)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.SessionID, second.ExpiredSessionID)
	assert.Equal(t, first.SessionID, f.kv.last["42"])
	assert.Equal(t, second.SessionID, f.kv.current["42"])
}

func TestResolveSessionIDMigratesMissingStamp(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// A pre-existing session pointer without a last-active stamp.
	f.kv.current["42"] = "sess_42_1000"

	res, err := f.service.ResolveSessionID(ctx, "42")
	require.NoError(t, err)

	assert.False(t, res.IsNew)
	assert.Equal(t, "sess_42_1000", res.SessionID)
	assert.Equal(t, f.clock.UnixMilli(), f.kv.lastActive["42"])
}

func TestGetOrCreateSessionHydratesHistory(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	res, err := f.service.ResolveSessionID(ctx, "42")
	require.NoError(t, err)
	require.NoError(t, f.kv.SetMessages(ctx, res.SessionID, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}))

	sess, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)

	assert.Equal(t, res.SessionID, sess.ID)
	assert.Len(t, sess.History, 2)
	assert.Equal(t, "companion", sess.RoleID)
	require.NotNil(t, sess.Character)
	assert.Equal(t, "小伴", sess.Character.Name)
}

func TestExpiredWindowCarriesCharacterOver(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.records.characters["poet"] = &store.Character{RoleID: "poet", Name: "诗人"}

	_, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)
	_, err = f.service.SwitchCharacter(ctx, "42", "poet")
	require.NoError(t, err)

	f.advance(31 * time.Minute)
	sess, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)

	assert.True(t, sess.IsNew)
	assert.Empty(t, sess.History)
	assert.Equal(t, "poet", sess.RoleID)
}

func TestAppendMessagesCountsTurns(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	sess, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)

	f.service.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})
	assert.Equal(t, 1, sess.TurnCount)

	// An assistant-only batch (regenerate) does not count as a turn.
	f.service.AppendMessages(ctx, sess, []Message{
		{Role: RoleAssistant, Content: "hello again"},
	})
	assert.Equal(t, 1, sess.TurnCount)

	data, err := f.kv.GetSessionData(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, intField(data, "turn_count"))
}

func TestAppendMessagesTrimsHistory(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	sess, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)

	for i := 0; i < 21; i++ {
		f.service.AppendMessages(ctx, sess, []Message{
			{Role: RoleUser, Content: fmt.Sprintf("q%d", i)},
			{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		})
	}

	// 42 appended; crossing the max triggered a trim down to the retention
	// count, after which appends accumulate again.
	assert.Len(t, sess.History, 21)
	stored, err := f.kv.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	// The in-memory view trims at the same cadence as the store.
	assert.Equal(t, stored, sess.History)
	// Newest entries survive the trim.
	assert.Equal(t, "a20", sess.History[len(sess.History)-1].Content)
}

func TestRollbackHistoryToLastUser(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	sess, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)
	f.service.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply one"},
	})

	content, found, err := f.service.RollbackHistoryToLastUser(ctx, sess)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first", content)
	require.Len(t, sess.History, 1)
	assert.Equal(t, RoleUser, sess.History[0].Role)

	// Rolling back again is a no-op: the tail is already the user message.
	content, found, err = f.service.RollbackHistoryToLastUser(ctx, sess)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first", content)
	assert.Len(t, sess.History, 1)
}

func TestRollbackWithoutUserMessage(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	sess, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)

	_, found, err := f.service.RollbackHistoryToLastUser(ctx, sess)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, sess.History)
}

func TestResetSessionHistoryKeepsWindow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	sess, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)
	f.service.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})

	require.NoError(t, f.service.ResetSessionHistory(ctx, "42"))

	stored, err := f.kv.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, sess.ID, f.kv.current["42"])
}

func TestSwitchCharacterClearsHistory(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.records.characters["poet"] = &store.Character{
		RoleID:     "poet",
		Name:       "诗人",
		FirstMes:   "我们来谈谈诗吧。",
		Extensions: store.CharacterExtensions{PostLink: "https://example.com/poet"},
	}

	sess, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)
	f.service.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})

	character, err := f.service.SwitchCharacter(ctx, "42", "poet")
	require.NoError(t, err)
	assert.Equal(t, "诗人", character.Name)

	stored, err := f.kv.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)

	data, err := f.kv.GetSessionData(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "poet", stringField(data, "role_id"))
	assert.Equal(t, "https://example.com/poet", stringField(data, "post_link"))
}

func TestLoadCharacterFallsBackToBundledCard(t *testing.T) {
	f := newServiceFixture(t)

	character, err := f.service.LoadCharacter(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Equal(t, "nonexistent", character.RoleID)
	assert.NotEmpty(t, character.Name)
	assert.NotEmpty(t, character.SystemPrompt)
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	sess, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)
	f.service.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "remember this"},
		{Role: RoleAssistant, Content: "noted"},
	})

	snapshot, err := f.service.CreateSnapshot(ctx, "42", "before_adventure")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Contains(t, snapshot.Name, "before_adventure")
	assert.Equal(t, "42", snapshot.UserID)

	// Wipe the window, then restore.
	require.NoError(t, f.service.ResetSessionHistory(ctx, "42"))
	require.NoError(t, f.service.RestoreSnapshot(ctx, "42", snapshot.ID))

	stored, err := f.kv.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "remember this", stored[0].Content)

	data, err := f.kv.GetSessionData(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, intField(data, "turn_count"))
}

func TestCreateSnapshotEmptyHistory(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)

	snapshot, err := f.service.CreateSnapshot(ctx, "42", "label")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestRestoreSnapshotNotFound(t *testing.T) {
	f := newServiceFixture(t)

	err := f.service.RestoreSnapshot(context.Background(), "42", "missing-id")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestDeleteSnapshotOtherUser(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	sess, err := f.service.GetOrCreateSession(ctx, "42")
	require.NoError(t, err)
	f.service.AppendMessages(ctx, sess, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})
	snapshot, err := f.service.CreateSnapshot(ctx, "42", "mine")
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	// Another user cannot delete it.
	assert.ErrorIs(t, f.service.DeleteSnapshot(ctx, "99", snapshot.ID), ErrSnapshotNotFound)
	require.NoError(t, f.service.DeleteSnapshot(ctx, "42", snapshot.ID))
}
