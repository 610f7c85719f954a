// Package kv implements the session store on Redis. Key layout, under the
// configured namespace prefix:
//
//	<ns>:<sid>:messages            list of JSON-encoded messages
//	<ns>:current:<userID>          current session id
//	<ns>:last:<userID>             most-recently-expired session id
//	<ns>:data:<sid>                JSON metadata object
//	<ns>:user_pref:<userID>:model_mode
//	<ns>:user_last_active:<userID> millisecond epoch
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/hrygo/personabot/session"
)

// RedisStore implements session.Store on a Redis client.
type RedisStore struct {
	client *redis.Client
	ns     string
}

// NewRedisStore creates a store under the given namespace prefix; an empty
// namespace defaults to "session".
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "session"
	}
	return &RedisStore{client: client, ns: namespace}
}

func (s *RedisStore) messagesKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:messages", s.ns, sessionID)
}

func (s *RedisStore) currentKey(userID string) string {
	return fmt.Sprintf("%s:current:%s", s.ns, userID)
}

func (s *RedisStore) lastKey(userID string) string {
	return fmt.Sprintf("%s:last:%s", s.ns, userID)
}

func (s *RedisStore) dataKey(sessionID string) string {
	return fmt.Sprintf("%s:data:%s", s.ns, sessionID)
}

func (s *RedisStore) modelModeKey(userID string) string {
	return fmt.Sprintf("%s:user_pref:%s:model_mode", s.ns, userID)
}

func (s *RedisStore) lastActiveKey(userID string) string {
	return fmt.Sprintf("%s:user_last_active:%s", s.ns, userID)
}

func (s *RedisStore) GetMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	items, err := s.client.LRange(ctx, s.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	messages := make([]session.Message, 0, len(items))
	for _, item := range items {
		var msg session.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisStore) SetMessages(ctx context.Context, sessionID string, messages []session.Message) error {
	key := s.messagesKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	for _, msg := range messages {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		pipe.RPush(ctx, key, string(encoded))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to replace messages: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, sessionID string, message session.Message, maxItems, retention int) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	key := s.messagesKey(sessionID)
	length, err := s.client.RPush(ctx, key, string(encoded)).Result()
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if maxItems > 0 && retention > 0 && length > int64(maxItems) {
		// Keep only the newest retention entries.
		if err := s.client.LTrim(ctx, key, int64(-retention), -1).Err(); err != nil {
			return fmt.Errorf("failed to trim messages: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) getString(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (s *RedisStore) GetCurrentSessionID(ctx context.Context, userID string) (string, error) {
	return s.getString(ctx, s.currentKey(userID))
}

func (s *RedisStore) SetCurrentSessionID(ctx context.Context, userID, sessionID string) error {
	return s.client.Set(ctx, s.currentKey(userID), sessionID, 0).Err()
}

func (s *RedisStore) GetLastSessionID(ctx context.Context, userID string) (string, error) {
	return s.getString(ctx, s.lastKey(userID))
}

func (s *RedisStore) SetLastSessionID(ctx context.Context, userID, sessionID string) error {
	return s.client.Set(ctx, s.lastKey(userID), sessionID, 0).Err()
}

func (s *RedisStore) GetSessionData(ctx context.Context, sessionID string) (map[string]any, error) {
	raw, err := s.getString(ctx, s.dataKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to read session data: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	data := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	return data, nil
}

func (s *RedisStore) SetSessionData(ctx context.Context, sessionID string, data map[string]any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode session data: %w", err)
	}
	return s.client.Set(ctx, s.dataKey(sessionID), string(encoded), 0).Err()
}

func (s *RedisStore) GetUserModelMode(ctx context.Context, userID string) (session.Tier, error) {
	raw, err := s.getString(ctx, s.modelModeKey(userID))
	if err != nil {
		return session.DefaultTier, err
	}
	tier := session.Tier(raw)
	if !tier.IsValid() {
		return session.DefaultTier, nil
	}
	return tier, nil
}

func (s *RedisStore) SetUserModelMode(ctx context.Context, userID string, tier session.Tier) error {
	return s.client.Set(ctx, s.modelModeKey(userID), string(tier), 0).Err()
}

func (s *RedisStore) GetLastActiveTime(ctx context.Context, userID string) (int64, error) {
	raw, err := s.getString(ctx, s.lastActiveKey(userID))
	if err != nil || raw == "" {
		return 0, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse last active time: %w", err)
	}
	return ms, nil
}

func (s *RedisStore) SetLastActiveTime(ctx context.Context, userID string, ms int64) error {
	return s.client.Set(ctx, s.lastActiveKey(userID), strconv.FormatInt(ms, 10), 0).Err()
}
