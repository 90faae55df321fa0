package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 5 * time.Second

// RedisStore keeps chat state in redis hashes under a per-user prefix so
// several daemons can share one backend.
type RedisStore struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisClient builds a client from either a redis:// URL or a bare
// host:port address.
func NewRedisClient(addr string) (*redis.Client, error) {
	if !strings.Contains(addr, "://") {
		return redis.NewClient(&redis.Options{Addr: addr}), nil
	}

	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	return redis.NewClient(opts), nil
}

// NewRedis wraps rdb and verifies the connection. Keys live under
// chatsync:<userID>:.
func NewRedis(ctx context.Context, rdb *redis.Client, userID string) (*RedisStore, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{
		rdb:     rdb,
		prefix:  "chatsync:" + userID + ":",
		timeout: defaultRedisTimeout,
	}, nil
}

func (s *RedisStore) key(space []byte) string {
	return s.prefix + string(space)
}

func (s *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *RedisStore) hset(space []byte, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ctx, cancel := s.ctx()
	defer cancel()

	return s.rdb.HSet(ctx, s.key(space), field, data).Err()
}

// hget decodes one hash field into v. Returns false when the field is absent.
func (s *RedisStore) hget(space []byte, field string, v any) (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	raw, err := s.rdb.HGet(ctx, s.key(space), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, json.Unmarshal(raw, v)
}

func (s *RedisStore) hdel(space []byte, field string) error {
	ctx, cancel := s.ctx()
	defer cancel()

	return s.rdb.HDel(ctx, s.key(space), field).Err()
}

func (s *RedisStore) hgetall(space []byte) (map[string]string, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	return s.rdb.HGetAll(ctx, s.key(space)).Result()
}

// Save replaces the persisted message list for a conversation.
func (s *RedisStore) Save(conversationID string, msgs []models.Message) error {
	return s.hset(messagesBucket, conversationID, msgs)
}

// Load returns the persisted message list, or nil if none is cached.
func (s *RedisStore) Load(conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	_, err := s.hget(messagesBucket, conversationID, &msgs)

	return msgs, err
}

// Delete removes everything cached for a conversation in one transaction.
func (s *RedisStore) Delete(conversationID string) error {
	ctx, cancel := s.ctx()
	defer cancel()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, space := range allBuckets {
			pipe.HDel(ctx, s.key(space), conversationID)
		}

		return nil
	})

	return err
}

// Stats reads every message list and metadata entry.
func (s *RedisStore) Stats() (Stats, error) {
	var st stats

	lists, err := s.hgetall(messagesBucket)
	if err != nil {
		return Stats{}, err
	}

	for _, raw := range lists {
		if err := st.addMessages([]byte(raw)); err != nil {
			return Stats{}, err
		}
	}

	metas, err := s.hgetall(metaBucket)
	if err != nil {
		return Stats{}, err
	}

	for _, raw := range metas {
		if err := st.addMeta([]byte(raw)); err != nil {
			return Stats{}, err
		}
	}

	ctx, cancel := s.ctx()
	defer cancel()

	n, err := s.rdb.HLen(ctx, s.key(emergencyBucket)).Result()
	if err != nil {
		return Stats{}, err
	}

	st.EmergencyLists = int(n)

	return st.Stats, nil
}

// Metadata returns the sync metadata for a conversation, or nil.
func (s *RedisStore) Metadata(conversationID string) (*models.SyncMetadata, error) {
	var meta models.SyncMetadata

	found, err := s.hget(metaBucket, conversationID, &meta)
	if err != nil || !found {
		return nil, err
	}

	return &meta, nil
}

// SetMetadata persists the sync metadata for a conversation.
func (s *RedisStore) SetMetadata(conversationID string, meta models.SyncMetadata) error {
	return s.hset(metaBucket, conversationID, meta)
}

// SaveConversations replaces the cached conversation list atomically.
func (s *RedisStore) SaveConversations(convs []models.Conversation) error {
	fields := make([]any, 0, 2*len(convs))

	for _, c := range convs {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		fields = append(fields, c.ID, data)
	}

	ctx, cancel := s.ctx()
	defer cancel()

	key := s.key(conversationsBucket)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)

		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields...)
		}

		return nil
	})

	return err
}

// LoadConversations returns every cached conversation.
func (s *RedisStore) LoadConversations() ([]models.Conversation, error) {
	raw, err := s.hgetall(conversationsBucket)
	if err != nil {
		return nil, err
	}

	convs := make([]models.Conversation, 0, len(raw))

	for _, v := range raw {
		var c models.Conversation
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, err
		}

		convs = append(convs, c)
	}

	return convs, nil
}

// SetBlocked caches or clears the block flag for a conversation.
func (s *RedisStore) SetBlocked(conversationID, reason string, blocked bool) error {
	if blocked {
		return s.hset(blockedBucket, conversationID, blockedEntry{Reason: reason})
	}

	return s.hdel(blockedBucket, conversationID)
}

// Blocked returns the cached block flag and its reason.
func (s *RedisStore) Blocked(conversationID string) (bool, string, error) {
	var e blockedEntry
	found, err := s.hget(blockedBucket, conversationID, &e)

	return found, e.Reason, err
}

// BlockedConversations returns every cached block flag.
func (s *RedisStore) BlockedConversations() (map[string]string, error) {
	raw, err := s.hgetall(blockedBucket)
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(raw))

	for id, v := range raw {
		var e blockedEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, err
		}

		result[id] = e.Reason
	}

	return result, nil
}

// SaveEmergency writes a message list to the emergency key space.
func (s *RedisStore) SaveEmergency(conversationID string, msgs []models.Message) error {
	return s.hset(emergencyBucket, conversationID, msgs)
}

// Emergency returns every emergency backup keyed by conversation ID.
func (s *RedisStore) Emergency() (map[string][]models.Message, error) {
	raw, err := s.hgetall(emergencyBucket)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]models.Message, len(raw))

	for id, v := range raw {
		var msgs []models.Message
		if err := json.Unmarshal([]byte(v), &msgs); err != nil {
			return nil, err
		}

		result[id] = msgs
	}

	return result, nil
}

// ClearEmergency removes the emergency backup for a conversation.
func (s *RedisStore) ClearEmergency(conversationID string) error {
	return s.hdel(emergencyBucket, conversationID)
}

// EvictStale removes metadata and acknowledged messages last synced
// before cutoff.
func (s *RedisStore) EvictStale(before time.Time) (int, error) {
	metas, err := s.hgetall(metaBucket)
	if err != nil {
		return 0, err
	}

	var stale []string

	for id, raw := range metas {
		old, err := staleBefore([]byte(raw), before)
		if err != nil {
			return 0, err
		}

		if old {
			stale = append(stale, id)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}

	ctx, cancel := s.ctx()
	defer cancel()

	lists, err := s.rdb.HMGet(ctx, s.key(messagesBucket), stale...).Result()
	if err != nil {
		return 0, err
	}

	kept := make(map[string][]byte)

	for i, v := range lists {
		raw, ok := v.(string)
		if !ok {
			continue
		}

		data, err := keepUnsent([]byte(raw))
		if err != nil {
			return 0, err
		}

		if data != nil {
			kept[stale[i]] = data
		}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.key(metaBucket), stale...)
		pipe.HDel(ctx, s.key(messagesBucket), stale...)

		for id, data := range kept {
			pipe.HSet(ctx, s.key(messagesBucket), id, data)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(stale), nil
}

// Clear drops all cached chat data except block flags.
func (s *RedisStore) Clear() error {
	keys := make([]string, 0, len(clearedBuckets))
	for _, space := range clearedBuckets {
		keys = append(keys, s.key(space))
	}

	ctx, cancel := s.ctx()
	defer cancel()

	return s.rdb.Del(ctx, keys...).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
