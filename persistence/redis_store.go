package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/iterflow/types"
)

const defaultKeyPrefix = "iterflow:session:"

// RedisStore keeps snapshots in redis, one key per session. Keys carry no
// TTL; snapshots live until explicitly deleted.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to redis and verifies the connection with a ping.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: prefix}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used in tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

// Save writes the current state of a session.
func (s *RedisStore) Save(ctx context.Context, sessionID string, tc *types.TaskContext) error {
	data, err := json.Marshal(newSnapshot(sessionID, tc))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(sessionID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Load reads the latest snapshot of a session.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*types.TaskContext, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeSnapshot(data)
}

// Delete removes a session's snapshot.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

// Close releases the redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
