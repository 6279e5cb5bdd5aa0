package secrets

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix = "wa:token:"
	lockKeyPrefix  = "wa:lock:"
)

// RedisStore implements Store on a Redis instance. Tokens are plain string
// values keyed per session; locks are TTL keys in the style of the lock
// keys the platform already uses.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (string, error) {
	val, err := s.client.Get(ctx, tokenKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, sessionID string, token string) error {
	return s.client.Set(ctx, tokenKeyPrefix+sessionID, token, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, tokenKeyPrefix+sessionID).Err()
}

func (s *RedisStore) All(ctx context.Context) (map[string]string, error) {
	tokens := make(map[string]string)
	iter := s.client.Scan(ctx, 0, tokenKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		tokens[strings.TrimPrefix(key, tokenKeyPrefix)] = val
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *RedisStore) Lock(ctx context.Context, sessionID string, ttl time.Duration) error {
	return s.client.Set(ctx, lockKeyPrefix+sessionID, "locked", ttl).Err()
}

func (s *RedisStore) Unlock(ctx context.Context, sessionID string) error {
	deleted, err := s.client.Del(ctx, lockKeyPrefix+sessionID).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotLocked
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
