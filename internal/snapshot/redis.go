package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots as plain redis strings. A zero ttl keeps them
// forever.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "snapshot:", ttl: ttl}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) Get(ctx context.Context, documentID string) ([]byte, error) {
	state, err := s.client.Get(ctx, s.key(documentID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", documentID, err)
	}
	return state, nil
}

func (s *RedisStore) Put(ctx context.Context, documentID string, state []byte) error {
	if err := s.client.Set(ctx, s.key(documentID), state, s.ttl).Err(); err != nil {
		return fmt.Errorf("put snapshot %s: %w", documentID, err)
	}
	return nil
}
