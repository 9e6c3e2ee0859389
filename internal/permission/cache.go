package permission

import (
	"context"
	"errors"
	"time"

	"collab-relay/redis"

	"github.com/rs/zerolog"
)

// CachedResolver answers from redis when it can and asks next otherwise.
// Cache failures never fail a resolution.
type CachedResolver struct {
	next   Resolver
	cache  *redis.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedResolver(next Resolver, cache *redis.Cache, ttl time.Duration, logger zerolog.Logger) *CachedResolver {
	return &CachedResolver{next: next, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(p Principal, documentID string) string {
	return documentID + ":" + p.UserID
}

func (c *CachedResolver) Resolve(ctx context.Context, p Principal, documentID string) (Result, error) {
	key := cacheKey(p, documentID)

	var res Result
	err := c.cache.Get(ctx, key, &res)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("document_id", documentID).Msg("permission cache read failed")
	}

	res, err = c.next.Resolve(ctx, p, documentID)
	if err != nil {
		return Result{}, err
	}
	if err := c.cache.Set(ctx, key, res, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("document_id", documentID).Msg("permission cache write failed")
	}
	return res, nil
}

// Invalidate drops the cached answer for p on documentID.
func (c *CachedResolver) Invalidate(ctx context.Context, p Principal, documentID string) error {
	return c.cache.Delete(ctx, cacheKey(p, documentID))
}
