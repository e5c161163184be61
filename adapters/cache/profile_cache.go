package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/domain/repositories"
)

const (
	keyPrefix  = "voxbridge:profile:"
	DefaultTTL = 5 * time.Minute
)

// NewRedisClient accepts either a host:port address or a redis:// URL
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// ProfileCache is a read-through Redis cache in front of a ProfileSource.
// Redis failures are logged and the source is consulted directly.
type ProfileCache struct {
	rdb    *redis.Client
	source repositories.ProfileSource
	ttl    time.Duration
	logger *zap.Logger
}

var _ repositories.ProfileSource = (*ProfileCache)(nil)

func NewProfileCache(rdb *redis.Client, source repositories.ProfileSource, ttl time.Duration, logger *zap.Logger) *ProfileCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ProfileCache{rdb: rdb, source: source, ttl: ttl, logger: logger}
}

func profileKey(businessID, agentType string) string {
	return keyPrefix + businessID + ":" + agentType
}

// GetAgentProfile implements repositories.ProfileSource
func (c *ProfileCache) GetAgentProfile(ctx context.Context, businessID, agentType string) (*repositories.AgentProfile, error) {
	key := profileKey(businessID, agentType)

	s, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var profile repositories.AgentProfile
		if err := json.Unmarshal([]byte(s), &profile); err == nil {
			return &profile, nil
		}
		// data corrupt: treat as miss by deleting
		_ = c.rdb.Del(ctx, key).Err()
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("Profile cache read failed",
			zap.String("businessId", businessID),
			zap.Error(err))
	}

	profile, err := c.source.GetAgentProfile(ctx, businessID, agentType)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(profile)
	if err == nil {
		err = c.rdb.Set(ctx, key, b, c.ttl).Err()
	}
	if err != nil {
		c.logger.Warn("Profile cache write failed",
			zap.String("businessId", businessID),
			zap.Error(err))
	}
	return profile, nil
}

// Invalidate drops the cached profile so the next lookup hits the source
func (c *ProfileCache) Invalidate(ctx context.Context, businessID, agentType string) error {
	return c.rdb.Del(ctx, profileKey(businessID, agentType)).Err()
}
