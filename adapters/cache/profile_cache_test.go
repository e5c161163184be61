package cache

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/domain/repositories"
)

type countingSource struct {
	calls   atomic.Int32
	profile *repositories.AgentProfile
	err     error
}

func (s *countingSource) GetAgentProfile(ctx context.Context, businessID, agentType string) (*repositories.AgentProfile, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	p := *s.profile
	return &p, nil
}

func pizzaProfile() *repositories.AgentProfile {
	return &repositories.AgentProfile{
		BusinessID:   "biz-1",
		AgentType:    "orders",
		BusinessName: "Luigi's",
		Config:       entities.SessionConfig{Voice: "alloy", Instructions: "Take pizza orders."},
	}
}

func TestProfileCache_RedisDownFallsThrough(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	source := &countingSource{profile: pizzaProfile()}
	cache := NewProfileCache(rdb, source, time.Minute, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		profile, err := cache.GetAgentProfile(context.Background(), "biz-1", "orders")
		require.NoError(t, err)
		assert.Equal(t, "Luigi's", profile.BusinessName)
	}
	assert.Equal(t, int32(2), source.calls.Load())

	source.err = errors.New("unknown business")
	_, err := cache.GetAgentProfile(context.Background(), "biz-2", "orders")
	assert.Error(t, err)
}

func TestProfileCache_ReadThrough(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration test")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, addr)
	require.NoError(t, err)
	defer rdb.Close()

	businessID := "biz-" + uuid.NewString()
	source := &countingSource{profile: pizzaProfile()}
	cache := NewProfileCache(rdb, source, time.Minute, zaptest.NewLogger(t))
	defer cache.Invalidate(ctx, businessID, "orders")

	first, err := cache.GetAgentProfile(ctx, businessID, "orders")
	require.NoError(t, err)
	second, err := cache.GetAgentProfile(ctx, businessID, "orders")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), source.calls.Load())

	// corrupt entries are treated as a miss
	require.NoError(t, rdb.Set(ctx, profileKey(businessID, "orders"), "{", time.Minute).Err())
	_, err = cache.GetAgentProfile(ctx, businessID, "orders")
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestNewRedisClient_RequiresAddress(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "")
	assert.Error(t, err)
	_, err = NewRedisClient(context.Background(), "redis://%zz")
	assert.Error(t, err)
}
