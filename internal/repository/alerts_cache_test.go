package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sosmesh/internal/models"
)

func setupCache(t *testing.T) (*miniredis.Miniredis, *RecentAlertsCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := NewRecentAlertsCache(client, "sosmesh:alerts:recent", 30*time.Second, zap.NewNop())
	return mr, cache
}

func cachedAlerts() []*models.SinkAlert {
	return []*models.SinkAlert{
		{
			AlertID:    "ALERT-1",
			Sender:     "EmergencyBeacon-42",
			Timestamp:  "2024-01-01 12:00:00",
			Latitude:   "37.5",
			Longitude:  "-122.1",
			ReceivedAt: time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC),
		},
	}
}

func TestRecentAlertsCache_SetGet(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()

	_, ok := cache.Get(ctx, 10)
	assert.False(t, ok)

	cache.Set(ctx, 10, cachedAlerts())

	got, ok := cache.Get(ctx, 10)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "ALERT-1", got[0].AlertID)
	assert.Equal(t, "37.5", got[0].Latitude)

	// 不同 limit 是独立的缓存键
	_, ok = cache.Get(ctx, 20)
	assert.False(t, ok)
}

func TestRecentAlertsCache_Invalidate(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()

	cache.Set(ctx, 10, cachedAlerts())
	cache.Set(ctx, 20, cachedAlerts())

	cache.Invalidate(ctx)

	_, ok := cache.Get(ctx, 10)
	assert.False(t, ok)
	_, ok = cache.Get(ctx, 20)
	assert.False(t, ok)
}

func TestRecentAlertsCache_TTLExpiry(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()

	cache.Set(ctx, 10, cachedAlerts())

	mr.FastForward(time.Minute)

	_, ok := cache.Get(ctx, 10)
	assert.False(t, ok)
}

func TestRecentAlertsCache_CorruptEntryTreatedAsMiss(t *testing.T) {
	mr, cache := setupCache(t)

	require.NoError(t, mr.Set("sosmesh:alerts:recent:10", "{not json"))

	_, ok := cache.Get(context.Background(), 10)
	assert.False(t, ok)
}
