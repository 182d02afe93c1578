package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"sosmesh/internal/models"
)

// RecentAlertsCache 最近告警列表的 Redis 缓存
//
// 缓存键带 limit 后缀，不同 limit 的查询互不污染；
// 新告警落库后整体失效，短 TTL 兜底
type RecentAlertsCache struct {
	redisClient *redis.Client
	keyPrefix   string
	ttl         time.Duration
	logger      *zap.Logger
}

// NewRecentAlertsCache 创建最近告警缓存
func NewRecentAlertsCache(redisClient *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RecentAlertsCache {
	return &RecentAlertsCache{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		ttl:         ttl,
		logger:      logger,
	}
}

func (c *RecentAlertsCache) key(limit int) string {
	return fmt.Sprintf("%s:%d", c.keyPrefix, limit)
}

// Get 读取缓存，未命中或反序列化失败都按未命中处理
func (c *RecentAlertsCache) Get(ctx context.Context, limit int) ([]*models.SinkAlert, bool) {
	val, err := c.redisClient.Get(ctx, c.key(limit)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Failed to get recent alerts cache", zap.Error(err))
		}
		return nil, false
	}

	var alerts []*models.SinkAlert
	if err := json.Unmarshal([]byte(val), &alerts); err != nil {
		c.logger.Warn("Failed to unmarshal cached alerts", zap.Error(err))
		return nil, false
	}

	return alerts, true
}

// Set 写入缓存（设置 TTL），失败只记日志
func (c *RecentAlertsCache) Set(ctx context.Context, limit int, alerts []*models.SinkAlert) {
	jsonData, err := json.Marshal(alerts)
	if err != nil {
		c.logger.Warn("Failed to marshal alerts for cache", zap.Error(err))
		return
	}

	if err := c.redisClient.Set(ctx, c.key(limit), jsonData, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to set recent alerts cache", zap.Error(err))
		return
	}

	c.logger.Debug("Updated recent alerts cache",
		zap.Int("limit", limit),
		zap.Int("alert_count", len(alerts)),
	)
}

// Invalidate 清掉所有 limit 变体的缓存键
func (c *RecentAlertsCache) Invalidate(ctx context.Context) {
	pattern := c.keyPrefix + ":*"
	iter := c.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.redisClient.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("Failed to delete cache key",
				zap.String("key", iter.Val()),
				zap.Error(err),
			)
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("Failed to scan cache keys", zap.Error(err))
	}
}
