package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisSeenSet Redis 实现：SETNX + TTL
//
// 面向常驻的代理侧转发节点，用 TTL 代替条数上限做内存约束；
// 多个转发进程共享同一集合时也能保证每个 ID 只投递一次。
type RedisSeenSet struct {
	redisClient *redis.Client
	prefix      string
	ttl         time.Duration
	logger      *zap.Logger
}

// NewRedisSeenSet 创建 Redis 已见集合
func NewRedisSeenSet(redisClient *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisSeenSet {
	return &RedisSeenSet{
		redisClient: redisClient,
		prefix:      prefix,
		ttl:         ttl,
		logger:      logger,
	}
}

// MarkIfNew 见 SeenAlertSet
func (s *RedisSeenSet) MarkIfNew(ctx context.Context, alertID string) (bool, error) {
	key := s.prefix + alertID

	ok, err := s.redisClient.SetNX(ctx, key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark alert id: %w", err)
	}

	if !ok {
		s.logger.Debug("Alert id already marked",
			zap.String("alert_id", alertID),
		)
	}
	return ok, nil
}

// Len 当前集合大小（扫描前缀，仅用于状态展示）
func (s *RedisSeenSet) Len(ctx context.Context) (int, error) {
	var count int
	iter := s.redisClient.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan seen keys: %w", err)
	}
	return count, nil
}
