package timing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/internal/cache"
)

const summaryKeyPrefix = "crewtrace:timing:summary:"

// RedisSummaryCache 把摘要以 JSON 存进 Redis
type RedisSummaryCache struct {
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSummaryCache 创建缓存，ttl 为 0 时使用 Manager 的默认 TTL
func NewRedisSummaryCache(m *cache.Manager, ttl time.Duration, logger *zap.Logger) *RedisSummaryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSummaryCache{cache: m, ttl: ttl, logger: logger}
}

// Get 读取缓存，出错按未命中处理
func (c *RedisSummaryCache) Get(ctx context.Context, sessionID string) (Breakdown, bool) {
	var b Breakdown
	if err := c.cache.GetJSON(ctx, summaryKeyPrefix+sessionID, &b); err != nil {
		if !cache.IsCacheMiss(err) {
			c.logger.Warn("summary cache read failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return Breakdown{}, false
	}
	return b, true
}

// Set 写入缓存，失败只记日志
func (c *RedisSummaryCache) Set(ctx context.Context, sessionID string, b Breakdown) {
	if err := c.cache.SetJSON(ctx, summaryKeyPrefix+sessionID, b, c.ttl); err != nil {
		c.logger.Warn("summary cache write failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Invalidate 删除会话摘要
func (c *RedisSummaryCache) Invalidate(ctx context.Context, sessionID string) error {
	return c.cache.Delete(ctx, summaryKeyPrefix+sessionID)
}
