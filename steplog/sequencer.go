package steplog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/crewtrace/config"
	"github.com/BaSui01/crewtrace/internal/cache"
)

// Sequencer 为会话分配从 1 开始的连续序号
type Sequencer interface {
	Next(ctx context.Context, sessionID string) (int64, error)
	Reset(ctx context.Context, sessionID string) error
}

// =============================================================================
// 🔢 进程内序号
// =============================================================================

// MemorySequencer 进程内原子计数
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]*atomic.Int64
}

// NewMemorySequencer 创建进程内序号分配器
func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: make(map[string]*atomic.Int64)}
}

// Next 下一个序号
func (s *MemorySequencer) Next(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	c, ok := s.counters[sessionID]
	if !ok {
		c = &atomic.Int64{}
		s.counters[sessionID] = c
	}
	s.mu.Unlock()
	return c.Add(1), nil
}

// Reset 丢弃会话计数
func (s *MemorySequencer) Reset(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.counters, sessionID)
	s.mu.Unlock()
	return nil
}

// =============================================================================
// 🔢 Redis 序号
// =============================================================================

const sequenceKeyPrefix = "crewtrace:steplog:seq:"

// RedisSequencer 用 INCR 分配序号，进程重启后同一会话的编号仍然连续
type RedisSequencer struct {
	cache *cache.Manager
	ttl   time.Duration
}

// NewRedisSequencer 创建 Redis 序号分配器，ttl 为计数 key 的空闲过期时间
func NewRedisSequencer(m *cache.Manager, ttl time.Duration) *RedisSequencer {
	return &RedisSequencer{cache: m, ttl: ttl}
}

// Next 下一个序号
func (s *RedisSequencer) Next(ctx context.Context, sessionID string) (int64, error) {
	n, err := s.cache.Incr(ctx, sequenceKeyPrefix+sessionID, s.ttl)
	if err != nil {
		return 0, fmt.Errorf("allocate sequence for %s: %w", sessionID, err)
	}
	return n, nil
}

// Reset 删除计数 key
func (s *RedisSequencer) Reset(ctx context.Context, sessionID string) error {
	return s.cache.Delete(ctx, sequenceKeyPrefix+sessionID)
}

// NewSequencer 按配置选择实现；redis 未就绪时返回错误
func NewSequencer(cfg config.StepLogConfig, m *cache.Manager) (Sequencer, error) {
	switch cfg.Sequencer {
	case "", "memory":
		return NewMemorySequencer(), nil
	case "redis":
		if m == nil {
			return nil, fmt.Errorf("steplog sequencer redis requires redis to be enabled")
		}
		return NewRedisSequencer(m, cfg.SequenceTTL), nil
	default:
		return nil, fmt.Errorf("unsupported steplog sequencer: %s (supported: memory, redis)", cfg.Sequencer)
	}
}
