package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/config"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestManager_SetAndGet(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", time.Minute))
	value, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	_, err = manager.Get(ctx, "missing")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_DefaultTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestManager_JSON(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type summary struct {
		TotalMS int64    `json:"total_ms"`
		Agents  []string `json:"agents"`
	}
	in := summary{TotalMS: 180, Agents: []string{"researcher"}}
	require.NoError(t, manager.SetJSON(ctx, "summary:s1", in, time.Minute))

	var out summary
	require.NoError(t, manager.GetJSON(ctx, "summary:s1", &out))
	assert.Equal(t, in, out)

	assert.Error(t, manager.SetJSON(ctx, "bad", make(chan int), time.Minute))

	require.NoError(t, manager.Set(ctx, "not-json", "{", time.Minute))
	assert.Error(t, manager.GetJSON(ctx, "not-json", &out))
	assert.False(t, IsCacheMiss(manager.GetJSON(ctx, "not-json", &out)))

	assert.True(t, IsCacheMiss(manager.GetJSON(ctx, "missing", &out)))
}

func TestManager_Delete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, manager.Set(ctx, "b", "2", time.Minute))
	require.NoError(t, manager.Delete(ctx, "a", "b"))
	require.NoError(t, manager.Delete(ctx))

	_, err := manager.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_TTLExpiry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 100*time.Millisecond))
	mr.FastForward(200 * time.Millisecond)

	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_Incr(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := manager.Incr(ctx, "seq:s1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, time.Hour, mr.TTL("seq:s1"))

	// 不同键独立计数
	got, err := manager.Incr(ctx, "seq:s2", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestManager_IncrConcurrent(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	const n = 50
	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := manager.Incr(ctx, "seq:c", time.Hour)
			assert.NoError(t, err)
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], fmt.Sprintf("missing %d", i))
	}
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = manager.Incr(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewManager_Unreachable(t *testing.T) {
	manager, err := NewManager(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.RedisConfig{Addr: "redis:6379", DB: 2, PoolSize: 20, TLS: true})
	assert.True(t, cfg.TLS)
	assert.Equal(t, "redis:6379", cfg.Addr)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, 20, cfg.PoolSize)
	assert.Equal(t, DefaultConfig().MinIdleConns, cfg.MinIdleConns)

	assert.Equal(t, "localhost:6379", ConfigFrom(config.RedisConfig{}).Addr)
}
