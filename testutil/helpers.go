// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 使用方法:
//
//	pm := testutil.NewSQLitePool(t, &steplog.Entry{})
//	ctx := testutil.TestContext(t)
// =============================================================================
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/crewtrace/internal/database"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 🗄️ 存储辅助
// =============================================================================

// NewSQLitePool 打开内存 SQLite 并迁移 models，测试结束时关闭。
// 内存库每个连接独立，所以连接池固定为一个连接。
func NewSQLitePool(t testing.TB, models ...any) *database.PoolManager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	pm, err := database.NewPoolManager(db, database.PoolConfig{MaxIdleConns: 1, MaxOpenConns: 1}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("pool manager: %v", err)
	}
	t.Cleanup(func() { _ = pm.Close() })

	if len(models) > 0 {
		if err := pm.DB().AutoMigrate(models...); err != nil {
			t.Fatalf("auto migrate: %v", err)
		}
	}
	return pm
}

// =============================================================================
// ⏰ 手动时钟
// =============================================================================

// Clock 只在 Advance 时前进的时钟，并发安全
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock 从 start 开始的时钟
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now 当前时间
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 前进 d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// ⏳ 异步辅助
// =============================================================================

// WaitForChannel 等待通道值，超时返回零值和 false
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v, ok := <-ch:
		return v, ok
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}
