package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoroutinePool_SubmitAndDrainOnClose(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 100})

	var done atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			done.Add(1)
			return nil
		}))
	}
	p.Close()

	assert.Equal(t, int64(50), done.Load())
	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Completed)
	assert.Equal(t, 0, stats.Queued)
}

func TestGoroutinePool_SubmitAfterClose(t *testing.T) {
	p := NewGoroutinePool(DefaultGoroutinePoolConfig())
	p.Close()
	p.Close()

	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestGoroutinePool_Full(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	// worker 被占用，队列容量 1
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	p.Close()
}

func TestGoroutinePool_PanicAndErrorHandlers(t *testing.T) {
	var (
		mu       sync.Mutex
		panics   []any
		failures []error
	)
	p := NewGoroutinePool(GoroutinePoolConfig{
		MaxWorkers: 1,
		QueueSize:  10,
		PanicHandler: func(r any) {
			mu.Lock()
			panics = append(panics, r)
			mu.Unlock()
		},
		ErrorHandler: func(err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		},
	})

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return errors.New("db down") }))
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"boom"}, panics)
	require.Len(t, failures, 2)
	assert.Contains(t, failures[0].Error(), "task panicked")
	assert.EqualError(t, failures[1], "db down")
	assert.Equal(t, int64(2), p.Stats().Failed)
}

func TestByteBufferPool(t *testing.T) {
	buf := ByteBufferPool.Get()
	buf.WriteString("entry")
	ByteBufferPool.Put(buf)

	again := ByteBufferPool.Get()
	assert.Equal(t, 0, again.Len())
	ByteBufferPool.Put(again)

	stats := ByteBufferPool.Stats()
	assert.GreaterOrEqual(t, stats.Gets, int64(2))
	assert.GreaterOrEqual(t, stats.Puts, int64(2))
}

func TestPool_HitRate(t *testing.T) {
	assert.Equal(t, float64(0), PoolStats{}.HitRate())
	assert.InDelta(t, 0.75, PoolStats{Gets: 4, News: 1}.HitRate(), 1e-9)
}
