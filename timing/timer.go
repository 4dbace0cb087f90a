package timing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/config"
	"github.com/BaSui01/crewtrace/internal/metrics"
	"github.com/BaSui01/crewtrace/internal/pool"
)

// StartOptions 开启一条计时
type StartOptions struct {
	SessionID       string
	Kind            Kind
	Name            string
	Input           string
	AnalysisID      string
	ParentSessionID string
}

// EndOptions 关闭一条计时。Err 非空时记录状态为 error。
type EndOptions struct {
	Output string
	Err    string
}

// Options Timer 配置
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector

	// AsyncPersist 为 true 时写库提交到后台 worker 池
	AsyncPersist     bool
	PersistWorkers   int
	PersistQueueSize int
	PersistTimeout   time.Duration

	SnippetLimit int

	// Summaries 非空时，每条记录写库后删除该会话的摘要缓存
	Summaries SummaryCache

	// Clock 测试注入
	Clock func() time.Time
}

// OptionsFrom 由配置段生成选项
func OptionsFrom(cfg config.TimingConfig, logger *zap.Logger, collector *metrics.Collector) Options {
	return Options{
		Logger:           logger,
		Metrics:          collector,
		AsyncPersist:     cfg.AsyncPersist,
		PersistWorkers:   cfg.PersistWorkers,
		PersistQueueSize: cfg.PersistQueueSize,
		PersistTimeout:   cfg.PersistTimeout,
		SnippetLimit:     cfg.SnippetLimit,
	}
}

// =============================================================================
// ⏱️ 组件计时器
// =============================================================================

// Timer 线程安全的组件计时器。
//
// Start 只写内存登记表；End 先把记录移出登记表，再写库。
// 写库失败只记日志和指标，不会传给调用方，被计时的流水线不会因此中断。
type Timer struct {
	repo    Repository
	logger  *zap.Logger
	metrics *metrics.Collector
	workers *pool.GoroutinePool

	summaries SummaryCache

	snippetLimit   int
	persistTimeout time.Duration
	now            func() time.Time

	mu        sync.Mutex
	running   map[string]*Record
	bySession map[string]map[string]struct{}
	// pending 每个会话尚未落库的后台写入
	pending map[string]*pendingWrites
}

type pendingWrites struct {
	n    int
	done chan struct{}
}

// NewTimer 创建计时器
func NewTimer(repo Repository, opts Options) *Timer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SnippetLimit <= 0 {
		opts.SnippetLimit = DefaultSnippetLimit
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	t := &Timer{
		repo:           repo,
		logger:         opts.Logger.With(zap.String("component", "timing")),
		metrics:        opts.Metrics,
		summaries:      opts.Summaries,
		snippetLimit:   opts.SnippetLimit,
		persistTimeout: opts.PersistTimeout,
		now:            opts.Clock,
		running:        make(map[string]*Record),
		bySession:      make(map[string]map[string]struct{}),
		pending:        make(map[string]*pendingWrites),
	}

	if opts.AsyncPersist {
		poolCfg := pool.DefaultGoroutinePoolConfig()
		if opts.PersistWorkers > 0 {
			poolCfg.MaxWorkers = opts.PersistWorkers
		}
		if opts.PersistQueueSize > 0 {
			poolCfg.QueueSize = opts.PersistQueueSize
		}
		poolCfg.PanicHandler = func(r any) {
			t.logger.Error("timing persist panicked", zap.Any("panic", r))
			t.metrics.RecordPersistFailure(metrics.StoreTiming)
		}
		t.workers = pool.NewGoroutinePool(poolCfg)
	}
	return t
}

// Start 开启计时并返回记录 ID，不访问存储
func (t *Timer) Start(ctx context.Context, opts StartOptions) string {
	rec := &Record{
		ID:              uuid.NewString(),
		SessionID:       opts.SessionID,
		AnalysisID:      optional(opts.AnalysisID),
		ParentSessionID: optional(opts.ParentSessionID),
		Kind:            opts.Kind,
		Name:            opts.Name,
		StartTime:       t.now(),
		Status:          StatusRunning,
		Input:           truncate(opts.Input, t.snippetLimit),
	}

	t.mu.Lock()
	t.running[rec.ID] = rec
	ids, ok := t.bySession[rec.SessionID]
	if !ok {
		ids = make(map[string]struct{})
		t.bySession[rec.SessionID] = ids
	}
	ids[rec.ID] = struct{}{}
	t.mu.Unlock()

	t.metrics.RecordTimingStart(string(opts.Kind))
	t.logger.Debug("timing started",
		zap.String("timing_id", rec.ID),
		zap.String("session_id", rec.SessionID),
		zap.String("kind", string(rec.Kind)),
		zap.String("name", rec.Name),
	)
	return rec.ID
}

// End 关闭计时并持久化，返回关闭后的记录。
// 未知 ID（重复调用或从未 Start）返回 nil，仅记日志。
func (t *Timer) End(ctx context.Context, id string, opts EndOptions) *Record {
	rec, ok := t.take(id)
	if !ok {
		t.logger.Debug("timing end ignored: not running", zap.String("timing_id", id))
		return nil
	}

	rec.finish(t.now(), truncate(opts.Output, t.snippetLimit), opts.Err)
	t.metrics.RecordTimingEnd(string(rec.Kind), string(rec.Status), time.Duration(rec.Duration())*time.Millisecond)

	t.persist(ctx, rec)

	done := rec.clone()
	return &done
}

// take 从登记表移除并返回记录
func (t *Timer) take(id string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.running[id]
	if !ok {
		return nil, false
	}
	delete(t.running, id)
	if ids, ok := t.bySession[rec.SessionID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(t.bySession, rec.SessionID)
		}
	}
	return rec, true
}

// Scoped 在计时范围内执行 fn，保证 End 恰好调用一次。
// fn 的错误原样返回；fn panic 时先记为 error 再继续 panic。
func (t *Timer) Scoped(ctx context.Context, opts StartOptions, fn func(ctx context.Context) error) (err error) {
	id := t.Start(ctx, opts)

	defer func() {
		if r := recover(); r != nil {
			t.End(ctx, id, EndOptions{Err: fmt.Sprintf("panic: %v", r)})
			panic(r)
		}
		var end EndOptions
		if err != nil {
			end.Err = err.Error()
		}
		t.End(ctx, id, end)
	}()

	return fn(ctx)
}

// Running 会话中尚未关闭的记录快照，按开始时间排序
func (t *Timer) Running(sessionID string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.bySession[sessionID]
	out := make([]Record, 0, len(ids))
	for id := range ids {
		out = append(out, t.running[id].clone())
	}
	sortByStart(out)
	return out
}

// RunningCount 全部在途记录数
func (t *Timer) RunningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// Flush 等待会话在此之前提交的后台写入全部落库。同步写库时立即返回。
func (t *Timer) Flush(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	p, ok := t.pending[sessionID]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush timings of session %s: %w", sessionID, ctx.Err())
	}
}

// Close 等待后台写入全部完成
func (t *Timer) Close() {
	if t.workers != nil {
		t.workers.Close()
	}
}

// =============================================================================
// 💾 持久化
// =============================================================================

func (t *Timer) persist(ctx context.Context, rec *Record) {
	if t.repo == nil {
		return
	}

	// 调用方 ctx 可能已取消（例如请求结束），记录仍需落库
	base := context.WithoutCancel(ctx)

	if t.workers == nil {
		t.save(base, rec)
		return
	}

	t.track(rec.SessionID)
	err := t.workers.Submit(base, func(ctx context.Context) error {
		defer t.untrack(rec.SessionID)
		t.save(ctx, rec)
		return nil
	})
	if err != nil {
		t.untrack(rec.SessionID)
		t.logger.Warn("timing persist rejected",
			zap.String("timing_id", rec.ID),
			zap.Bool("pool_full", errors.Is(err, pool.ErrPoolFull)),
			zap.Error(err),
		)
		t.metrics.RecordPersistFailure(metrics.StoreTiming)
	}
}

func (t *Timer) track(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[sessionID]
	if !ok {
		p = &pendingWrites{done: make(chan struct{})}
		t.pending[sessionID] = p
	}
	p.n++
}

func (t *Timer) untrack(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[sessionID]
	if !ok {
		return
	}
	p.n--
	if p.n == 0 {
		delete(t.pending, sessionID)
		close(p.done)
	}
}

func (t *Timer) save(ctx context.Context, rec *Record) {
	ctx, cancel := context.WithTimeout(ctx, t.persistTimeout)
	defer cancel()
	defer t.invalidateSummary(ctx, rec.SessionID)

	if err := t.repo.Save(ctx, rec); err != nil {
		t.logger.Error("failed to persist timing record",
			zap.String("timing_id", rec.ID),
			zap.String("session_id", rec.SessionID),
			zap.String("kind", string(rec.Kind)),
			zap.String("name", rec.Name),
			zap.Error(err),
		)
		t.metrics.RecordPersistFailure(metrics.StoreTiming)
	}
}

// invalidateSummary 会话有新记录落库，之前缓存的摘要作废
func (t *Timer) invalidateSummary(ctx context.Context, sessionID string) {
	if t.summaries == nil {
		return
	}
	if err := t.summaries.Invalidate(ctx, sessionID); err != nil {
		t.logger.Warn("summary cache invalidation failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
