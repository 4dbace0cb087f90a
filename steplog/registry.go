package steplog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/internal/metrics"
)

// DefaultMetadataSnippet 元数据片段默认截断长度
const DefaultMetadataSnippet = 200

// Observer 接收每条成功落库的条目。OnEntry 在 Logger 锁内调用，不能阻塞。
type Observer interface {
	OnEntry(e Entry)
}

// ObserverFunc 函数适配器
type ObserverFunc func(e Entry)

// OnEntry 实现 Observer
func (f ObserverFunc) OnEntry(e Entry) { f(e) }

// RegistryOptions 可选依赖
type RegistryOptions struct {
	Sequencer       Sequencer
	Observers       []Observer
	Logger          *zap.Logger
	Metrics         *metrics.Collector
	MetadataSnippet int
	Clock           func() time.Time
}

// =============================================================================
// 🗂️ 会话 Logger 注册表
// =============================================================================

// Registry 按会话懒创建 Logger，并在会话结束时显式释放。
// 忘记 Dispose 会让该会话的栈和序号计数一直留在内存里。
type Registry struct {
	repo    Repository
	seq     Sequencer
	logger  *zap.Logger
	metrics *metrics.Collector
	snippet int
	now     func() time.Time

	mu      sync.Mutex
	loggers map[string]*Logger

	obsMu     sync.RWMutex
	observers []Observer
}

// NewRegistry 创建注册表，未指定 Sequencer 时使用进程内实现
func NewRegistry(repo Repository, opts RegistryOptions) *Registry {
	if opts.Sequencer == nil {
		opts.Sequencer = NewMemorySequencer()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MetadataSnippet <= 0 {
		opts.MetadataSnippet = DefaultMetadataSnippet
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		repo:      repo,
		seq:       opts.Sequencer,
		logger:    opts.Logger.With(zap.String("component", "steplog")),
		metrics:   opts.Metrics,
		snippet:   opts.MetadataSnippet,
		now:       opts.Clock,
		loggers:   make(map[string]*Logger),
		observers: append([]Observer(nil), opts.Observers...),
	}
}

// Get 返回会话的 Logger，不存在时创建
func (r *Registry) Get(sessionID, analysisID string) *Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loggers[sessionID]; ok {
		return l
	}

	l := &Logger{
		sessionID:  sessionID,
		analysisID: analysisID,
		repo:       r.repo,
		seq:        r.seq,
		notify:     r.publish,
		logger:     r.logger.With(zap.String("session_id", sessionID)),
		metrics:    r.metrics,
		snippet:    r.snippet,
		now:        r.now,
	}
	r.loggers[sessionID] = l
	r.metrics.SetActiveLoggers(len(r.loggers))
	return l
}

// Lookup 只查不建
func (r *Registry) Lookup(sessionID string) (*Logger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loggers[sessionID]
	return l, ok
}

// Dispose 释放会话的 Logger 并重置序号
func (r *Registry) Dispose(ctx context.Context, sessionID string) {
	r.mu.Lock()
	l, ok := r.loggers[sessionID]
	delete(r.loggers, sessionID)
	r.metrics.SetActiveLoggers(len(r.loggers))
	r.mu.Unlock()

	if !ok {
		return
	}
	if depth := l.Depth(); depth > 0 {
		r.logger.Info("disposing logger with open scopes",
			zap.String("session_id", sessionID),
			zap.Int("open_scopes", depth),
		)
	}
	if err := r.seq.Reset(ctx, sessionID); err != nil {
		r.logger.Warn("failed to reset log sequence", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Len 活跃 Logger 数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loggers)
}

// AddObserver 注册观察者，对已创建的 Logger 同样生效
func (r *Registry) AddObserver(o Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

// Entries 读取会话条目，不依赖 Logger 是否仍存活
func (r *Registry) Entries(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	return r.repo.List(ctx, sessionID, limit)
}

func (r *Registry) publish(e Entry) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.OnEntry(e)
	}
}
