package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/config"
	"github.com/BaSui01/crewtrace/internal/metrics"
)

const (
	defaultTracerName   = "github.com/BaSui01/crewtrace"
	defaultFlushTimeout = 5 * time.Second
	defaultRootIdle     = 30 * time.Minute
	defaultMaxRoots     = 10000

	// StatusAbandoned 根 span 未经 Close 被回收时的状态
	StatusAbandoned = "abandoned"

	// 属性值截断长度
	maxAttributeLen = 1024
)

// Ref 外部追踪后端中一条 trace / span 的引用。nil 表示追踪不可用。
type Ref struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
	URL     string `json:"url,omitempty"`
}

// SpanKind span 的语义类别
type SpanKind string

const (
	SpanKindSpan       SpanKind = "span"
	SpanKindGeneration SpanKind = "generation"
)

// TraceOptions 打开会话级 trace
type TraceOptions struct {
	Name      string
	SessionID string
	UserID    string
	Metadata  map[string]any
}

// SpanOptions 在会话 trace 下记录一个子 span
type SpanOptions struct {
	Name     string
	Kind     SpanKind
	Input    any
	Output   any
	Model    string
	Tokens   int
	Error    string
	Metadata map[string]any
}

// flusher 由 SDK TracerProvider 实现
type flusher interface {
	ForceFlush(ctx context.Context) error
}

// =============================================================================
// 🔭 外部追踪适配器
// =============================================================================

// Adapter 把会话、消息、agent 步骤、工具调用镜像为 OpenTelemetry span。
//
// 所有方法都吞掉错误与 panic：失败时记 Warn、计数并返回 nil，调用方据此
// 认为追踪不可用并继续记录。nil *Adapter 与 Disabled() 等价。
type Adapter struct {
	provider     trace.TracerProvider
	tracer       trace.Tracer
	logger       *zap.Logger
	metrics      *metrics.Collector
	urlTemplate  string
	flushTimeout time.Duration
	rootIdle     time.Duration
	maxRoots     int
	now          func() time.Time

	mu    sync.Mutex
	roots map[string]*openRoot // trace id → 仍打开的会话根 span
}

type openRoot struct {
	span    trace.Span
	touched time.Time
}

// New 基于 TracerProvider 创建适配器。cfg.Enabled=false 或 tp 为 nil 时返回 Disabled()。
func New(tp trace.TracerProvider, cfg config.TracingConfig, logger *zap.Logger, collector *metrics.Collector) *Adapter {
	if !cfg.Enabled || tp == nil {
		return Disabled()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.TracerName
	if name == "" {
		name = defaultTracerName
	}
	timeout := cfg.FlushTimeout
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	idle := cfg.RootIdleTimeout
	if idle <= 0 {
		idle = defaultRootIdle
	}
	maxRoots := cfg.MaxOpenRoots
	if maxRoots <= 0 {
		maxRoots = defaultMaxRoots
	}
	return &Adapter{
		provider:     tp,
		tracer:       tp.Tracer(name),
		logger:       logger.With(zap.String("component", "external_tracing")),
		metrics:      collector,
		urlTemplate:  cfg.URLTemplate,
		flushTimeout: timeout,
		rootIdle:     idle,
		maxRoots:     maxRoots,
		now:          time.Now,
		roots:        make(map[string]*openRoot),
	}
}

// Disabled 返回一个对所有调用都返回 nil 的适配器
func Disabled() *Adapter {
	return &Adapter{}
}

// Enabled 是否会真正发出 span
func (a *Adapter) Enabled() bool {
	return a != nil && a.tracer != nil
}

// OpenTrace 打开会话根 span，保持打开直到 Close。
// 空闲超过 RootIdleTimeout 的根 span，以及超出 MaxOpenRoots 时最久未动的根 span，
// 在此处以 abandoned 状态结束。
func (a *Adapter) OpenTrace(ctx context.Context, opts TraceOptions) (ref *Ref) {
	if !a.Enabled() {
		return nil
	}
	defer a.guard("open_trace", &ref)

	name := opts.Name
	if name == "" {
		name = "conversation"
	}
	attrs := []attribute.KeyValue{
		attribute.String("session.id", opts.SessionID),
		attribute.String("user.id", opts.UserID),
	}
	attrs = append(attrs, metadataAttributes(opts.Metadata)...)

	_, span := a.tracer.Start(context.WithoutCancel(ctx), name,
		trace.WithNewRoot(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	sc := span.SpanContext()
	if !sc.IsValid() {
		span.End()
		return nil
	}

	traceID := sc.TraceID().String()
	a.mu.Lock()
	stale := a.evictLocked(a.now())
	a.roots[traceID] = &openRoot{span: span, touched: a.now()}
	a.mu.Unlock()

	a.abandon(stale)
	return a.ref(sc)
}

// OpenSpan 在 parent 所属的 trace 下记录一个已结束的子 span。
// parent 为 nil 时返回 nil；根 span 不在本进程内时按远端父 span 关联。
func (a *Adapter) OpenSpan(ctx context.Context, parent *Ref, opts SpanOptions) (ref *Ref) {
	if !a.Enabled() || parent == nil {
		return nil
	}
	defer a.guard("open_span", &ref)

	parentCtx, err := a.parentContext(ctx, parent)
	if err != nil {
		a.fail("open_span", err)
		return nil
	}

	kind := opts.Kind
	if kind == "" {
		kind = SpanKindSpan
	}
	attrs := []attribute.KeyValue{attribute.String("crewtrace.span_kind", string(kind))}
	if opts.Input != nil {
		attrs = append(attrs, attribute.String("crewtrace.input", render(opts.Input)))
	}
	if opts.Output != nil {
		attrs = append(attrs, attribute.String("crewtrace.output", render(opts.Output)))
	}
	if opts.Model != "" {
		attrs = append(attrs, attribute.String("gen_ai.request.model", opts.Model))
	}
	if opts.Tokens > 0 {
		attrs = append(attrs, attribute.Int("gen_ai.usage.total_tokens", opts.Tokens))
	}
	attrs = append(attrs, metadataAttributes(opts.Metadata)...)

	_, span := a.tracer.Start(parentCtx, opts.Name, trace.WithAttributes(attrs...))
	if opts.Error != "" {
		span.SetStatus(codes.Error, opts.Error)
	}
	span.End()

	sc := span.SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return a.ref(sc)
}

// Update 给会话根 span 追加一个事件
func (a *Adapter) Update(ctx context.Context, ref *Ref, name string, fields map[string]any) {
	if !a.Enabled() || ref == nil {
		return
	}
	defer a.guard("update", nil)

	attrs := metadataAttributes(fields)
	a.mu.Lock()
	root, ok := a.roots[ref.TraceID]
	if ok {
		root.touched = a.now()
	}
	a.mu.Unlock()
	if ok {
		root.span.AddEvent(name, trace.WithAttributes(attrs...))
		return
	}

	// 根 span 已不在内存（如进程重启），以子 span 形式补记
	parentCtx, err := a.parentContext(ctx, ref)
	if err != nil {
		a.fail("update", err)
		return
	}
	_, span := a.tracer.Start(parentCtx, name, trace.WithAttributes(attrs...))
	span.End()
}

// Close 结束会话根 span。status 为 "error" 时标记错误状态。
func (a *Adapter) Close(ctx context.Context, ref *Ref, status string, output map[string]any) {
	if !a.Enabled() || ref == nil {
		return
	}
	defer a.guard("close", nil)

	a.mu.Lock()
	root, ok := a.roots[ref.TraceID]
	delete(a.roots, ref.TraceID)
	a.mu.Unlock()

	if !ok {
		a.Update(ctx, ref, "conversation.closed", mergeFields(output, "status", status))
		return
	}
	span := root.span
	span.SetAttributes(attribute.String("crewtrace.status", status))
	span.SetAttributes(metadataAttributes(output)...)
	if status == "error" {
		span.SetStatus(codes.Error, status)
	}
	span.End()
}

// Flush 尽力推送缓冲中的 span，超时视为失败
func (a *Adapter) Flush(ctx context.Context) {
	if !a.Enabled() {
		return
	}
	defer a.guard("flush", nil)

	f, ok := a.provider.(flusher)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.flushTimeout)
	defer cancel()
	if err := f.ForceFlush(ctx); err != nil {
		a.fail("flush", err)
	}
}

// Shutdown 以 abandoned 状态结束全部仍打开的根 span，再 Flush
func (a *Adapter) Shutdown(ctx context.Context) {
	if !a.Enabled() {
		return
	}

	a.mu.Lock()
	open := make([]trace.Span, 0, len(a.roots))
	for id, root := range a.roots {
		open = append(open, root.span)
		delete(a.roots, id)
	}
	a.mu.Unlock()

	a.abandon(open)
	a.Flush(ctx)
}

// OpenRoots 仍打开的会话根 span 数
func (a *Adapter) OpenRoots() int {
	if !a.Enabled() {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.roots)
}

// =============================================================================
// 🔧 内部辅助
// =============================================================================

func (a *Adapter) ref(sc trace.SpanContext) *Ref {
	ref := &Ref{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
	if a.urlTemplate != "" {
		ref.URL = strings.ReplaceAll(a.urlTemplate, "%s", ref.TraceID)
	}
	return ref
}

// evictLocked 摘出过期根 span，再按最久未动淘汰到容量以内（为新根留一个位置）
func (a *Adapter) evictLocked(now time.Time) []trace.Span {
	var out []trace.Span
	for id, root := range a.roots {
		if now.Sub(root.touched) > a.rootIdle {
			out = append(out, root.span)
			delete(a.roots, id)
		}
	}

	if len(a.roots) < a.maxRoots {
		return out
	}
	ids := make([]string, 0, len(a.roots))
	for id := range a.roots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return a.roots[ids[i]].touched.Before(a.roots[ids[j]].touched)
	})
	for _, id := range ids[:len(ids)-a.maxRoots+1] {
		out = append(out, a.roots[id].span)
		delete(a.roots, id)
	}
	return out
}

func (a *Adapter) abandon(spans []trace.Span) {
	if len(spans) == 0 {
		return
	}
	defer a.guard("abandon", nil)
	for _, span := range spans {
		span.SetAttributes(attribute.String("crewtrace.status", StatusAbandoned))
		span.End()
	}
	a.logger.Info("abandoned open conversation traces", zap.Int("count", len(spans)))
}

func (a *Adapter) parentContext(ctx context.Context, parent *Ref) (context.Context, error) {
	traceID, err := trace.TraceIDFromHex(parent.TraceID)
	if err != nil {
		return nil, fmt.Errorf("parse trace id %q: %w", parent.TraceID, err)
	}
	spanID, err := trace.SpanIDFromHex(parent.SpanID)
	if err != nil {
		return nil, fmt.Errorf("parse span id %q: %w", parent.SpanID, err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(context.WithoutCancel(ctx), sc), nil
}

func (a *Adapter) guard(op string, ref **Ref) {
	if r := recover(); r != nil {
		a.fail(op, fmt.Errorf("panic: %v", r))
		if ref != nil {
			*ref = nil
		}
	}
}

func (a *Adapter) fail(op string, err error) {
	a.logger.Warn("external tracing call failed", zap.String("operation", op), zap.Error(err))
	a.metrics.RecordExternalError(op)
}

func metadataAttributes(fields map[string]any) []attribute.KeyValue {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		key := "crewtrace.meta." + k
		switch val := v.(type) {
		case nil:
			continue
		case string:
			attrs = append(attrs, attribute.String(key, truncate(val)))
		case bool:
			attrs = append(attrs, attribute.Bool(key, val))
		case int:
			attrs = append(attrs, attribute.Int(key, val))
		case int64:
			attrs = append(attrs, attribute.Int64(key, val))
		case float64:
			attrs = append(attrs, attribute.Float64(key, val))
		default:
			attrs = append(attrs, attribute.String(key, render(val)))
		}
	}
	return attrs
}

func mergeFields(fields map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return truncate(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprint(v))
	}
	return truncate(string(data))
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxAttributeLen {
		return s
	}
	return string(r[:maxAttributeLen]) + "..."
}
