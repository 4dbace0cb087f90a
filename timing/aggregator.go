package timing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/internal/metrics"
)

// Component 摘要中的一个组件
type Component struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         Kind       `json:"kind"`
	DurationMS   int64      `json:"duration_ms"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Status       Status     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Breakdown 会话计时摘要
type Breakdown struct {
	TotalComponentCount int         `json:"total_component_count"`
	TotalDurationMS     int64       `json:"total_duration_ms"`
	Agents              []Component `json:"agents"`
	Tools               []Component `json:"tools"`
	APICalls            []Component `json:"api_calls"`
	Timeline            []Component `json:"timeline"`
}

// AgentNames 去重后的 agent 名称，按时间线顺序
func (b Breakdown) AgentNames() []string {
	return names(b.Agents)
}

// ToolNames 去重后的工具名称，按时间线顺序
func (b Breakdown) ToolNames() []string {
	return names(b.Tools)
}

func names(cs []Component) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Name)
	}
	return out
}

// =============================================================================
// 📊 汇总
// =============================================================================

// excludedKinds 包装层与调试用的计时，耗时接近 0，只会稀释统计
var excludedKinds = map[Kind]bool{
	KindAgentStep: true,
	KindCrewStep:  true,
	KindCrew:      true,
}

type dedupKey struct {
	name string
	kind Kind
}

// Summarize 汇总计时记录，records 需按开始时间排序。
//
// 去重按 (name, kind)：
//   - agent 只保留第一次出现，后续一律丢弃；
//   - 其他类型保留第一次，后续耗时严格更长时替换，替换后仍占第一次的位置。
//
// 两条规则并不对称，这是刻意保留的现有行为。
func Summarize(records []Record) Breakdown {
	slots := make(map[dedupKey]int)
	survivors := make([]Component, 0, len(records))

	for i := range records {
		rec := &records[i]
		if excludedKinds[rec.Kind] {
			continue
		}

		c := toComponent(rec)
		key := dedupKey{name: rec.Name, kind: rec.Kind}
		idx, seen := slots[key]
		switch {
		case !seen:
			slots[key] = len(survivors)
			survivors = append(survivors, c)
		case rec.Kind == KindAgent:
			// 首次测量为准
		case c.DurationMS > survivors[idx].DurationMS:
			survivors[idx] = c
		}
	}

	b := Breakdown{
		Agents:   []Component{},
		Tools:    []Component{},
		APICalls: []Component{},
		Timeline: survivors,
	}
	for _, c := range survivors {
		b.TotalComponentCount++
		b.TotalDurationMS += c.DurationMS

		switch c.Kind {
		case KindAgent:
			b.Agents = append(b.Agents, c)
		case KindTool:
			b.Tools = append(b.Tools, c)
		}
		if strings.Contains(strings.ToLower(c.Name), "api") {
			b.APICalls = append(b.APICalls, c)
		}
	}
	return b
}

func toComponent(rec *Record) Component {
	c := Component{
		ID:           rec.ID,
		Name:         rec.Name,
		Kind:         rec.Kind,
		DurationMS:   rec.Duration(),
		StartTime:    rec.StartTime,
		Status:       rec.Status,
		ErrorMessage: rec.ErrorMessage,
	}
	if rec.EndTime != nil {
		end := *rec.EndTime
		c.EndTime = &end
	}
	return c
}

func sortByStart(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartTime.Before(records[j].StartTime)
	})
}

// =============================================================================
// 🗂️ Aggregator
// =============================================================================

// SummaryCache 已完成会话的摘要缓存
type SummaryCache interface {
	Get(ctx context.Context, sessionID string) (Breakdown, bool)
	Set(ctx context.Context, sessionID string, b Breakdown)
	Invalidate(ctx context.Context, sessionID string) error
}

// Aggregator 从仓储读取会话记录并汇总。
//
// Summarize 只读缓存；缓存只由 Seal 在运行结束时写入，
// 之后该会话再有记录落库时由 Timer 删除。
type Aggregator struct {
	repo    Repository
	timer   *Timer
	cache   SummaryCache
	logger  *zap.Logger
	metrics *metrics.Collector
}

// AggregatorOptions 可选依赖
type AggregatorOptions struct {
	// Timer 非空时汇总前先等待该会话的后台写入落库
	Timer   *Timer
	Cache   SummaryCache
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// NewAggregator 创建汇总器
func NewAggregator(repo Repository, opts AggregatorOptions) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Aggregator{
		repo:    repo,
		timer:   opts.Timer,
		cache:   opts.Cache,
		logger:  opts.Logger.With(zap.String("component", "timing_aggregator")),
		metrics: opts.Metrics,
	}
}

// Summarize 汇总会话，运行中也可调用
func (a *Aggregator) Summarize(ctx context.Context, sessionID string) (Breakdown, error) {
	if a.cache != nil {
		if b, ok := a.cache.Get(ctx, sessionID); ok {
			a.metrics.RecordCacheHit("timing_summary")
			return b, nil
		}
		a.metrics.RecordCacheMiss("timing_summary")
	}

	b, _, err := a.summarize(ctx, sessionID)
	return b, err
}

// Seal 运行结束时汇总会话并写缓存。仍有计时未关闭时不写缓存。
func (a *Aggregator) Seal(ctx context.Context, sessionID string) (Breakdown, error) {
	b, n, err := a.summarize(ctx, sessionID)
	if err != nil {
		return b, err
	}
	if a.cache != nil && n > 0 && !a.active(sessionID) {
		a.cache.Set(ctx, sessionID, b)
	}
	return b, nil
}

func (a *Aggregator) active(sessionID string) bool {
	return a.timer != nil && len(a.timer.Running(sessionID)) > 0
}

func (a *Aggregator) summarize(ctx context.Context, sessionID string) (Breakdown, int, error) {
	if a.timer != nil {
		if err := a.timer.Flush(ctx, sessionID); err != nil {
			a.logger.Warn("summarizing before pending timings landed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	records, err := a.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return Breakdown{}, 0, fmt.Errorf("summarize session %s: %w", sessionID, err)
	}
	sortByStart(records)
	b := Summarize(records)

	a.logger.Debug("session summarized",
		zap.String("session_id", sessionID),
		zap.Int("records", len(records)),
		zap.Int("components", b.TotalComponentCount),
		zap.Int64("total_duration_ms", b.TotalDurationMS),
	)
	return b, len(records), nil
}
