package tracestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/BaSui01/crewtrace/internal/database"
	"github.com/BaSui01/crewtrace/internal/metrics"
	"github.com/BaSui01/crewtrace/tracing"
	"github.com/BaSui01/crewtrace/types"
)

// ErrNotFound 线程没有对应的会话记录
var ErrNotFound = errors.New("conversation not found")

// Options Store 配置
type Options struct {
	// Tracer 外部追踪镜像，nil 时不镜像
	Tracer *tracing.Adapter
	// Tokens 消息未给出 token 数时用于估算，nil 时不估算
	Tokens  types.TokenCounter
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// Clock 测试注入
	Clock func() time.Time
}

// ConversationInput 创建会话
type ConversationInput struct {
	ThreadID         string
	OwnerID          string
	SecondaryOwnerID string
	Metadata         map[string]any
}

// MessageInput 追加消息。Tokens 为 nil 表示未知。
type MessageInput struct {
	Role     string
	Content  string
	Model    string
	Tokens   *int
	Latency  time.Duration
	Metadata map[string]any
}

// AgentStepInput 追加 agent 步骤
type AgentStepInput struct {
	StepType        string
	Content         string
	AgentName       string
	AgentRole       string
	TaskIndex       *int
	TaskDescription string
	Metadata        map[string]any
}

// ToolUsageInput 追加工具调用
type ToolUsageInput struct {
	ToolName string
	Input    string
	Output   string
	Success  bool
	Error    string
	Latency  time.Duration
	Metadata map[string]any
}

// =============================================================================
// 🗃️ 追踪存储
// =============================================================================

// Store 单表事件溯源的会话追踪存储。
//
// 每次追加在一个事务里完成：按同类型行数算出序号、插入新行、整体赋值聚合块后 Save。
// 序号的 count-then-insert 假定同一线程只有一个写入方。
type Store struct {
	pm      *database.PoolManager
	tracer  *tracing.Adapter
	tokens  types.TokenCounter
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	creating singleflight.Group
}

// NewStore 创建追踪存储
func NewStore(pm *database.PoolManager, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{
		pm:      pm,
		tracer:  tracer,
		tokens:  opts.Tokens,
		logger:  logger.With(zap.String("component", "trace_store")),
		metrics: opts.Metrics,
		now:     func() time.Time { return now().UTC() },
	}
}

// =============================================================================
// 💬 会话
// =============================================================================

// CreateConversation 创建会话记录。已存在时直接返回原记录；
// 本进程内同一线程的并发首次创建合并为一次。
func (s *Store) CreateConversation(ctx context.Context, in ConversationInput) (*Record, error) {
	if in.ThreadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	v, err, _ := s.creating.Do(in.ThreadID, func() (any, error) {
		return s.createConversation(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	rec := *v.(*Record)
	return &rec, nil
}

func (s *Store) createConversation(ctx context.Context, in ConversationInput) (*Record, error) {
	existing, err := findConversation(s.pm.DB().WithContext(ctx), in.ThreadID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, s.persistFailed("create_conversation", in.ThreadID, err)
	}

	payload, err := encode(ConversationPayload{Metadata: in.Metadata})
	if err != nil {
		return nil, err
	}
	started := s.now()
	rec := &Record{
		ThreadID:         in.ThreadID,
		Kind:             KindConversation,
		OwnerID:          in.OwnerID,
		SecondaryOwnerID: optional(in.SecondaryOwnerID),
		Payload:          payload,
		CreatedAt:        started,
		Aggregate: Aggregate{
			Status:             StatusActive,
			NeedsClarification: true,
			StartedAt:          &started,
		},
	}

	meta := map[string]any{"thread_id": in.ThreadID, "owner_id": in.OwnerID}
	if in.SecondaryOwnerID != "" {
		meta["secondary_owner_id"] = in.SecondaryOwnerID
	}
	for k, v := range in.Metadata {
		meta[k] = v
	}
	if ref := s.tracer.OpenTrace(ctx, tracing.TraceOptions{
		Name:      "chat_conversation",
		SessionID: in.ThreadID,
		UserID:    in.OwnerID,
		Metadata:  meta,
	}); ref != nil {
		rec.ExternalTraceID = ref.TraceID
		rec.ExternalSpanID = ref.SpanID
		rec.ExternalTraceURL = ref.URL
	}

	if err := s.pm.DB().WithContext(ctx).Create(rec).Error; err != nil {
		return nil, s.persistFailed("create_conversation", in.ThreadID, err)
	}
	s.metrics.RecordTraceRecord(string(KindConversation), 0)
	s.logger.Info("conversation created",
		zap.String("thread_id", in.ThreadID),
		zap.Uint("id", rec.ID),
	)
	return rec, nil
}

// GetConversation 读取线程的会话记录
func (s *Store) GetConversation(ctx context.Context, threadID string) (*Record, error) {
	rec, err := findConversation(s.pm.DB().WithContext(ctx), threadID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, s.persistFailed("get_conversation", threadID, err)
	}
	return rec, err
}

// CompleteConversation 标记会话结束：时长为当前时间减开始时间，
// finalIntent 非空时覆盖意图。重复调用会覆盖结束字段。
func (s *Store) CompleteConversation(ctx context.Context, threadID, status string, finalIntent any) (*Record, error) {
	if status == "" {
		status = StatusCompleted
	}
	intent, err := encodeOptional(finalIntent)
	if err != nil {
		return nil, err
	}

	conv, err := s.updateConversation(ctx, "complete_conversation", threadID, func(agg *Aggregate) {
		now := s.now()
		if agg.StartedAt != nil {
			d := now.Sub(*agg.StartedAt).Seconds()
			agg.DurationSeconds = &d
		}
		agg.Status = status
		agg.CompletedAt = &now
		if intent != nil {
			agg.Intent = intent
		}
	})
	if err != nil {
		return nil, err
	}

	output := map[string]any{"status": status}
	if intent != nil {
		output["final_intent"] = string(intent)
	}
	s.tracer.Close(ctx, conv.TraceRef(), status, output)
	s.logger.Info("conversation completed", zap.String("thread_id", threadID), zap.String("status", status))
	return conv, nil
}

// UpdateIntent 更新意图与就绪标记
func (s *Store) UpdateIntent(ctx context.Context, threadID string, intent any, needsClarification, readyForAnalysis bool) (*Record, error) {
	encoded, err := encodeOptional(intent)
	if err != nil {
		return nil, err
	}
	conv, err := s.updateConversation(ctx, "update_intent", threadID, func(agg *Aggregate) {
		agg.Intent = encoded
		agg.NeedsClarification = needsClarification
		agg.ReadyForAnalysis = readyForAnalysis
	})
	if err != nil {
		return nil, err
	}
	s.tracer.Update(ctx, conv.TraceRef(), "intent.updated", map[string]any{
		"needs_clarification": needsClarification,
		"ready_for_analysis":  readyForAnalysis,
	})
	return conv, nil
}

func (s *Store) updateConversation(ctx context.Context, op, threadID string, mutate func(agg *Aggregate)) (*Record, error) {
	var conv *Record
	err := s.pm.WithTransactionRetry(ctx, txRetries, func(tx *gorm.DB) error {
		found, err := findConversation(tx, threadID)
		if err != nil {
			return err
		}
		agg := found.Aggregate
		mutate(&agg)
		found.Aggregate = agg
		if err := tx.Save(found).Error; err != nil {
			return fmt.Errorf("save conversation: %w", err)
		}
		conv = found
		return nil
	})
	if err != nil {
		return nil, s.fail(op, threadID, err)
	}
	return conv, nil
}

// =============================================================================
// ➕ 追加子记录
// =============================================================================

// AddMessage 追加消息，消息数加一、累计 token。
// 未给出 token 数且配置了计数器时按内容估算。助手消息镜像为 generation span。
func (s *Store) AddMessage(ctx context.Context, threadID string, in MessageInput) (*Record, error) {
	tokens, estimated := s.messageTokens(in)
	payload := MessagePayload{
		Role:            in.Role,
		Content:         in.Content,
		Model:           in.Model,
		TokensUsed:      tokens,
		TokensEstimated: estimated,
		LatencyMS:       latencyMillis(in.Latency),
		Metadata:        in.Metadata,
	}
	add := 0
	if tokens != nil {
		add = *tokens
	}

	return s.appendRecord(ctx, "add_message", threadID, KindMessage, payload,
		func(parent *tracing.Ref) *tracing.Ref {
			if in.Role != "assistant" {
				return nil
			}
			return s.tracer.OpenSpan(ctx, parent, tracing.SpanOptions{
				Name:     "assistant_message",
				Kind:     tracing.SpanKindGeneration,
				Input:    in.Content,
				Model:    in.Model,
				Tokens:   add,
				Metadata: in.Metadata,
			})
		},
		func(agg *Aggregate) {
			agg.MessageCount++
			agg.TotalTokens += add
		},
		add,
	)
}

// AddAgentStep 追加 agent 步骤，步骤数加一
func (s *Store) AddAgentStep(ctx context.Context, threadID string, in AgentStepInput) (*Record, error) {
	payload := AgentStepPayload(in)
	return s.appendRecord(ctx, "add_agent_step", threadID, KindAgentStep, payload,
		func(parent *tracing.Ref) *tracing.Ref {
			agent := in.AgentName
			if agent == "" {
				agent = "agent"
			}
			meta := map[string]any{"agent_name": in.AgentName, "agent_role": in.AgentRole}
			if in.TaskIndex != nil {
				meta["task_index"] = *in.TaskIndex
			}
			for k, v := range in.Metadata {
				meta[k] = v
			}
			return s.tracer.OpenSpan(ctx, parent, tracing.SpanOptions{
				Name:     in.StepType + "_" + agent,
				Input:    map[string]string{"step_type": in.StepType, "content": in.Content},
				Metadata: meta,
			})
		},
		func(agg *Aggregate) { agg.AgentStepCount++ },
		0,
	)
}

// AddToolUsage 追加工具调用，调用数加一
func (s *Store) AddToolUsage(ctx context.Context, threadID string, in ToolUsageInput) (*Record, error) {
	payload := ToolUsagePayload{
		ToolName:   in.ToolName,
		ToolInput:  in.Input,
		ToolOutput: in.Output,
		Success:    in.Success,
		Error:      in.Error,
		LatencyMS:  latencyMillis(in.Latency),
		Metadata:   in.Metadata,
	}
	return s.appendRecord(ctx, "add_tool_usage", threadID, KindToolUsage, payload,
		func(parent *tracing.Ref) *tracing.Ref {
			return s.tracer.OpenSpan(ctx, parent, tracing.SpanOptions{
				Name:     "tool_" + in.ToolName,
				Input:    map[string]string{"tool_input": in.Input},
				Output:   map[string]any{"tool_output": in.Output, "success": in.Success},
				Error:    in.Error,
				Metadata: in.Metadata,
			})
		},
		func(agg *Aggregate) { agg.ToolUsageCount++ },
		0,
	)
}

// RecordPipelineExecution 追加一次流水线运行的汇总行，不改动聚合计数
func (s *Store) RecordPipelineExecution(ctx context.Context, threadID string, exec PipelineExecution) (*Record, error) {
	if exec.AgentsUsed == nil {
		exec.AgentsUsed = []string{}
	}
	if exec.ToolsUsed == nil {
		exec.ToolsUsed = []string{}
	}
	payload, err := encode(exec)
	if err != nil {
		return nil, err
	}
	sessionID := exec.SessionID
	if sessionID == "" {
		sessionID = threadID
	}

	var rec *Record
	err = s.pm.WithTransactionRetry(ctx, txRetries, func(tx *gorm.DB) error {
		conv, err := findConversation(tx, threadID)
		if err != nil {
			return err
		}
		rec = &Record{
			ThreadID:         threadID,
			Kind:             KindPipelineExecution,
			OwnerID:          conv.OwnerID,
			SecondaryOwnerID: conv.SecondaryOwnerID,
			Payload:          payload,
			SessionID:        &sessionID,
			CreatedAt:        s.now(),
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, s.fail("record_pipeline_execution", threadID, err)
	}
	s.metrics.RecordTraceRecord(string(KindPipelineExecution), 0)
	s.logger.Info("pipeline execution recorded",
		zap.String("thread_id", threadID),
		zap.String("session_id", sessionID),
		zap.Bool("success", exec.Success),
	)
	return rec, nil
}

// txRetries 不开 span 的写事务遇到锁冲突时的重试次数。
// appendRecord 在事务内开 span，重试会产生重复 span，所以只执行一次。
const txRetries = 3

// appendRecord 在一个事务里：找会话、按同类型行数算序号、插入、更新聚合块
func (s *Store) appendRecord(
	ctx context.Context,
	op, threadID string,
	kind Kind,
	payload any,
	span func(parent *tracing.Ref) *tracing.Ref,
	bump func(agg *Aggregate),
	tokens int,
) (*Record, error) {
	encoded, err := encode(payload)
	if err != nil {
		return nil, err
	}

	var rec *Record
	err = s.pm.WithTransaction(ctx, func(tx *gorm.DB) error {
		conv, err := findConversation(tx, threadID)
		if err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&Record{}).
			Where("thread_id = ? AND kind = ?", threadID, kind).
			Count(&count).Error; err != nil {
			return fmt.Errorf("count %s records: %w", kind, err)
		}
		seq := int(count)

		rec = &Record{
			ThreadID:         threadID,
			Kind:             kind,
			OwnerID:          conv.OwnerID,
			SecondaryOwnerID: conv.SecondaryOwnerID,
			Payload:          encoded,
			Sequence:         &seq,
			CreatedAt:        s.now(),
		}
		if ref := span(conv.TraceRef()); ref != nil {
			rec.ExternalTraceID = ref.TraceID
			rec.ExternalSpanID = ref.SpanID
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("insert %s: %w", kind, err)
		}

		agg := conv.Aggregate
		bump(&agg)
		conv.Aggregate = agg
		if err := tx.Save(conv).Error; err != nil {
			return fmt.Errorf("save conversation aggregate: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(op, threadID, err)
	}

	s.metrics.RecordTraceRecord(string(kind), tokens)
	s.logger.Debug("trace record appended",
		zap.String("thread_id", threadID),
		zap.String("kind", string(kind)),
		zap.Int("sequence", *rec.Sequence),
	)
	return rec, nil
}

func (s *Store) messageTokens(in MessageInput) (*int, bool) {
	if in.Tokens != nil {
		n := *in.Tokens
		return &n, false
	}
	if s.tokens == nil || in.Content == "" {
		return nil, false
	}
	n, err := s.tokens.CountTokens(in.Content)
	if err != nil {
		s.logger.Warn("token estimation failed", zap.Error(err))
		return nil, false
	}
	return &n, true
}

// fail 区分缺会话与持久化失败：前者 Warn 并原样返回 ErrNotFound
func (s *Store) fail(op, threadID string, err error) error {
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("conversation not found",
			zap.String("operation", op),
			zap.String("thread_id", threadID),
		)
		return ErrNotFound
	}
	return s.persistFailed(op, threadID, err)
}

func (s *Store) persistFailed(op, threadID string, err error) error {
	s.logger.Error("trace store write failed",
		zap.String("operation", op),
		zap.String("thread_id", threadID),
		zap.Error(err),
	)
	s.metrics.RecordPersistFailure(metrics.StoreTraceStore)
	return fmt.Errorf("%s %s: %w", op, threadID, err)
}

// =============================================================================
// 🔧 内部辅助
// =============================================================================

func findConversation(db *gorm.DB, threadID string) (*Record, error) {
	var rec Record
	err := db.Where("thread_id = ? AND kind = ?", threadID, KindConversation).
		Order("id ASC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return &rec, nil
}

func encode(v any) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return datatypes.JSON(data), nil
}

func encodeOptional(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return datatypes.JSON(raw), nil
	}
	return encode(v)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func latencyMillis(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
