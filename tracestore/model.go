package tracestore

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/BaSui01/crewtrace/timing"
	"github.com/BaSui01/crewtrace/tracing"
)

// Kind 追踪记录类型
type Kind string

const (
	KindConversation      Kind = "conversation"
	KindMessage           Kind = "message"
	KindAgentStep         Kind = "agent_step"
	KindToolUsage         Kind = "tool_usage"
	KindPipelineExecution Kind = "pipeline_execution"
)

// 会话状态
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
	StatusError     = "error"
)

// Aggregate 会话记录上的聚合块，只有 conversation 行有意义。
// 以 agg_ 前缀的独立列存储，更新时整体赋值后 Save。
type Aggregate struct {
	Status             string         `gorm:"size:32" json:"status"`
	MessageCount       int            `gorm:"not null" json:"message_count"`
	AgentStepCount     int            `gorm:"not null" json:"agent_step_count"`
	ToolUsageCount     int            `gorm:"not null" json:"tool_usage_count"`
	TotalTokens        int            `gorm:"not null" json:"total_tokens"`
	Intent             datatypes.JSON `json:"intent,omitempty"`
	NeedsClarification bool           `gorm:"not null" json:"needs_clarification"`
	ReadyForAnalysis   bool           `gorm:"not null" json:"ready_for_analysis"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds    *float64       `json:"duration_seconds,omitempty"`
}

// Record trace_records 表的一行。单表存放全部类型，类型相关字段放在 Payload。
type Record struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	ThreadID         string         `gorm:"size:128;not null;index:idx_trace_thread_kind_seq,priority:1" json:"thread_id"`
	Kind             Kind           `gorm:"size:32;not null;index:idx_trace_thread_kind_seq,priority:2" json:"kind"`
	OwnerID          string         `gorm:"size:64;not null;index:idx_trace_owner" json:"owner_id"`
	SecondaryOwnerID *string        `gorm:"size:64" json:"secondary_owner_id,omitempty"`
	Payload          datatypes.JSON `json:"payload,omitempty"`
	ExternalTraceID  string         `gorm:"size:64" json:"external_trace_id,omitempty"`
	ExternalSpanID   string         `gorm:"size:64" json:"external_span_id,omitempty"`
	ExternalTraceURL string         `gorm:"size:512" json:"external_trace_url,omitempty"`
	SessionID        *string        `gorm:"size:128" json:"session_id,omitempty"`
	Sequence         *int           `gorm:"index:idx_trace_thread_kind_seq,priority:3" json:"sequence,omitempty"`
	Aggregate        Aggregate      `gorm:"embedded;embeddedPrefix:agg_" json:"aggregate"`
	CreatedAt        time.Time      `gorm:"index:idx_trace_created" json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TableName 表名
func (Record) TableName() string {
	return "trace_records"
}

// TraceRef 会话根 span 的外部引用，未打开时为 nil
func (r *Record) TraceRef() *tracing.Ref {
	if r == nil || r.ExternalTraceID == "" {
		return nil
	}
	return &tracing.Ref{TraceID: r.ExternalTraceID, SpanID: r.ExternalSpanID, URL: r.ExternalTraceURL}
}

// DecodePayload 把 Payload 解到 dst
func (r *Record) DecodePayload(dst any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, dst)
}

// =============================================================================
// 📦 各类型 Payload
// =============================================================================

// ConversationPayload 会话行的 payload
type ConversationPayload struct {
	Metadata map[string]any `json:"extra_metadata,omitempty"`
}

// MessagePayload 消息行的 payload
type MessagePayload struct {
	Role            string         `json:"role"`
	Content         string         `json:"content"`
	Model           string         `json:"model,omitempty"`
	TokensUsed      *int           `json:"tokens_used,omitempty"`
	TokensEstimated bool           `json:"tokens_estimated,omitempty"`
	LatencyMS       *int64         `json:"latency_ms,omitempty"`
	Metadata        map[string]any `json:"extra_metadata,omitempty"`
}

// AgentStepPayload agent 步骤行的 payload
type AgentStepPayload struct {
	StepType        string         `json:"step_type"`
	Content         string         `json:"content"`
	AgentName       string         `json:"agent_name,omitempty"`
	AgentRole       string         `json:"agent_role,omitempty"`
	TaskIndex       *int           `json:"task_index,omitempty"`
	TaskDescription string         `json:"task_description,omitempty"`
	Metadata        map[string]any `json:"extra_metadata,omitempty"`
}

// ToolUsagePayload 工具调用行的 payload
type ToolUsagePayload struct {
	ToolName   string         `json:"tool_name"`
	ToolInput  string         `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	LatencyMS  *int64         `json:"latency_ms,omitempty"`
	Metadata   map[string]any `json:"extra_metadata,omitempty"`
}

// PipelineExecution 一次流水线运行的汇总，写入 pipeline_execution 行
type PipelineExecution struct {
	UserIntent       string            `json:"user_intent"`
	OriginalQuery    string            `json:"original_query"`
	InputPrompt      string            `json:"input_prompt"`
	FinalAnswer      string            `json:"final_answer"`
	ExecutionLog     string            `json:"execution_log,omitempty"`
	TotalExecutionMS int64             `json:"total_execution_ms"`
	TimingBreakdown  *timing.Breakdown `json:"timing_breakdown,omitempty"`
	AgentsUsed       []string          `json:"agents_used"`
	ToolsUsed        []string          `json:"tools_used"`
	Success          bool              `json:"success"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	AnalysisID       string            `json:"analysis_id,omitempty"`

	// SessionID 写入行的 session_id 列，为空时取 thread id
	SessionID string `json:"-"`
}
