package steplog

import (
	"time"

	"gorm.io/datatypes"
)

// Kind 执行日志条目类型
type Kind string

const (
	KindCrewStart     Kind = "crew_start"
	KindTaskStart     Kind = "task_start"
	KindAgentStart    Kind = "agent_start"
	KindAgentThinking Kind = "agent_thinking"
	KindToolExecution Kind = "tool_execution"
	KindToolInput     Kind = "tool_input"
	KindToolOutput    Kind = "tool_output"
	KindToolError     Kind = "tool_error"
	KindToolComplete  Kind = "tool_complete"
	KindDelegation    Kind = "delegation"
	KindFinalAnswer   Kind = "final_answer"
	KindTaskComplete  Kind = "task_complete"
	KindCrewComplete  Kind = "crew_complete"
	KindCrewError     Kind = "crew_error"
)

// Status 条目状态
type Status string

const (
	StatusExecuting  Status = "executing"
	StatusThinking   Status = "thinking"
	StatusInput      Status = "input"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDelegating Status = "delegating"
)

// Entry 一条分层执行日志。
// 非根条目的 Depth 等于父条目 Depth+1；Sequence 在会话内从 1 开始连续递增。
type Entry struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	SessionID    string            `gorm:"size:128;not null;index:idx_steplog_session_sequence,priority:1" json:"session_id"`
	AnalysisID   *string           `gorm:"size:128;index:idx_steplog_analysis" json:"analysis_id,omitempty"`
	Timestamp    time.Time         `gorm:"not null" json:"timestamp"`
	Sequence     int64             `gorm:"not null;index:idx_steplog_session_sequence,priority:2" json:"sequence"`
	Kind         Kind              `gorm:"size:32;not null" json:"kind"`
	ParentID     *uint             `json:"parent_id,omitempty"`
	Depth        int               `gorm:"not null;default:0" json:"depth"`
	CrewID       string            `gorm:"size:255" json:"crew_id,omitempty"`
	TaskID       string            `gorm:"size:255" json:"task_id,omitempty"`
	AgentName    string            `gorm:"size:255" json:"agent_name,omitempty"`
	ToolName     string            `gorm:"size:255" json:"tool_name,omitempty"`
	Status       Status            `gorm:"size:16;not null" json:"status"`
	DurationMS   *int64            `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	Title        string            `gorm:"size:500;not null" json:"title"`
	Content      string            `gorm:"type:text" json:"content,omitempty"`
	Input        string            `gorm:"type:text" json:"input,omitempty"`
	Output       string            `gorm:"type:text" json:"output,omitempty"`
	ErrorDetails string            `gorm:"type:text" json:"error_details,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	Icon         string            `gorm:"size:16" json:"icon"`
	Color        string            `gorm:"size:16" json:"color"`
	Collapsible  bool              `gorm:"not null;default:false" json:"collapsible"`
}

// TableName 表名
func (Entry) TableName() string {
	return "execution_log_entries"
}

// IsRoot 是否根条目
func (e *Entry) IsRoot() bool {
	return e.ParentID == nil && e.Depth == 0
}

// =============================================================================
// 🎨 展示信息
// =============================================================================

type display struct {
	icon        string
	color       string
	collapsible bool
	status      Status
}

var displays = map[Kind]display{
	KindCrewStart:     {"🚀", "blue", true, StatusExecuting},
	KindTaskStart:     {"📋", "yellow", true, StatusExecuting},
	KindAgentStart:    {"🤖", "green", true, StatusExecuting},
	KindAgentThinking: {"🧠", "purple", false, StatusThinking},
	KindToolExecution: {"🔧", "blue", true, StatusExecuting},
	KindToolInput:     {"📥", "gray", false, StatusInput},
	KindToolOutput:    {"📤", "gray", false, StatusCompleted},
	KindToolError:     {"❌", "red", true, StatusFailed},
	KindToolComplete:  {"✅", "green", false, StatusCompleted},
	KindDelegation:    {"🔄", "orange", true, StatusDelegating},
	KindFinalAnswer:   {"✅", "green", true, StatusCompleted},
	KindTaskComplete:  {"✅", "green", true, StatusCompleted},
	KindCrewComplete:  {"✅", "green", true, StatusCompleted},
	KindCrewError:     {"❌", "red", true, StatusFailed},
}

// decorate 按类型填充图标、颜色、折叠与默认状态
func (e *Entry) decorate() {
	d, ok := displays[e.Kind]
	if !ok {
		return
	}
	e.Icon = d.icon
	e.Color = d.color
	if e.Status == StatusFailed && d.status != StatusFailed {
		e.Icon = "❌"
		e.Color = "red"
	}
	e.Collapsible = d.collapsible
	if e.Status == "" {
		e.Status = d.status
	}
}
