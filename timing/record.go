package timing

import (
	"time"
	"unicode/utf8"
)

// Kind 被计时的组件类型
type Kind string

const (
	KindCrew      Kind = "crew"
	KindAgent     Kind = "agent"
	KindTool      Kind = "tool"
	KindAgentStep Kind = "agent_step"
	KindCrewStep  Kind = "crew_step"
	KindAPICall   Kind = "api_call"
)

// Status 计时记录状态
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// DefaultSnippetLimit 输入输出片段默认截断长度（字符数）
const DefaultSnippetLimit = 500

// =============================================================================
// ⏱️ 计时记录
// =============================================================================

// Record 一次组件执行的计时。EndTime 为空即仍在运行；
// 关闭后 DurationMS 恒等于 EndTime-StartTime 的整毫秒数，此后不再修改。
type Record struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	SessionID       string     `gorm:"size:128;not null;index:idx_timing_session_start,priority:1" json:"session_id"`
	AnalysisID      *string    `gorm:"size:128;index:idx_timing_analysis" json:"analysis_id,omitempty"`
	ParentSessionID *string    `gorm:"size:128" json:"parent_session_id,omitempty"` // 子执行所属的上级会话
	Kind            Kind       `gorm:"size:32;not null" json:"kind"`
	Name            string     `gorm:"size:255;not null" json:"name"`
	StartTime       time.Time  `gorm:"not null;index:idx_timing_session_start,priority:2" json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMS      *int64     `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	Status          Status     `gorm:"size:16;not null;default:running" json:"status"`
	Input           string     `gorm:"type:text" json:"input,omitempty"`
	Output          string     `gorm:"type:text" json:"output,omitempty"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TableName 表名
func (Record) TableName() string {
	return "timing_records"
}

// IsRunning 是否仍未关闭
func (r *Record) IsRunning() bool {
	return r.EndTime == nil
}

// Duration 毫秒耗时，运行中记录为 0
func (r *Record) Duration() int64 {
	if r.DurationMS == nil {
		return 0
	}
	return *r.DurationMS
}

// finish 关闭记录。end 早于 start（时钟回拨）时按 start 计。
func (r *Record) finish(end time.Time, output, errMsg string) {
	if end.Before(r.StartTime) {
		end = r.StartTime
	}
	ms := end.Sub(r.StartTime).Milliseconds()
	r.EndTime = &end
	r.DurationMS = &ms
	r.Output = output
	r.ErrorMessage = errMsg
	if errMsg != "" {
		r.Status = StatusError
	} else {
		r.Status = StatusCompleted
	}
}

// clone 深拷贝，供 Running 快照使用
func (r *Record) clone() Record {
	cp := *r
	if r.AnalysisID != nil {
		v := *r.AnalysisID
		cp.AnalysisID = &v
	}
	if r.ParentSessionID != nil {
		v := *r.ParentSessionID
		cp.ParentSessionID = &v
	}
	if r.EndTime != nil {
		v := *r.EndTime
		cp.EndTime = &v
	}
	if r.DurationMS != nil {
		v := *r.DurationMS
		cp.DurationMS = &v
	}
	return cp
}

// truncate 按字符截断
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
