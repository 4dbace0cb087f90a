package tracestore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	defaultListDays     = 7
	maxListDays         = 90
	defaultListPageSize = 20
	maxListPageSize     = 100
)

// HistoryOptions 选择要带出的子记录类型
type HistoryOptions struct {
	Messages           bool
	AgentSteps         bool
	ToolUsages         bool
	PipelineExecutions bool
}

// AllHistory 带出全部子记录
func AllHistory() HistoryOptions {
	return HistoryOptions{Messages: true, AgentSteps: true, ToolUsages: true, PipelineExecutions: true}
}

// History 会话及其子记录。未选择的类型为 nil。
type History struct {
	Conversation       Record   `json:"conversation"`
	Messages           []Record `json:"messages,omitempty"`
	AgentSteps         []Record `json:"agent_steps,omitempty"`
	ToolUsages         []Record `json:"tool_usages,omitempty"`
	PipelineExecutions []Record `json:"pipeline_executions,omitempty"`
}

// GetHistory 组装会话视图：子记录按序号升序，流水线汇总按创建时间升序
func (s *Store) GetHistory(ctx context.Context, threadID string, opts HistoryOptions) (*History, error) {
	db := s.pm.DB().WithContext(ctx)
	conv, err := findConversation(db, threadID)
	if err != nil {
		return nil, s.fail("get_history", threadID, err)
	}

	h := &History{Conversation: *conv}
	load := func(kind Kind, order string, dst *[]Record) error {
		var rows []Record
		if err := db.Where("thread_id = ? AND kind = ?", threadID, kind).
			Order(order).Order("id ASC").
			Find(&rows).Error; err != nil {
			return fmt.Errorf("load %s: %w", kind, err)
		}
		*dst = rows
		return nil
	}

	steps := []struct {
		enabled bool
		kind    Kind
		order   string
		dst     *[]Record
	}{
		{opts.Messages, KindMessage, "sequence ASC", &h.Messages},
		{opts.AgentSteps, KindAgentStep, "sequence ASC", &h.AgentSteps},
		{opts.ToolUsages, KindToolUsage, "sequence ASC", &h.ToolUsages},
		{opts.PipelineExecutions, KindPipelineExecution, "created_at ASC", &h.PipelineExecutions},
	}
	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := load(step.kind, step.order, step.dst); err != nil {
			return nil, s.persistFailed("get_history", threadID, err)
		}
	}
	return h, nil
}

// =============================================================================
// 📋 列表与统计
// =============================================================================

// ListFilter 会话列表过滤条件
type ListFilter struct {
	OwnerID          string
	SecondaryOwnerID string
	Status           string
	// Days 回看天数，取值 1–90，默认 7
	Days int
	// Page 从 1 开始
	Page int
	// PageSize 默认 20，最大 100
	PageSize int
}

// Normalize 把越界参数收敛到合法范围
func (f ListFilter) Normalize() ListFilter {
	f.Days = clampDays(f.Days)
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = defaultListPageSize
	}
	if f.PageSize > maxListPageSize {
		f.PageSize = maxListPageSize
	}
	return f
}

// ConversationSummary 列表中的一行
type ConversationSummary struct {
	ThreadID         string     `json:"thread_id"`
	OwnerID          string     `json:"owner_id"`
	SecondaryOwnerID *string    `json:"secondary_owner_id,omitempty"`
	Status           string     `json:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	MessageCount     int        `json:"message_count"`
	AgentStepCount   int        `json:"agent_step_count"`
	ToolUsageCount   int        `json:"tool_usage_count"`
	TotalTokens      int        `json:"total_tokens"`
	DurationSeconds  *float64   `json:"duration_seconds,omitempty"`
	ExternalTraceURL string     `json:"external_trace_url,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Page 分页结果
type Page struct {
	Traces   []ConversationSummary `json:"traces"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

// ListConversations 按创建时间倒序分页列出会话
func (s *Store) ListConversations(ctx context.Context, filter ListFilter) (*Page, error) {
	f := filter.Normalize()
	since := s.now().AddDate(0, 0, -f.Days)

	base := func() *gorm.DB {
		q := s.pm.DB().WithContext(ctx).Model(&Record{}).
			Where("kind = ? AND created_at >= ?", KindConversation, since)
		if f.OwnerID != "" {
			q = q.Where("owner_id = ?", f.OwnerID)
		}
		if f.SecondaryOwnerID != "" {
			q = q.Where("secondary_owner_id = ?", f.SecondaryOwnerID)
		}
		if f.Status != "" {
			q = q.Where("agg_status = ?", f.Status)
		}
		return q
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, s.persistFailed("list_conversations", "", err)
	}

	var rows []Record
	if err := base().
		Order("created_at DESC").Order("id DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&rows).Error; err != nil {
		return nil, s.persistFailed("list_conversations", "", err)
	}

	page := &Page{
		Traces:   make([]ConversationSummary, 0, len(rows)),
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
	}
	for _, r := range rows {
		page.Traces = append(page.Traces, summarize(r))
	}
	return page, nil
}

// Stats 一段时间内会话的汇总统计
type Stats struct {
	TotalConversations int64            `json:"total_conversations"`
	StatusBreakdown    map[string]int64 `json:"status_breakdown"`
	TotalMessages      int64            `json:"total_messages"`
	TotalTokens        int64            `json:"total_tokens"`
	PeriodDays         int              `json:"period_days"`
}

// Stats 统计 ownerID 最近 days 天的会话，ownerID 为空时统计全部
func (s *Store) Stats(ctx context.Context, ownerID string, days int) (*Stats, error) {
	days = clampDays(days)
	since := s.now().AddDate(0, 0, -days)

	q := s.pm.DB().WithContext(ctx).Model(&Record{}).
		Where("kind = ? AND created_at >= ?", KindConversation, since)
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}

	var rows []struct {
		Status        string
		Conversations int64
		Messages      int64
		Tokens        int64
	}
	err := q.Select("agg_status AS status, COUNT(*) AS conversations, " +
		"COALESCE(SUM(agg_message_count), 0) AS messages, COALESCE(SUM(agg_total_tokens), 0) AS tokens").
		Group("agg_status").
		Scan(&rows).Error
	if err != nil {
		return nil, s.persistFailed("stats", "", err)
	}

	stats := &Stats{StatusBreakdown: make(map[string]int64), PeriodDays: days}
	for _, r := range rows {
		status := r.Status
		if status == "" {
			status = "unknown"
		}
		stats.StatusBreakdown[status] += r.Conversations
		stats.TotalConversations += r.Conversations
		stats.TotalMessages += r.Messages
		stats.TotalTokens += r.Tokens
	}
	return stats, nil
}

func summarize(r Record) ConversationSummary {
	status := r.Aggregate.Status
	if status == "" {
		status = "unknown"
	}
	return ConversationSummary{
		ThreadID:         r.ThreadID,
		OwnerID:          r.OwnerID,
		SecondaryOwnerID: r.SecondaryOwnerID,
		Status:           status,
		StartedAt:        r.Aggregate.StartedAt,
		CompletedAt:      r.Aggregate.CompletedAt,
		MessageCount:     r.Aggregate.MessageCount,
		AgentStepCount:   r.Aggregate.AgentStepCount,
		ToolUsageCount:   r.Aggregate.ToolUsageCount,
		TotalTokens:      r.Aggregate.TotalTokens,
		DurationSeconds:  r.Aggregate.DurationSeconds,
		ExternalTraceURL: r.ExternalTraceURL,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func clampDays(days int) int {
	if days < 1 {
		return defaultListDays
	}
	if days > maxListDays {
		return maxListDays
	}
	return days
}
