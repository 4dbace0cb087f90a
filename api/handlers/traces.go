package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/tracestore"
	"github.com/BaSui01/crewtrace/types"
)

// =============================================================================
// 🧾 Trace Handler
// =============================================================================

// TraceHandler 会话追踪查询
type TraceHandler struct {
	store  *tracestore.Store
	logger *zap.Logger
}

// NewTraceHandler 创建追踪处理器
func NewTraceHandler(store *tracestore.Store, logger *zap.Logger) *TraceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraceHandler{store: store, logger: logger.With(zap.String("handler", "traces"))}
}

// HandleList 分页列出会话
// @Summary List conversation traces
// @Tags traces
// @Produce json
// @Param owner_id query string false "Owner"
// @Param secondary_owner_id query string false "Secondary owner"
// @Param status query string false "active|completed|abandoned|error"
// @Param days query int false "Look-back days (1-90, default 7)"
// @Param page query int false "Page (from 1)"
// @Param page_size query int false "Page size (max 100)"
// @Success 200 {object} Response{data=tracestore.Page} "Traces"
// @Failure 400 {object} Response "Invalid query"
// @Security BearerAuth
// @Router /api/v1/traces [get]
func (h *TraceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := tracestore.ListFilter{
		OwnerID:          scopedOwner(r, q.Get("owner_id")),
		SecondaryOwnerID: q.Get("secondary_owner_id"),
		Status:           q.Get("status"),
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "unknown status "+filter.Status, h.logger)
		return
	}

	var ok bool
	if filter.Days, ok = QueryInt(w, r, "days", 0, h.logger); !ok {
		return
	}
	if filter.Page, ok = QueryInt(w, r, "page", 1, h.logger); !ok {
		return
	}
	if filter.PageSize, ok = QueryInt(w, r, "page_size", 0, h.logger); !ok {
		return
	}

	page, err := h.store.ListConversations(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	WriteSuccess(w, page)
}

// HandleStats 会话统计
// @Summary Conversation statistics
// @Tags traces
// @Produce json
// @Param owner_id query string false "Owner"
// @Param days query int false "Look-back days (1-90, default 7)"
// @Success 200 {object} Response{data=tracestore.Stats} "Stats"
// @Security BearerAuth
// @Router /api/v1/traces/stats [get]
func (h *TraceHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	days, ok := QueryInt(w, r, "days", 0, h.logger)
	if !ok {
		return
	}

	stats, err := h.store.Stats(r.Context(), scopedOwner(r, r.URL.Query().Get("owner_id")), days)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	WriteSuccess(w, stats)
}

// HandleGet 会话详情，查询参数选择要带出的子记录（默认全部）
// @Summary Conversation trace detail
// @Tags traces
// @Produce json
// @Param thread_id path string true "Thread ID"
// @Param messages query bool false "Include messages"
// @Param agent_steps query bool false "Include agent steps"
// @Param tool_usages query bool false "Include tool usages"
// @Param pipeline_executions query bool false "Include pipeline executions"
// @Success 200 {object} Response{data=tracestore.History} "Trace"
// @Failure 404 {object} Response "Conversation not found"
// @Security BearerAuth
// @Router /api/v1/traces/{thread_id} [get]
func (h *TraceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	threadID, ok := PathParam(w, r, "thread_id", h.logger)
	if !ok {
		return
	}

	var opts tracestore.HistoryOptions
	for _, sel := range []struct {
		name string
		dst  *bool
	}{
		{"messages", &opts.Messages},
		{"agent_steps", &opts.AgentSteps},
		{"tool_usages", &opts.ToolUsages},
		{"pipeline_executions", &opts.PipelineExecutions},
	} {
		if *sel.dst, ok = QueryBool(w, r, sel.name, true, h.logger); !ok {
			return
		}
	}

	history, err := h.store.GetHistory(r.Context(), threadID, opts)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	// 他人的会话按不存在处理
	if owner := scopedOwner(r, ""); owner != "" && history.Conversation.OwnerID != owner {
		h.writeStoreError(w, tracestore.ErrNotFound)
		return
	}
	WriteSuccess(w, history)
}

func (h *TraceHandler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, tracestore.ErrNotFound) {
		WriteError(w, types.NewError(types.ErrNotFound, "conversation not found"), h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrStorageError, "trace query failed").WithCause(err).WithRetryable(true), h.logger)
}

// RoleAdmin 可查看任意 owner 的会话
const RoleAdmin = "admin"

// scopedOwner 已认证的非管理员只能看自己的会话，忽略请求中的 owner_id
func scopedOwner(r *http.Request, requested string) string {
	ctx := r.Context()
	if owner, ok := types.OwnerID(ctx); ok && !types.HasRole(ctx, RoleAdmin) {
		return owner
	}
	return requested
}

func validStatus(s string) bool {
	switch s {
	case tracestore.StatusActive, tracestore.StatusCompleted, tracestore.StatusAbandoned, tracestore.StatusError:
		return true
	}
	return false
}
