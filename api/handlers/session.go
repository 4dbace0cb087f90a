package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/steplog"
	"github.com/BaSui01/crewtrace/timing"
	"github.com/BaSui01/crewtrace/types"
)

// =============================================================================
// ⏱️ Session Handler（计时与执行日志）
// =============================================================================

// defaultLogLimit 日志查询默认条数上限，0 表示不限
const (
	defaultLogLimit = 0
	maxLogLimit     = 5000
)

// SessionHandler 会话级调试路由：计时记录、计时汇总、执行日志
type SessionHandler struct {
	timer      *timing.Timer
	timings    timing.Repository
	aggregator *timing.Aggregator
	logs       *steplog.Registry
	stream     *StreamOptions
	logger     *zap.Logger
}

// SessionDeps SessionHandler 的依赖
type SessionDeps struct {
	Timer      *timing.Timer
	Timings    timing.Repository
	Aggregator *timing.Aggregator
	Logs       *steplog.Registry
	// Hub 为 nil 时实时日志路由返回 503
	Hub *steplog.Hub
	// OriginPatterns WebSocket 允许的跨域来源
	OriginPatterns []string
}

// TimingsResponse 计时记录响应
type TimingsResponse struct {
	SessionID string          `json:"session_id"`
	Records   []timing.Record `json:"records"`
	// Running 计时器内存中尚未关闭的记录
	Running []timing.Record `json:"running"`
}

// LogsResponse 执行日志响应
type LogsResponse struct {
	SessionID string          `json:"session_id"`
	Entries   []steplog.Entry `json:"entries"`
	// Live 会话 Logger 是否仍在内存中
	Live bool `json:"live"`
	// Depth 当前栈深，Live 为 false 时为 0
	Depth int `json:"depth"`
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(deps SessionDeps, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &SessionHandler{
		timer:      deps.Timer,
		timings:    deps.Timings,
		aggregator: deps.Aggregator,
		logs:       deps.Logs,
		logger:     logger.With(zap.String("handler", "session")),
	}
	if deps.Hub != nil {
		h.stream = &StreamOptions{Hub: deps.Hub, OriginPatterns: deps.OriginPatterns}
	}
	return h
}

// HandleTimings 会话全部计时记录与在途记录
// @Summary Session timings
// @Description 列出会话已持久化的计时记录，以及计时器内存中仍在运行的记录
// @Tags session
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} Response{data=TimingsResponse} "Timings"
// @Failure 500 {object} Response "Storage error"
// @Security BearerAuth
// @Router /api/v1/sessions/{id}/timings [get]
func (h *SessionHandler) HandleTimings(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := PathParam(w, r, "id", h.logger)
	if !ok {
		return
	}

	records, err := h.timings.ListBySession(r.Context(), sessionID)
	if err != nil {
		h.storageError(w, "failed to load timing records", err)
		return
	}
	if records == nil {
		records = []timing.Record{}
	}

	WriteSuccess(w, TimingsResponse{
		SessionID: sessionID,
		Records:   records,
		Running:   h.timer.Running(sessionID),
	})
}

// HandleSummary 会话计时汇总
// @Summary Session timing summary
// @Description 汇总会话的计时记录（去重、排除 crew 与步骤类组件）
// @Tags session
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} Response{data=timing.Breakdown} "Breakdown"
// @Failure 500 {object} Response "Storage error"
// @Security BearerAuth
// @Router /api/v1/sessions/{id}/summary [get]
func (h *SessionHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := PathParam(w, r, "id", h.logger)
	if !ok {
		return
	}

	b, err := h.aggregator.Summarize(r.Context(), sessionID)
	if err != nil {
		h.storageError(w, "failed to summarize timings", err)
		return
	}
	WriteSuccess(w, b)
}

// HandleLogs 会话执行日志，按序号升序
// @Summary Session execution log
// @Description 读取会话的分层执行日志，limit 限制条数
// @Tags session
// @Produce json
// @Param id path string true "Session ID"
// @Param limit query int false "Max entries (0 = all)"
// @Success 200 {object} Response{data=LogsResponse} "Entries"
// @Failure 400 {object} Response "Invalid limit"
// @Failure 500 {object} Response "Storage error"
// @Security BearerAuth
// @Router /api/v1/sessions/{id}/logs [get]
func (h *SessionHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := PathParam(w, r, "id", h.logger)
	if !ok {
		return
	}
	limit, ok := QueryInt(w, r, "limit", defaultLogLimit, h.logger)
	if !ok {
		return
	}
	if limit < 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must not be negative", h.logger)
		return
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	entries, err := h.logs.Entries(r.Context(), sessionID, limit)
	if err != nil {
		h.storageError(w, "failed to load log entries", err)
		return
	}
	if entries == nil {
		entries = []steplog.Entry{}
	}

	resp := LogsResponse{SessionID: sessionID, Entries: entries}
	if l, live := h.logs.Lookup(sessionID); live {
		resp.Live = true
		resp.Depth = l.Depth()
	}
	WriteSuccess(w, resp)
}

func (h *SessionHandler) storageError(w http.ResponseWriter, msg string, err error) {
	WriteError(w, types.NewError(types.ErrStorageError, msg).WithCause(err).WithRetryable(true), h.logger)
}
