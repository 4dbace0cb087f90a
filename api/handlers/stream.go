package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/internal/pool"
	"github.com/BaSui01/crewtrace/steplog"
	"github.com/BaSui01/crewtrace/types"
)

// =============================================================================
// 📡 实时日志推送（WebSocket）
// =============================================================================

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

// StreamOptions 实时推送配置
type StreamOptions struct {
	Hub            *steplog.Hub
	OriginPatterns []string
}

// FrameType 推送帧类型
type FrameType string

const (
	// FrameEntry 一条日志
	FrameEntry FrameType = "entry"
	// FrameLive 回放结束，之后均为实时条目
	FrameLive FrameType = "live"
)

// StreamFrame 推送给客户端的一帧
type StreamFrame struct {
	Type  FrameType      `json:"type"`
	Entry *steplog.Entry `json:"entry,omitempty"`
}

// HandleLogStream 先回放已持久化条目，再推送实时条目。
// 先订阅后回放，实时条目按序号去重，回放与实时之间不会漏条。
// @Summary Live execution log
// @Description WebSocket 实时推送会话执行日志
// @Tags session
// @Param id path string true "Session ID"
// @Success 101 "Switching Protocols"
// @Failure 503 {object} Response "Streaming disabled"
// @Security BearerAuth
// @Router /api/v1/sessions/{id}/logs/stream [get]
func (h *SessionHandler) HandleLogStream(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := PathParam(w, r, "id", h.logger)
	if !ok {
		return
	}
	if h.stream == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "log streaming is disabled", h.logger)
		return
	}

	live, unsubscribe := h.stream.Hub.Subscribe(sessionID)
	defer unsubscribe()

	// 长连接不受服务端 WriteTimeout 约束
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.stream.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	logger := h.logger.With(zap.String("session_id", sessionID))
	ctx := conn.CloseRead(r.Context())

	backlog, err := h.logs.Entries(ctx, sessionID, 0)
	if err != nil {
		logger.Error("log stream backfill failed", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "backfill failed")
		return
	}

	var last int64
	for i := range backlog {
		if err := writeFrame(ctx, conn, StreamFrame{Type: FrameEntry, Entry: &backlog[i]}); err != nil {
			logger.Debug("log stream closed during backfill", zap.Error(err))
			return
		}
		last = backlog[i].Sequence
	}
	if err := writeFrame(ctx, conn, StreamFrame{Type: FrameLive}); err != nil {
		return
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("log stream client gone")
			return
		case e, open := <-live:
			if !open {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if e.Sequence <= last {
				continue
			}
			if err := writeFrame(ctx, conn, StreamFrame{Type: FrameEntry, Entry: &e}); err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Debug("log stream write failed", zap.Error(err))
				}
				return
			}
			last = e.Sequence
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				logger.Debug("log stream ping failed", zap.Error(err))
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame StreamFrame) error {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(frame); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, buf.Bytes())
}
