package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/crewtrace/tracestore"
	"github.com/BaSui01/crewtrace/types"
)

func seedTraces(t *testing.T, store *tracestore.Store) {
	t.Helper()
	ctx := context.Background()
	for _, in := range []tracestore.ConversationInput{
		{ThreadID: "t1", OwnerID: "7", SecondaryOwnerID: "c1"},
		{ThreadID: "t2", OwnerID: "7"},
		{ThreadID: "t3", OwnerID: "8"},
	} {
		_, err := store.CreateConversation(ctx, in)
		require.NoError(t, err)
	}
	tokens := 12
	_, err := store.AddMessage(ctx, "t1", tracestore.MessageInput{Role: "user", Content: "how is traffic", Tokens: &tokens})
	require.NoError(t, err)
	_, err = store.AddToolUsage(ctx, "t1", tracestore.ToolUsageInput{ToolName: "ga4_report", Success: true})
	require.NoError(t, err)
	_, err = store.CompleteConversation(ctx, "t2", tracestore.StatusCompleted, nil)
	require.NoError(t, err)
}

func TestTraceHandler_HandleList(t *testing.T) {
	b := newBackend(t)
	seedTraces(t, b.store)
	h := NewTraceHandler(b.store, zaptest.NewLogger(t))

	w := httptest.NewRecorder()
	h.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/traces?owner_id=7", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page tracestore.Page
	decodeData(t, w, &page)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, 20, page.PageSize)
	require.Len(t, page.Traces, 2)

	w = httptest.NewRecorder()
	h.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/traces?status=completed", nil))
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &page)
	require.Len(t, page.Traces, 1)
	assert.Equal(t, "t2", page.Traces[0].ThreadID)

	w = httptest.NewRecorder()
	h.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/traces?secondary_owner_id=c1&page_size=500", nil))
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &page)
	assert.Equal(t, 100, page.PageSize)
	require.Len(t, page.Traces, 1)
	assert.Equal(t, 1, page.Traces[0].MessageCount)
	assert.Equal(t, 12, page.Traces[0].TotalTokens)
}

func TestTraceHandler_HandleList_BadQuery(t *testing.T) {
	b := newBackend(t)
	h := NewTraceHandler(b.store, zaptest.NewLogger(t))

	for _, url := range []string{
		"/api/v1/traces?status=paused",
		"/api/v1/traces?days=week",
		"/api/v1/traces?page=first",
		"/api/v1/traces?page_size=x",
	} {
		w := httptest.NewRecorder()
		h.HandleList(w, httptest.NewRequest(http.MethodGet, url, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, url)
	}
}

func TestTraceHandler_HandleStats(t *testing.T) {
	b := newBackend(t)
	seedTraces(t, b.store)
	h := NewTraceHandler(b.store, zaptest.NewLogger(t))

	w := httptest.NewRecorder()
	h.HandleStats(w, httptest.NewRequest(http.MethodGet, "/api/v1/traces/stats?owner_id=7&days=30", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats tracestore.Stats
	decodeData(t, w, &stats)
	assert.Equal(t, int64(2), stats.TotalConversations)
	assert.Equal(t, map[string]int64{"active": 1, "completed": 1}, stats.StatusBreakdown)
	assert.Equal(t, int64(1), stats.TotalMessages)
	assert.Equal(t, int64(12), stats.TotalTokens)
	assert.Equal(t, 30, stats.PeriodDays)
}

func TestTraceHandler_HandleGet(t *testing.T) {
	b := newBackend(t)
	seedTraces(t, b.store)
	h := NewTraceHandler(b.store, zaptest.NewLogger(t))

	get := func(url, threadID string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, url, nil)
		r.SetPathValue("thread_id", threadID)
		w := httptest.NewRecorder()
		h.HandleGet(w, r)
		return w
	}

	w := get("/api/v1/traces/t1", "t1")
	require.Equal(t, http.StatusOK, w.Code)
	var history tracestore.History
	decodeData(t, w, &history)
	assert.Equal(t, "t1", history.Conversation.ThreadID)
	assert.Len(t, history.Messages, 1)
	assert.Len(t, history.ToolUsages, 1)

	w = get("/api/v1/traces/t1?messages=false&tool_usages=false", "t1")
	require.Equal(t, http.StatusOK, w.Code)
	history = tracestore.History{}
	decodeData(t, w, &history)
	assert.Empty(t, history.Messages)
	assert.Empty(t, history.ToolUsages)

	w = get("/api/v1/traces/missing", "missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)

	w = get("/api/v1/traces/t1?messages=perhaps", "t1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTraceHandler_OwnerScoping(t *testing.T) {
	b := newBackend(t)
	seedTraces(t, b.store)
	h := NewTraceHandler(b.store, zaptest.NewLogger(t))

	as := func(r *http.Request, owner string, roles ...string) *http.Request {
		ctx := types.WithOwnerID(r.Context(), owner)
		if len(roles) > 0 {
			ctx = types.WithRoles(ctx, roles)
		}
		return r.WithContext(ctx)
	}

	// 请求别人的 owner_id 被忽略
	w := httptest.NewRecorder()
	h.HandleList(w, as(httptest.NewRequest(http.MethodGet, "/api/v1/traces?owner_id=7", nil), "8"))
	require.Equal(t, http.StatusOK, w.Code)
	var page tracestore.Page
	decodeData(t, w, &page)
	require.Len(t, page.Traces, 1)
	assert.Equal(t, "t3", page.Traces[0].ThreadID)

	// 管理员不受限
	w = httptest.NewRecorder()
	h.HandleStats(w, as(httptest.NewRequest(http.MethodGet, "/api/v1/traces/stats", nil), "8", RoleAdmin))
	require.Equal(t, http.StatusOK, w.Code)
	var stats tracestore.Stats
	decodeData(t, w, &stats)
	assert.Equal(t, int64(3), stats.TotalConversations)

	r := as(httptest.NewRequest(http.MethodGet, "/api/v1/traces/t1", nil), "8")
	r.SetPathValue("thread_id", "t1")
	w = httptest.NewRecorder()
	h.HandleGet(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
