package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/crewtrace/steplog"
	"github.com/BaSui01/crewtrace/timing"
)

func sessionRequest(path, id string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.SetPathValue("id", id)
	return r
}

func TestSessionHandler_HandleTimings(t *testing.T) {
	b := newBackend(t)
	h := b.sessionHandler(t)
	ctx := context.Background()

	require.NoError(t, b.timer.Scoped(ctx, timing.StartOptions{SessionID: "s1", Kind: timing.KindTool, Name: "ga4_report"},
		func(context.Context) error { return nil }))
	runningID := b.timer.Start(ctx, timing.StartOptions{SessionID: "s1", Kind: timing.KindAgent, Name: "analyst"})
	defer b.timer.End(ctx, runningID, timing.EndOptions{})

	w := httptest.NewRecorder()
	h.HandleTimings(w, sessionRequest("/api/v1/sessions/s1/timings", "s1"))
	require.Equal(t, http.StatusOK, w.Code)

	var got TimingsResponse
	decodeData(t, w, &got)
	assert.Equal(t, "s1", got.SessionID)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "ga4_report", got.Records[0].Name)
	assert.Equal(t, timing.StatusCompleted, got.Records[0].Status)
	require.Len(t, got.Running, 1)
	assert.Equal(t, runningID, got.Running[0].ID)
	assert.Nil(t, got.Running[0].EndTime)
}

func TestSessionHandler_HandleTimings_Empty(t *testing.T) {
	b := newBackend(t)
	h := b.sessionHandler(t)

	w := httptest.NewRecorder()
	h.HandleTimings(w, sessionRequest("/api/v1/sessions/nope/timings", "nope"))
	require.Equal(t, http.StatusOK, w.Code)

	var got TimingsResponse
	decodeData(t, w, &got)
	assert.NotNil(t, got.Records)
	assert.Empty(t, got.Records)
	assert.Empty(t, got.Running)
}

func TestSessionHandler_HandleSummary(t *testing.T) {
	b := newBackend(t)
	h := b.sessionHandler(t)
	ctx := context.Background()

	for _, opts := range []timing.StartOptions{
		{SessionID: "s1", Kind: timing.KindCrew, Name: "marketing"},
		{SessionID: "s1", Kind: timing.KindAgent, Name: "analyst"},
		{SessionID: "s1", Kind: timing.KindTool, Name: "ga4_report"},
	} {
		require.NoError(t, b.timer.Scoped(ctx, opts, func(context.Context) error { return nil }))
	}

	w := httptest.NewRecorder()
	h.HandleSummary(w, sessionRequest("/api/v1/sessions/s1/summary", "s1"))
	require.Equal(t, http.StatusOK, w.Code)

	var got timing.Breakdown
	decodeData(t, w, &got)
	assert.Equal(t, 2, got.TotalComponentCount)
	assert.Equal(t, []string{"analyst"}, got.AgentNames())
	assert.Equal(t, []string{"ga4_report"}, got.ToolNames())
}

func TestSessionHandler_HandleLogs(t *testing.T) {
	b := newBackend(t)
	h := b.sessionHandler(t)
	ctx := context.Background()

	l := b.logs.Get("s1", "")
	l.LogCrewStart(ctx, steplog.CrewStart{Name: "marketing"})
	l.LogTaskStart(ctx, "report", "weekly report", "analyst")
	l.LogAgentStart(ctx, "analyst", "weekly report")

	w := httptest.NewRecorder()
	h.HandleLogs(w, sessionRequest("/api/v1/sessions/s1/logs", "s1"))
	require.Equal(t, http.StatusOK, w.Code)

	var got LogsResponse
	decodeData(t, w, &got)
	require.Len(t, got.Entries, 3)
	assert.Equal(t, int64(1), got.Entries[0].Sequence)
	assert.Equal(t, steplog.KindAgentStart, got.Entries[2].Kind)
	assert.True(t, got.Live)
	assert.Equal(t, 3, got.Depth)

	w = httptest.NewRecorder()
	h.HandleLogs(w, sessionRequest("/api/v1/sessions/s1/logs?limit=2", "s1"))
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &got)
	assert.Len(t, got.Entries, 2)

	// 释放后仍可从存储读取
	b.logs.Dispose(ctx, "s1")
	w = httptest.NewRecorder()
	h.HandleLogs(w, sessionRequest("/api/v1/sessions/s1/logs", "s1"))
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &got)
	assert.Len(t, got.Entries, 3)
	assert.False(t, got.Live)
	assert.Zero(t, got.Depth)
}

func TestSessionHandler_HandleLogs_BadLimit(t *testing.T) {
	b := newBackend(t)
	h := b.sessionHandler(t)

	for _, url := range []string{"/api/v1/sessions/s1/logs?limit=abc", "/api/v1/sessions/s1/logs?limit=-1"} {
		w := httptest.NewRecorder()
		h.HandleLogs(w, sessionRequest(url, "s1"))
		assert.Equal(t, http.StatusBadRequest, w.Code, url)
	}
}
