package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/crewtrace/types"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		data       any
		wantStatus int
	}{
		{"simple object", map[string]string{"message": "hello"}, http.StatusOK},
		{"array", []int{1, 2, 3}, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.wantStatus, tt.data)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            *types.Error
		expectedStatus int
	}{
		{"invalid request", types.NewError(types.ErrInvalidRequest, "days must be an integer"), http.StatusBadRequest},
		{"not found", types.NewError(types.ErrNotFound, "conversation not found"), http.StatusNotFound},
		{"storage", types.NewError(types.ErrStorageError, "query failed").WithCause(errors.New("disk")), http.StatusInternalServerError},
		{"explicit status", types.NewError(types.ErrServiceUnavailable, "trace store disabled").WithHTTPStatus(http.StatusNotImplemented), http.StatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
			assert.Equal(t, tt.err.Message, resp.Error.Message)
		})
	}
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code       types.ErrorCode
		wantStatus int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrAuthentication, http.StatusUnauthorized},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{types.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{types.ErrStorageError, http.StatusInternalServerError},
		{types.ErrInternalError, http.StatusInternalServerError},
		{"UNKNOWN_CODE", http.StatusInternalServerError}, // 默认
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, mapErrorCodeToHTTPStatus(tt.code))
		})
	}
}

func TestQueryInt(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name   string
		url    string
		want   int
		wantOK bool
	}{
		{"missing uses default", "/x", 7, true},
		{"parsed", "/x?days=30", 30, true},
		{"negative passes through", "/x?days=-2", -2, true},
		{"garbage", "/x?days=week", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)

			got, ok := QueryInt(w, r, "days", 7, logger)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
			if !ok {
				assert.Equal(t, http.StatusBadRequest, w.Code)
			}
		})
	}
}

func TestQueryBool(t *testing.T) {
	logger := zap.NewNop()

	w := httptest.NewRecorder()
	got, ok := QueryBool(w, httptest.NewRequest(http.MethodGet, "/x", nil), "messages", true, logger)
	assert.True(t, ok)
	assert.True(t, got)

	got, ok = QueryBool(w, httptest.NewRequest(http.MethodGet, "/x?messages=false", nil), "messages", true, logger)
	assert.True(t, ok)
	assert.False(t, got)

	w = httptest.NewRecorder()
	_, ok = QueryBool(w, httptest.NewRequest(http.MethodGet, "/x?messages=maybe", nil), "messages", true, logger)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPathParam(t *testing.T) {
	logger := zap.NewNop()

	r := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/timings", nil)
	r.SetPathValue("id", "s1")
	w := httptest.NewRecorder()
	v, ok := PathParam(w, r, "id", logger)
	assert.True(t, ok)
	assert.Equal(t, "s1", v)

	w = httptest.NewRecorder()
	_, ok = PathParam(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions//timings", nil), "id", logger)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := NewResponseWriter(w)

	// 初始状态
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	rw.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.True(t, rw.Written)

	// 再次写入应该被忽略
	rw.WriteHeader(http.StatusBadRequest)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)

	n, err := rw.Write([]byte("test"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
}
