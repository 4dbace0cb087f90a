package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	sessionIDKey  contextKey = "session_id"
	analysisIDKey contextKey = "analysis_id"
	threadIDKey   contextKey = "thread_id"
)

// WithSessionID 设置流水线会话 ID
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionID 获取流水线会话 ID
func SessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithAnalysisID 设置分析 ID
func WithAnalysisID(ctx context.Context, analysisID string) context.Context {
	return context.WithValue(ctx, analysisIDKey, analysisID)
}

// AnalysisID 获取分析 ID
func AnalysisID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(analysisIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithThreadID 设置对话线程 ID
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadIDKey, threadID)
}

// ThreadID 获取对话线程 ID
func ThreadID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(threadIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
