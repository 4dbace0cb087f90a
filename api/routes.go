package api

// BasePath 调试 API 前缀
const BasePath = "/api/v1"

// 路由模式（Go 1.22 ServeMux 语法）
const (
	RouteSessionTimings   = "GET " + BasePath + "/sessions/{id}/timings"
	RouteSessionSummary   = "GET " + BasePath + "/sessions/{id}/summary"
	RouteSessionLogs      = "GET " + BasePath + "/sessions/{id}/logs"
	RouteSessionLogStream = "GET " + BasePath + "/sessions/{id}/logs/stream"

	RouteTraces     = "GET " + BasePath + "/traces"
	RouteTraceStats = "GET " + BasePath + "/traces/stats"
	RouteTrace      = "GET " + BasePath + "/traces/{thread_id}"

	RouteHealth  = "GET /health"
	RouteHealthz = "GET /healthz"
	RouteReady   = "GET /ready"
	RouteVersion = "GET /version"
)

// Public 免鉴权的路径
var Public = []string{"/health", "/healthz", "/ready", "/version"}
