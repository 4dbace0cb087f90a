// Package api 定义 crewtrace 调试 HTTP API 的路由表与 Swagger 元信息。
//
// # API Overview
//
// crewtrace 只暴露读取路由，供调试面板与运维查看流水线运行情况：
//   - 会话计时记录与计时汇总
//   - 分层执行日志（一次性读取与 WebSocket 实时推送）
//   - 会话追踪列表、统计与详情
//   - 健康检查与版本信息
//
// # Authentication
//
// 配置 jwt.secret 后，/api/v1 下的路由需要 Bearer Token：
//
//	Authorization: Bearer <token>
//
// 健康检查路由始终免鉴权。
//
// # Generating Documentation
//
//	swag init -g cmd/crewtrace/main.go -o api --parseDependency --parseInternal
package api
