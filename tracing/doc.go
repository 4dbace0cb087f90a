// Package tracing 把追踪存储中的会话与子记录尽力镜像到外部 OpenTelemetry 后端。
//
// 适配器永远不向调用方抛错：后端不可用、配置缺失、SDK panic 都只记 Warn 与指标，
// 返回 nil *Ref。调用方把 nil 当作"追踪不可用"并照常写库。
package tracing
