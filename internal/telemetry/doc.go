// Package telemetry 封装 OpenTelemetry SDK 初始化，为 crewtrace 提供
// TracerProvider / MeterProvider。关闭时使用 noop 实现，不连接外部服务。
package telemetry
