// Package pool 提供有界 goroutine 池与泛型对象池。
//
// GoroutinePool 承载计时记录的异步持久化；ByteBufferPool 供实时日志推送
// 编码 JSON 帧复用 buffer。
package pool
