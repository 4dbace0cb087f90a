/*
Package metrics 提供 crewtrace 的 Prometheus 指标采集。

Collector 通过 promauto 注册到默认 Registry，指标按 namespace 隔离：

  - HTTP：请求数、耗时、响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - timing：开启/关闭计数、组件耗时直方图、在途记录 Gauge。
  - steplog：日志条目数、栈不匹配计数、活跃 logger 与实时订阅者。
  - tracestore：追踪记录数、累计 token，外部追踪后端失败数。
  - persist_failures_total：被吞掉的持久化失败，按 store 分组。
  - 缓存命中/未命中与数据库连接池状态。

所有 Record 方法在 nil *Collector 上为空操作。
*/
package metrics
