/*
Package cache 封装 crewtrace 使用的 Redis 客户端。

Manager 提供两类用途：

  - Incr：执行日志的分布式序号计数器（INCR + EXPIRE，同一事务）。
  - GetJSON / SetJSON / Delete：会话计时摘要的只读缓存。

未命中统一返回 ErrCacheMiss，可用 IsCacheMiss 判断。Redis 未启用时，
上层改用进程内实现，不依赖本包。
*/
package cache
