/*
Package migration 管理 crewtrace 追踪库的 Schema 版本，基于 golang-migrate。

三张表按方言（postgres / mysql / sqlite）各有一套内嵌 SQL：

  - 000001 timing_records         组件计时记录
  - 000002 execution_log_entries  分层执行日志
  - 000003 trace_records          会话追踪记录（含 agg_ 前缀的会话汇总列）

sqlite 迁移走 modernc 纯 Go 驱动（驱动名 "sqlite"），postgres 与 mysql
复用 golang-migrate 驱动包注册的 "postgres" / "mysql"。

CLI 为 `crewtrace migrate` 子命令提供 up/down/status/version/goto/force/reset 的格式化输出。
*/
package migration
