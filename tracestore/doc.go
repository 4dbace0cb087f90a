/*
Package tracestore 是会话级的事件溯源追踪存储。

所有记录放在 trace_records 一张表：conversation 行带 agg_ 前缀的聚合列
（消息数、步骤数、工具调用数、token 总数、意图、状态与时长），message /
agent_step / tool_usage 行按类型各自编号（从 0 开始），pipeline_execution
行保存一次流水线运行的汇总且不计入聚合。

追加操作在一个数据库事务里完成：读会话、数同类型行得到序号、插入新行、
整体替换聚合块后 Save。编号采用 count-then-insert，要求同一线程只有一个
写入方。

配置了 tracing.Adapter 时，会话、助手消息、agent 步骤、工具调用同时镜像为
OpenTelemetry span，span 引用写回记录；镜像失败不影响写库。

线程没有会话时，追加类操作返回 ErrNotFound 并记 Warn。
*/
package tracestore
