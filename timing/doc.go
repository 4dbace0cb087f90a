/*
Package timing 提供组件级计时：Timer 记录 crew、agent、tool、API 调用
的开始与结束，Summarize 把一次会话的计时整理为摘要。

# 计时

	id := timer.Start(ctx, timing.StartOptions{SessionID: sid, Kind: timing.KindTool, Name: "ga4_report"})
	...
	timer.End(ctx, id, timing.EndOptions{Output: out})

或使用 Scoped，保证 End 恰好调用一次且业务错误原样返回：

	err := timer.Scoped(ctx, opts, func(ctx context.Context) error { ... })

登记表由单把互斥锁保护；持久化失败不会返回给调用方。
开启 async_persist 后写库由 internal/pool 的 worker 池完成。

# 摘要

Summarize 过滤 agent_step、crew_step、crew 三类包装记录，按 (name, kind)
去重后分桶为 agents、tools、api_calls 与 timeline，合计只统计去重后的记录。
Aggregator 负责从仓储读取，并可选用 Redis 缓存已完成会话的摘要。
*/
package timing
