/*
Package testutil 提供 crewtrace 测试共用的辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout，自动注册 Cleanup
  - 存储辅助: NewSQLitePool 打开单连接内存 SQLite 并迁移给定模型
  - 时钟: Clock 可手动推进的时钟，注入到 Timer、Registry、Store 的 Clock 选项
  - 异步辅助: WaitForChannel 带超时读取通道

# 使用示例

	pm := testutil.NewSQLitePool(t, &timing.Record{})
	clock := testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	timer := timing.NewTimer(timing.NewGormRepository(pm.DB()), timing.Options{Clock: clock.Now})
*/
package testutil
