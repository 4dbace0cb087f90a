// 版权所有 2024 crewtrace Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接池管理，支持健康检查、
统计信息采集与事务重试。

# 概述

Open 按配置选择 postgres / mysql / sqlite 方言并返回 PoolManager。
timing、steplog、tracestore 三个仓储共享同一个 PoolManager：
计时记录与执行日志直接写 DB()，追踪存储的"计数 → 插入 → 更新聚合块"
三步放在 WithTransaction 内完成。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，含 Validate()。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 健康检查：后台定时 PingContext 探活，Close 后退出。
  - 事务管理：WithTransaction 单次执行；WithTransactionRetry
    对死锁、序列化失败、sqlite 忙等错误指数退避重试。
*/
package database
