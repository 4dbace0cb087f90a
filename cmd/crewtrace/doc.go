// Copyright (c) crewtrace Authors.
// Licensed under the MIT License.

/*
Package main 提供 crewtrace 服务端程序入口。

# 概述

cmd/crewtrace 组装计时器、分层执行日志、会话追踪存储与运行记录器，
对外暴露只读调试 API，并提供数据库迁移、就绪检查和版本查询等子命令。

# 核心类型

  - Server      主服务器，管理存储后端、HTTP 与 Metrics 双端口及优雅关闭
  - Middleware  HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、Metrics、
    RequestLogger、CORS、APIKeyAuth、JWTAuth、RateLimiter（按 owner 或 IP）
  - 优雅关闭：停止 HTTP → 排空计时写入 → 刷新追踪 → 关闭 Redis 与数据库
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
