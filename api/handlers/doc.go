// Copyright (c) crewtrace Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 crewtrace 调试 HTTP API 的请求处理器实现。

# 概述

handlers 包只暴露读取路由：会话计时、计时汇总、分层执行日志、
实时日志推送以及会话追踪查询。写入路径全部在进程内
（timing.Timer、steplog.Logger、tracestore.Store）完成，不经过 HTTP。

# 核心类型

  - SessionHandler   /api/v1/sessions/{id}/timings|summary|logs|logs/stream
  - TraceHandler     /api/v1/traces、/traces/stats、/traces/{thread_id}
  - HealthHandler    /health、/healthz、/ready、/version
  - Response         统一 JSON 响应结构（success + data + error + timestamp）
  - StreamFrame      WebSocket 推送帧（entry / live）

# 主要能力

  - ErrorCode → HTTP 状态码映射，NOT_FOUND → 404，STORAGE_ERROR → 500
  - 查询参数解析：QueryInt、QueryBool、PathParam，格式错误统一 400
  - 实时日志：先订阅再回放，按序号去重后推送实时条目
  - 就绪检查并发执行，非关键依赖失败只降级为 degraded
*/
package handlers
