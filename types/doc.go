// Copyright (c) crewtrace Authors.
// Licensed under the MIT License.

/*
Package types 提供 crewtrace 的全局共享类型定义。

types 是最底层的公共包，不依赖任何内部包。

# 核心类型

  - Error / ErrorCode HTTP 层统一错误结构，支持 Cause 链与状态码
  - TokenCounter      最小 Token 计数接口
  - 上下文辅助        WithOwnerID / OwnerID / WithRoles / HasRole
*/
package types
