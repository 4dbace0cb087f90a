// Package tlsutil 提供集中式 TLS 配置，供 HTTP 服务端与 Redis 连接使用
// （TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
