/*
Package server 管理 crewtrace 的 HTTP 服务生命周期：非阻塞启动、
可选 TLS（证书经 tlsutil 加固）、系统信号监听与优雅关闭。

API 服务与 Prometheus 指标服务分别持有一个 Manager。
*/
package server
