// Package config 提供 crewtrace 的配置加载。
//
// 配置来源依次为默认值、YAML 文件与 CREWTRACE_ 前缀的环境变量，
// 后者覆盖前者。嵌套结构体的环境变量名由各级 env tag 以下划线拼接，
// 例如 CREWTRACE_TIMING_ASYNC_PERSIST。
package config
