// Package api 暴露代理的只读状态接口：循环快照、健康检查、兑换历史与 Prometheus 指标。
package api
