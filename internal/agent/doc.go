// Package agent 实现代理的控制循环：启动阶段恢复或部署合约并完成注册，
// 随后按固定间隔查询余额，余额严格低于阈值时提交一次兑换交易。
//
// 循环在单个 goroutine 中顺序推进状态，任何时刻最多只有一笔兑换交易在途。
// 其他组件只能读取 Snapshot 返回的不可变快照。
package agent
