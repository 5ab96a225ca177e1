// Package alerting 将终止错误与持续故障通知给运维人员，支持日志与 Slack webhook。
package alerting
