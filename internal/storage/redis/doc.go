// Package redis 提供基于 Redis 的部署记录存储。每个部署身份对应一个 hash，
// 写入通过 WATCH/MULTI 完成比较后替换，多个实例共享同一个 Redis 时也不会
// 静默覆盖已有的合约地址。
package redis
