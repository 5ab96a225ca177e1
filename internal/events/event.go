// Package events 发布代理生命周期事件：合约部署、注册、兑换确认与终止。
// 支持内存、Redis 发布订阅与 RabbitMQ 交换机三种驱动。
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Dough-Agent/internal/errors"
)

// Type 表示事件类型。
type Type string

// 支持的事件类型
const (
	TypeDeployed      Type = "deployed"
	TypeRegistered    Type = "registered"
	TypeSwapConfirmed Type = "swap_confirmed"
	TypeTerminated    Type = "terminated"
)

// Event 是对外发布的事件文档。
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Contract   string    `json:"contract,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Balance    string    `json:"balance,omitempty"`
	Threshold  string    `json:"threshold,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New 创建带唯一 ID 与时间戳的事件。
func New(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC()}
}

// Encode 将事件序列化为 JSON。
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "序列化事件失败", xerrors.WithRetryable(false))
	}
	return data, nil
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Config 描述事件发布驱动。
type Config struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
	AMQPURL       string
	Exchange      string
	RoutingKey    string
}

// NewPublisher 按驱动名称创建发布器。driver 为空或 none 时返回不做任何事的发布器。
func NewPublisher(ctx context.Context, cfg Config) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return Nop{}, nil
	case "memory":
		return NewMemoryPublisher(64), nil
	case "redis":
		return NewRedisPublisher(ctx, RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
		})
	case "rabbitmq":
		return NewRabbitMQPublisher(RabbitMQConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.Exchange,
			RoutingKey: cfg.RoutingKey,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未知的事件驱动: "+cfg.Driver)
	}
}

// Nop 丢弃所有事件。
type Nop struct{}

// Publish 实现 Publisher。
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (Nop) Close() error { return nil }
