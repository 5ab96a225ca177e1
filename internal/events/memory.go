package events

import (
	"context"
	"sync"

	xerrors "Dough-Agent/internal/errors"
)

// MemoryPublisher 在进程内保存事件并通过 channel 转发，主要用于测试与单机部署。
// 订阅者消费过慢时 channel 中的事件会被丢弃，Published 返回的历史不受影响。
type MemoryPublisher struct {
	ch      chan Event
	mu      sync.Mutex
	history []Event
	closed  bool
}

// NewMemoryPublisher 创建一个内存发布器。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan Event, size)}
}

// Publish 记录事件并尝试转发给订阅者。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return xerrors.New(xerrors.CodePublishFailure, "事件发布器已关闭", xerrors.WithRetryable(false))
	}
	p.history = append(p.history, event)
	select {
	case p.ch <- event:
	default:
	}
	return nil
}

// Events 返回事件订阅 channel，发布器关闭后 channel 随之关闭。
func (p *MemoryPublisher) Events() <-chan Event {
	return p.ch
}

// Published 返回已发布事件的副本。
func (p *MemoryPublisher) Published() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.history))
	copy(out, p.history)
	return out
}

// Types 返回已发布事件的类型序列。
func (p *MemoryPublisher) Types() []Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Type, 0, len(p.history))
	for _, e := range p.history {
		out = append(out, e.Type)
	}
	return out
}

// Close 关闭发布器。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	p.mu.Unlock()
	return nil
}
