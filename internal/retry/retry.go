// Package retry implements the bounded exponential backoff policy shared by
// the chain connection, the balance monitor and the control loop.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "Dough-Agent/internal/errors"
)

const (
	defaultMaxAttempts     = 5
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2.0
)

// Policy 描述一次操作允许的重试次数与退避节奏。
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Default 返回守护进程使用的默认策略。
func Default() Policy {
	return Policy{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
		Multiplier:      defaultMultiplier,
	}
}

// Normalize 为未填写的字段补齐默认值。
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

// Notify 在每次失败后、下一次尝试之前被调用。
type Notify func(attempt int, err error, wait time.Duration)

// Do 执行 op，直到成功、遇到不可重试错误、上下文取消或次数耗尽。
//
// 只有被统一错误类型标记为可重试的错误才会触发重试。次数耗尽时返回
// RETRIES_EXHAUSTED，原始错误保留在错误链中。
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error, notify Notify) error {
	p = p.Normalize()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialInterval
	expo.MaxInterval = p.MaxInterval
	expo.Multiplier = p.Multiplier
	expo.MaxElapsedTime = 0
	expo.Reset()

	var (
		attempt   int
		permanent bool
	)
	operation := func() error {
		if err := ctx.Err(); err != nil {
			permanent = true
			return backoff.Permanent(err)
		}
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !xerrors.RetryableError(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(p.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, onRetry)
	if err == nil || permanent {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return xerrors.Wrap(xerrors.CodeRetriesExhausted, err, fmt.Sprintf("%s 在 %d 次尝试后仍失败", name, attempt))
}
