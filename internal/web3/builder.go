package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/internal/retry"
	"Dough-Agent/pkg/logger"
)

const defaultGasMultiplier = 1.2

// Builder assembles a ChainConnection from individual capabilities. Build
// refuses to produce a connection unless every capability is present.
type Builder struct {
	gas           GasEstimator
	nonces        NonceSource
	chainID       ChainIDSource
	signer        Signer
	broadcaster   Broadcaster
	gasMultiplier float64
	retry         retry.Policy
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{gasMultiplier: defaultGasMultiplier, retry: retry.Default()}
}

// WithBackend registers every capability the backend implements. ethclient
// and the simulated client provide all of them except signing.
func (b *Builder) WithBackend(backend any) *Builder {
	if v, ok := backend.(GasEstimator); ok {
		b.gas = v
	}
	if v, ok := backend.(NonceSource); ok {
		b.nonces = v
	}
	if v, ok := backend.(ChainIDSource); ok {
		b.chainID = v
	}
	if v, ok := backend.(Broadcaster); ok {
		b.broadcaster = v
	}
	return b
}

// WithGasEstimator sets gas estimation.
func (b *Builder) WithGasEstimator(g GasEstimator) *Builder {
	b.gas = g
	return b
}

// WithNonceSource sets nonce assignment.
func (b *Builder) WithNonceSource(n NonceSource) *Builder {
	b.nonces = n
	return b
}

// WithChainID sets chain-id tagging.
func (b *Builder) WithChainID(c ChainIDSource) *Builder {
	b.chainID = c
	return b
}

// WithSigner sets the signing identity.
func (b *Builder) WithSigner(s Signer) *Builder {
	b.signer = s
	return b
}

// WithBroadcaster sets transaction submission and receipt lookup.
func (b *Builder) WithBroadcaster(t Broadcaster) *Builder {
	b.broadcaster = t
	return b
}

// WithGasMultiplier pads estimated gas limits. Values below 1 are ignored.
func (b *Builder) WithGasMultiplier(m float64) *Builder {
	if m >= 1 {
		b.gasMultiplier = m
	}
	return b
}

// WithRetry sets the backoff used while resolving the chain id.
func (b *Builder) WithRetry(p retry.Policy) *Builder {
	b.retry = p.Normalize()
	return b
}

// Build validates the capability set, resolves the chain id and returns the
// connection.
func (b *Builder) Build(ctx context.Context) (*ChainConnection, error) {
	var missing []string
	if b.gas == nil {
		missing = append(missing, "gas estimation")
	}
	if b.nonces == nil {
		missing = append(missing, "nonce assignment")
	}
	if b.chainID == nil {
		missing = append(missing, "chain-id tagging")
	}
	if b.signer == nil {
		missing = append(missing, "signing")
	}
	if b.broadcaster == nil {
		missing = append(missing, "broadcast")
	}
	if len(missing) > 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("链连接缺少必要能力: %s", strings.Join(missing, ", ")))
	}

	var id *big.Int
	err := b.retry.Do(ctx, "获取链 ID", func(ctx context.Context) error {
		v, err := b.chainID.ChainID(ctx)
		if err != nil {
			return classify(err, "获取链 ID 失败")
		}
		id = v
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		logger.Named("web3").Warn("failed to resolve chain id, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err.Error())
	})
	if err != nil {
		return nil, err
	}
	if id == nil || id.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "节点返回了无效的链 ID")
	}

	return &ChainConnection{
		gas:           b.gas,
		nonces:        b.nonces,
		signer:        b.signer,
		broadcaster:   b.broadcaster,
		chainID:       new(big.Int).Set(id),
		gasMultiplier: b.gasMultiplier,
	}, nil
}
