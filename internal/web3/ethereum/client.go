package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"Dough-Agent/internal/web3"

	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/internal/retry"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name            string
	RPCURL          string
	ExpectedChainID int64
	GasMultiplier   float64
	Notes           string
}

// Backend is the subset of the JSON-RPC surface the agent relies on. Both
// ethclient.Client and the simulated client satisfy it.
type Backend interface {
	web3.GasEstimator
	web3.NonceSource
	web3.ChainIDSource
	web3.Broadcaster
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client owns the RPC connection to an EVM chain and hands out signing
// connections bound to it.
type Client struct {
	name            string
	notes           string
	expectedChainID int64
	gasMultiplier   float64
	rpcClient       *gethrpc.Client
	backend         Backend
	retry           *retry.Policy
	mu              sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "连接以太坊节点失败")
	}

	c := NewClientWithBackend(cfg, ethclient.NewClient(rpcClient))
	c.rpcClient = rpcClient
	return c, nil
}

// NewClientWithBackend wraps an existing backend, for example a simulated chain.
func NewClientWithBackend(cfg Config, backend Backend) *Client {
	return &Client{
		name:            cfg.Name,
		notes:           cfg.Notes,
		expectedChainID: cfg.ExpectedChainID,
		gasMultiplier:   cfg.GasMultiplier,
		backend:         backend,
	}
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// WithRetry sets the backoff Connect uses for transient RPC failures.
func (c *Client) WithRetry(p retry.Policy) *Client {
	p = p.Normalize()
	c.retry = &p
	return c
}

// Connect binds a signer to the client and returns a validated connection.
// A node whose chain id differs from the configured one is rejected.
func (c *Client) Connect(ctx context.Context, signer web3.Signer) (*web3.ChainConnection, error) {
	if c == nil || c.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailed, "未初始化的以太坊客户端")
	}

	builder := web3.NewBuilder().WithBackend(c.backend).WithGasMultiplier(c.gasMultiplier)
	if c.retry != nil {
		builder = builder.WithRetry(*c.retry)
	}
	if signer != nil {
		builder = builder.WithSigner(signer)
	}
	conn, err := builder.Build(ctx)
	if err != nil {
		return nil, err
	}

	if c.expectedChainID > 0 && conn.ChainID().Cmp(big.NewInt(c.expectedChainID)) != 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("链 %s 期望链 ID %d，节点返回 %s", c.name, c.expectedChainID, conn.ChainID()))
	}
	return conn, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeConnection, err, "获取链 ID 失败")
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeConnection, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
