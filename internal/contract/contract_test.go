package contract

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/internal/retry"
	"Dough-Agent/internal/web3"
	"Dough-Agent/internal/web3/ethereum/ethsim"
	"Dough-Agent/pkg/logger"
)

const (
	// 部署后运行时代码只发出一条日志，接受任意调用数据。
	acceptingContractBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"
	// 部署后运行时代码对任何调用都执行 REVERT。
	revertingContractBin = "0x6005600c60003960056000f360006000fd"
)

func fastOptions() Options {
	return Options{
		ConfirmTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		Retry:          retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		Logger:         logger.Discard(),
	}
}

func newSimFactory(t *testing.T, bin string) (*Factory, *ethsim.Chain) {
	t.Helper()
	chain := ethsim.New(t)
	conn, err := chain.Client.Connect(context.Background(), chain.Signer())
	require.NoError(t, err)
	code, err := LoadBytecode("", bin)
	require.NoError(t, err)
	factory, err := NewFactory(conn, DefaultABI(), code, fastOptions())
	require.NoError(t, err)
	return factory, chain
}

func TestDeployAndCallOnSimulatedChain(t *testing.T) {
	factory, chain := newSimFactory(t, acceptingContractBin)
	ctx := context.Background()

	var confirmed []string
	factory.opts.OnConfirmed = func(method string, _ *web3.Receipt, _ time.Duration) {
		confirmed = append(confirmed, method)
	}

	deployment, err := factory.Deploy(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, deployment.Address)

	hash, err := factory.Call(ctx, deployment.Address, "register", big.NewInt(10), big.NewInt(10))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)

	receipt, err := factory.Transact(ctx, deployment.Address, "swapBreadToEure")
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded())
	assert.Greater(t, receipt.BlockNumber, deployment.BlockNumber)

	assert.Equal(t, 3, chain.Sends())
	assert.Equal(t, []string{"deploy", "register", "swapBreadToEure"}, confirmed)
}

func TestCallRevertIsNotRetried(t *testing.T) {
	factory, chain := newSimFactory(t, revertingContractBin)
	ctx := context.Background()

	deployment, err := factory.Deploy(ctx)
	require.NoError(t, err)

	_, err = factory.Call(ctx, deployment.Address, "swapBreadToEure")
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.New(xerrors.CodeCallReverted, "")), "expected revert in chain: %v", err)
	assert.False(t, xerrors.RetryableError(err))
	assert.Equal(t, 1, chain.Sends(), "a reverting call must never be broadcast")
}

func TestCallUnknownMethod(t *testing.T) {
	factory, _ := newSimFactory(t, acceptingContractBin)

	_, err := factory.Call(context.Background(), common.Address{}, "withdrawAll")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestDeployWithoutBytecode(t *testing.T) {
	factory, chain := newSimFactory(t, "")

	_, err := factory.Deploy(context.Background())
	assert.Equal(t, xerrors.CodeDeploymentFailed, xerrors.CodeOf(err))
	assert.Zero(t, chain.Sends())
}

// scriptedConn 是按脚本返回结果的链连接。
type scriptedConn struct {
	mu           sync.Mutex
	submitErr    error
	onSubmit     func()
	rebroadcasts []error
	receipts     []*web3.Receipt
	submits      int
	resent       int
	lookups      int
	pending      *web3.PendingTx
}

func newScriptedConn() *scriptedConn {
	tx := types.NewTx(&types.LegacyTx{Nonce: 3, Gas: 21_000, GasPrice: big.NewInt(1)})
	return &scriptedConn{pending: web3.NewPendingTx(tx)}
}

func (c *scriptedConn) Submit(context.Context, web3.TxRequest) (*web3.PendingTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	if c.onSubmit != nil {
		c.onSubmit()
	}
	return c.pending, c.submitErr
}

func (c *scriptedConn) Rebroadcast(_ context.Context, p *web3.PendingTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.Hash != c.pending.Hash {
		return errors.New("rebroadcast of a different transaction")
	}
	c.resent++
	if len(c.rebroadcasts) == 0 {
		return nil
	}
	err := c.rebroadcasts[0]
	c.rebroadcasts = c.rebroadcasts[1:]
	return err
}

func (c *scriptedConn) Receipt(context.Context, common.Hash) (*web3.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if len(c.receipts) == 0 {
		return nil, web3.ErrReceiptPending
	}
	r := c.receipts[0]
	c.receipts = c.receipts[1:]
	if r == nil {
		return nil, web3.ErrReceiptPending
	}
	return r, nil
}

func (c *scriptedConn) From() common.Address { return common.Address{} }
func (c *scriptedConn) ChainID() *big.Int    { return big.NewInt(1) }

func okReceipt(hash common.Hash, addr *common.Address) *web3.Receipt {
	return &web3.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, ContractAddress: addr, BlockNumber: 1}
}

func TestBroadcastFailureRebroadcastsSameTransaction(t *testing.T) {
	conn := newScriptedConn()
	conn.submitErr = xerrors.New(xerrors.CodeConnection, "connection reset")
	conn.rebroadcasts = []error{xerrors.New(xerrors.CodeConnection, "connection reset")}
	conn.receipts = []*web3.Receipt{nil, okReceipt(conn.pending.Hash, nil)}

	factory, err := NewFactory(conn, DefaultABI(), nil, fastOptions())
	require.NoError(t, err)

	hash, err := factory.Call(context.Background(), common.Address{1}, "swapBreadToEure")
	require.NoError(t, err)
	assert.Equal(t, conn.pending.Hash, hash)
	assert.Equal(t, 1, conn.submits, "the transaction must be signed exactly once")
	assert.Equal(t, 2, conn.resent)
}

func TestCancellationAfterBroadcastStillAwaitsReceipt(t *testing.T) {
	conn := newScriptedConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.onSubmit = cancel
	conn.receipts = []*web3.Receipt{nil, nil, okReceipt(conn.pending.Hash, nil)}

	factory, err := NewFactory(conn, DefaultABI(), nil, fastOptions())
	require.NoError(t, err)

	hash, err := factory.Call(ctx, common.Address{1}, "swapBreadToEure")
	require.NoError(t, err)
	assert.Equal(t, conn.pending.Hash, hash)
	assert.Equal(t, 3, conn.lookups)
}

func TestCancellationBeforeSubmitHasNoEffect(t *testing.T) {
	conn := newScriptedConn()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	factory, err := NewFactory(conn, DefaultABI(), nil, fastOptions())
	require.NoError(t, err)

	_, err = factory.Call(ctx, common.Address{1}, "swapBreadToEure")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, conn.lookups)
}

func TestDeployReceiptWithoutAddressIsFatal(t *testing.T) {
	conn := newScriptedConn()
	conn.receipts = []*web3.Receipt{okReceipt(conn.pending.Hash, nil)}

	factory, err := NewFactory(conn, DefaultABI(), []byte{0x60, 0x00}, fastOptions())
	require.NoError(t, err)

	_, err = factory.Deploy(context.Background())
	assert.Equal(t, xerrors.CodeDeploymentFailed, xerrors.CodeOf(err))
	assert.Equal(t, conn.pending.Hash.Hex(), xerrors.MetadataOf(err, "tx_hash"))
}

func TestConfirmationTimeout(t *testing.T) {
	conn := newScriptedConn()
	opts := fastOptions()
	opts.ConfirmTimeout = 30 * time.Millisecond

	factory, err := NewFactory(conn, DefaultABI(), nil, opts)
	require.NoError(t, err)

	_, err = factory.Call(context.Background(), common.Address{1}, "swapBreadToEure")
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.New(xerrors.CodeTimeout, "")))
	assert.Equal(t, conn.pending.Hash.Hex(), xerrors.MetadataOf(err, "tx_hash"))
}

func TestLoadABIAndBytecodeFiles(t *testing.T) {
	dir := t.TempDir()
	abiPath := filepath.Join(dir, "Dough.abi")
	binPath := filepath.Join(dir, "Dough.bin")
	require.NoError(t, os.WriteFile(abiPath, []byte(doughABI), 0o600))
	require.NoError(t, os.WriteFile(binPath, []byte("6000\n"), 0o600))

	parsed, err := LoadABI(abiPath)
	require.NoError(t, err)
	assert.Contains(t, parsed.Methods, "register")

	code, err := LoadBytecode(binPath, "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x00}, code)

	_, err = LoadBytecode("", "zz")
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	_, err = LoadABI(filepath.Join(dir, "missing.abi"))
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}
