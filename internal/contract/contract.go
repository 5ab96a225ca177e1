package contract

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/internal/retry"
	"Dough-Agent/internal/web3"
	"Dough-Agent/pkg/logger"
)

const (
	defaultConfirmTimeout = 2 * time.Minute
	defaultPollInterval   = time.Second
)

// Options 控制交易提交与确认等待的行为。
type Options struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Retry          retry.Policy
	Logger         *slog.Logger
	// OnConfirmed 在每笔交易获得回执后调用，用于指标采集。
	OnConfirmed func(method string, receipt *web3.Receipt, elapsed time.Duration)
}

// Deployment 是一次成功部署的结果。
type Deployment struct {
	Address     common.Address
	TxHash      common.Hash
	BlockNumber uint64
}

// Factory 持有链连接、ABI 与字节码，负责部署合约并创建绑定地址的 Handle。
type Factory struct {
	conn     web3.Connection
	abi      abi.ABI
	bytecode []byte
	opts     Options
	log      *slog.Logger
}

// NewFactory 创建合约工厂。bytecode 可以为空，此时只能绑定已有合约。
func NewFactory(conn web3.Connection, contractABI abi.ABI, bytecode []byte, opts Options) (*Factory, error) {
	if conn == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailed, "合约工厂缺少链连接")
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	opts.Retry = opts.Retry.Normalize()
	log := opts.Logger
	if log == nil {
		log = logger.Named("contract")
	}
	return &Factory{conn: conn, abi: contractABI, bytecode: bytecode, opts: opts, log: log}, nil
}

// Method 返回 ABI 中的方法定义。
func (f *Factory) Method(name string) (abi.Method, bool) {
	m, ok := f.abi.Methods[name]
	return m, ok
}

// Deploy 提交创建交易并阻塞到确认。回执没有合约地址或被回滚时返回
// DEPLOYMENT_FAILED，调用方不应重试。
func (f *Factory) Deploy(ctx context.Context) (Deployment, error) {
	if len(f.bytecode) == 0 {
		return Deployment{}, xerrors.New(xerrors.CodeDeploymentFailed, "未配置合约字节码，无法部署")
	}

	receipt, err := f.transact(ctx, "deploy", web3.TxRequest{Data: f.bytecode})
	if err != nil {
		if isCancellation(ctx, err) {
			return Deployment{}, err
		}
		return Deployment{}, xerrors.Wrap(xerrors.CodeDeploymentFailed, err, "部署合约失败")
	}
	if !receipt.Succeeded() {
		return Deployment{}, xerrors.New(xerrors.CodeDeploymentFailed, "部署交易被回滚",
			xerrors.WithMetadata("tx_hash", receipt.TxHash.Hex()))
	}
	if receipt.ContractAddress == nil {
		return Deployment{}, xerrors.New(xerrors.CodeDeploymentFailed, "交易回执中没有合约地址",
			xerrors.WithMetadata("tx_hash", receipt.TxHash.Hex()))
	}

	f.log.Info("合约部署完成",
		slog.String("address", receipt.ContractAddress.Hex()),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.Uint64("block", receipt.BlockNumber))
	return Deployment{
		Address:     *receipt.ContractAddress,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
	}, nil
}

// Bind 返回绑定到 address 的合约句柄。
func (f *Factory) Bind(address common.Address) *Handle {
	return &Handle{factory: f, address: address}
}

// Call 等价于 f.Bind(address).Call(ctx, method, args...)。
func (f *Factory) Call(ctx context.Context, address common.Address, method string, args ...any) (common.Hash, error) {
	return f.Bind(address).Call(ctx, method, args...)
}

// Transact 等价于 f.Bind(address).Transact(ctx, method, args...)。
func (f *Factory) Transact(ctx context.Context, address common.Address, method string, args ...any) (*web3.Receipt, error) {
	return f.Bind(address).Transact(ctx, method, args...)
}

// Handle 是绑定到具体合约地址的调用入口。
type Handle struct {
	factory *Factory
	address common.Address
}

// Address 返回合约地址。
func (h *Handle) Address() common.Address {
	return h.address
}

// Call 编码并提交一次方法调用，阻塞到交易确认后返回交易哈希。
func (h *Handle) Call(ctx context.Context, method string, args ...any) (common.Hash, error) {
	receipt, err := h.Transact(ctx, method, args...)
	if receipt == nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, err
}

// Transact 与 Call 相同，但返回完整回执。交易被回滚时同时返回回执与
// CALL_REVERTED 错误。
func (h *Handle) Transact(ctx context.Context, method string, args ...any) (*web3.Receipt, error) {
	f := h.factory
	data, err := f.abi.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码合约方法 %s 失败", method))
	}

	to := h.address
	receipt, err := f.transact(ctx, method, web3.TxRequest{To: &to, Data: data})
	if err != nil {
		if isCancellation(ctx, err) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeCallFailed, err, fmt.Sprintf("调用合约方法 %s 失败", method),
			xerrors.WithRetryable(false))
	}
	if !receipt.Succeeded() {
		return receipt, xerrors.New(xerrors.CodeCallReverted, fmt.Sprintf("合约方法 %s 执行被回滚", method),
			xerrors.WithMetadata("tx_hash", receipt.TxHash.Hex()))
	}
	return receipt, nil
}

// transact 签名一次并提交交易，失败时只重发同一笔已签名交易，随后等待回执。
// 交易一旦广播，等待过程不再受 ctx 取消影响，只受 ConfirmTimeout 约束。
func (f *Factory) transact(ctx context.Context, op string, req web3.TxRequest) (*web3.Receipt, error) {
	var pending *web3.PendingTx
	submit := func(ctx context.Context) error {
		if pending == nil {
			p, err := f.conn.Submit(ctx, req)
			if p != nil {
				pending = p
			}
			return err
		}
		return f.conn.Rebroadcast(ctx, pending)
	}
	notify := func(attempt int, err error, wait time.Duration) {
		f.log.Warn("交易提交失败，准备重试",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}

	started := time.Now()
	err := f.opts.Retry.Do(ctx, op, submit, notify)
	switch {
	case err == nil:
	case pending != nil && ctx.Err() != nil:
		f.log.Warn("提交过程中收到取消信号，继续等待已签名交易的结果",
			slog.String("op", op), slog.String("tx_hash", pending.Hash.Hex()))
	case pending != nil:
		return nil, xerrors.Wrap(xerrors.CodeOf(err), err, "交易广播失败，链上结果未知",
			xerrors.WithMetadata("tx_hash", pending.Hash.Hex()), xerrors.WithRetryable(false))
	default:
		return nil, err
	}

	f.log.Info("交易已广播",
		slog.String("op", op),
		slog.String("tx_hash", pending.Hash.Hex()),
		slog.Uint64("nonce", pending.Nonce))

	receipt, err := f.waitReceipt(ctx, pending)
	if err != nil {
		return nil, err
	}
	if f.opts.OnConfirmed != nil {
		f.opts.OnConfirmed(op, receipt, time.Since(started))
	}
	return receipt, nil
}

func (f *Factory) waitReceipt(ctx context.Context, pending *web3.PendingTx) (*web3.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := f.conn.Receipt(waitCtx, pending.Hash)
		if err == nil {
			return receipt, nil
		}
		if !stdErrors.Is(err, web3.ErrReceiptPending) && !xerrors.RetryableError(err) {
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err,
				fmt.Sprintf("等待交易确认超过 %s", f.opts.ConfirmTimeout),
				xerrors.WithMetadata("tx_hash", pending.Hash.Hex()), xerrors.WithRetryable(false))
		case <-ticker.C:
		}
	}
}

// isCancellation 判断交易是否在广播前就被取消，此时链上没有任何副作用。
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && stdErrors.Is(err, ctx.Err())
}
