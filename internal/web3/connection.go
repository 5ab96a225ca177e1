package web3

import (
	"context"
	stdErrors "errors"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "Dough-Agent/internal/errors"
)

// ErrReceiptPending signals that the node does not know a receipt yet. The
// outcome of the transaction is unknown, not failed.
var ErrReceiptPending = xerrors.New(xerrors.CodeReceiptPending, "交易尚未确认")

// ChainConnection implements Connection on top of the capability set
// validated by Builder.
type ChainConnection struct {
	gas           GasEstimator
	nonces        NonceSource
	signer        Signer
	broadcaster   Broadcaster
	chainID       *big.Int
	gasMultiplier float64
}

// From returns the signing account.
func (c *ChainConnection) From() common.Address {
	return c.signer.Address()
}

// ChainID returns a copy of the resolved chain id.
func (c *ChainConnection) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Submit fills the transaction, signs it and broadcasts it once. When the
// broadcast fails the signed transaction is still returned alongside the
// error so the caller can rebroadcast it instead of signing a new one.
func (c *ChainConnection) Submit(ctx context.Context, req TxRequest) (*PendingTx, error) {
	from := c.signer.Address()

	nonce, err := c.nonces.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify(err, "获取 nonce 失败")
	}

	tipCap, err := c.gas.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classify(err, "获取小费建议失败")
	}
	head, err := c.gas.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify(err, "获取最新区块头失败")
	}
	feeCap := new(big.Int).Set(tipCap)
	if head != nil && head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		estimated, err := c.gas.EstimateGas(ctx, gethcore.CallMsg{
			From:      from,
			To:        req.To,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Value:     value,
			Data:      req.Data,
		})
		if err != nil {
			return nil, classify(err, "估算 gas 失败")
		}
		gasLimit = uint64(float64(estimated) * c.gasMultiplier)
	}

	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        req.To,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := c.signer.SignTx(unsigned, c.chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "交易签名失败")
	}

	pending := NewPendingTx(signed)
	if err := c.broadcaster.SendTransaction(ctx, signed); err != nil {
		return pending, classifyBroadcast(err, pending, false)
	}
	return pending, nil
}

// Rebroadcast resends the identical signed transaction. A node that already
// knows it, or has already consumed its nonce, is treated as success; the
// receipt lookup decides the final outcome.
func (c *ChainConnection) Rebroadcast(ctx context.Context, pending *PendingTx) error {
	if pending == nil || pending.tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "没有可重发的交易")
	}
	if err := c.broadcaster.SendTransaction(ctx, pending.tx); err != nil {
		return classifyBroadcast(err, pending, true)
	}
	return nil
}

// Receipt looks up the receipt of a transaction.
func (c *ChainConnection) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	receipt, err := c.broadcaster.TransactionReceipt(ctx, hash)
	if err != nil {
		if stdErrors.Is(err, gethcore.NotFound) {
			return nil, ErrReceiptPending
		}
		return nil, classify(err, "查询交易回执失败")
	}
	if receipt == nil {
		return nil, ErrReceiptPending
	}
	return ReceiptFrom(receipt), nil
}

// classifyBroadcast treats "already known" as success. On a rebroadcast a
// consumed nonce means an earlier broadcast of the same transaction landed.
func classifyBroadcast(err error, pending *PendingTx, rebroadcast bool) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return nil
	}
	if rebroadcast && strings.Contains(msg, "nonce too low") {
		return nil
	}
	return withHash(classify(err, "广播交易失败"), pending.Hash)
}

func withHash(err error, hash common.Hash) error {
	e, ok := xerrors.From(err)
	if !ok {
		return err
	}
	return xerrors.Wrap(e.Code(), err, "", xerrors.WithMetadata("tx_hash", hash.Hex()), xerrors.WithRetryable(e.Retryable()))
}

// classify maps transport and node errors onto the error taxonomy. Errors
// carrying a JSON-RPC code were produced by the node and are not transport
// failures; everything else is treated as an unreachable endpoint.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.Canceled) {
		return err
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "revert") {
		return xerrors.Wrap(xerrors.CodeCallReverted, err, message)
	}
	var rpcErr gethrpc.Error
	if stdErrors.As(err, &rpcErr) {
		return xerrors.Wrap(xerrors.CodeCallFailed, err, message, xerrors.WithRetryable(false))
	}
	return xerrors.Wrap(xerrors.CodeConnection, err, message)
}

// IsConnectionError reports whether err is a transport-class failure.
func IsConnectionError(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeConnection
}
