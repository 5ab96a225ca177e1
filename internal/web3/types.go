package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for logs and status.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// TxRequest is an intent to call the chain. A nil To creates a contract.
type TxRequest struct {
	To       *common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// PendingTx is a signed transaction that has been handed to the node at least
// once. Rebroadcasting it never produces a second logical action because the
// nonce and signature are fixed.
type PendingTx struct {
	Hash  common.Hash
	Nonce uint64
	tx    *types.Transaction
}

// NewPendingTx wraps an already signed transaction.
func NewPendingTx(tx *types.Transaction) *PendingTx {
	return &PendingTx{Hash: tx.Hash(), Nonce: tx.Nonce(), tx: tx}
}

// Transaction exposes the signed transaction.
func (p *PendingTx) Transaction() *types.Transaction {
	if p == nil {
		return nil
	}
	return p.tx
}

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	TxHash          common.Hash
	ContractAddress *common.Address
	Status          uint64
	BlockNumber     uint64
	GasUsed         uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}

// ReceiptFrom converts a go-ethereum receipt.
func ReceiptFrom(r *types.Receipt) *Receipt {
	if r == nil {
		return nil
	}
	out := &Receipt{
		TxHash:  r.TxHash,
		Status:  r.Status,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.ContractAddress != (common.Address{}) {
		addr := r.ContractAddress
		out.ContractAddress = &addr
	}
	return out
}

// GasEstimator supplies gas limits and EIP-1559 fee inputs.
type GasEstimator interface {
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// NonceSource assigns account nonces.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// ChainIDSource tags transactions with the network's chain id.
type ChainIDSource interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Signer holds the signing identity.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Broadcaster submits signed transactions and looks up their receipts.
type Broadcaster interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Connection is the opaque chain capability consumed by contract handles.
type Connection interface {
	// Submit fills nonce, fees and gas, signs once and broadcasts.
	Submit(ctx context.Context, req TxRequest) (*PendingTx, error)
	// Rebroadcast resends the identical signed transaction.
	Rebroadcast(ctx context.Context, pending *PendingTx) error
	// Receipt returns the receipt or ErrReceiptPending when not yet mined.
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	From() common.Address
	ChainID() *big.Int
}
