package agent

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"Dough-Agent/internal/web3"
)

// Swapper 提交合约方法调用并等待确认，contract.Factory 实现了该接口。
type Swapper interface {
	Transact(ctx context.Context, address common.Address, method string, args ...any) (*web3.Receipt, error)
}

// ShouldSwap 只在读数严格低于阈值时返回 true，等于阈值视为充足。
func ShouldSwap(reading, threshold decimal.Decimal) bool {
	return reading.LessThan(threshold)
}

// Trigger 根据余额读数决定是否兑换，并构造兑换调用。
type Trigger struct {
	swapper   Swapper
	method    string
	threshold decimal.Decimal
	// withAmount 为 true 时兑换方法接收一个 uint256 参数：按 decimals 放大后的缺口。
	withAmount bool
	decimals   int32
}

// Warranted 判断读数是否需要兑换，并返回与阈值之间的缺口。
func (t *Trigger) Warranted(reading decimal.Decimal) (decimal.Decimal, bool) {
	if !ShouldSwap(reading, t.threshold) {
		return decimal.Zero, false
	}
	return t.threshold.Sub(reading), true
}

// Args 返回本次兑换调用的参数。
func (t *Trigger) Args(deficit decimal.Decimal) []any {
	if !t.withAmount {
		return nil
	}
	return []any{amountUnits(deficit, t.decimals)}
}

// Swap 提交兑换交易并阻塞到确认。
func (t *Trigger) Swap(ctx context.Context, contract common.Address, deficit decimal.Decimal) (*web3.Receipt, error) {
	return t.swapper.Transact(ctx, contract, t.method, t.Args(deficit)...)
}

// amountUnits 将缺口放大为整数单位并向上取整，避免兑换后仍低于阈值。
func amountUnits(deficit decimal.Decimal, decimals int32) *big.Int {
	return deficit.Shift(decimals).Ceil().BigInt()
}
