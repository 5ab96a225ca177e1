// Package ethsim provides an in-memory EVM chain for tests. Every accepted
// transaction is mined immediately so receipts become available without a
// background block producer.
package ethsim

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"Dough-Agent/internal/web3/ethereum"
)

// ChainID is the chain id used by the simulated backend.
var ChainID = big.NewInt(1337)

// Chain is a funded single-account simulated chain.
type Chain struct {
	Backend *simulated.Backend
	Key     *ecdsa.PrivateKey
	Client  *ethereum.Client
	miner   *autoMiner
}

// New starts a simulated chain whose only funded account is returned in Key.
// The chain is closed when the test finishes.
func New(t testing.TB) *Chain {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	funds, _ := new(big.Int).SetString("1000000000000000000000", 10)
	alloc := types.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: funds},
	}
	backend := simulated.NewBackend(alloc)
	t.Cleanup(func() { _ = backend.Close() })

	miner := &autoMiner{Client: backend.Client(), commit: backend.Commit}
	return &Chain{
		Backend: backend,
		Key:     key,
		Client:  ethereum.NewClientWithBackend(ethereum.Config{Name: "simulated", Notes: "simulated backend"}, miner),
		miner:   miner,
	}
}

// Signer returns a signer for the funded account.
func (c *Chain) Signer() *ethereum.KeySigner {
	return ethereum.NewKeySignerFromECDSA(c.Key)
}

// HoldBlocks stops mining after broadcasts until ReleaseBlocks is called.
func (c *Chain) HoldBlocks() {
	c.miner.setHold(true)
}

// ReleaseBlocks resumes automatic mining and mines the pending transactions.
func (c *Chain) ReleaseBlocks() {
	c.miner.setHold(false)
	c.Backend.Commit()
}

// Sends returns how many transactions were accepted by the pool.
func (c *Chain) Sends() int {
	c.miner.mu.Lock()
	defer c.miner.mu.Unlock()
	return c.miner.sends
}

type autoMiner struct {
	simulated.Client
	commit func() common.Hash

	mu    sync.Mutex
	hold  bool
	sends int
}

func (m *autoMiner) setHold(hold bool) {
	m.mu.Lock()
	m.hold = hold
	m.mu.Unlock()
}

func (m *autoMiner) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := m.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	m.sends++
	hold := m.hold
	m.mu.Unlock()
	if !hold {
		m.commit()
	}
	return nil
}
