package ethereum_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/internal/web3"
	"Dough-Agent/internal/web3/ethereum"
	"Dough-Agent/internal/web3/ethereum/ethsim"
)

const simpleContractBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"

func TestConnectionDeployAndSnapshot(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chain := ethsim.New(t)
	conn, err := chain.Client.Connect(ctx, chain.Signer())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.ChainID().Cmp(ethsim.ChainID) != 0 {
		t.Fatalf("unexpected chain id %s", conn.ChainID())
	}

	pending, err := conn.Submit(ctx, web3.TxRequest{Data: common.FromHex(simpleContractBin)})
	if err != nil {
		t.Fatalf("submit deployment: %v", err)
	}

	receipt, err := conn.Receipt(ctx, pending.Hash)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if !receipt.Succeeded() {
		t.Fatalf("expected successful receipt, got status %d", receipt.Status)
	}
	if receipt.ContractAddress == nil {
		t.Fatal("expected contract address in receipt")
	}

	snapshot, err := chain.Client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x"+ethsim.ChainID.Text(16) {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after deployment")
	}
}

func TestRebroadcastIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chain := ethsim.New(t)
	conn, err := chain.Client.Connect(ctx, chain.Signer())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	chain.HoldBlocks()
	pending, err := conn.Submit(ctx, web3.TxRequest{Data: common.FromHex(simpleContractBin)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := conn.Receipt(ctx, pending.Hash); !errors.Is(err, web3.ErrReceiptPending) {
		t.Fatalf("expected pending receipt, got %v", err)
	}
	if err := conn.Rebroadcast(ctx, pending); err != nil {
		t.Fatalf("rebroadcast of a known transaction should succeed: %v", err)
	}
	chain.ReleaseBlocks()

	if err := conn.Rebroadcast(ctx, pending); err != nil {
		t.Fatalf("rebroadcast of a mined transaction should succeed: %v", err)
	}
	receipt, err := conn.Receipt(ctx, pending.Hash)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if !receipt.Succeeded() {
		t.Fatalf("unexpected status %d", receipt.Status)
	}
}

func TestConnectRejectsChainIDMismatch(t *testing.T) {
	t.Parallel()

	chain := ethsim.New(t)
	client := ethereum.NewClientWithBackend(ethereum.Config{Name: "mainnet", ExpectedChainID: 1}, chain.Backend.Client())

	_, err := client.Connect(context.Background(), chain.Signer())
	if err == nil {
		t.Fatal("expected chain id mismatch error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestConnectWithoutSignerFails(t *testing.T) {
	t.Parallel()

	chain := ethsim.New(t)
	_, err := chain.Client.Connect(context.Background(), nil)
	if err == nil {
		t.Fatal("expected missing signer error")
	}
	if !strings.Contains(err.Error(), "signing") {
		t.Fatalf("expected error to name the signing capability, got %v", err)
	}
}

func TestNewKeySignerValidation(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":   "",
		"garbage": "not-a-key",
		"short":   "0x1234",
	}
	for name, key := range cases {
		key := key
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := ethereum.NewKeySigner(key); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}

	signer, err := ethereum.NewKeySigner("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Fatal("expected derived address")
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := ethereum.NewClient(context.Background(), ethereum.Config{Name: "empty"}); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
