package chain

import (
	"context"
	"testing"
	"time"
)

func TestMemoryClientBalances(t *testing.T) {
	c := NewMemoryClient()
	c.SeedNativeBalance("walletA", 1.5)
	c.SeedTokenBalance("walletA", "mintUSDC", 250)

	native, err := c.GetNativeBalance(context.Background(), "walletA")
	if err != nil || native != 1.5 {
		t.Fatalf("GetNativeBalance = %v, %v", native, err)
	}
	token, err := c.GetTokenBalance(context.Background(), "walletA", "mintUSDC")
	if err != nil || token != 250 {
		t.Fatalf("GetTokenBalance = %v, %v", token, err)
	}
	missing, err := c.GetTokenBalance(context.Background(), "walletB", "mintUSDC")
	if err != nil || missing != 0 {
		t.Fatalf("expected 0 balance for unknown account, got %v, %v", missing, err)
	}
}

func TestMemoryClientInboundTransfersFiltersBySince(t *testing.T) {
	c := NewMemoryClient()
	now := time.Now()
	c.SeedInboundTransfer("walletA", InboundTransfer{TxHash: "old", Instant: now.Add(-2 * time.Hour)})
	c.SeedInboundTransfer("walletA", InboundTransfer{TxHash: "new", Instant: now})

	out, err := c.ListInboundTransfers(context.Background(), "walletA", now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListInboundTransfers: %v", err)
	}
	if len(out) != 1 || out[0].TxHash != "new" {
		t.Fatalf("expected only the recent transfer, got %+v", out)
	}
}

func TestMemoryClientSubmitTransferRecordsCall(t *testing.T) {
	c := NewMemoryClient()
	c.NextTxHash = "abc123"
	hash, err := c.SubmitTransfer(context.Background(), "treasury", "walletB", 10, "USDC")
	if err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}
	if hash != "abc123" {
		t.Fatalf("expected tx hash abc123, got %s", hash)
	}
	if len(c.Submitted) != 1 || c.Submitted[0].ToAddress != "walletB" {
		t.Fatalf("expected submission recorded, got %+v", c.Submitted)
	}
}
