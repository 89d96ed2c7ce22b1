package treasury

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestInProcessSignerSignsAndReportsAddress(t *testing.T) {
	wallet := solana.NewWallet()
	signer, err := NewInProcessSigner(wallet.PrivateKey.String())
	if err != nil {
		t.Fatalf("NewInProcessSigner: %v", err)
	}
	if signer.Address() != wallet.PublicKey().String() {
		t.Fatalf("expected address %s, got %s", wallet.PublicKey().String(), signer.Address())
	}

	sig, addr, err := signer.Sign(context.Background(), []byte("digest"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if addr != signer.Address() {
		t.Fatalf("expected signer address %s, got %s", signer.Address(), addr)
	}
	if len(sig) == 0 {
		t.Fatal("expected non-empty signature")
	}
}

func TestNewInProcessSignerRejectsInvalidKey(t *testing.T) {
	if _, err := NewInProcessSigner("not-a-valid-base58-key"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}
