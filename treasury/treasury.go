// Package treasury holds the treasury keypair in process memory and
// exposes it exclusively to the fee engine's routing path, per spec §5's
// shared-resource policy ("the treasury keypair is held in process memory
// and used exclusively by C3"). It is grounded on the teacher's hsm.Signer
// abstraction (services/otc-gateway/hsm/client.go) but, unlike that
// package's remote mTLS HSM proxy, signs with an in-memory Solana ed25519
// keypair rather than delegating to an external signer process.
package treasury

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer mirrors the teacher's hsm.Signer interface shape so callers that
// expect "a thing that signs a digest and reports who signed it" can treat
// the treasury keypair and any future HSM-backed signer interchangeably.
type Signer interface {
	Sign(ctx context.Context, digest []byte) (signature []byte, signerAddress string, err error)
	Address() string
}

// InProcessSigner holds a Solana ed25519 private key in memory. Only the
// fee engine (package fees) is expected to reach for it when routing a fee
// transaction to the treasury vault.
type InProcessSigner struct {
	key solana.PrivateKey
}

// NewInProcessSigner parses a base58-encoded Solana secret key, as supplied
// via the TREASURY_PRIVATE_KEY configuration variable (spec §6).
func NewInProcessSigner(base58Key string) (*InProcessSigner, error) {
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("treasury: invalid private key: %w", err)
	}
	return &InProcessSigner{key: key}, nil
}

var _ Signer = (*InProcessSigner)(nil)

// Sign produces an ed25519 signature over digest.
func (s *InProcessSigner) Sign(ctx context.Context, digest []byte) ([]byte, string, error) {
	sig, err := s.key.Sign(digest)
	if err != nil {
		return nil, "", fmt.Errorf("treasury: sign: %w", err)
	}
	return sig[:], s.Address(), nil
}

// Address returns the treasury keypair's public address.
func (s *InProcessSigner) Address() string {
	return s.key.PublicKey().String()
}
