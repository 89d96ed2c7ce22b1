// Package chain defines the external chain-client interface the core
// consumes (spec §4.2) and a concrete Solana-family JSON-RPC implementation.
// The interface is the contract the rest of this backend programs against;
// tests substitute an in-memory double, exactly as the teacher's
// swaprpc.Client is substituted behind server.SwapClient.
package chain

import (
	"context"
	"errors"
	"time"
)

// Typed chain errors (spec §4.2, §7).
var (
	ErrInsufficient = errors.New("chain: insufficient balance")
	ErrRateLimited  = errors.New("chain: rate limited")
	ErrNetwork      = errors.New("chain: network error")
	ErrTimeout      = errors.New("chain: timeout")
	ErrRejected     = errors.New("chain: transaction rejected")
)

// SystemProgramAddress is the well-known Solana System Program address.
// Inbound transfers sent from this address (e.g. a devnet faucet airdrop)
// are one of the two airdrop signals spec §4.8 deposit classification
// checks alongside the configured known-faucet set.
const SystemProgramAddress = "11111111111111111111111111111111"

// InboundTransfer is one row returned by ListInboundTransfers.
type InboundTransfer struct {
	TxHash  string
	Sender  string
	Mint    string // empty for native SOL transfers
	Amount  float64
	Instant time.Time
}

// Client is the chain client interface the core programs against (spec
// §4.2). All operations are idempotent at the query level; SubmitTransfer is
// not idempotent and callers MUST persist intent before calling it and
// reconcile afterward (spec §5).
type Client interface {
	// GetNativeBalance returns the SOL balance of address, in SOL.
	GetNativeBalance(ctx context.Context, address string) (float64, error)
	// GetTokenBalance returns the balance of address's account for
	// tokenMint, in token units. Returns 0, nil if the token account does
	// not exist.
	GetTokenBalance(ctx context.Context, address, tokenMint string) (float64, error)
	// ListInboundTransfers returns up to max inbound transfers to address
	// observed since sinceInstant.
	ListInboundTransfers(ctx context.Context, address string, sinceInstant time.Time, max int) ([]InboundTransfer, error)
	// SubmitTransfer submits a signed transfer from the keypair identified
	// by fromKeypairRef to toAddress and returns the resulting tx hash.
	SubmitTransfer(ctx context.Context, fromKeypairRef, toAddress string, amount float64, currency string) (txHash string, err error)
}

// Timeouts match spec §5's bounded blocking-point budget.
const (
	ReadTimeout   = 10 * time.Second
	SubmitTimeout = 15 * time.Second
)

// WithReadTimeout bounds a read-path call (GetNativeBalance,
// GetTokenBalance, ListInboundTransfers) per spec §5.
func WithReadTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ReadTimeout)
}

// WithSubmitTimeout bounds a SubmitTransfer call per spec §5.
func WithSubmitTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, SubmitTimeout)
}
