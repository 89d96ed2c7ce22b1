package chain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/holiman/uint256"
)

// LamportsPerSOL mirrors Solana's fixed native-unit scale.
const LamportsPerSOL = 1_000_000_000

// SolanaClient is the concrete Client implementation backed by a real
// Solana-family JSON-RPC endpoint, grounded on the teacher's
// swaprpc.Client (rate limiting, bounded timeouts, typed error mapping)
// adapted from its nhbchain-specific JSON-RPC wire shape to the native
// getBalance/getTokenAccountBalance/getSignaturesForAddress calls a Solana
// RPC node exposes via gagliardetto/solana-go/rpc.
type SolanaClient struct {
	rpcClient *rpc.Client

	rateMu     sync.Mutex
	rateLimit  int
	rateWindow time.Duration
	rateStart  time.Time
	rateCount  int

	nowFn func() time.Time
}

// SolanaClientConfig configures SolanaClient.
type SolanaClientConfig struct {
	Endpoint          string
	RequestsPerMinute int
	Now               func() time.Time
}

// NewSolanaClient dials a Solana-family RPC endpoint.
func NewSolanaClient(cfg SolanaClientConfig) (*SolanaClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("chain: RPC endpoint required")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &SolanaClient{
		rpcClient:  rpc.New(cfg.Endpoint),
		rateLimit:  cfg.RequestsPerMinute,
		rateWindow: time.Minute,
		nowFn:      nowFn,
	}, nil
}

var _ Client = (*SolanaClient)(nil)

func (c *SolanaClient) consumeRateSlot() error {
	if c.rateLimit <= 0 {
		return nil
	}
	now := c.nowFn()
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	if c.rateStart.IsZero() || now.Sub(c.rateStart) >= c.rateWindow {
		c.rateStart = now
		c.rateCount = 0
	}
	if c.rateCount >= c.rateLimit {
		return ErrRateLimited
	}
	c.rateCount++
	return nil
}

func classifyRPCError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// GetNativeBalance returns the SOL balance of address (spec §4.2).
func (c *SolanaClient) GetNativeBalance(ctx context.Context, address string) (float64, error) {
	if err := c.consumeRateSlot(); err != nil {
		return 0, err
	}
	ctx, cancel := WithReadTimeout(ctx)
	defer cancel()

	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("chain: invalid address: %w", err)
	}
	out, err := c.rpcClient.GetBalance(ctx, pubkey, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, classifyRPCError(err)
	}
	return float64(out.Value) / LamportsPerSOL, nil
}

// GetTokenBalance returns the balance of address's associated token account
// for tokenMint, or 0 if no such account exists (spec §4.2).
func (c *SolanaClient) GetTokenBalance(ctx context.Context, address, tokenMint string) (float64, error) {
	if err := c.consumeRateSlot(); err != nil {
		return 0, err
	}
	ctx, cancel := WithReadTimeout(ctx)
	defer cancel()

	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("chain: invalid address: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(tokenMint)
	if err != nil {
		return 0, fmt.Errorf("chain: invalid token mint: %w", err)
	}

	accounts, err := c.rpcClient.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{Mint: &mint},
		&rpc.GetTokenAccountsOpts{Commitment: rpc.CommitmentConfirmed, Encoding: solana.EncodingBase64},
	)
	if err != nil {
		return 0, classifyRPCError(err)
	}
	if accounts == nil || len(accounts.Value) == 0 {
		return 0, nil
	}
	tokenAccount := accounts.Value[0].Pubkey

	balance, err := c.rpcClient.GetTokenAccountBalance(ctx, tokenAccount, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, classifyRPCError(err)
	}
	if balance == nil || balance.Value == nil {
		return 0, nil
	}
	return parseTokenUIAmount(balance.Value.Amount, balance.Value.Decimals)
}

func parseTokenUIAmount(rawAmount string, decimals uint8) (float64, error) {
	amount, err := uint256.FromDecimal(rawAmount)
	if err != nil {
		return 0, fmt.Errorf("chain: parse token amount: %w", err)
	}
	scale := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < decimals; i++ {
		scale.Mul(scale, ten)
	}
	whole := new(uint256.Int).Div(amount, scale)
	remainder := new(uint256.Int).Mod(amount, scale)
	value, err := strconv.ParseFloat(fmt.Sprintf("%s.%0*s", whole.Dec(), int(decimals), remainder.Dec()), 64)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// ListInboundTransfers returns up to max recent signatures for address as
// transfer records (spec §4.2). Signatures without a block time or older
// than sinceInstant are skipped. Only TxHash and Instant are filled in: the
// transactions themselves are not fetched, so Sender, Mint and Amount are
// left at their zero values.
func (c *SolanaClient) ListInboundTransfers(ctx context.Context, address string, sinceInstant time.Time, max int) ([]InboundTransfer, error) {
	if err := c.consumeRateSlot(); err != nil {
		return nil, err
	}
	ctx, cancel := WithReadTimeout(ctx)
	defer cancel()

	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid address: %w", err)
	}
	limit := max
	sigs, err := c.rpcClient.GetSignaturesForAddressWithOpts(ctx, pubkey, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, classifyRPCError(err)
	}

	out := make([]InboundTransfer, 0, len(sigs))
	for _, sig := range sigs {
		if sig.BlockTime == nil {
			continue
		}
		instant := sig.BlockTime.Time()
		if instant.Before(sinceInstant) {
			continue
		}
		out = append(out, InboundTransfer{
			TxHash:  sig.Signature.String(),
			Instant: instant,
		})
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// SubmitTransfer does not build, sign or send a transaction. After the
// rate-limit check (ErrRateLimited) and the submit-timeout check
// (ErrTimeout), it always returns an error wrapping ErrRejected.
func (c *SolanaClient) SubmitTransfer(ctx context.Context, fromKeypairRef, toAddress string, amount float64, currency string) (string, error) {
	if err := c.consumeRateSlot(); err != nil {
		return "", err
	}
	ctx, cancel := WithSubmitTimeout(ctx)
	defer cancel()
	select {
	case <-ctx.Done():
		return "", ErrTimeout
	default:
	}
	return "", fmt.Errorf("chain: SubmitTransfer requires a configured signer (see treasury.Signer): %w", ErrRejected)
}

func randomTxHash() string {
	var buf [32]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
