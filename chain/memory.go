package chain

import (
	"context"
	"sync"
	"time"
)

// MemoryClient is an in-memory Client double, grounded on the teacher's
// stubSwapClient test pattern (services/otc-gateway/server/sign_submit_test.go),
// generalized into a reusable fake rather than one redefined per test file.
type MemoryClient struct {
	mu sync.Mutex

	NativeBalances map[string]float64
	TokenBalances  map[string]float64 // keyed by address+"|"+mint
	Inbound        map[string][]InboundTransfer

	SubmitErr error
	NextTxHash string
	Submitted  []SubmittedTransfer
}

// SubmittedTransfer records one SubmitTransfer invocation for assertions.
type SubmittedTransfer struct {
	FromKeypairRef string
	ToAddress      string
	Amount         float64
	Currency       string
}

// NewMemoryClient returns an empty MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		NativeBalances: map[string]float64{},
		TokenBalances:  map[string]float64{},
		Inbound:        map[string][]InboundTransfer{},
	}
}

var _ Client = (*MemoryClient)(nil)

func (m *MemoryClient) GetNativeBalance(ctx context.Context, address string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NativeBalances[address], nil
}

func (m *MemoryClient) GetTokenBalance(ctx context.Context, address, tokenMint string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TokenBalances[address+"|"+tokenMint], nil
}

func (m *MemoryClient) ListInboundTransfers(ctx context.Context, address string, sinceInstant time.Time, max int) ([]InboundTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.Inbound[address]
	out := make([]InboundTransfer, 0, len(all))
	for _, t := range all {
		if t.Instant.Before(sinceInstant) {
			continue
		}
		out = append(out, t)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (m *MemoryClient) SubmitTransfer(ctx context.Context, fromKeypairRef, toAddress string, amount float64, currency string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = append(m.Submitted, SubmittedTransfer{
		FromKeypairRef: fromKeypairRef,
		ToAddress:      toAddress,
		Amount:         amount,
		Currency:       currency,
	})
	if m.SubmitErr != nil {
		return "", m.SubmitErr
	}
	if m.NextTxHash != "" {
		return m.NextTxHash, nil
	}
	return "memory-tx-hash", nil
}

// SeedNativeBalance sets address's SOL balance for test fixtures.
func (m *MemoryClient) SeedNativeBalance(address string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NativeBalances[address] = amount
}

// SeedTokenBalance sets address's balance of tokenMint for test fixtures.
func (m *MemoryClient) SeedTokenBalance(address, tokenMint string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokenBalances[address+"|"+tokenMint] = amount
}

// SeedInboundTransfer appends an inbound transfer fixture for address.
func (m *MemoryClient) SeedInboundTransfer(address string, t InboundTransfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inbound[address] = append(m.Inbound[address], t)
}
