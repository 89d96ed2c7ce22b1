// Package fees implements the deterministic fee/net computation and
// treasury routing described in spec §4.3. It is a pure function of
// (gross, rate) with no persistence dependency of its own; callers route
// the computed Fee and Net into a unit of work.
package fees

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/nhb-custody/custody-gateway/chain"
	"github.com/nhb-custody/custody-gateway/treasury"
)

// DefaultRate is the fee rate applied when a caller does not override it
// (spec §4.3): 0.001%.
const DefaultRate = 0.00001

// AmountCeiling is the maximum gross amount accepted for a wallet transfer
// (spec §4.3).
const AmountCeiling = 1_000_000

const decimalPlaces = 8

// ErrInvalidAmount is returned for non-positive or out-of-range gross
// amounts.
var ErrInvalidAmount = errors.New("fees: invalid amount")

// Shortfall reports that a balance check failed; Required is gross+fee.
type Shortfall struct {
	Required  float64
	Available float64
}

func (s Shortfall) Error() string {
	return fmt.Sprintf("fees: insufficient funds: required %.8f, available %.8f", s.Required, s.Available)
}

// Computation is the result of computing a fee against a gross amount.
type Computation struct {
	Gross float64
	Fee   float64
	Net   float64
	Rate  float64
}

// Compute returns fee = round_down(gross*rate, 8dp) and net = gross - fee
// (spec §4.3). rate <= 0 uses DefaultRate.
func Compute(gross, rate float64) (Computation, error) {
	if gross <= 0 {
		return Computation{}, fmt.Errorf("%w: gross must be positive", ErrInvalidAmount)
	}
	if gross > AmountCeiling {
		return Computation{}, fmt.Errorf("%w: gross exceeds ceiling %d", ErrInvalidAmount, AmountCeiling)
	}
	if rate <= 0 {
		rate = DefaultRate
	}
	fee := floorToDecimalPlaces(gross*rate, decimalPlaces)
	if fee < 0 {
		fee = 0
	}
	net := floorToDecimalPlaces(gross-fee, decimalPlaces)
	return Computation{Gross: gross, Fee: fee, Net: net, Rate: rate}, nil
}

// ValidateSufficient is the one authoritative balance check used by every
// orchestrator (spec §4.3): it reports ok when balance covers gross+fee, and
// a Shortfall error otherwise.
func ValidateSufficient(balance, gross float64, c Computation) error {
	required := floorToDecimalPlaces(gross+c.Fee, decimalPlaces)
	if balance < required {
		return Shortfall{Required: required, Available: balance}
	}
	return nil
}

// RouteToTreasury submits the on-chain leg of a fee collection, signing an
// audit digest over the transfer with the treasury keypair before
// broadcasting (spec §5 shared-resource policy: "the treasury keypair is
// held in process memory and used exclusively by C3"). The signature itself
// is not part of the wire transfer — SubmitTransfer signs with fromWallet's
// own key, not the treasury's — it authenticates, for the audit trail, that
// this fee sweep was authorized by the process holding the treasury key
// rather than by an arbitrary caller of chain.Client.
func RouteToTreasury(ctx context.Context, chainCli chain.Client, signer treasury.Signer, fromWallet string, amount float64, currency string) (txHash string, signature []byte, err error) {
	digest := []byte(fmt.Sprintf("fee-route|%s|%s|%.8f|%s", fromWallet, signer.Address(), amount, currency))
	sig, _, err := signer.Sign(ctx, digest)
	if err != nil {
		return "", nil, fmt.Errorf("fees: sign treasury route: %w", err)
	}
	txHash, err = chainCli.SubmitTransfer(ctx, fromWallet, signer.Address(), amount, currency)
	if err != nil {
		return "", nil, err
	}
	return txHash, sig, nil
}

// floorToDecimalPlaces truncates (never rounds) v to n decimal places,
// matching spec §4.3's "round_down" wording and the 8-decimal-place
// precision required by §8 testable property 7. The 1e-6 nudge keeps binary
// float error (100*0.0000001 == 9.999999999999999e-06) from truncating a
// value that is exact at n places down by one unit.
func floorToDecimalPlaces(v float64, n int) float64 {
	scale := math.Pow10(n)
	return math.Floor(v*scale+1e-6) / scale
}
