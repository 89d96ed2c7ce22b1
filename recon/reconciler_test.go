package recon

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nhb-custody/custody-gateway/chain"
	"github.com/nhb-custody/custody-gateway/internal/dbtest"
	"github.com/nhb-custody/custody-gateway/models"
)

func TestSweepDetectsBalanceMismatch(t *testing.T) {
	db := dbtest.New(t)
	vault := models.Vault{ID: uuid.New(), Address: "vault-a", Currency: models.CurrencySOL, Total: 100, Active: true}
	if err := db.Create(&vault).Error; err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	chainCli := chain.NewMemoryClient()
	chainCli.SeedNativeBalance("vault-a", 80)

	var anomalies []Anomaly
	r, err := NewReconciler(Config{
		DB:     db,
		Chain:  chainCli,
		DryRun: true,
		Alert: func(ctx context.Context, a Anomaly) error {
			anomalies = append(anomalies, a)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	result, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Type != AnomalyBalanceMismatch {
		t.Fatalf("expected one balance_mismatch anomaly, got %+v", result.Anomalies)
	}
	if len(anomalies) != 1 {
		t.Fatalf("expected alert to fire once, got %d", len(anomalies))
	}
}

func TestSweepIngestsExternalAndAirdropDeposits(t *testing.T) {
	db := dbtest.New(t)
	vault := models.Vault{ID: uuid.New(), Address: "vault-b", Currency: models.CurrencyUSDC, Total: 0, Active: true}
	if err := db.Create(&vault).Error; err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	chainCli := chain.NewMemoryClient()
	chainCli.SeedTokenBalance("vault-b", models.CurrencyUSDC, 0)
	chainCli.SeedInboundTransfer("vault-b", chain.InboundTransfer{
		TxHash: "tx-external", Sender: "stranger", Amount: 50, Instant: time.Now(),
	})
	chainCli.SeedInboundTransfer("vault-b", chain.InboundTransfer{
		TxHash: "tx-airdrop", Sender: "faucet-1", Amount: 1.5, Instant: time.Now(),
	})
	chainCli.SeedInboundTransfer("vault-b", chain.InboundTransfer{
		TxHash: "tx-system-program", Sender: chain.SystemProgramAddress, Amount: 0.5, Instant: time.Now(),
	})
	chainCli.SeedInboundTransfer("vault-b", chain.InboundTransfer{
		TxHash: "tx-large-faucet", Sender: "faucet-1", Amount: 10, Instant: time.Now(),
	})

	r, err := NewReconciler(Config{
		DB:           db,
		Chain:        chainCli,
		KnownFaucets: map[string]bool{"faucet-1": true},
		DryRun:       true,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	result, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.DepositsAdded != 4 {
		t.Fatalf("expected 4 deposits ingested, got %d", result.DepositsAdded)
	}

	var deposits []models.Deposit
	db.Where("vault_id = ?", vault.ID).Order("tx_hash").Find(&deposits)
	if len(deposits) != 4 {
		t.Fatalf("expected 4 persisted deposit rows, got %d", len(deposits))
	}
	byHash := map[string]models.Deposit{}
	for _, d := range deposits {
		byHash[d.TxHash] = d
	}
	if byHash["tx-external"].Classification != models.DepositExternal {
		t.Fatalf("expected tx-external classified EXTERNAL, got %s", byHash["tx-external"].Classification)
	}
	if byHash["tx-airdrop"].Classification != models.DepositAirdrop {
		t.Fatalf("expected tx-airdrop classified AIRDROP, got %s", byHash["tx-airdrop"].Classification)
	}
	if byHash["tx-system-program"].Classification != models.DepositAirdrop {
		t.Fatalf("expected tx-system-program classified AIRDROP, got %s", byHash["tx-system-program"].Classification)
	}
	if byHash["tx-large-faucet"].Classification != models.DepositExternal {
		t.Fatalf("expected tx-large-faucet (amount above ceiling) classified EXTERNAL despite known sender, got %s", byHash["tx-large-faucet"].Classification)
	}

	var reloaded models.Vault
	db.First(&reloaded, "id = ?", vault.ID)
	// Only the two EXTERNAL deposits (50 + 10) credit the vault total.
	if reloaded.Total != 60 {
		t.Fatalf("expected vault total credited only for external deposits, got %v", reloaded.Total)
	}
}

func TestSweepIsIdempotentAcrossRuns(t *testing.T) {
	db := dbtest.New(t)
	vault := models.Vault{ID: uuid.New(), Address: "vault-c", Currency: models.CurrencyUSDC, Total: 0, Active: true}
	if err := db.Create(&vault).Error; err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	chainCli := chain.NewMemoryClient()
	chainCli.SeedInboundTransfer("vault-c", chain.InboundTransfer{
		TxHash: "tx-1", Sender: "stranger", Amount: 10, Instant: time.Now(),
	})

	r, err := NewReconciler(Config{DB: db, Chain: chainCli, DryRun: true})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	first, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("first Sweep: %v", err)
	}
	if first.DepositsAdded != 1 {
		t.Fatalf("expected 1 deposit on first sweep, got %d", first.DepositsAdded)
	}

	second, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if second.DepositsAdded != 0 {
		t.Fatalf("expected second sweep to add no new deposits, got %d", second.DepositsAdded)
	}
}

func TestSyncStaleUserBalancesRefreshesOnlyStaleUsers(t *testing.T) {
	db := dbtest.New(t)
	wallet := "user-wallet-1"
	freshWallet := "user-wallet-2"
	now := time.Now()
	stale := models.User{
		ID: uuid.New(), Email: "stale@example.com", DisplayName: "Stale", WalletAddress: &wallet,
		Balance: 1, BalanceLastSyncedAt: ptrTime(now.Add(-2 * time.Hour)),
	}
	fresh := models.User{
		ID: uuid.New(), Email: "fresh@example.com", DisplayName: "Fresh", WalletAddress: &freshWallet,
		Balance: 9, BalanceLastSyncedAt: ptrTime(now),
	}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed stale user: %v", err)
	}
	if err := db.Create(&fresh).Error; err != nil {
		t.Fatalf("seed fresh user: %v", err)
	}

	chainCli := chain.NewMemoryClient()
	chainCli.SeedTokenBalance(wallet, "mint-usdc-1", 42)
	chainCli.SeedTokenBalance(freshWallet, "mint-usdc-1", 99)

	r, err := NewReconciler(Config{
		DB:             db,
		Chain:          chainCli,
		StaleAfter:     time.Hour,
		DryRun:         true,
		Now:            func() time.Time { return now },
		StablecoinMint: "mint-usdc-1",
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	if _, err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	var reloadedStale, reloadedFresh models.User
	db.First(&reloadedStale, "id = ?", stale.ID)
	db.First(&reloadedFresh, "id = ?", fresh.ID)
	if reloadedStale.Balance != 42 {
		t.Fatalf("expected stale user balance refreshed to 42, got %v", reloadedStale.Balance)
	}
	if reloadedFresh.Balance != 9 {
		t.Fatalf("expected fresh user balance untouched, got %v", reloadedFresh.Balance)
	}
}

func TestTokenMintForResolvesConfiguredStablecoinMint(t *testing.T) {
	r := &Reconciler{stablecoinMint: "real-usdc-mint-address"}
	if got := r.tokenMintFor(models.CurrencyUSDC); got != "real-usdc-mint-address" {
		t.Fatalf("expected configured mint address, got %s", got)
	}
	if got := r.tokenMintFor(models.CurrencySOL); got != models.CurrencySOL {
		t.Fatalf("expected SOL passthrough unchanged, got %s", got)
	}
}

func TestTokenMintForFallsBackWhenUnconfigured(t *testing.T) {
	r := &Reconciler{}
	if got := r.tokenMintFor(models.CurrencyUSDC); got != models.CurrencyUSDC {
		t.Fatalf("expected currency code passthrough when no mint configured, got %s", got)
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
