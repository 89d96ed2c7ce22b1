// Package recon implements the balance reconciler and deposit-ingestion
// worker (spec §4.8): syncing stale on-chain balances into the ledger,
// ingesting inbound transfers as classified Deposit rows, and surfacing
// reconciliation anomalies as CSV/Parquet reports. It is grounded on the
// teacher's Reconciler (services/otc-gateway/recon/reconciler.go), carrying
// over its anomaly-detection and dual CSV/Parquet export shape while
// replacing invoice/voucher/branch reconciliation with vault/deposit
// reconciliation against a Solana-family chain client.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"github.com/nhb-custody/custody-gateway/chain"
	"github.com/nhb-custody/custody-gateway/models"
	"github.com/nhb-custody/custody-gateway/observability"
)

// Anomaly kinds (spec §4.8). Sweep raises AnomalyBalanceMismatch when a
// vault's ledger total and on-chain balance differ by more than
// MismatchTolerance; AnomalyStaleSync is declared but not raised by any code
// path in this package.
const (
	AnomalyBalanceMismatch = "balance_mismatch"
	AnomalyStaleSync       = "stale_sync"
)

// MismatchTolerance is the maximum ledger/on-chain balance delta tolerated
// before an anomaly is raised, to absorb float rounding noise.
const MismatchTolerance = 0.00000001

// AirdropAmountCeiling is the upper bound spec §4.8 sets on an inbound
// transfer still being classified AIRDROP: above this, the amount alone
// marks it EXTERNAL regardless of sender.
const AirdropAmountCeiling = 2.0

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type    string
	VaultID *uuid.UUID
	UserID  *uuid.UUID
	Address string
	Details string
}

// AlertFunc is invoked for every anomaly detected during a sweep.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB             *gorm.DB
	Chain          chain.Client
	KnownFaucets   map[string]bool
	StaleAfter     time.Duration
	OutputDir      string
	DryRun         bool
	Now            func() time.Time
	Alert          AlertFunc
	StablecoinMint string // token mint address GetTokenBalance queries for USDC vaults/users (spec §6 STABLECOIN_MINT)
}

// Reconciler implements spec §4.8 against a gorm-backed store and a chain
// client.
type Reconciler struct {
	db             *gorm.DB
	chainCli       chain.Client
	knownFaucets   map[string]bool
	staleAfter     time.Duration
	outputDir      string
	dryRun         bool
	stablecoinMint string
	now            func() time.Time
	alert          AlertFunc
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.Chain == nil {
		return nil, errors.New("recon: chain client is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("custody-data-local", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, anomaly Anomaly) error { return nil }
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	faucets := cfg.KnownFaucets
	if faucets == nil {
		faucets = map[string]bool{}
	}
	return &Reconciler{
		db:             cfg.DB,
		chainCli:       cfg.Chain,
		knownFaucets:   faucets,
		staleAfter:     cfg.StaleAfter,
		outputDir:      outputDir,
		dryRun:         cfg.DryRun,
		now:            nowFn,
		alert:          alert,
		stablecoinMint: cfg.StablecoinMint,
	}, nil
}

// tokenMintFor resolves the mint address GetTokenBalance should query for a
// non-SOL currency. Only USDC is recognized (spec §3 invariant 5); any other
// value is returned unchanged so a misconfigured currency fails loudly
// against the chain client rather than silently querying the wrong mint.
func (r *Reconciler) tokenMintFor(currency string) string {
	if currency == models.CurrencyUSDC && r.stablecoinMint != "" {
		return r.stablecoinMint
	}
	return currency
}

// ReportRow summarizes reconciliation status for a single vault.
type ReportRow struct {
	VaultID       uuid.UUID
	Address       string
	Currency      string
	LedgerTotal   float64
	OnChainTotal  float64
	Mismatch      bool
	MismatchDelta float64
	DepositsFound int
	CheckedAt     time.Time
}

// Result summarizes one Sweep invocation.
type Result struct {
	Rows          []*ReportRow
	Anomalies     []Anomaly
	DepositsAdded int
	CSVPath       string
	ParquetPath   string
}

// Sweep reconciles every active Vault's ledger total against its on-chain
// balance, ingests new inbound transfers as Deposit rows, and syncs stale
// User.Balance fields (spec §4.8).
func (r *Reconciler) Sweep(ctx context.Context) (*Result, error) {
	var vaults []models.Vault
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&vaults).Error; err != nil {
		return nil, fmt.Errorf("recon: load vaults: %w", err)
	}

	result := &Result{}
	now := r.now()

	for _, vault := range vaults {
		row := &ReportRow{VaultID: vault.ID, Address: vault.Address, Currency: vault.Currency, LedgerTotal: vault.Total, CheckedAt: now}

		var onChain float64
		var err error
		if vault.Currency == models.CurrencySOL {
			onChain, err = r.chainCli.GetNativeBalance(ctx, vault.Address)
		} else {
			onChain, err = r.chainCli.GetTokenBalance(ctx, vault.Address, r.tokenMintFor(vault.Currency))
		}
		if err != nil {
			return nil, fmt.Errorf("recon: read on-chain balance for %s: %w", vault.Address, err)
		}
		row.OnChainTotal = onChain
		delta := math.Abs(onChain - vault.Total)
		if delta > MismatchTolerance {
			row.Mismatch = true
			row.MismatchDelta = delta
			result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyBalanceMismatch,
				VaultID: &vault.ID,
				Address: vault.Address,
				Details: fmt.Sprintf("ledger=%.8f onchain=%.8f delta=%.8f", vault.Total, onChain, delta),
			}))
		}

		added, err := r.ingestDeposits(ctx, &vault, now)
		if err != nil {
			return nil, err
		}
		row.DepositsFound = added
		result.DepositsAdded += added
		result.Rows = append(result.Rows, row)
	}

	if err := r.syncStaleUserBalances(ctx, now); err != nil {
		return nil, err
	}

	if !r.dryRun && len(result.Rows) > 0 {
		runDir := filepath.Join(r.outputDir, now.Format("20060102T150405"))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		csvPath := filepath.Join(runDir, "reconciliation.csv")
		if err := writeCSV(csvPath, result.Rows); err != nil {
			return nil, err
		}
		parquetPath := filepath.Join(runDir, "reconciliation.parquet")
		if err := writeParquet(parquetPath, result.Rows); err != nil {
			return nil, err
		}
		result.CSVPath = csvPath
		result.ParquetPath = parquetPath
	}

	return result, nil
}

// ingestDeposits lists inbound transfers since the vault's last known
// deposit and records any not already persisted, classifying each as an
// airdrop (amount at most AirdropAmountCeiling and sent by a known faucet or
// the system program) or otherwise a genuine external deposit (spec §4.8).
func (r *Reconciler) ingestDeposits(ctx context.Context, vault *models.Vault, now time.Time) (int, error) {
	var latest models.Deposit
	since := time.Time{}
	err := r.db.WithContext(ctx).Where("vault_id = ?", vault.ID).Order("created_at DESC").First(&latest).Error
	if err == nil {
		since = latest.CreatedAt
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	transfers, err := r.chainCli.ListInboundTransfers(ctx, vault.Address, since, 500)
	if err != nil {
		return 0, fmt.Errorf("recon: list inbound transfers for %s: %w", vault.Address, err)
	}

	added := 0
	for _, transfer := range transfers {
		classification := models.DepositExternal
		if transfer.Amount <= AirdropAmountCeiling &&
			(r.knownFaucets[transfer.Sender] || transfer.Sender == chain.SystemProgramAddress) {
			classification = models.DepositAirdrop
		}

		var created bool
		err := models.UnitOfWork(ctx, r.db, func(tx *gorm.DB) error {
			var existing models.Deposit
			lookupErr := tx.Where("vault_id = ? AND tx_hash = ?", vault.ID, transfer.TxHash).First(&existing).Error
			if lookupErr == nil {
				return nil
			}
			if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return lookupErr
			}

			deposit := models.Deposit{
				ID:             uuid.New(),
				VaultID:        vault.ID,
				TxHash:         transfer.TxHash,
				Sender:         transfer.Sender,
				Amount:         transfer.Amount,
				Currency:       vault.Currency,
				Classification: classification,
				Status:         "POSTED",
				CreatedAt:      now,
			}
			if err := tx.Create(&deposit).Error; err != nil {
				return err
			}
			if classification == models.DepositExternal {
				if err := models.IncrementVaultTotal(tx, vault.ID, transfer.Amount); err != nil {
					return err
				}
			}
			if err := models.AppendEvent(tx, vault.ID, "system", "deposit.ingested", fmt.Sprintf("tx=%s amount=%.8f classification=%s", transfer.TxHash, transfer.Amount, classification)); err != nil {
				return err
			}
			created = true
			return nil
		})
		if err != nil {
			return added, err
		}
		if created {
			added++
		}
	}
	return added, nil
}

// syncStaleUserBalances refreshes User.Balance from the chain for users
// whose BalanceLastSyncedAt is older than StaleAfter, per spec §4.8's
// staleness sweep.
func (r *Reconciler) syncStaleUserBalances(ctx context.Context, now time.Time) error {
	if r.staleAfter <= 0 {
		return nil
	}
	cutoff := now.Add(-r.staleAfter)
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("wallet_address IS NOT NULL AND (balance_last_synced_at IS NULL OR balance_last_synced_at < ?)", cutoff).
		Find(&users).Error
	if err != nil {
		return fmt.Errorf("recon: load stale users: %w", err)
	}
	for _, user := range users {
		if user.WalletAddress == nil {
			continue
		}
		balance, err := r.chainCli.GetTokenBalance(ctx, *user.WalletAddress, r.tokenMintFor(models.CurrencyUSDC))
		if err != nil {
			return fmt.Errorf("recon: sync balance for %s: %w", *user.WalletAddress, err)
		}
		if err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).
			Updates(map[string]interface{}{"balance": balance, "balance_last_synced_at": now}).Error; err != nil {
			return err
		}
	}
	return nil
}

// SyncUserBalance refreshes a single user's on-chain USDC balance on demand
// (spec §6 SyncUserBalance). When force is false and the user's last sync is
// still within StaleAfter, the current ledger balance is returned unchanged
// rather than issuing a chain read.
func (r *Reconciler) SyncUserBalance(ctx context.Context, userID uuid.UUID, force bool) (float64, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, models.ErrNotFound
		}
		return 0, err
	}
	if user.WalletAddress == nil {
		return 0, fmt.Errorf("recon: user %s has no wallet address", userID)
	}
	if !force && user.BalanceLastSyncedAt != nil && r.now().Sub(*user.BalanceLastSyncedAt) < r.staleAfter {
		return user.Balance, nil
	}

	balance, err := r.chainCli.GetTokenBalance(ctx, *user.WalletAddress, r.tokenMintFor(models.CurrencyUSDC))
	if err != nil {
		return 0, fmt.Errorf("recon: sync balance for %s: %w", *user.WalletAddress, err)
	}
	now := r.now()
	if err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).
		Updates(map[string]interface{}{"balance": balance, "balance_last_synced_at": now}).Error; err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	observability.CustodyMetrics().RecordAnomaly(anomaly.Type)
	if r.alert != nil {
		_ = r.alert(ctx, anomaly)
	}
	return anomaly
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"vault_id", "address", "currency", "ledger_total", "onchain_total", "mismatch", "mismatch_delta", "deposits_found", "checked_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.VaultID.String(),
			row.Address,
			row.Currency,
			fmt.Sprintf("%.8f", row.LedgerTotal),
			fmt.Sprintf("%.8f", row.OnChainTotal),
			boolString(row.Mismatch),
			fmt.Sprintf("%.8f", row.MismatchDelta),
			fmt.Sprintf("%d", row.DepositsFound),
			row.CheckedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

type parquetRow struct {
	VaultID       string  `parquet:"name=vault_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Address       string  `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency      string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerTotal   float64 `parquet:"name=ledger_total, type=DOUBLE"`
	OnChainTotal  float64 `parquet:"name=onchain_total, type=DOUBLE"`
	Mismatch      bool    `parquet:"name=mismatch, type=BOOLEAN"`
	MismatchDelta float64 `parquet:"name=mismatch_delta, type=DOUBLE"`
	DepositsFound int32   `parquet:"name=deposits_found, type=INT32"`
	CheckedAt     string  `parquet:"name=checked_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			VaultID:       row.VaultID.String(),
			Address:       row.Address,
			Currency:      row.Currency,
			LedgerTotal:   row.LedgerTotal,
			OnChainTotal:  row.OnChainTotal,
			Mismatch:      row.Mismatch,
			MismatchDelta: row.MismatchDelta,
			DepositsFound: int32(row.DepositsFound),
			CheckedAt:     row.CheckedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	return file.Close()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
