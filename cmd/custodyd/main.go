// Command custodyd wires every C1-C9 component (spec §2) into a running
// HTTP service: config, persistence, chain client, treasury signer, the
// proposal/transfer/activity/reconciler domain services, the background
// scheduler, and the thin API surface. It is grounded on the teacher's
// cmd/gateway/main.go (signal-driven graceful shutdown, otel init, TLS
// config) generalized from a reverse-proxy gateway to this backend's own
// domain wiring.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nhb-custody/custody-gateway/activity"
	"github.com/nhb-custody/custody-gateway/api"
	"github.com/nhb-custody/custody-gateway/chain"
	"github.com/nhb-custody/custody-gateway/config"
	"github.com/nhb-custody/custody-gateway/models"
	"github.com/nhb-custody/custody-gateway/observability/logging"
	telemetry "github.com/nhb-custody/custody-gateway/observability/otel"
	"github.com/nhb-custody/custody-gateway/proposal"
	"github.com/nhb-custody/custody-gateway/recon"
	"github.com/nhb-custody/custody-gateway/registry"
	"github.com/nhb-custody/custody-gateway/scheduler"
	"github.com/nhb-custody/custody-gateway/transfer"
	"github.com/nhb-custody/custody-gateway/treasury"
	"github.com/nhb-custody/custody-gateway/users"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "custodyd: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("starting custodyd", "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	db, err := openDatabase(logger)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("automigrate", "error", err)
		os.Exit(1)
	}

	chainClient, err := chain.NewSolanaClient(chain.SolanaClientConfig{
		Endpoint:          cfg.RPCURL,
		RequestsPerMinute: 600,
	})
	if err != nil {
		logger.Error("configure chain client", "error", err)
		os.Exit(1)
	}

	treasurySigner, err := treasury.NewInProcessSigner(cfg.TreasuryPrivateKey)
	if err != nil {
		logger.Error("configure treasury signer", "error", err)
		os.Exit(1)
	}

	treasuryVault, err := ensureTreasuryVault(ctx, db, cfg.FeeWalletAddress)
	if err != nil {
		logger.Error("ensure treasury vault", "error", err)
		os.Exit(1)
	}

	memberSeeds := make([]registry.MemberSeed, 0, len(cfg.MultisigMemberKeys))
	for _, secret := range cfg.MultisigMemberKeys {
		memberKey, err := solana.PrivateKeyFromBase58(secret)
		if err != nil {
			logger.Error("parse multisig member key", "error", err)
			os.Exit(1)
		}
		memberSeeds = append(memberSeeds, registry.MemberSeed{
			PublicKey: memberKey.PublicKey().String(),
			Permissions: []models.MemberPermission{
				models.PermissionPropose, models.PermissionVote, models.PermissionExecute,
			},
		})
	}
	reg := registry.New(db, registry.Config{
		Members:          memberSeeds,
		DefaultThreshold: cfg.MultisigDefaultThreshold,
		DefaultTimeLock:  cfg.MultisigDefaultTimeLock,
		MinMembers:       cfg.MultisigMinMembers,
		MaxMembers:       cfg.MultisigMaxMembers,
	})

	activityTracker := activity.New(db, activity.Config{
		InactivityThreshold: cfg.InactivityThreshold,
		RemovalThreshold:    cfg.RemovalThreshold,
	})

	proposals := proposal.New(db, nil)
	proposals.OnMemberActivity = activityTracker.Touch

	orchestrator := transfer.New(db, chainClient, proposals, 0, nil).WithTreasurySigner(treasurySigner)

	knownFaucets := make(map[string]bool, len(cfg.KnownFaucets))
	for _, addr := range cfg.KnownFaucets {
		knownFaucets[addr] = true
	}
	reconciler, err := recon.NewReconciler(recon.Config{
		DB:             db,
		Chain:          chainClient,
		KnownFaucets:   knownFaucets,
		StaleAfter:     cfg.BalanceSyncStale,
		StablecoinMint: cfg.StablecoinMint,
		Alert: func(ctx context.Context, anomaly recon.Anomaly) error {
			logger.Warn("reconciliation anomaly", "type", anomaly.Type, "address", anomaly.Address, "details", anomaly.Details)
			return nil
		},
	})
	if err != nil {
		logger.Error("configure reconciler", "error", err)
		os.Exit(1)
	}

	userService := users.New(db, nil)

	sched := scheduler.New(slog.Default(), 0.10,
		scheduler.Job{
			Name:     "activity-sweep",
			Interval: cfg.CheckInterval,
			Run: func(ctx context.Context) error {
				result, err := activityTracker.Sweep(ctx)
				if err != nil {
					return err
				}
				logger.Info("activity sweep complete",
					"marked_inactive", len(result.MarkedInactive),
					"removed", len(result.Removed),
					"skipped_quorum", len(result.SkippedQuorum))
				return nil
			},
		},
		scheduler.Job{
			Name:     "balance-reconciler",
			Interval: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				result, err := reconciler.Sweep(ctx)
				if err != nil {
					return err
				}
				logger.Info("reconciliation sweep complete",
					"vaults", len(result.Rows), "deposits_added", result.DepositsAdded, "anomalies", len(result.Anomalies))
				return nil
			},
		},
	)
	if cfg.AutoStartMonitoring {
		sched.Start(ctx)
	}

	server := api.New(api.Config{
		DB:                 db,
		Users:              userService,
		Registry:           reg,
		Proposals:          proposals,
		Transfers:          orchestrator,
		Activity:           activityTracker,
		Reconciler:         reconciler,
		Scheduler:          sched,
		TreasuryVaultID:    treasuryVault.ID,
		TreasuryAddress:    treasuryVault.Address,
		ServiceTokenSecret: []byte(cfg.ServiceTokenSecret),
	})

	httpServer := &http.Server{
		Addr:         envOrDefault("CUSTODYD_LISTEN_ADDRESS", ":8080"),
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen and serve", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// setupLogging fans structured JSON logging out to stdout and a rotated
// on-disk file (spec SPEC_FULL.md §2 ambient stack), reusing the shared
// logging.SetupWriter field conventions and layering in the lumberjack
// dependency that otc-gateway carried but never wired.
func setupLogging(cfg *config.Config) *slog.Logger {
	rotor := &lumberjack.Logger{
		Filename:   envOrDefault("CUSTODYD_LOG_FILE", "custody-data-local/custodyd.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     28,
		Compress:   true,
	}
	return logging.SetupWriter(cfg.ServiceName, cfg.Environment, io.MultiWriter(os.Stdout, rotor))
}

// openDatabase connects to the configured Postgres instance. DATABASE_URL
// is the one piece of persistence configuration spec §6 leaves implicit
// ("do not prescribe a specific persistence engine beyond transactional
// semantics" - spec §1); Postgres is the teacher's choice
// (gorm.io/driver/postgres), carried forward here.
func openDatabase(logger *slog.Logger) (*gorm.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return nil, fmt.Errorf("custodyd: DATABASE_URL is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("custodyd: connect database: %w", err)
	}
	return db, nil
}

// ensureTreasuryVault loads or creates the single USDC treasury Vault row
// fees route into (spec §4.3: "Routes fees to a single treasury Vault
// resolved by currency").
func ensureTreasuryVault(ctx context.Context, db *gorm.DB, address string) (*models.Vault, error) {
	var vault models.Vault
	err := db.WithContext(ctx).First(&vault, "address = ?", address).Error
	if err == nil {
		return &vault, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	now := time.Now()
	vault = models.Vault{
		ID:         uuid.New(),
		Address:    address,
		Currency:   models.CurrencyUSDC,
		IsTreasury: true,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.WithContext(ctx).Create(&vault).Error; err != nil {
		return nil, fmt.Errorf("custodyd: create treasury vault: %w", err)
	}
	return &vault, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
