// Package config enumerates and parses every environment variable this
// backend recognizes (spec §6), following the teacher's
// services/otc-gateway/config.FromEnv fail-fast-on-required pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the fully parsed runtime configuration.
type Config struct {
	RPCURL         string
	SolanaNetwork  string
	StablecoinMint string

	MultisigMemberKeys       []string // base58-encoded secret keys, 2 or 3 entries
	MultisigDefaultThreshold int      // 0 means "= N"
	MultisigDefaultTimeLock  time.Duration
	MultisigMinMembers       int
	MultisigMaxMembers       int

	InactivityThreshold time.Duration
	RemovalThreshold    time.Duration
	CheckInterval       time.Duration

	BalanceSyncStale time.Duration

	AutoStartMonitoring bool

	FeeWalletAddress   string
	TreasuryPrivateKey string
	ServiceTokenSecret string

	AllowedOrigins []string
	KnownFaucets   []string

	Environment string
	ServiceName string

	OTELEndpoint string
	OTELInsecure bool
}

// FromEnv parses the process environment into a Config, applying the
// defaults spec §6 documents and failing fast on missing required values.
func FromEnv() (*Config, error) {
	cfg := &Config{
		RPCURL:         getEnvDefault("RPC_URL", "https://api.mainnet-beta.solana.com"),
		SolanaNetwork:  getEnvDefault("SOLANA_NETWORK", "mainnet-beta"),
		StablecoinMint: os.Getenv("STABLECOIN_MINT"),

		MultisigMinMembers: 2,
		MultisigMaxMembers: 3,

		InactivityThreshold: 24 * time.Hour,
		RemovalThreshold:    48 * time.Hour,
		CheckInterval:       60 * time.Minute,

		BalanceSyncStale: 300 * time.Second,

		Environment: getEnvDefault("ENVIRONMENT", "development"),
		ServiceName: getEnvDefault("SERVICE_NAME", "custody-gateway"),

		OTELEndpoint: getEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}

	if cfg.StablecoinMint == "" {
		return nil, fmt.Errorf("config: STABLECOIN_MINT is required")
	}

	for i := 1; i <= 3; i++ {
		key := os.Getenv(fmt.Sprintf("MULTISIG_MEMBER_%d_PRIVATE_KEY", i))
		if key != "" {
			cfg.MultisigMemberKeys = append(cfg.MultisigMemberKeys, key)
		}
	}
	if n := len(cfg.MultisigMemberKeys); n != 2 && n != 3 {
		return nil, fmt.Errorf("config: expected 2 or 3 MULTISIG_MEMBER_N_PRIVATE_KEY values, got %d", n)
	}

	threshold, err := parseIntEnv("MULTISIG_DEFAULT_THRESHOLD", 0)
	if err != nil {
		return nil, err
	}
	cfg.MultisigDefaultThreshold = threshold

	timeLockSeconds, err := parseIntEnv("MULTISIG_DEFAULT_TIME_LOCK", 5)
	if err != nil {
		return nil, err
	}
	cfg.MultisigDefaultTimeLock = time.Duration(timeLockSeconds) * time.Second

	if v, err := parseIntEnv("MULTISIG_MIN_MEMBERS", cfg.MultisigMinMembers); err == nil {
		cfg.MultisigMinMembers = v
	} else {
		return nil, err
	}
	if v, err := parseIntEnv("MULTISIG_MAX_MEMBERS", cfg.MultisigMaxMembers); err == nil {
		cfg.MultisigMaxMembers = v
	} else {
		return nil, err
	}
	if cfg.MultisigMinMembers < 2 || cfg.MultisigMaxMembers > 3 || cfg.MultisigMinMembers > cfg.MultisigMaxMembers {
		return nil, fmt.Errorf("config: MULTISIG_MIN_MEMBERS/MULTISIG_MAX_MEMBERS must satisfy 2 <= min <= max <= 3")
	}

	if v, err := parseIntEnv("INACTIVITY_THRESHOLD_HOURS", 24); err == nil {
		cfg.InactivityThreshold = time.Duration(v) * time.Hour
	} else {
		return nil, err
	}
	if v, err := parseIntEnv("REMOVAL_THRESHOLD_HOURS", 48); err == nil {
		cfg.RemovalThreshold = time.Duration(v) * time.Hour
	} else {
		return nil, err
	}
	if v, err := parseIntEnv("CHECK_INTERVAL_MINUTES", 60); err == nil {
		cfg.CheckInterval = time.Duration(v) * time.Minute
	} else {
		return nil, err
	}
	if v, err := parseIntEnv("BALANCE_SYNC_STALE_SECONDS", 300); err == nil {
		cfg.BalanceSyncStale = time.Duration(v) * time.Second
	} else {
		return nil, err
	}

	autoStart, err := parseBoolEnv("AUTO_START_BLOCKCHAIN_MONITORING", false)
	if err != nil {
		return nil, err
	}
	cfg.AutoStartMonitoring = autoStart

	cfg.FeeWalletAddress = os.Getenv("FEE_WALLET_ADDRESS")
	cfg.TreasuryPrivateKey = os.Getenv("TREASURY_PRIVATE_KEY")
	if cfg.FeeWalletAddress == "" || cfg.TreasuryPrivateKey == "" {
		return nil, fmt.Errorf("config: FEE_WALLET_ADDRESS and TREASURY_PRIVATE_KEY are required")
	}

	cfg.ServiceTokenSecret = os.Getenv("SERVICE_TOKEN_SECRET")

	cfg.AllowedOrigins = parseCSVEnv("ALLOWED_ORIGINS")
	cfg.KnownFaucets = parseCSVEnv("KNOWN_FAUCET_ADDRESSES")

	insecure, err := parseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", true)
	if err != nil {
		return nil, err
	}
	cfg.OTELInsecure = insecure

	if overlayPath := strings.TrimSpace(os.Getenv("CUSTODYD_CONFIG_FILE")); overlayPath != "" {
		if err := applyTOMLOverlay(cfg, overlayPath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// overlay captures the subset of Config an operator may want to pin in a
// checked-in file rather than environment variables (e.g. the set of known
// faucet addresses, which tends to be long-lived and reviewed like code).
// Any field left zero-valued in the file does not override FromEnv's value.
type overlay struct {
	AllowedOrigins []string `toml:"AllowedOrigins"`
	KnownFaucets   []string `toml:"KnownFaucets"`
}

// applyTOMLOverlay merges an optional TOML file into cfg (spec SPEC_FULL.md
// §2 "config file layering"), following the teacher's config.Load
// (config/config.go) use of BurntSushi/toml for its node config file.
func applyTOMLOverlay(cfg *Config, path string) error {
	var ov overlay
	if _, err := toml.DecodeFile(path, &ov); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	if len(ov.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = ov.AllowedOrigins
	}
	if len(ov.KnownFaucets) > 0 {
		cfg.KnownFaucets = ov.KnownFaucets
	}
	return nil
}

func getEnvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return v, nil
}

func parseBoolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return v, nil
}

func parseCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
