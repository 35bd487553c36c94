package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

// AppConfig holds process-wide settings.
type AppConfig struct {
	Env          string
	LogVerbosity int
	DatabaseURL  string
}

// LedgerConfig selects and tunes the idempotency ledger.
type LedgerConfig struct {
	Backend       string
	Retention     time.Duration
	PendingLease  time.Duration
	SweepInterval time.Duration
}

// CoordinatorConfig tunes the idempotent operation coordinator.
type CoordinatorConfig struct {
	InFlightWait      time.Duration
	FinalizeAttempts  int
	FinalizeBaseDelay time.Duration
	FinalizeMaxDelay  time.Duration
}

// GatewayConfig configures the payment gateway and the gates protecting it.
type GatewayConfig struct {
	// URL is the gateway base URL; empty selects the simulated gateway.
	URL                      string
	Timeout                  time.Duration
	ErrorThresholdPercentage int
	Window                   time.Duration
	WindowBuckets            int
	VolumeThreshold          int
	ResetTimeout             time.Duration
	RateLimitInterval        time.Duration
	RateLimitBurst           int
}

// OrdersConfig configures the order saga collaborators.
type OrdersConfig struct {
	Countries []string
	// Stock seeds inventory levels per SKU.
	Stock map[string]int
}

// LoadDotEnv primes the environment from the given files. Missing files are skipped
// and variables already set are left alone.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// LoadApp reads process-wide settings.
func LoadApp() (AppConfig, error) {
	verbosity, err := intOr("LOG_VERBOSITY", 0)
	if err != nil {
		return AppConfig{}, err
	}
	return AppConfig{
		Env:          stringOr("APP_ENV", "development"),
		LogVerbosity: verbosity,
		DatabaseURL:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}, nil
}

// LoadLedger reads the ledger backend and retention settings.
func LoadLedger() (LedgerConfig, error) {
	cfg := LedgerConfig{Backend: strings.ToLower(stringOr("LEDGER_BACKEND", LedgerMemory))}
	switch cfg.Backend {
	case LedgerMemory:
	case LedgerPostgres:
		if _, err := requiredString("DATABASE_URL"); err != nil {
			return cfg, fmt.Errorf("LEDGER_BACKEND=postgres: %w", err)
		}
	case LedgerRedis:
		if _, err := requiredString("REDIS_URL"); err != nil {
			return cfg, fmt.Errorf("LEDGER_BACKEND=redis: %w", err)
		}
	default:
		return cfg, fmt.Errorf("LEDGER_BACKEND: unknown backend %q", cfg.Backend)
	}

	var err error
	if cfg.Retention, err = durationOr("LEDGER_RETENTION", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.Retention == 0 {
		return cfg, errors.New("LEDGER_RETENTION must be > 0")
	}
	if cfg.PendingLease, err = durationOr("LEDGER_PENDING_LEASE", 0); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = durationOr("LEDGER_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadCoordinator reads coordinator settings.
func LoadCoordinator() (CoordinatorConfig, error) {
	var (
		cfg CoordinatorConfig
		err error
	)
	if cfg.InFlightWait, err = durationOr("IDEMPOTENCY_INFLIGHT_WAIT", 250*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.FinalizeAttempts, err = intOr("IDEMPOTENCY_FINALIZE_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.FinalizeBaseDelay, err = durationOr("IDEMPOTENCY_FINALIZE_BASE_DELAY", 20*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.FinalizeMaxDelay, err = durationOr("IDEMPOTENCY_FINALIZE_MAX_DELAY", 200*time.Millisecond); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadGateway reads payment gateway and gate settings.
func LoadGateway() (GatewayConfig, error) {
	cfg := GatewayConfig{URL: strings.TrimSpace(os.Getenv("PAYMENT_GATEWAY_URL"))}
	var err error
	if cfg.Timeout, err = durationOr("GATEWAY_TIMEOUT", 3*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ErrorThresholdPercentage, err = intOr("GATEWAY_ERROR_THRESHOLD_PCT", 50); err != nil {
		return cfg, err
	}
	if cfg.ErrorThresholdPercentage > 100 {
		return cfg, errors.New("GATEWAY_ERROR_THRESHOLD_PCT must be <= 100")
	}
	if cfg.Window, err = durationOr("GATEWAY_WINDOW", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.WindowBuckets, err = intOr("GATEWAY_WINDOW_BUCKETS", 10); err != nil {
		return cfg, err
	}
	if cfg.VolumeThreshold, err = intOr("GATEWAY_VOLUME_THRESHOLD", 5); err != nil {
		return cfg, err
	}
	if cfg.ResetTimeout, err = durationOr("GATEWAY_RESET_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = durationOr("GATEWAY_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("GATEWAY_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadOrders reads the serviceable countries and the inventory seed ("sku=qty,sku=qty").
func LoadOrders() (OrdersConfig, error) {
	cfg := OrdersConfig{Stock: make(map[string]int)}
	for _, country := range strings.Split(stringOr("ORDER_COUNTRIES", "NL,BE,DE,FR"), ",") {
		if country = strings.TrimSpace(country); country != "" {
			cfg.Countries = append(cfg.Countries, country)
		}
	}

	seed := strings.TrimSpace(os.Getenv("INVENTORY_SEED"))
	if seed == "" {
		return cfg, nil
	}
	for _, pair := range strings.Split(seed, ",") {
		sku, qty, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(sku) == "" {
			return cfg, fmt.Errorf("INVENTORY_SEED: malformed entry %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("INVENTORY_SEED: invalid quantity for %s", sku)
		}
		cfg.Stock[strings.TrimSpace(sku)] = n
	}
	return cfg, nil
}
