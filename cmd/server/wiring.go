package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"orderflow/cmd/server/config"
	ledgerdb "orderflow/internal/db/ledger"
	"orderflow/internal/idempotency"
	"orderflow/internal/ledger"
	"orderflow/internal/observability"
	"orderflow/internal/payments"
	"orderflow/internal/reliability"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildLedger selects the idempotency ledger backend.
func buildLedger(ctx context.Context, cfg config.LedgerConfig, db *sql.DB, client *redis.Client) (ledger.Store, error) {
	opts := ledger.Options{Retention: cfg.Retention, PendingLease: cfg.PendingLease}
	switch cfg.Backend {
	case config.LedgerPostgres:
		if db == nil {
			return nil, errors.New("postgres ledger requires DATABASE_URL")
		}
		return ledgerdb.NewPostgresStoreWithSchema(ctx, db, opts)
	case config.LedgerRedis:
		if client == nil {
			return nil, errors.New("redis ledger requires REDIS_URL")
		}
		return ledger.NewRedisStore(client, "", opts), nil
	case config.LedgerMemory, "":
		return ledger.NewMemoryStore(opts), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func buildCoordinator(store ledger.Store, cfg config.CoordinatorConfig, log logr.Logger, metrics *observability.Metrics) *idempotency.Coordinator {
	return idempotency.NewCoordinator(store, idempotency.Options{
		InFlightWait: cfg.InFlightWait,
		Finalize: reliability.RetryPolicy{
			MaxAttempts: cfg.FinalizeAttempts,
			BaseDelay:   cfg.FinalizeBaseDelay,
			MaxDelay:    cfg.FinalizeMaxDelay,
		},
		Logger:  log.WithName("idempotency"),
		Metrics: metrics,
	})
}

// gateConfig turns gateway settings into gate settings that report phase changes to metrics.
func gateConfig(cfg config.GatewayConfig, log logr.Logger, metrics *observability.Metrics) reliability.GateConfig {
	return reliability.GateConfig{
		Timeout:                  cfg.Timeout,
		ErrorThresholdPercentage: float64(cfg.ErrorThresholdPercentage),
		RollingWindow:            cfg.Window,
		WindowBuckets:            cfg.WindowBuckets,
		VolumeThreshold:          cfg.VolumeThreshold,
		ResetTimeout:             cfg.ResetTimeout,
		Logger:                   log.WithName("gate"),
		OnPhaseChange: func(name string, _, to reliability.Phase) {
			metrics.SetGatePhase(name, to.String())
			metrics.Incr("gate." + name + "." + to.String())
		},
		OnShortCircuit: func(name string) {
			metrics.Incr("gate." + name + ".short_circuit")
		},
	}
}

// buildGateway picks the HTTP gateway when a URL is configured and the simulated one otherwise,
// then puts both call types behind gates.
func buildGateway(cfg config.GatewayConfig, log logr.Logger, metrics *observability.Metrics) payments.Gateway {
	var base payments.Gateway
	if cfg.URL != "" {
		var opts []payments.HTTPGatewayOption
		if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst > 0 {
			limiter := reliability.NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
			opts = append(opts, payments.WithRateLimiter(limiter))
		}
		base = payments.NewHTTPGateway(cfg.URL, opts...)
		log.Info("using HTTP payment gateway", "url", cfg.URL)
	} else {
		base = payments.NewInMemoryGateway()
		log.Info("using simulated payment gateway")
	}

	protected := payments.NewProtectedGateway(base, gateConfig(cfg, log, metrics))
	metrics.SetGatePhase(payments.ChargeGateName, reliability.PhaseClosed.String())
	metrics.SetGatePhase(payments.RefundGateName, reliability.PhaseClosed.String())
	return protected
}
