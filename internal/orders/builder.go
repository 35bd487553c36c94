package orders

import (
	"context"
	"database/sql"
	"time"

	ordersdb "orderflow/internal/db/orders"
	"orderflow/internal/idempotency"
	"orderflow/internal/observability"
	"orderflow/internal/orders/saga"
	"orderflow/internal/payments"

	"github.com/go-logr/logr"
)

// BuildConfig describes how to assemble the order saga.
type BuildConfig struct {
	// DB selects Postgres-backed collaborators; nil keeps everything in memory.
	DB          *sql.DB
	Countries   []string
	Stock       map[string]int
	Coordinator *idempotency.Coordinator
	Payments    payments.Gateway
	Notifier    Notifier
	Logger      logr.Logger
	Metrics     *observability.Metrics
}

// BuildOrchestrator wires an Orchestrator from cfg.
// If Postgres initialization fails, it falls back to in-memory collaborators.
func BuildOrchestrator(ctx context.Context, cfg BuildConfig) *Orchestrator {
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	deps := Deps{
		Coordinator: cfg.Coordinator,
		Addresses:   NewCountryValidator(cfg.Countries...),
		Inventory:   NewInMemoryInventory(cfg.Stock),
		Payments:    cfg.Payments,
		Orders:      NewInMemoryOrderRepository(),
		Notifier:    cfg.Notifier,
		Logger:      log,
		Metrics:     cfg.Metrics,
	}

	if cfg.DB != nil {
		setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		inventory, orderStore, journal, err := buildPostgres(setupCtx, cfg.DB, cfg.Stock)
		if err != nil {
			log.Error(err, "postgres init failed, falling back to in-memory order collaborators")
		} else {
			log.Info("postgres order persistence enabled")
			deps.Inventory = inventory
			deps.Orders = orderStore
			deps.Journal = journal
		}
	}

	return NewOrchestrator(deps)
}

func buildPostgres(ctx context.Context, db *sql.DB, stock map[string]int) (*ordersdb.InventoryStore, *ordersdb.OrderStore, saga.Journal, error) {
	inventory, err := ordersdb.NewInventoryStoreWithSchema(ctx, db)
	if err != nil {
		return nil, nil, nil, err
	}
	for sku, qty := range stock {
		if err := inventory.SeedStock(ctx, sku, qty); err != nil {
			return nil, nil, nil, err
		}
	}
	orderStore, err := ordersdb.NewOrderStoreWithSchema(ctx, db)
	if err != nil {
		return nil, nil, nil, err
	}
	journal, err := ordersdb.NewSagaJournalWithSchema(ctx, db)
	if err != nil {
		return nil, nil, nil, err
	}
	return inventory, orderStore, journal, nil
}
