package idempotency

import (
	"context"
	"time"

	"orderflow/internal/ledger"
	"orderflow/internal/observability"

	"github.com/go-logr/logr"
)

// DefaultSweepInterval is how often the sweeper purges expired records.
const DefaultSweepInterval = 10 * time.Minute

// Sweeper deletes expired ledger records on a fixed interval.
// A purged key is treated as brand new the next time it is submitted.
type Sweeper struct {
	store    ledger.Store
	interval time.Duration
	now      func() time.Time
	log      logr.Logger
	metrics  *observability.Metrics
}

// NewSweeper constructs a sweeper. A non-positive interval uses DefaultSweepInterval.
func NewSweeper(store ledger.Store, interval time.Duration, log logr.Logger, metrics *observability.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
		log:      log.WithName("sweeper"),
		metrics:  metrics,
	}
}

// SweepOnce purges every record that expired before now.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	purged, err := s.store.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.log.V(1).Info("purged expired idempotency records", "count", purged)
		s.metrics.Add("idempotency.purged", purged)
	}
	return purged, nil
}

// Run sweeps until ctx is done. Sweep errors are logged and the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error(err, "purge expired idempotency records")
			}
		}
	}
}
