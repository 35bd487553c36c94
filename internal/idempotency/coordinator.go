package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/ledger"
	"orderflow/internal/observability"
	"orderflow/internal/reliability"

	"github.com/go-logr/logr"
)

// DefaultInFlightWait is how long a duplicate waits before its single re-check.
const DefaultInFlightWait = 250 * time.Millisecond

// ErrInFlight means another execution holds the key; the caller should retry shortly.
var ErrInFlight = errors.New("idempotency: operation already in flight, retry shortly")

// Request names one logical operation. An empty Key is derived from Endpoint and Payload.
type Request struct {
	Key      string
	Service  string
	Endpoint string
	Payload  any
}

// Result is what the coordinator hands back for an operation key.
type Result struct {
	Key    string
	Status ledger.Status
	Data   json.RawMessage
	// Replayed is set when Data came from the ledger and the business logic did not run.
	Replayed bool
}

// Func is the business logic guarded by the coordinator. Its output is cached verbatim.
type Func func(ctx context.Context) (json.RawMessage, error)

// Options tunes a Coordinator.
type Options struct {
	InFlightWait time.Duration
	// Finalize retries complete/fail writes that hit transient store errors.
	Finalize reliability.RetryPolicy
	Sleep    func(context.Context, time.Duration) error
	Logger   logr.Logger
	Metrics  *observability.Metrics
}

// Coordinator runs check-then-execute-then-record around business logic.
type Coordinator struct {
	store    ledger.Store
	wait     time.Duration
	finalize reliability.RetryPolicy
	sleep    func(context.Context, time.Duration) error
	log      logr.Logger
	metrics  *observability.Metrics
}

// NewCoordinator constructs a coordinator over the given ledger store.
func NewCoordinator(store ledger.Store, opts Options) *Coordinator {
	wait := opts.InFlightWait
	if wait <= 0 {
		wait = DefaultInFlightWait
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = reliability.SleepContext
	}
	finalize := opts.Finalize
	if finalize.MaxAttempts == 0 {
		finalize.MaxAttempts = 3
		finalize.BaseDelay = 20 * time.Millisecond
		finalize.MaxDelay = 200 * time.Millisecond
	}
	if finalize.ShouldRetry == nil {
		finalize.ShouldRetry = func(err error) bool {
			return !errors.Is(err, ledger.ErrRecordNotFound) && reliability.Retryable(err)
		}
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Coordinator{
		store:    store,
		wait:     wait,
		finalize: finalize,
		sleep:    sleep,
		log:      log,
		metrics:  opts.Metrics,
	}
}

// Execute runs fn at most once per (key, service, endpoint) within the ledger retention window.
// A completed key replays its cached result; a failed key runs fn again.
func (c *Coordinator) Execute(ctx context.Context, req Request, fn Func) (Result, error) {
	if req.Service == "" || req.Endpoint == "" {
		return Result{}, ledger.ErrInvalidScope
	}

	key := req.Key
	if key == "" {
		derived, err := DeriveKey(req.Endpoint, req.Payload)
		if err != nil {
			return Result{}, err
		}
		key = derived
	}
	scope := ledger.Scope{Key: key, Service: req.Service, Endpoint: req.Endpoint}
	fingerprint := Fingerprint(req.Payload)
	log := c.log.WithValues("service", req.Service, "endpoint", req.Endpoint, "key", key)

	out, err := c.store.CheckOrCreate(ctx, scope, fingerprint)
	if err != nil {
		return Result{Key: key}, fmt.Errorf("idempotency: check %s/%s: %w", req.Service, req.Endpoint, err)
	}

	if out.Decision == ledger.DecisionInFlight {
		log.V(1).Info("operation in flight, waiting for re-check", "wait", c.wait)
		if err := c.sleep(ctx, c.wait); err != nil {
			return Result{Key: key, Status: ledger.StatusPending}, err
		}
		out, err = c.store.CheckOrCreate(ctx, scope, fingerprint)
		if err != nil {
			return Result{Key: key}, fmt.Errorf("idempotency: re-check %s/%s: %w", req.Service, req.Endpoint, err)
		}
		if out.Decision == ledger.DecisionInFlight {
			c.metrics.Incr("idempotency.in_flight")
			return Result{Key: key, Status: ledger.StatusPending}, ErrInFlight
		}
	}

	if out.Fingerprint != "" && fingerprint != "" && out.Fingerprint != fingerprint {
		log.Info("operation key reused with a different payload", "stored", out.Fingerprint, "received", fingerprint)
		c.metrics.Incr("idempotency.fingerprint_mismatch")
	}

	if out.Decision == ledger.DecisionReplay {
		c.metrics.Incr("idempotency.replay")
		return Result{Key: key, Status: ledger.StatusCompleted, Data: out.Result, Replayed: true}, nil
	}

	if out.Retried {
		log.V(1).Info("retrying operation")
		c.metrics.Incr("idempotency.retry")
	}
	c.metrics.Incr("idempotency.execute")

	data, runErr := fn(ctx)

	// The side effect may already have happened, so record the outcome even if the caller went away.
	finalizeCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if err := c.finalize.Do(finalizeCtx, func(ctx context.Context) error {
			return c.store.Fail(ctx, scope, runErr.Error())
		}); err != nil {
			log.Error(err, "record operation failure")
		}
		c.metrics.Incr("idempotency.failed")
		return Result{Key: key, Status: ledger.StatusFailed}, runErr
	}

	if err := c.finalize.Do(finalizeCtx, func(ctx context.Context) error {
		return c.store.Complete(ctx, scope, data)
	}); err != nil {
		log.Error(err, "record operation result")
	}
	c.metrics.Incr("idempotency.completed")
	return Result{Key: key, Status: ledger.StatusCompleted, Data: data}, nil
}

// Run executes fn through the coordinator and decodes a replayed result into T.
func Run[T any](ctx context.Context, c *Coordinator, req Request, fn func(context.Context) (T, error)) (T, Result, error) {
	var value T
	res, err := c.Execute(ctx, req, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		value = v
		return json.Marshal(v)
	})
	if err != nil || !res.Replayed {
		return value, res, err
	}
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &value); err != nil {
			return value, res, fmt.Errorf("idempotency: decode cached result for %s: %w", res.Key, err)
		}
	}
	return value, res, nil
}
