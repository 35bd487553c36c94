package ledger

import (
	"context"
	"errors"
	"time"
)

// DefaultRetention is how long a record lives before it becomes eligible for purge.
const DefaultRetention = 24 * time.Hour

// Status is the execution status of an operation key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Scope identifies one record: the operation key within a service and endpoint.
type Scope struct {
	Key      string
	Service  string
	Endpoint string
}

// Validate reports whether every part of the scope is present.
func (s Scope) Validate() error {
	if s.Key == "" || s.Service == "" || s.Endpoint == "" {
		return ErrInvalidScope
	}
	return nil
}

// Record is one row of the ledger.
type Record struct {
	Scope       Scope
	Fingerprint string
	Status      Status
	Result      []byte
	ErrorDetail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Decision tells the coordinator what to do after CheckOrCreate.
type Decision int

const (
	// DecisionExecute means the caller now owns the pending record and must run the operation.
	DecisionExecute Decision = iota
	// DecisionReplay means the operation already completed; Result holds its output.
	DecisionReplay
	// DecisionInFlight means another caller holds the pending record.
	DecisionInFlight
)

func (d Decision) String() string {
	switch d {
	case DecisionExecute:
		return "execute"
	case DecisionReplay:
		return "replay"
	case DecisionInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Outcome is the result of CheckOrCreate.
type Outcome struct {
	Decision Decision
	Status   Status
	Result   []byte
	// Fingerprint is the fingerprint stored at first sight of the key.
	Fingerprint string
	// Retried is set when a failed (or abandoned pending) record was claimed again.
	Retried bool
}

// Store is the ledger contract consumed by the coordinator.
type Store interface {
	CheckOrCreate(ctx context.Context, scope Scope, fingerprint string) (Outcome, error)
	Complete(ctx context.Context, scope Scope, result []byte) error
	Fail(ctx context.Context, scope Scope, detail string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Options tunes record lifetime for every store implementation.
type Options struct {
	// Retention is the record lifetime; zero means DefaultRetention.
	Retention time.Duration
	// PendingLease lets a pending record older than the lease be claimed again. Zero disables reclamation.
	PendingLease time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.PendingLease < 0 {
		o.PendingLease = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Normalize returns the options with defaults applied. SQL stores outside this package use it.
func (o Options) Normalize() Options {
	return o.withDefaults()
}

// LeaseExpired reports whether a pending record last touched at updatedAt may be reclaimed at now.
func (o Options) LeaseExpired(updatedAt, now time.Time) bool {
	return o.PendingLease > 0 && now.Sub(updatedAt) >= o.PendingLease
}

var (
	// ErrInvalidScope signals a missing key, service or endpoint.
	ErrInvalidScope = errors.New("ledger: key, service and endpoint are required")
	// ErrRecordNotFound signals complete/fail on a record that does not exist or is not pending.
	ErrRecordNotFound = errors.New("ledger: pending record not found")
)
