package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps ledger records in process memory.
// It is only correct for a single process; use the Postgres or Redis store when several instances share keys.
type MemoryStore struct {
	mu      sync.Mutex
	opts    Options
	records map[Scope]*Record
}

// NewMemoryStore constructs an in-memory ledger.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:    opts.withDefaults(),
		records: make(map[Scope]*Record),
	}
}

func (s *MemoryStore) CheckOrCreate(ctx context.Context, scope Scope, fingerprint string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err := scope.Validate(); err != nil {
		return Outcome{}, err
	}

	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[scope]
	if !ok || !now.Before(rec.ExpiresAt) {
		s.records[scope] = &Record{
			Scope:       scope,
			Fingerprint: fingerprint,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(s.opts.Retention),
		}
		return Outcome{Decision: DecisionExecute, Status: StatusPending, Fingerprint: fingerprint}, nil
	}

	switch rec.Status {
	case StatusCompleted:
		return Outcome{
			Decision:    DecisionReplay,
			Status:      StatusCompleted,
			Result:      append([]byte(nil), rec.Result...),
			Fingerprint: rec.Fingerprint,
		}, nil
	case StatusFailed:
		s.claim(rec, now)
		return Outcome{Decision: DecisionExecute, Status: StatusPending, Fingerprint: rec.Fingerprint, Retried: true}, nil
	default:
		if s.opts.LeaseExpired(rec.UpdatedAt, now) {
			s.claim(rec, now)
			return Outcome{Decision: DecisionExecute, Status: StatusPending, Fingerprint: rec.Fingerprint, Retried: true}, nil
		}
		return Outcome{Decision: DecisionInFlight, Status: StatusPending, Fingerprint: rec.Fingerprint}, nil
	}
}

func (s *MemoryStore) claim(rec *Record, now time.Time) {
	rec.Status = StatusPending
	rec.ErrorDetail = ""
	rec.Result = nil
	rec.UpdatedAt = now
}

func (s *MemoryStore) Complete(ctx context.Context, scope Scope, result []byte) error {
	return s.finish(ctx, scope, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.Result = append([]byte(nil), result...)
	})
}

func (s *MemoryStore) Fail(ctx context.Context, scope Scope, detail string) error {
	return s.finish(ctx, scope, func(rec *Record) {
		rec.Status = StatusFailed
		rec.ErrorDetail = detail
	})
}

func (s *MemoryStore) finish(ctx context.Context, scope Scope, apply func(*Record)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[scope]
	if !ok || rec.Status != StatusPending {
		return ErrRecordNotFound
	}
	apply(rec)
	rec.UpdatedAt = s.opts.Now()
	return nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for scope, rec := range s.records {
		if rec.ExpiresAt.Before(now) {
			delete(s.records, scope)
			purged++
		}
	}
	return purged, nil
}

// Get returns a copy of the record for inspection.
func (s *MemoryStore) Get(scope Scope) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scope]
	if !ok {
		return Record{}, false
	}
	cp := *rec
	cp.Result = append([]byte(nil), rec.Result...)
	return cp, true
}
