package ledgerdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/ledger"
)

// PostgresStore persists idempotency records in Postgres.
// The primary key on (operation_key, service_name, endpoint_name) is the only serialization point for a key.
type PostgresStore struct {
	db   *sql.DB
	opts ledger.Options
}

// NewPostgresStore constructs a ledger backed by Postgres.
func NewPostgresStore(db *sql.DB, opts ledger.Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.Normalize()}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB, opts ledger.Options) (*PostgresStore, error) {
	store := NewPostgresStore(db, opts)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the idempotency_records table if it does not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			operation_key TEXT NOT NULL,
			service_name TEXT NOT NULL,
			endpoint_name TEXT NOT NULL,
			request_fingerprint TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
			result BYTEA,
			error_detail TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (operation_key, service_name, endpoint_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idempotency_records_expires_at_idx ON idempotency_records (expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CheckOrCreate inserts a pending record or reports what the existing one says.
// An expired record that has not been purged yet is overwritten as if it were absent.
func (s *PostgresStore) CheckOrCreate(ctx context.Context, scope ledger.Scope, fingerprint string) (ledger.Outcome, error) {
	if err := scope.Validate(); err != nil {
		return ledger.Outcome{}, err
	}

	now := s.opts.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records
			(operation_key, service_name, endpoint_name, request_fingerprint, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
		ON CONFLICT (operation_key, service_name, endpoint_name) DO UPDATE
		SET request_fingerprint = EXCLUDED.request_fingerprint,
			status = EXCLUDED.status,
			result = NULL,
			error_detail = NULL,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at`,
		scope.Key, scope.Service, scope.Endpoint, fingerprint, ledger.StatusPending, now, now.Add(s.opts.Retention),
	)
	if err != nil {
		return ledger.Outcome{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.Outcome{}, err
	}
	if affected == 1 {
		return ledger.Outcome{Decision: ledger.DecisionExecute, Status: ledger.StatusPending, Fingerprint: fingerprint}, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT request_fingerprint, status, result, updated_at
		FROM idempotency_records
		WHERE operation_key = $1 AND service_name = $2 AND endpoint_name = $3`,
		scope.Key, scope.Service, scope.Endpoint,
	)

	var (
		storedFingerprint string
		status            string
		result            []byte
		updatedAt         time.Time
	)
	if err := row.Scan(&storedFingerprint, &status, &result, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Outcome{}, fmt.Errorf("idempotency record not found after insert")
		}
		return ledger.Outcome{}, err
	}

	switch ledger.Status(status) {
	case ledger.StatusCompleted:
		return ledger.Outcome{
			Decision:    ledger.DecisionReplay,
			Status:      ledger.StatusCompleted,
			Result:      result,
			Fingerprint: storedFingerprint,
		}, nil
	case ledger.StatusFailed:
		return s.claim(ctx, scope, ledger.StatusFailed, updatedAt, now, storedFingerprint)
	case ledger.StatusPending:
		if s.opts.LeaseExpired(updatedAt, now) {
			return s.claim(ctx, scope, ledger.StatusPending, updatedAt, now, storedFingerprint)
		}
		return ledger.Outcome{Decision: ledger.DecisionInFlight, Status: ledger.StatusPending, Fingerprint: storedFingerprint}, nil
	default:
		return ledger.Outcome{}, fmt.Errorf("idempotency record has unknown status %q", status)
	}
}

// claim flips a record back to pending only if nobody touched it since we read it.
func (s *PostgresStore) claim(ctx context.Context, scope ledger.Scope, from ledger.Status, seen, now time.Time, fingerprint string) (ledger.Outcome, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $4, result = NULL, error_detail = NULL, updated_at = $5
		WHERE operation_key = $1 AND service_name = $2 AND endpoint_name = $3
			AND status = $6 AND updated_at = $7`,
		scope.Key, scope.Service, scope.Endpoint, ledger.StatusPending, now, from, seen,
	)
	if err != nil {
		return ledger.Outcome{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.Outcome{}, err
	}
	if affected == 0 {
		return ledger.Outcome{Decision: ledger.DecisionInFlight, Status: ledger.StatusPending, Fingerprint: fingerprint}, nil
	}
	return ledger.Outcome{Decision: ledger.DecisionExecute, Status: ledger.StatusPending, Fingerprint: fingerprint, Retried: true}, nil
}

// Complete marks a pending record completed with its result.
func (s *PostgresStore) Complete(ctx context.Context, scope ledger.Scope, result []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $4, result = $5, error_detail = NULL, updated_at = $6
		WHERE operation_key = $1 AND service_name = $2 AND endpoint_name = $3 AND status = $7`,
		scope.Key, scope.Service, scope.Endpoint, ledger.StatusCompleted, result, s.opts.Now().UTC(), ledger.StatusPending,
	)
	return expectOneRow(res, err)
}

// Fail marks a pending record failed with the error detail.
func (s *PostgresStore) Fail(ctx context.Context, scope ledger.Scope, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $4, error_detail = $5, result = NULL, updated_at = $6
		WHERE operation_key = $1 AND service_name = $2 AND endpoint_name = $3 AND status = $7`,
		scope.Key, scope.Service, scope.Endpoint, ledger.StatusFailed, detail, s.opts.Now().UTC(), ledger.StatusPending,
	)
	return expectOneRow(res, err)
}

// PurgeExpired deletes records whose expiry is before now.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrRecordNotFound
	}
	return nil
}
