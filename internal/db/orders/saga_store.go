package ordersdb

import (
	"context"
	"database/sql"
	"fmt"

	"orderflow/internal/orders/saga"
)

// SagaJournal persists the order saga audit trail in Postgres.
type SagaJournal struct {
	db *sql.DB
}

// NewSagaJournal constructs a SagaJournal backed by Postgres.
func NewSagaJournal(db *sql.DB) *SagaJournal {
	return &SagaJournal{db: db}
}

// NewSagaJournalWithSchema initializes the schema then returns the journal.
func NewSagaJournalWithSchema(ctx context.Context, db *sql.DB) (*SagaJournal, error) {
	journal := NewSagaJournal(db)
	if err := journal.InitSchema(ctx); err != nil {
		return nil, err
	}
	return journal, nil
}

// InitSchema creates saga tables if they do not exist.
func (j *SagaJournal) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_sagas (
			saga_key TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS order_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			saga_key TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (saga_key) REFERENCES order_sagas(saga_key) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Start inserts the saga row. Resuming a saga key keeps the original row.
func (j *SagaJournal) Start(ctx context.Context, sagaKey, customerID string, amount int64, currency string) error {
	if sagaKey == "" {
		return fmt.Errorf("saga key required")
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO order_sagas (saga_key, customer_id, amount, currency, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (saga_key) DO NOTHING`,
		sagaKey, customerID, amount, currency, saga.StateStarted,
	)
	return err
}

// UpdateState updates the saga's state and timestamp.
func (j *SagaJournal) UpdateState(ctx context.Context, sagaKey string, state saga.State) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE order_sagas
		SET state = $2, updated_at = NOW()
		WHERE saga_key = $1`,
		sagaKey, state,
	)
	return err
}

// AddStep appends a saga step row.
func (j *SagaJournal) AddStep(ctx context.Context, sagaKey, step, status, detail string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO order_saga_steps (saga_key, step, status, detail)
		VALUES ($1, $2, $3, $4)`,
		sagaKey, step, status, detail,
	)
	return err
}

// Steps lists the journaled steps of a saga in insertion order.
func (j *SagaJournal) Steps(ctx context.Context, sagaKey string) ([]saga.Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT step, status, COALESCE(detail, ''), created_at
		FROM order_saga_steps
		WHERE saga_key = $1
		ORDER BY id`,
		sagaKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []saga.Event
	for rows.Next() {
		event := saga.Event{SagaKey: sagaKey}
		if err := rows.Scan(&event.Step, &event.Status, &event.Detail, &event.At); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
