package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"orderflow/internal/orders/saga"

	"github.com/google/uuid"
)

// InventoryStore keeps stock levels and reservations in Postgres.
// Each reservation is one transaction: every line is decremented or none is.
type InventoryStore struct {
	db    *sql.DB
	newID func() string
}

// NewInventoryStore constructs an InventoryStore backed by Postgres.
func NewInventoryStore(db *sql.DB) *InventoryStore {
	return &InventoryStore{
		db:    db,
		newID: func() string { return "res_" + uuid.NewString() },
	}
}

// NewInventoryStoreWithSchema initializes the schema then returns the store.
func NewInventoryStoreWithSchema(ctx context.Context, db *sql.DB) (*InventoryStore, error) {
	store := NewInventoryStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the stock and reservation tables if they do not exist.
func (s *InventoryStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inventory_stock (
			sku TEXT PRIMARY KEY,
			available INTEGER NOT NULL CHECK (available >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS stock_reservations (
			reservation_id TEXT PRIMARY KEY,
			reservation_key TEXT UNIQUE NOT NULL,
			items JSONB NOT NULL,
			released BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetStock sets the available quantity for a SKU.
func (s *InventoryStore) SetStock(ctx context.Context, sku string, available int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_stock (sku, available) VALUES ($1, $2)
		ON CONFLICT (sku) DO UPDATE SET available = EXCLUDED.available`,
		sku, available,
	)
	return err
}

// SeedStock sets the available quantity for a SKU only if it has no stock row yet.
func (s *InventoryStore) SeedStock(ctx context.Context, sku string, available int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_stock (sku, available) VALUES ($1, $2)
		ON CONFLICT (sku) DO NOTHING`,
		sku, available,
	)
	return err
}

// Reserve holds stock for every item, or returns the reservation already made for reservationKey.
func (s *InventoryStore) Reserve(ctx context.Context, reservationKey string, items []saga.LineItem) (res saga.Reservation, err error) {
	if reservationKey == "" {
		return saga.Reservation{}, fmt.Errorf("reservation key required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return saga.Reservation{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		existingID    string
		existingItems []byte
	)
	scanErr := tx.QueryRowContext(ctx, `
		SELECT reservation_id, items FROM stock_reservations WHERE reservation_key = $1`,
		reservationKey,
	).Scan(&existingID, &existingItems)
	switch {
	case scanErr == nil:
		res = saga.Reservation{ID: existingID}
		if err = json.Unmarshal(existingItems, &res.Items); err != nil {
			return saga.Reservation{}, fmt.Errorf("decode reservation items: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return saga.Reservation{}, err
		}
		return res, nil
	case !errors.Is(scanErr, sql.ErrNoRows):
		err = scanErr
		return saga.Reservation{}, err
	}

	for _, item := range items {
		if err = decrement(ctx, tx, item); err != nil {
			return saga.Reservation{}, err
		}
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return saga.Reservation{}, err
	}
	id := s.newID()
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO stock_reservations (reservation_id, reservation_key, items)
		VALUES ($1, $2, $3)`,
		id, reservationKey, payload,
	); err != nil {
		return saga.Reservation{}, err
	}
	if err = tx.Commit(); err != nil {
		return saga.Reservation{}, err
	}
	return saga.Reservation{ID: id, Items: items}, nil
}

func decrement(ctx context.Context, tx *sql.Tx, item saga.LineItem) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE inventory_stock SET available = available - $2
		WHERE sku = $1 AND available >= $2`,
		item.SKU, item.Quantity,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var available int
	switch scanErr := tx.QueryRowContext(ctx, `SELECT available FROM inventory_stock WHERE sku = $1`, item.SKU).Scan(&available); {
	case errors.Is(scanErr, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", saga.ErrUnknownSKU, item.SKU)
	case scanErr != nil:
		return scanErr
	default:
		return fmt.Errorf("%w: %s has %d, need %d", saga.ErrInsufficientStock, item.SKU, available, item.Quantity)
	}
}

// Release returns a reservation's stock. Releasing twice is a no-op.
func (s *InventoryStore) Release(ctx context.Context, reservationID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var payload []byte
	scanErr := tx.QueryRowContext(ctx, `
		UPDATE stock_reservations SET released = TRUE
		WHERE reservation_id = $1 AND NOT released
		RETURNING items`,
		reservationID,
	).Scan(&payload)
	if errors.Is(scanErr, sql.ErrNoRows) {
		var exists bool
		if err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM stock_reservations WHERE reservation_id = $1)`, reservationID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			err = fmt.Errorf("%w: %s", saga.ErrReservationMissing, reservationID)
			return err
		}
		return tx.Commit()
	}
	if scanErr != nil {
		err = scanErr
		return err
	}

	var items []saga.LineItem
	if err = json.Unmarshal(payload, &items); err != nil {
		return fmt.Errorf("decode reservation items: %w", err)
	}
	for _, item := range items {
		if _, err = tx.ExecContext(ctx, `
			UPDATE inventory_stock SET available = available + $2 WHERE sku = $1`,
			item.SKU, item.Quantity,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
