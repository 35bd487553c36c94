package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"orderflow/internal/orders/saga"
)

// OrderStore persists orders in Postgres, one per saga key.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			saga_key TEXT UNIQUE NOT NULL,
			customer_id TEXT NOT NULL,
			items JSONB NOT NULL,
			shipping_address JSONB NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			reservation_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Save inserts the order or returns the one already stored for its saga key.
func (s *OrderStore) Save(ctx context.Context, order saga.Order) (saga.Order, error) {
	if order.ID == "" || order.SagaKey == "" {
		return saga.Order{}, fmt.Errorf("order id and saga key are required")
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return saga.Order{}, err
	}
	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return saga.Order{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, saga_key, customer_id, items, shipping_address, amount, currency, reservation_id, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (saga_key) DO NOTHING`,
		order.ID, order.SagaKey, order.CustomerID, items, address, order.Amount, order.Currency,
		order.ReservationID, order.TransactionID, order.CreatedAt,
	)
	if err != nil {
		return saga.Order{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return saga.Order{}, err
	}
	if affected > 0 {
		return order, nil
	}
	return s.BySagaKey(ctx, order.SagaKey)
}

// BySagaKey loads the order created by a saga.
func (s *OrderStore) BySagaKey(ctx context.Context, sagaKey string) (saga.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, saga_key, customer_id, items, shipping_address, amount, currency, reservation_id, transaction_id, created_at
		FROM orders
		WHERE saga_key = $1`,
		sagaKey,
	)

	var (
		order   saga.Order
		items   []byte
		address []byte
	)
	if err := row.Scan(&order.ID, &order.SagaKey, &order.CustomerID, &items, &address, &order.Amount,
		&order.Currency, &order.ReservationID, &order.TransactionID, &order.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Order{}, fmt.Errorf("order not found after insert")
		}
		return saga.Order{}, err
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return saga.Order{}, fmt.Errorf("decode order items: %w", err)
	}
	if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
		return saga.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	return order, nil
}
