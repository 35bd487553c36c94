package orders

import (
	"context"
	"errors"
	"fmt"

	"orderflow/internal/orders/saga"
)

// ErrInvalidOrder marks malformed order requests. They never reach the ledger.
var ErrInvalidOrder = errors.New("invalid order request")

// ErrSagaFailed is matched by every error returned for a saga that ended in FAILED.
var ErrSagaFailed = errors.New("order saga failed")

// CreateOrderRequest is the inbound create-order payload.
type CreateOrderRequest struct {
	OperationKey      string          `json:"operation_key,omitempty"`
	CustomerID        string          `json:"customer_id"`
	Items             []saga.LineItem `json:"items"`
	ShippingAddress   saga.Address    `json:"shipping_address"`
	Currency          string          `json:"currency"`
	PaymentInstrument string          `json:"payment_instrument"`
}

// Validate rejects requests that cannot start a saga.
func (r CreateOrderRequest) Validate() error {
	if r.CustomerID == "" {
		return fmt.Errorf("%w: customer_id is required", ErrInvalidOrder)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for i, item := range r.Items {
		if item.SKU == "" || item.Quantity <= 0 || item.UnitPrice < 0 {
			return fmt.Errorf("%w: item %d needs a sku, a positive quantity and a non-negative price", ErrInvalidOrder, i)
		}
	}
	if r.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidOrder)
	}
	if r.PaymentInstrument == "" {
		return fmt.Errorf("%w: payment_instrument is required", ErrInvalidOrder)
	}
	return nil
}

// Total is the order amount in minor units.
func (r CreateOrderRequest) Total() int64 {
	var total int64
	for _, item := range r.Items {
		total += int64(item.Quantity) * item.UnitPrice
	}
	return total
}

// payload is the request without its operation key, used for key derivation and fingerprints.
func (r CreateOrderRequest) payload() CreateOrderRequest {
	r.OperationKey = ""
	return r
}

// OrderResult is returned for a saga that reached ORDER_PERSISTED.
type OrderResult struct {
	SagaKey       string     `json:"saga_key"`
	OrderID       string     `json:"order_id"`
	ReservationID string     `json:"reservation_id"`
	TransactionID string     `json:"transaction_id"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	State         saga.State `json:"state"`
}

// FailedError describes a saga that compensated and ended in FAILED.
type FailedError struct {
	SagaKey string
	Step    string
	Cause   error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("order saga %s failed at %s: %v", e.SagaKey, e.Step, e.Cause)
}

func (e *FailedError) Unwrap() []error {
	return []error{ErrSagaFailed, e.Cause}
}

// AddressValidator checks and normalizes a shipping target.
type AddressValidator interface {
	Validate(ctx context.Context, addr saga.Address) (saga.Address, error)
}

// Inventory reserves and releases stock. Reserve is idempotent on reservationKey
// and Release is idempotent on the reservation id.
type Inventory interface {
	Reserve(ctx context.Context, reservationKey string, items []saga.LineItem) (saga.Reservation, error)
	Release(ctx context.Context, reservationID string) error
}

// OrderRepository persists orders, idempotently on the saga key.
type OrderRepository interface {
	Save(ctx context.Context, order saga.Order) (saga.Order, error)
}

// Notifier receives saga events as they happen.
type Notifier interface {
	Publish(event saga.Event)
}
