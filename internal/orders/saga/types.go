package saga

import (
	"context"
	"errors"
	"time"
)

// State is a position in the order saga's linear progression.
type State string

const (
	StateStarted          State = "STARTED"
	StateAddressValidated State = "ADDRESS_VALIDATED"
	StateStockReserved    State = "STOCK_RESERVED"
	StatePaymentCaptured  State = "PAYMENT_CAPTURED"
	StateOrderPersisted   State = "ORDER_PERSISTED"
	StateCompensating     State = "COMPENSATING"
	StateFailed           State = "FAILED"
)

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	return s == StateOrderPersisted || s == StateFailed
}

// Step names double as ledger endpoints and as operation key suffixes.
const (
	StepValidateAddress = "validate_address"
	StepReserveStock    = "reserve_stock"
	StepChargePayment   = "charge_payment"
	StepPersistOrder    = "persist_order"
)

// Step outcomes recorded in the journal.
const (
	StepCompleted          = "completed"
	StepReplayed           = "replayed"
	StepFailed             = "failed"
	StepCompensated        = "compensated"
	StepCompensationFailed = "compensation_failed"
)

// LineItem is one product line; UnitPrice is in minor currency units.
type LineItem struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Address is a shipping target.
type Address struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Reservation is held stock for one saga.
type Reservation struct {
	ID    string     `json:"id"`
	Items []LineItem `json:"items"`
}

// Order is the persisted result of a successful saga.
type Order struct {
	ID              string     `json:"id"`
	SagaKey         string     `json:"saga_key"`
	CustomerID      string     `json:"customer_id"`
	Items           []LineItem `json:"items"`
	ShippingAddress Address    `json:"shipping_address"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	ReservationID   string     `json:"reservation_id"`
	TransactionID   string     `json:"transaction_id"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Event is one saga transition or step outcome.
type Event struct {
	SagaKey string    `json:"saga_key"`
	State   State     `json:"state"`
	Step    string    `json:"step,omitempty"`
	Status  string    `json:"status,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Journal persists the saga audit trail. It is never consulted to decide what to execute;
// the idempotency ledger alone does that.
type Journal interface {
	Start(ctx context.Context, sagaKey, customerID string, amount int64, currency string) error
	UpdateState(ctx context.Context, sagaKey string, state State) error
	AddStep(ctx context.Context, sagaKey, step, status, detail string) error
}

var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrUnknownSKU         = errors.New("unknown sku")
	ErrAddressUnservable  = errors.New("shipping address cannot be served")
	ErrReservationMissing = errors.New("reservation not found")
)
