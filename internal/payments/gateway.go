package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ChargeRequest asks the gateway to capture an amount in minor currency units.
// The gateway deduplicates on IdempotencyToken so an ambiguous timeout cannot double charge.
type ChargeRequest struct {
	IdempotencyToken string `json:"idempotency_token"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	InstrumentRef    string `json:"instrument_ref"`
}

// Validate rejects requests the gateway would refuse anyway.
func (r ChargeRequest) Validate() error {
	switch {
	case r.IdempotencyToken == "":
		return fmt.Errorf("%w: idempotency token is required", ErrInvalidRequest)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case r.Currency == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	case r.InstrumentRef == "":
		return fmt.Errorf("%w: payment instrument is required", ErrInvalidRequest)
	}
	return nil
}

// Charge is a captured payment.
type Charge struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// RefundRequest reverses a captured charge.
type RefundRequest struct {
	IdempotencyToken string `json:"idempotency_token"`
	TransactionID    string `json:"transaction_id"`
	Amount           int64  `json:"amount"`
}

// Refund is a processed refund.
type Refund struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

// Gateway is the external payment provider contract.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Charge, error)
	Refund(ctx context.Context, req RefundRequest) (Refund, error)
}

const (
	StatusSucceeded = "succeeded"
	StatusRefunded  = "refunded"
)

// ErrorCode classifies gateway failures.
type ErrorCode string

const (
	CodeCardError ErrorCode = "card_error"
	CodeRateLimit ErrorCode = "rate_limit"
	CodeTimeout   ErrorCode = "timeout"
	CodeGeneric   ErrorCode = "generic"
)

// ErrInvalidRequest marks requests rejected before reaching the gateway.
var ErrInvalidRequest = errors.New("payments: invalid request")

// GatewayError is a typed failure reported by the gateway.
type GatewayError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Status is the HTTP status that carried the error, zero when none did.
	Status int `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("payment gateway: %s", e.Code)
	}
	return fmt.Sprintf("payment gateway: %s: %s", e.Code, e.Message)
}

// IsCardError reports whether err is a definitive rejection of the payment instrument.
func IsCardError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Code == CodeCardError
}

// IsRejected reports whether the gateway answered with a 4xx other than 408 or 429,
// meaning it looked at the request and refused it.
func IsRejected(err error) bool {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		return false
	}
	switch gwErr.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return gwErr.Status >= 400 && gwErr.Status < 500
}

// IsDependencyFailure reports whether err says the gateway itself is unhealthy.
// Card errors, rejected requests and invalid requests are business outcomes.
func IsDependencyFailure(err error) bool {
	return !IsCardError(err) && !IsRejected(err) && !errors.Is(err, ErrInvalidRequest)
}
