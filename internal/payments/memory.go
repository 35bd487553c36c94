package payments

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// NewInMemoryGateway constructs a simulated gateway.
func NewInMemoryGateway() *InMemoryGateway {
	return &InMemoryGateway{
		byToken:  make(map[string]Charge),
		charges:  make(map[string]ChargeRequest),
		refunds:  make(map[string]Refund),
		refunded: make(map[string]bool),
		declines: make(map[string]string),
	}
}

// InMemoryGateway tracks charges and refunds in memory and deduplicates on the idempotency token.
type InMemoryGateway struct {
	mu       sync.Mutex
	byToken  map[string]Charge
	charges  map[string]ChargeRequest
	refunds  map[string]Refund
	refunded map[string]bool
	declines map[string]string
	captures int
}

// Decline makes every charge against instrumentRef fail with a card error.
func (g *InMemoryGateway) Decline(instrumentRef, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declines[instrumentRef] = reason
}

// Accept removes a decline set with Decline.
func (g *InMemoryGateway) Accept(instrumentRef string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.declines, instrumentRef)
}

func (g *InMemoryGateway) Charge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if err := ctx.Err(); err != nil {
		return Charge{}, err
	}
	if err := req.Validate(); err != nil {
		return Charge{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.byToken[req.IdempotencyToken]; ok {
		return existing, nil
	}
	if reason, ok := g.declines[req.InstrumentRef]; ok {
		return Charge{}, &GatewayError{Code: CodeCardError, Message: reason}
	}

	charge := Charge{TransactionID: "txn_" + uuid.NewString(), Status: StatusSucceeded}
	g.byToken[req.IdempotencyToken] = charge
	g.charges[charge.TransactionID] = req
	g.captures++
	return charge, nil
}

func (g *InMemoryGateway) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	if err := ctx.Err(); err != nil {
		return Refund{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.refunds[req.IdempotencyToken]; ok && req.IdempotencyToken != "" {
		return existing, nil
	}
	if _, ok := g.charges[req.TransactionID]; !ok {
		return Refund{}, errors.New("refund without charge")
	}
	refund := Refund{RefundID: "re_" + uuid.NewString(), Status: StatusRefunded}
	if req.IdempotencyToken != "" {
		g.refunds[req.IdempotencyToken] = refund
	}
	g.refunded[req.TransactionID] = true
	return refund, nil
}

// Captures reports how many distinct charges were captured.
func (g *InMemoryGateway) Captures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captures
}

// WasRefunded reports whether a transaction was refunded.
func (g *InMemoryGateway) WasRefunded(transactionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[transactionID]
}
