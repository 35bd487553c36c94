package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"orderflow/internal/cart"
	"orderflow/internal/orders"
)

// Envelope types served by the default registrations.
const (
	TypeCartAdd     = "cart.add"
	TypeCartRemove  = "cart.remove"
	TypeCartGet     = "cart.get"
	TypeOrderCreate = "orders.create"
)

// RegisterCart binds the cart operations.
func RegisterCart(r *Router, svc *cart.Service) {
	r.Register(TypeCartAdd, func(ctx context.Context, env Envelope) (any, error) {
		req, err := decodePayload[cart.ItemRequest](env)
		if err != nil {
			return nil, err
		}
		req.OperationKey = env.OperationKey
		return invalidAs(svc.AddItem(ctx, req))
	})
	r.Register(TypeCartRemove, func(ctx context.Context, env Envelope) (any, error) {
		req, err := decodePayload[cart.ItemRequest](env)
		if err != nil {
			return nil, err
		}
		req.OperationKey = env.OperationKey
		return invalidAs(svc.RemoveItem(ctx, req))
	})
	r.Register(TypeCartGet, func(ctx context.Context, env Envelope) (any, error) {
		req, err := decodePayload[cart.ItemRequest](env)
		if err != nil {
			return nil, err
		}
		return invalidAs(svc.Get(ctx, req.UserID))
	})
}

// RegisterOrders binds the order saga.
func RegisterOrders(r *Router, orch *orders.Orchestrator) {
	r.Register(TypeOrderCreate, func(ctx context.Context, env Envelope) (any, error) {
		req, err := decodePayload[orders.CreateOrderRequest](env)
		if err != nil {
			return nil, err
		}
		req.OperationKey = env.OperationKey
		return invalidAs(orch.CreateOrder(ctx, req))
	})
}

func decodePayload[T any](env Envelope) (T, error) {
	var req T
	if len(env.Payload) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, nil
}

// invalidAs tags domain validation errors as ErrInvalidRequest.
func invalidAs[T any](out T, err error) (any, error) {
	if err == nil {
		return out, nil
	}
	if errors.Is(err, cart.ErrInvalidItem) || errors.Is(err, orders.ErrInvalidOrder) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil, err
}
