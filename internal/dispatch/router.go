package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"orderflow/internal/idempotency"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/reliability"

	"github.com/go-logr/logr"
)

// Handler runs one operation type. Its result is returned as the response data.
type Handler func(ctx context.Context, env Envelope) (any, error)

// Router maps envelope types to handlers and turns outcomes into responses.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      logr.Logger
	metrics  *observability.Metrics
}

// NewRouter constructs an empty Router.
func NewRouter(log logr.Logger, metrics *observability.Metrics) *Router {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Router{
		handlers: make(map[string]Handler),
		log:      log.WithName("dispatch"),
		metrics:  metrics,
	}
}

// Register binds a handler to an envelope type, replacing any previous one.
func (r *Router) Register(typ string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

// Types lists the registered envelope types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for typ := range r.handlers {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Handle decodes a raw envelope and dispatches it.
func (r *Router) Handle(ctx context.Context, raw []byte) Response {
	env, err := Decode(raw)
	if err != nil {
		return r.respond(env, nil, err)
	}
	return r.Dispatch(ctx, env)
}

// Dispatch runs the handler registered for env.Type.
func (r *Router) Dispatch(ctx context.Context, env Envelope) Response {
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()
	if !ok {
		return r.respond(env, nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, env.Type))
	}

	span := r.metrics.StartOperation(env.Type)
	out, err := h(ctx, env)
	span.End(err)
	return r.respond(env, out, err)
}

func (r *Router) respond(env Envelope, out any, err error) Response {
	resp := Response{OperationKey: env.OperationKey}
	if err != nil {
		resp.Status, resp.Retryable = classify(err)
		resp.ErrorDetail = err.Error()
		r.metrics.Incr("dispatch." + resp.Status)
		if resp.Status == StatusFailed {
			r.log.V(1).Info("operation failed", "type", env.Type, "key", env.OperationKey, "error", err.Error())
		}
		return resp
	}

	data, err := json.Marshal(out)
	if err != nil {
		resp.Status = StatusFailed
		resp.ErrorDetail = fmt.Sprintf("encode result: %v", err)
		r.metrics.Incr("dispatch." + resp.Status)
		return resp
	}
	resp.Success = true
	resp.Status = StatusCompleted
	resp.Data = data
	r.metrics.Incr("dispatch." + resp.Status)
	return resp
}

// classify maps an operation error onto a response status and whether a resubmit may succeed.
func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return StatusInvalid, false
	case errors.Is(err, idempotency.ErrInFlight):
		return StatusInFlight, true
	case errors.Is(err, orders.ErrSagaFailed):
		// A compensated saga may still carry an unavailable dependency as its cause.
		return StatusFailed, errors.Is(err, reliability.ErrUnavailable)
	case errors.Is(err, reliability.ErrUnavailable), errors.Is(err, reliability.ErrCircuitOpen):
		return StatusUnavailable, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusUnavailable, true
	default:
		return StatusFailed, false
	}
}
