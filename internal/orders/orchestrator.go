package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/idempotency"
	"orderflow/internal/observability"
	"orderflow/internal/orders/saga"
	"orderflow/internal/payments"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	// Service scopes every ledger record written by the saga.
	Service             = "orders"
	EndpointCreateOrder = "create_order"
	stepRefundPayment   = "refund_payment"
)

var orderNamespace = uuid.MustParse("6f1c1f9e-4a8e-4c55-9a53-1f0d1c3b7a21")

// Deps are the collaborators of the order saga.
type Deps struct {
	Coordinator *idempotency.Coordinator
	Addresses   AddressValidator
	Inventory   Inventory
	Payments    payments.Gateway
	Orders      OrderRepository
	Journal     saga.Journal
	Notifier    Notifier
	Logger      logr.Logger
	Metrics     *observability.Metrics
	Now         func() time.Time
}

// Orchestrator runs the create-order saga. Each step is a coordinator-wrapped operation keyed
// sagaKey:step, so re-running a saga key skips completed steps and resumes at the first incomplete one.
type Orchestrator struct {
	coord     *idempotency.Coordinator
	addresses AddressValidator
	inventory Inventory
	payments  payments.Gateway
	orders    OrderRepository
	journal   saga.Journal
	notifier  Notifier
	log       logr.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	log := deps.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		coord:     deps.Coordinator,
		addresses: deps.Addresses,
		inventory: deps.Inventory,
		payments:  deps.Payments,
		orders:    deps.Orders,
		journal:   deps.Journal,
		notifier:  deps.Notifier,
		log:       log.WithName("saga"),
		metrics:   deps.Metrics,
		now:       now,
	}
}

// sagaRun is the transient context of one saga execution.
type sagaRun struct {
	key         string
	req         CreateOrderRequest
	address     saga.Address
	reservation saga.Reservation
	charge      payments.Charge
	order       saga.Order
	undo        []compensation
	log         logr.Logger
}

type compensation struct {
	step string
	fn   func(context.Context) error
}

type sagaStep struct {
	name  string
	after saga.State
	run   func(context.Context, *sagaRun) error
}

// CreateOrder runs the saga for req. A request without an operation key gets one derived from its payload.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}

	key := req.OperationKey
	if key == "" {
		derived, err := idempotency.DeriveKey(EndpointCreateOrder, req.payload())
		if err != nil {
			return OrderResult{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
		key = derived
	}

	result, _, err := idempotency.Run(ctx, o.coord, idempotency.Request{
		Key:      key,
		Service:  Service,
		Endpoint: EndpointCreateOrder,
		Payload:  req.payload(),
	}, func(ctx context.Context) (OrderResult, error) {
		return o.execute(ctx, key, req)
	})
	return result, err
}

func (o *Orchestrator) steps() []sagaStep {
	return []sagaStep{
		{name: saga.StepValidateAddress, after: saga.StateAddressValidated, run: o.validateAddress},
		{name: saga.StepReserveStock, after: saga.StateStockReserved, run: o.reserveStock},
		{name: saga.StepChargePayment, after: saga.StatePaymentCaptured, run: o.chargePayment},
		{name: saga.StepPersistOrder, after: saga.StateOrderPersisted, run: o.persistOrder},
	}
}

func (o *Orchestrator) execute(ctx context.Context, key string, req CreateOrderRequest) (OrderResult, error) {
	run := &sagaRun{key: key, req: req, log: o.log.WithValues("saga", key)}

	o.journalStart(ctx, run)
	o.transition(ctx, run, saga.StateStarted, "")

	for _, step := range o.steps() {
		if err := step.run(ctx, run); err != nil {
			if errors.Is(err, idempotency.ErrInFlight) {
				// Another runner owns this step; compensating here would undo its work.
				return OrderResult{}, err
			}
			o.recordStep(ctx, run, step.name, saga.StepFailed, err.Error())
			o.compensate(ctx, run)
			o.metrics.Incr("saga.failed")
			return OrderResult{}, &FailedError{SagaKey: key, Step: step.name, Cause: err}
		}
		o.transition(ctx, run, step.after, step.name)
	}

	o.metrics.Incr("saga.completed")
	return OrderResult{
		SagaKey:       key,
		OrderID:       run.order.ID,
		ReservationID: run.reservation.ID,
		TransactionID: run.charge.TransactionID,
		Amount:        run.req.Total(),
		Currency:      run.req.Currency,
		State:         saga.StateOrderPersisted,
	}, nil
}

// runStep executes one coordinator-wrapped step and decodes a replayed result into T.
func runStep[T any](ctx context.Context, o *Orchestrator, run *sagaRun, name string, fn func(context.Context) (T, error)) (T, error) {
	value, res, err := idempotency.Run(ctx, o.coord, idempotency.Request{
		Key:      run.key + ":" + name,
		Service:  Service,
		Endpoint: name,
		Payload:  run.req.payload(),
	}, fn)
	if err != nil {
		return value, err
	}
	status := saga.StepCompleted
	if res.Replayed {
		status = saga.StepReplayed
		run.log.V(1).Info("step already completed, skipping", "step", name)
	}
	o.recordStep(ctx, run, name, status, "")
	return value, nil
}

func (o *Orchestrator) validateAddress(ctx context.Context, run *sagaRun) error {
	addr, err := runStep(ctx, o, run, saga.StepValidateAddress, func(ctx context.Context) (saga.Address, error) {
		return o.addresses.Validate(ctx, run.req.ShippingAddress)
	})
	if err != nil {
		return err
	}
	run.address = addr
	return nil
}

func (o *Orchestrator) reserveStock(ctx context.Context, run *sagaRun) error {
	stepKey := run.key + ":" + saga.StepReserveStock
	reservation, err := runStep(ctx, o, run, saga.StepReserveStock, func(ctx context.Context) (saga.Reservation, error) {
		return o.inventory.Reserve(ctx, stepKey, run.req.Items)
	})
	if err != nil {
		return err
	}
	run.reservation = reservation
	run.undo = append(run.undo, compensation{
		step: saga.StepReserveStock,
		fn: func(ctx context.Context) error {
			return o.inventory.Release(ctx, reservation.ID)
		},
	})
	return nil
}

func (o *Orchestrator) chargePayment(ctx context.Context, run *sagaRun) error {
	stepKey := run.key + ":" + saga.StepChargePayment
	amount := run.req.Total()
	charge, err := runStep(ctx, o, run, saga.StepChargePayment, func(ctx context.Context) (payments.Charge, error) {
		return o.payments.Charge(ctx, payments.ChargeRequest{
			IdempotencyToken: stepKey,
			Amount:           amount,
			Currency:         run.req.Currency,
			InstrumentRef:    run.req.PaymentInstrument,
		})
	})
	if err != nil {
		return err
	}
	run.charge = charge
	run.undo = append(run.undo, compensation{
		step: saga.StepChargePayment,
		fn: func(ctx context.Context) error {
			_, err := o.payments.Refund(ctx, payments.RefundRequest{
				IdempotencyToken: run.key + ":" + stepRefundPayment,
				TransactionID:    charge.TransactionID,
				Amount:           amount,
			})
			return err
		},
	})
	return nil
}

func (o *Orchestrator) persistOrder(ctx context.Context, run *sagaRun) error {
	order, err := runStep(ctx, o, run, saga.StepPersistOrder, func(ctx context.Context) (saga.Order, error) {
		return o.orders.Save(ctx, saga.Order{
			ID:              uuid.NewSHA1(orderNamespace, []byte(run.key)).String(),
			SagaKey:         run.key,
			CustomerID:      run.req.CustomerID,
			Items:           run.req.Items,
			ShippingAddress: run.address,
			Amount:          run.req.Total(),
			Currency:        run.req.Currency,
			ReservationID:   run.reservation.ID,
			TransactionID:   run.charge.TransactionID,
			CreatedAt:       o.now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	run.order = order
	return nil
}

// compensate undoes completed steps in reverse order. Failures are logged and skipped.
func (o *Orchestrator) compensate(ctx context.Context, run *sagaRun) {
	ctx = context.WithoutCancel(ctx)
	o.transition(ctx, run, saga.StateCompensating, "")

	for i := len(run.undo) - 1; i >= 0; i-- {
		c := run.undo[i]
		if err := c.fn(ctx); err != nil {
			run.log.Error(err, "compensation failed", "step", c.step)
			o.metrics.Incr("saga.compensation_failed")
			o.recordStep(ctx, run, c.step, saga.StepCompensationFailed, err.Error())
			continue
		}
		o.recordStep(ctx, run, c.step, saga.StepCompensated, "")
	}

	o.transition(ctx, run, saga.StateFailed, "")
}

func (o *Orchestrator) journalStart(ctx context.Context, run *sagaRun) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Start(ctx, run.key, run.req.CustomerID, run.req.Total(), run.req.Currency); err != nil {
		run.log.Error(err, "journal saga start")
	}
}

func (o *Orchestrator) transition(ctx context.Context, run *sagaRun, state saga.State, step string) {
	run.log.V(1).Info("saga transition", "state", string(state), "step", step)
	if o.journal != nil {
		if err := o.journal.UpdateState(ctx, run.key, state); err != nil {
			run.log.Error(err, "journal saga state", "state", string(state))
		}
	}
	o.publish(saga.Event{SagaKey: run.key, State: state, Step: step, At: o.now().UTC()})
}

func (o *Orchestrator) recordStep(ctx context.Context, run *sagaRun, step, status, detail string) {
	if o.journal != nil {
		if err := o.journal.AddStep(ctx, run.key, step, status, detail); err != nil {
			run.log.Error(err, "journal saga step", "step", step)
		}
	}
	o.publish(saga.Event{SagaKey: run.key, Step: step, Status: status, Detail: detail, At: o.now().UTC()})
}

func (o *Orchestrator) publish(event saga.Event) {
	if o.notifier != nil {
		o.notifier.Publish(event)
	}
}
