package orders

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"orderflow/internal/idempotency"
	"orderflow/internal/ledger"
	"orderflow/internal/orders/saga"
	"orderflow/internal/payments"
	"orderflow/internal/reliability"
)

type recordingJournal struct {
	mu     sync.Mutex
	starts []string
	states []saga.State
	steps  []string
}

func (j *recordingJournal) Start(_ context.Context, sagaKey, customerID string, amount int64, currency string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.starts = append(j.starts, sagaKey)
	return nil
}

func (j *recordingJournal) UpdateState(_ context.Context, sagaKey string, state saga.State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states = append(j.states, state)
	return nil
}

func (j *recordingJournal) AddStep(_ context.Context, sagaKey, step, status, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, step+":"+status)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []saga.Event
}

func (n *recordingNotifier) Publish(event saga.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type harness struct {
	orch      *Orchestrator
	ledger    *ledger.MemoryStore
	inventory *InMemoryInventory
	gateway   *payments.InMemoryGateway
	orders    *InMemoryOrderRepository
	journal   *recordingJournal
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, gateway payments.Gateway, inventory Inventory) *harness {
	t.Helper()

	h := &harness{
		ledger:    ledger.NewMemoryStore(ledger.Options{}),
		inventory: NewInMemoryInventory(map[string]int{"sku-1": 10, "sku-2": 1}),
		gateway:   payments.NewInMemoryGateway(),
		orders:    NewInMemoryOrderRepository(),
		journal:   &recordingJournal{},
		notifier:  &recordingNotifier{},
	}
	if gateway == nil {
		gateway = h.gateway
	}
	if inventory == nil {
		inventory = h.inventory
	}
	coord := idempotency.NewCoordinator(h.ledger, idempotency.Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
	h.orch = NewOrchestrator(Deps{
		Coordinator: coord,
		Addresses:   NewCountryValidator("NL", "DE"),
		Inventory:   inventory,
		Payments:    gateway,
		Orders:      h.orders,
		Journal:     h.journal,
		Notifier:    h.notifier,
		Now:         func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	return h
}

func validRequest(key string) CreateOrderRequest {
	return CreateOrderRequest{
		OperationKey: key,
		CustomerID:   "u1",
		Items:        []saga.LineItem{{SKU: "sku-1", Quantity: 2, UnitPrice: 1250}},
		ShippingAddress: saga.Address{
			Line1: "Damrak 1", City: "Amsterdam", PostalCode: "1012lg", Country: "nl",
		},
		Currency:          "EUR",
		PaymentInstrument: "pm_card_visa",
	}
}

func TestOrchestrator_HappyPath(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.orch.CreateOrder(context.Background(), validRequest("order-1"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if res.State != saga.StateOrderPersisted || res.OrderID == "" || res.TransactionID == "" || res.ReservationID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Amount != 2500 {
		t.Fatalf("expected amount 2500, got %d", res.Amount)
	}
	if h.inventory.Stock("sku-1") != 8 {
		t.Fatalf("expected stock 8, got %d", h.inventory.Stock("sku-1"))
	}
	if h.gateway.Captures() != 1 || h.orders.Count() != 1 {
		t.Fatalf("expected one capture and one order, got %d / %d", h.gateway.Captures(), h.orders.Count())
	}

	want := []saga.State{
		saga.StateStarted, saga.StateAddressValidated, saga.StateStockReserved,
		saga.StatePaymentCaptured, saga.StateOrderPersisted,
	}
	if len(h.journal.states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, h.journal.states)
	}
	for i := range want {
		if h.journal.states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, h.journal.states)
		}
	}
}

func TestOrchestrator_CompletedSagaReplays(t *testing.T) {
	h := newHarness(t, nil, nil)

	first, err := h.orch.CreateOrder(context.Background(), validRequest("order-1"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := h.orch.CreateOrder(context.Background(), validRequest("order-1"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
	if h.inventory.ReserveCalls() != 1 || h.gateway.Captures() != 1 {
		t.Fatalf("expected no side effects on replay")
	}
	if len(h.journal.starts) != 1 {
		t.Fatalf("expected saga body to run once, ran %d times", len(h.journal.starts))
	}
}

func TestOrchestrator_CardDeclinedCompensatesThenResumes(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.gateway.Decline("pm_card_visa", "card_declined")

	_, err := h.orch.CreateOrder(context.Background(), validRequest("order-42"))
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected FailedError, got %v", err)
	}
	if failed.Step != saga.StepChargePayment || !errors.Is(err, ErrSagaFailed) || !payments.IsCardError(err) {
		t.Fatalf("unexpected failure %v", err)
	}
	if h.inventory.Stock("sku-1") != 10 {
		t.Fatalf("expected reservation released, stock %d", h.inventory.Stock("sku-1"))
	}
	states := h.journal.states
	if states[len(states)-2] != saga.StateCompensating || states[len(states)-1] != saga.StateFailed {
		t.Fatalf("expected COMPENSATING then FAILED, got %v", states)
	}

	h.gateway.Accept("pm_card_visa")
	res, err := h.orch.CreateOrder(context.Background(), validRequest("order-42"))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State != saga.StateOrderPersisted {
		t.Fatalf("expected persisted order, got %+v", res)
	}
	if h.inventory.ReserveCalls() != 1 {
		t.Fatalf("expected stock not to be reserved again, got %d reserve calls", h.inventory.ReserveCalls())
	}
	if h.gateway.Captures() != 1 {
		t.Fatalf("expected payment to be re-attempted and captured once, got %d", h.gateway.Captures())
	}
}

func TestOrchestrator_ResumesAtFirstIncompleteStep(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	seed := func(step string, result any) {
		scope := ledger.Scope{Key: "order-7:" + step, Service: Service, Endpoint: step}
		if _, err := h.ledger.CheckOrCreate(ctx, scope, ""); err != nil {
			t.Fatalf("seed %s: %v", step, err)
		}
		raw, _ := json.Marshal(result)
		if err := h.ledger.Complete(ctx, scope, raw); err != nil {
			t.Fatalf("seed %s: %v", step, err)
		}
	}
	seed(saga.StepValidateAddress, saga.Address{Line1: "Damrak 1", City: "Amsterdam", PostalCode: "1012LG", Country: "NL"})
	seed(saga.StepReserveStock, saga.Reservation{ID: "res_seeded"})

	res, err := h.orch.CreateOrder(ctx, validRequest("order-7"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if h.inventory.ReserveCalls() != 0 {
		t.Fatalf("expected reserve_stock to be skipped")
	}
	if h.gateway.Captures() != 1 || h.orders.Count() != 1 {
		t.Fatalf("expected charge_payment and persist_order to run")
	}
	if res.ReservationID != "res_seeded" {
		t.Fatalf("expected cached reservation to flow into later steps, got %q", res.ReservationID)
	}

	var replayed []string
	for _, s := range h.journal.steps {
		if strings.HasSuffix(s, ":"+saga.StepReplayed) {
			replayed = append(replayed, s)
		}
	}
	if len(replayed) != 2 {
		t.Fatalf("expected two replayed steps, got %v", h.journal.steps)
	}
}

type stuckInventory struct {
	*InMemoryInventory
}

func (s stuckInventory) Release(context.Context, string) error {
	return errors.New("inventory service unreachable")
}

func TestOrchestrator_CompensationFailureStillFails(t *testing.T) {
	inv := stuckInventory{InMemoryInventory: NewInMemoryInventory(map[string]int{"sku-1": 10})}
	h := newHarness(t, nil, inv)
	h.gateway.Decline("pm_card_visa", "card_declined")

	_, err := h.orch.CreateOrder(context.Background(), validRequest("order-9"))
	if !errors.Is(err, ErrSagaFailed) {
		t.Fatalf("expected saga failure, got %v", err)
	}
	found := false
	for _, s := range h.journal.steps {
		if s == saga.StepReserveStock+":"+saga.StepCompensationFailed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected compensation failure to be journaled, got %v", h.journal.steps)
	}
	if last := h.journal.states[len(h.journal.states)-1]; last != saga.StateFailed {
		t.Fatalf("expected FAILED, got %s", last)
	}
}

type downGateway struct{}

func (downGateway) Charge(context.Context, payments.ChargeRequest) (payments.Charge, error) {
	return payments.Charge{}, &payments.GatewayError{Code: payments.CodeGeneric, Message: "503"}
}

func (downGateway) Refund(context.Context, payments.RefundRequest) (payments.Refund, error) {
	return payments.Refund{}, nil
}

func TestOrchestrator_GatewayOutageIsUnavailable(t *testing.T) {
	gw := payments.NewProtectedGateway(downGateway{}, reliability.GateConfig{VolumeThreshold: 1})
	h := newHarness(t, gw, nil)

	_, err := h.orch.CreateOrder(context.Background(), validRequest("order-5"))
	if !errors.Is(err, ErrSagaFailed) || !errors.Is(err, reliability.ErrUnavailable) {
		t.Fatalf("expected unavailable saga failure, got %v", err)
	}
	if h.inventory.Stock("sku-1") != 10 {
		t.Fatalf("expected reservation released")
	}
}

func TestOrchestrator_AddressRejectedBeforeReserving(t *testing.T) {
	h := newHarness(t, nil, nil)
	req := validRequest("order-fr")
	req.ShippingAddress.Country = "FR"

	_, err := h.orch.CreateOrder(context.Background(), req)
	if !errors.Is(err, saga.ErrAddressUnservable) {
		t.Fatalf("expected unservable address, got %v", err)
	}
	if h.inventory.ReserveCalls() != 0 {
		t.Fatalf("expected no reservation")
	}
}

func TestOrchestrator_InsufficientStockFails(t *testing.T) {
	h := newHarness(t, nil, nil)
	req := validRequest("order-big")
	req.Items = []saga.LineItem{{SKU: "sku-2", Quantity: 5, UnitPrice: 100}}

	_, err := h.orch.CreateOrder(context.Background(), req)
	if !errors.Is(err, saga.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if h.gateway.Captures() != 0 {
		t.Fatalf("expected no charge")
	}
}

func TestOrchestrator_InvalidRequestNeverReachesLedger(t *testing.T) {
	h := newHarness(t, nil, nil)
	req := validRequest("order-bad")
	req.Items = nil

	if _, err := h.orch.CreateOrder(context.Background(), req); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected invalid order, got %v", err)
	}
	if _, ok := h.ledger.Get(ledger.Scope{Key: "order-bad", Service: Service, Endpoint: EndpointCreateOrder}); ok {
		t.Fatalf("validation errors must not be recorded")
	}
}

func TestOrchestrator_DerivesSagaKey(t *testing.T) {
	h := newHarness(t, nil, nil)

	first, err := h.orch.CreateOrder(context.Background(), validRequest(""))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if !strings.HasPrefix(first.SagaKey, idempotency.DerivedKeyPrefix) {
		t.Fatalf("expected derived key, got %q", first.SagaKey)
	}
	second, err := h.orch.CreateOrder(context.Background(), validRequest(""))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.OrderID != first.OrderID || h.gateway.Captures() != 1 {
		t.Fatalf("expected identical request to deduplicate")
	}
}

func TestOrchestrator_PublishesEvents(t *testing.T) {
	h := newHarness(t, nil, nil)
	if _, err := h.orch.CreateOrder(context.Background(), validRequest("order-ev")); err != nil {
		t.Fatalf("create order: %v", err)
	}
	last := h.notifier.events[len(h.notifier.events)-1]
	if last.State != saga.StateOrderPersisted || last.SagaKey != "order-ev" {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestCreateOrderRequest_Validate(t *testing.T) {
	cases := []func(*CreateOrderRequest){
		func(r *CreateOrderRequest) { r.CustomerID = "" },
		func(r *CreateOrderRequest) { r.Items[0].Quantity = 0 },
		func(r *CreateOrderRequest) { r.Currency = "" },
		func(r *CreateOrderRequest) { r.PaymentInstrument = "" },
	}
	for i, mutate := range cases {
		req := validRequest("k")
		mutate(&req)
		if err := req.Validate(); !errors.Is(err, ErrInvalidOrder) {
			t.Fatalf("case %d: expected ErrInvalidOrder, got %v", i, err)
		}
	}
}
