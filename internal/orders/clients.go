package orders

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"orderflow/internal/orders/saga"

	"github.com/google/uuid"
)

// CountryValidator accepts addresses in a fixed set of countries and normalizes them.
type CountryValidator struct {
	countries map[string]bool
}

// NewCountryValidator constructs a validator. An empty list accepts every country.
func NewCountryValidator(countries ...string) *CountryValidator {
	allowed := make(map[string]bool, len(countries))
	for _, c := range countries {
		allowed[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &CountryValidator{countries: allowed}
}

func (v *CountryValidator) Validate(ctx context.Context, addr saga.Address) (saga.Address, error) {
	if err := ctx.Err(); err != nil {
		return saga.Address{}, err
	}
	normalized := saga.Address{
		Line1:      strings.TrimSpace(addr.Line1),
		City:       strings.TrimSpace(addr.City),
		PostalCode: strings.ToUpper(strings.TrimSpace(addr.PostalCode)),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
	}
	if normalized.Line1 == "" || normalized.City == "" || normalized.PostalCode == "" || normalized.Country == "" {
		return saga.Address{}, fmt.Errorf("%w: incomplete address", saga.ErrAddressUnservable)
	}
	if len(v.countries) > 0 && !v.countries[normalized.Country] {
		return saga.Address{}, fmt.Errorf("%w: no shipping to %s", saga.ErrAddressUnservable, normalized.Country)
	}
	return normalized, nil
}

// NewInMemoryInventory constructs an inventory with the given stock levels.
func NewInMemoryInventory(stock map[string]int) *InMemoryInventory {
	levels := make(map[string]int, len(stock))
	for sku, qty := range stock {
		levels[sku] = qty
	}
	return &InMemoryInventory{
		stock:        levels,
		reservations: make(map[string]*memReservation),
		byKey:        make(map[string]string),
	}
}

type memReservation struct {
	items    []saga.LineItem
	released bool
}

// InMemoryInventory tracks stock and reservations in memory.
type InMemoryInventory struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]*memReservation
	byKey        map[string]string
	reserveCalls int
}

func (i *InMemoryInventory) Reserve(ctx context.Context, reservationKey string, items []saga.LineItem) (saga.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return saga.Reservation{}, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.reserveCalls++

	if id, ok := i.byKey[reservationKey]; ok {
		return saga.Reservation{ID: id, Items: i.reservations[id].items}, nil
	}
	for _, item := range items {
		available, ok := i.stock[item.SKU]
		if !ok {
			return saga.Reservation{}, fmt.Errorf("%w: %s", saga.ErrUnknownSKU, item.SKU)
		}
		if available < item.Quantity {
			return saga.Reservation{}, fmt.Errorf("%w: %s has %d, need %d", saga.ErrInsufficientStock, item.SKU, available, item.Quantity)
		}
	}
	for _, item := range items {
		i.stock[item.SKU] -= item.Quantity
	}

	id := "res_" + uuid.NewString()
	held := append([]saga.LineItem(nil), items...)
	i.reservations[id] = &memReservation{items: held}
	i.byKey[reservationKey] = id
	return saga.Reservation{ID: id, Items: held}, nil
}

func (i *InMemoryInventory) Release(ctx context.Context, reservationID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	res, ok := i.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", saga.ErrReservationMissing, reservationID)
	}
	if res.released {
		return nil
	}
	for _, item := range res.items {
		i.stock[item.SKU] += item.Quantity
	}
	res.released = true
	return nil
}

// Stock returns the available quantity of a SKU.
func (i *InMemoryInventory) Stock(sku string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stock[sku]
}

// ReserveCalls counts Reserve invocations, including deduplicated ones.
func (i *InMemoryInventory) ReserveCalls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reserveCalls
}

// Released reports whether a reservation was released.
func (i *InMemoryInventory) Released(reservationID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	res, ok := i.reservations[reservationID]
	return ok && res.released
}

// NewInMemoryOrderRepository constructs an in-memory order repository.
func NewInMemoryOrderRepository() *InMemoryOrderRepository {
	return &InMemoryOrderRepository{bySagaKey: make(map[string]saga.Order)}
}

// InMemoryOrderRepository stores orders in memory, one per saga key.
type InMemoryOrderRepository struct {
	mu        sync.Mutex
	bySagaKey map[string]saga.Order
}

func (r *InMemoryOrderRepository) Save(ctx context.Context, order saga.Order) (saga.Order, error) {
	if err := ctx.Err(); err != nil {
		return saga.Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.bySagaKey[order.SagaKey]; ok {
		return existing, nil
	}
	r.bySagaKey[order.SagaKey] = order
	return order, nil
}

// Count returns the number of stored orders.
func (r *InMemoryOrderRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySagaKey)
}
