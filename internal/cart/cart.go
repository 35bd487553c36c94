package cart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"orderflow/internal/idempotency"
)

const (
	ServiceName    = "cart"
	EndpointAdd    = "add"
	EndpointRemove = "remove"
)

// ErrInvalidItem marks cart requests rejected before they reach the ledger.
var ErrInvalidItem = errors.New("invalid cart request")

// Entry is one product line in a cart.
type Entry struct {
	ProductID string `json:"product"`
	Quantity  int    `json:"qty"`
}

// Cart is a user's cart with entries sorted by product.
type Cart struct {
	UserID string  `json:"user"`
	Items  []Entry `json:"items"`
}

// ItemRequest adds or removes a product. Quantity is ignored on removal.
type ItemRequest struct {
	OperationKey string `json:"operation_key,omitempty"`
	UserID       string `json:"user"`
	ProductID    string `json:"product"`
	Quantity     int    `json:"qty,omitempty"`
}

func (r ItemRequest) validate(needQuantity bool) error {
	if r.UserID == "" || r.ProductID == "" {
		return fmt.Errorf("%w: user and product are required", ErrInvalidItem)
	}
	if needQuantity && r.Quantity <= 0 {
		return fmt.Errorf("%w: qty must be positive", ErrInvalidItem)
	}
	return nil
}

func (r ItemRequest) payload() ItemRequest {
	r.OperationKey = ""
	return r
}

// Store holds cart contents. Add and Remove are plain mutations; the Service makes them idempotent.
type Store interface {
	Add(ctx context.Context, userID, productID string, qty int) (Cart, error)
	Remove(ctx context.Context, userID, productID string) (Cart, error)
	Get(ctx context.Context, userID string) (Cart, error)
}

// Service applies cart mutations at most once per operation key.
type Service struct {
	coord *idempotency.Coordinator
	store Store
}

// NewService constructs a cart Service.
func NewService(coord *idempotency.Coordinator, store Store) *Service {
	return &Service{coord: coord, store: store}
}

// AddItem adds qty of a product to the user's cart.
func (s *Service) AddItem(ctx context.Context, req ItemRequest) (Cart, error) {
	if err := req.validate(true); err != nil {
		return Cart{}, err
	}
	cart, _, err := idempotency.Run(ctx, s.coord, idempotency.Request{
		Key:      req.OperationKey,
		Service:  ServiceName,
		Endpoint: EndpointAdd,
		Payload:  req.payload(),
	}, func(ctx context.Context) (Cart, error) {
		return s.store.Add(ctx, req.UserID, req.ProductID, req.Quantity)
	})
	return cart, err
}

// RemoveItem drops a product from the user's cart.
func (s *Service) RemoveItem(ctx context.Context, req ItemRequest) (Cart, error) {
	if err := req.validate(false); err != nil {
		return Cart{}, err
	}
	req.Quantity = 0
	cart, _, err := idempotency.Run(ctx, s.coord, idempotency.Request{
		Key:      req.OperationKey,
		Service:  ServiceName,
		Endpoint: EndpointRemove,
		Payload:  req.payload(),
	}, func(ctx context.Context) (Cart, error) {
		return s.store.Remove(ctx, req.UserID, req.ProductID)
	})
	return cart, err
}

// Get reads the cart; reads are not recorded in the ledger.
func (s *Service) Get(ctx context.Context, userID string) (Cart, error) {
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user is required", ErrInvalidItem)
	}
	return s.store.Get(ctx, userID)
}

// MemoryStore keeps carts in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	carts map[string]map[string]int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]map[string]int)}
}

func (m *MemoryStore) Add(_ context.Context, userID, productID string, qty int) (Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines, ok := m.carts[userID]
	if !ok {
		lines = make(map[string]int)
		m.carts[userID] = lines
	}
	lines[productID] += qty
	return snapshot(userID, lines), nil
}

func (m *MemoryStore) Remove(_ context.Context, userID, productID string) (Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines := m.carts[userID]
	delete(lines, productID)
	return snapshot(userID, lines), nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(userID, m.carts[userID]), nil
}

func snapshot(userID string, lines map[string]int) Cart {
	cart := Cart{UserID: userID, Items: make([]Entry, 0, len(lines))}
	for product, qty := range lines {
		cart.Items = append(cart.Items, Entry{ProductID: product, Quantity: qty})
	}
	sort.Slice(cart.Items, func(i, j int) bool { return cart.Items[i].ProductID < cart.Items[j].ProductID })
	return cart
}
