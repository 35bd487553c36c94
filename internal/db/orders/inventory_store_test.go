package ordersdb

import (
	"context"
	"errors"
	"testing"

	"orderflow/internal/orders/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var errBoom = errors.New("boom")

func newTestInventory(t *testing.T) (*InventoryStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	store := NewInventoryStore(db)
	store.newID = func() string { return "res-fixed" }
	return store, mock
}

func TestInventoryStore_InitSchemaAndSetStock(t *testing.T) {
	store, mock := newTestInventory(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS inventory_stock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS stock_reservations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO inventory_stock").
		WithArgs("sku-1", 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	if err := store.SetStock(context.Background(), "sku-1", 5); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
}

func TestInventoryStore_SeedStockKeepsExistingLevels(t *testing.T) {
	store, mock := newTestInventory(t)

	mock.ExpectExec("INSERT INTO inventory_stock .* DO NOTHING").
		WithArgs("sku-1", 100).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if err := store.SeedStock(context.Background(), "sku-1", 100); err != nil {
		t.Fatalf("SeedStock: %v", err)
	}
}

func TestInventoryStore_ReserveDecrementsEveryLine(t *testing.T) {
	store, mock := newTestInventory(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT reservation_id, items FROM stock_reservations").
		WithArgs("saga-1:reserve_stock").
		WillReturnRows(sqlmock.NewRows([]string{"reservation_id", "items"}))
	mock.ExpectExec("UPDATE inventory_stock SET available = available -").
		WithArgs("sku-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE inventory_stock SET available = available -").
		WithArgs("sku-2", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO stock_reservations").
		WithArgs("res-fixed", "saga-1:reserve_stock", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	items := []saga.LineItem{{SKU: "sku-1", Quantity: 2}, {SKU: "sku-2", Quantity: 1}}
	res, err := store.Reserve(context.Background(), "saga-1:reserve_stock", items)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.ID != "res-fixed" || len(res.Items) != 2 {
		t.Fatalf("unexpected reservation %+v", res)
	}
}

func TestInventoryStore_ReserveReturnsExistingReservation(t *testing.T) {
	store, mock := newTestInventory(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT reservation_id, items FROM stock_reservations").
		WithArgs("saga-1:reserve_stock").
		WillReturnRows(sqlmock.NewRows([]string{"reservation_id", "items"}).
			AddRow("res-original", []byte(`[{"sku":"sku-1","quantity":2,"unit_price":0}]`)))
	mock.ExpectCommit()
	mock.ExpectClose()

	res, err := store.Reserve(context.Background(), "saga-1:reserve_stock", []saga.LineItem{{SKU: "sku-1", Quantity: 2}})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.ID != "res-original" || res.Items[0].Quantity != 2 {
		t.Fatalf("expected the original reservation, got %+v", res)
	}
}

func TestInventoryStore_ReserveRollsBackOnShortStock(t *testing.T) {
	store, mock := newTestInventory(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT reservation_id, items FROM stock_reservations").
		WillReturnRows(sqlmock.NewRows([]string{"reservation_id", "items"}))
	mock.ExpectExec("UPDATE inventory_stock SET available = available -").
		WithArgs("sku-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE inventory_stock SET available = available -").
		WithArgs("sku-2", 4).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT available FROM inventory_stock").
		WithArgs("sku-2").
		WillReturnRows(sqlmock.NewRows([]string{"available"}).AddRow(3))
	mock.ExpectRollback()
	mock.ExpectClose()

	items := []saga.LineItem{{SKU: "sku-1", Quantity: 1}, {SKU: "sku-2", Quantity: 4}}
	_, err := store.Reserve(context.Background(), "k", items)
	if !errors.Is(err, saga.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestInventoryStore_ReserveUnknownSKU(t *testing.T) {
	store, mock := newTestInventory(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT reservation_id, items FROM stock_reservations").
		WillReturnRows(sqlmock.NewRows([]string{"reservation_id", "items"}))
	mock.ExpectExec("UPDATE inventory_stock SET available = available -").
		WithArgs("ghost", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT available FROM inventory_stock").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"available"}))
	mock.ExpectRollback()
	mock.ExpectClose()

	_, err := store.Reserve(context.Background(), "k", []saga.LineItem{{SKU: "ghost", Quantity: 1}})
	if !errors.Is(err, saga.ErrUnknownSKU) {
		t.Fatalf("expected unknown sku, got %v", err)
	}
}

func TestInventoryStore_ReserveBeginError(t *testing.T) {
	store, mock := newTestInventory(t)

	mock.ExpectBegin().WillReturnError(errBoom)
	mock.ExpectClose()

	if _, err := store.Reserve(context.Background(), "k", nil); !errors.Is(err, errBoom) {
		t.Fatalf("expected begin error, got %v", err)
	}
}

func TestInventoryStore_ReleaseRestoresStock(t *testing.T) {
	store, mock := newTestInventory(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE stock_reservations SET released = TRUE").
		WithArgs("res-1").
		WillReturnRows(sqlmock.NewRows([]string{"items"}).
			AddRow([]byte(`[{"sku":"sku-1","quantity":2,"unit_price":0}]`)))
	mock.ExpectExec("UPDATE inventory_stock SET available = available \\+").
		WithArgs("sku-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	if err := store.Release(context.Background(), "res-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestInventoryStore_ReleaseTwiceIsNoop(t *testing.T) {
	store, mock := newTestInventory(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE stock_reservations SET released = TRUE").
		WithArgs("res-1").
		WillReturnRows(sqlmock.NewRows([]string{"items"}))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("res-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()
	mock.ExpectClose()

	if err := store.Release(context.Background(), "res-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestInventoryStore_ReleaseMissingReservation(t *testing.T) {
	store, mock := newTestInventory(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE stock_reservations SET released = TRUE").
		WithArgs("res-404").
		WillReturnRows(sqlmock.NewRows([]string{"items"}))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("res-404").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()
	mock.ExpectClose()

	if err := store.Release(context.Background(), "res-404"); !errors.Is(err, saga.ErrReservationMissing) {
		t.Fatalf("expected missing reservation, got %v", err)
	}
}
