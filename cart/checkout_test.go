package cart

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"escrowflow/catalog"
	"escrowflow/ledger"
	"escrowflow/pricing"
)

type fakeProducts map[string]catalog.Product

func (f fakeProducts) GetByID(ctx context.Context, id string) (catalog.Product, error) {
	p, ok := f[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

type flakyLedger struct {
	Ledger
	failOn string
}

func (f flakyLedger) CreateTransaction(ctx context.Context, params ledger.CreateTransactionParams) (ledger.Transaction, error) {
	if params.ProductRef == f.failOn {
		return ledger.Transaction{}, errors.New("store unavailable")
	}
	return f.Ledger.CreateTransaction(ctx, params)
}

func TestPlaceOrderFundsEveryLine(t *testing.T) {
	products := fakeProducts{
		"lamp":   product("lamp", "seller-1", "89.99"),
		"camera": product("camera", "seller-2", "449.99"),
	}
	svc := ledger.NewService(ledger.NewMemoryStore(), pricing.Standard, nil)
	co := NewCheckout(products, svc, nil)
	ctx := context.Background()

	c, err := co.Build(ctx, "buyer-1", []Item{{ProductID: "lamp", Quantity: 2}, {ProductID: "camera", Quantity: 1}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	placed, err := co.PlaceOrder(ctx, "buyer-1", c)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if len(placed) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(placed))
	}
	if placed[0].ProductRef != "lamp" || !placed[0].Amount.Equal(decimal.RequireFromString("179.98")) {
		t.Fatalf("unexpected first transaction %+v", placed[0])
	}
	for _, tx := range placed {
		if tx.Status != ledger.StatusInEscrow || tx.BuyerID != "buyer-1" {
			t.Fatalf("expected funded transaction for buyer-1, got %s %s", tx.Status, tx.BuyerID)
		}
	}
	if placed[1].SellerID != "seller-2" {
		t.Fatalf("expected camera seller, got %s", placed[1].SellerID)
	}
}

func TestBuildRejectsOwnProductAndUnknown(t *testing.T) {
	products := fakeProducts{"lamp": product("lamp", "seller-1", "89.99")}
	co := NewCheckout(products, nil, nil)
	ctx := context.Background()

	if _, err := co.Build(ctx, "seller-1", []Item{{ProductID: "lamp", Quantity: 1}}); !errors.Is(err, ErrOwnProduct) {
		t.Fatalf("expected ErrOwnProduct, got %v", err)
	}
	if _, err := co.Build(ctx, "buyer-1", []Item{{ProductID: "ghost", Quantity: 1}}); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected catalog.ErrNotFound, got %v", err)
	}
	if _, err := co.Build(ctx, "buyer-1", []Item{{ProductID: "lamp", Quantity: 0}}); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	repeated := []Item{{ProductID: "lamp", Quantity: math.MaxInt}, {ProductID: "lamp", Quantity: 1}}
	if _, err := co.Build(ctx, "buyer-1", repeated); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity for merged overflow, got %v", err)
	}
}

func TestPlaceOrderStopsAtFirstFailure(t *testing.T) {
	products := fakeProducts{
		"a": product("a", "seller-1", "10.00"),
		"b": product("b", "seller-1", "20.00"),
		"c": product("c", "seller-1", "30.00"),
	}
	svc := ledger.NewService(ledger.NewMemoryStore(), pricing.Standard, nil)
	co := NewCheckout(products, flakyLedger{Ledger: svc, failOn: "b"}, nil)
	ctx := context.Background()

	c, err := co.Build(ctx, "buyer-1", []Item{{"a", 1}, {"b", 1}, {"c", 1}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	placed, err := co.PlaceOrder(ctx, "buyer-1", c)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if len(placed) != 1 || placed[0].ProductRef != "a" {
		t.Fatalf("expected only the first line placed, got %+v", placed)
	}
	all, _ := svc.ListTransactions(ctx, ledger.TransactionFilter{BuyerID: "buyer-1"})
	if len(all) != 1 {
		t.Fatalf("expected no transactions after the failure, got %d", len(all))
	}

	if _, err := co.PlaceOrder(ctx, "buyer-1", New()); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}
