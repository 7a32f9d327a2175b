package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"escrowflow/catalog"
	"escrowflow/ledger"
)

// ErrOwnProduct signals a seller tried to buy their own listing.
var ErrOwnProduct = errors.New("cart: cannot purchase own product")

// ProductReader resolves product ids to catalog entries.
type ProductReader interface {
	GetByID(ctx context.Context, id string) (catalog.Product, error)
}

// Ledger is the subset of the escrow ledger checkout drives.
type Ledger interface {
	CreateTransaction(ctx context.Context, params ledger.CreateTransactionParams) (ledger.Transaction, error)
	CaptureFunds(ctx context.Context, transactionID string) (ledger.Transaction, error)
}

// Item is a requested product and quantity.
type Item struct {
	ProductID string
	Quantity  int
}

// Checkout turns carts into funded escrow transactions.
type Checkout struct {
	products ProductReader
	ledger   Ledger
	logger   *slog.Logger
}

func NewCheckout(products ProductReader, l Ledger, logger *slog.Logger) *Checkout {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Checkout{products: products, ledger: l, logger: logger.With("module", "checkout")}
}

// Build resolves items against the catalog into a cart for buyerID.
func (c *Checkout) Build(ctx context.Context, buyerID string, items []Item) (*Cart, error) {
	cart := New()
	for _, item := range items {
		p, err := c.products.GetByID(ctx, item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("cart: resolve product %s: %w", item.ProductID, err)
		}
		if p.SellerID == buyerID {
			return nil, fmt.Errorf("%w: %s", ErrOwnProduct, p.ID)
		}
		if err := cart.Add(p, item.Quantity); err != nil {
			return nil, err
		}
	}
	return cart, nil
}

// PlaceOrder creates and funds one escrow transaction per cart line in
// insertion order. On failure it stops and returns the transactions created
// so far alongside the error.
func (c *Checkout) PlaceOrder(ctx context.Context, buyerID string, cart *Cart) ([]ledger.Transaction, error) {
	if cart == nil || cart.Len() == 0 {
		return nil, ErrEmptyCart
	}

	placed := make([]ledger.Transaction, 0, cart.Len())
	for _, line := range cart.Lines() {
		if line.Product.SellerID == buyerID {
			return placed, fmt.Errorf("%w: %s", ErrOwnProduct, line.Product.ID)
		}
		tx, err := c.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
			BuyerID:    buyerID,
			SellerID:   line.Product.SellerID,
			ProductRef: line.Product.ID,
			Amount:     line.Subtotal(),
		})
		if err != nil {
			c.logger.Error("checkout stopped", "operation", "place_order", "outcome", "error",
				"buyer_id", buyerID, "product_id", line.Product.ID, "placed", len(placed), "error", err.Error())
			return placed, fmt.Errorf("cart: create transaction for %s: %w", line.Product.ID, err)
		}
		funded, err := c.ledger.CaptureFunds(ctx, tx.ID)
		if err != nil {
			placed = append(placed, tx)
			c.logger.Error("checkout stopped", "operation", "place_order", "outcome", "error",
				"buyer_id", buyerID, "transaction_id", tx.ID, "placed", len(placed), "error", err.Error())
			return placed, fmt.Errorf("cart: capture funds for %s: %w", tx.ID, err)
		}
		placed = append(placed, funded)
	}

	c.logger.Info("order placed", "operation", "place_order", "outcome", "ok",
		"buyer_id", buyerID, "transactions", len(placed), "total", cart.Total().StringFixed(2))
	return placed, nil
}
