package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is an item a seller offers for escrow purchase.
type Product struct {
	ID          string
	SellerID    string
	Name        string
	Description string
	Price       decimal.Decimal
	CreatedAt   time.Time
}

// CreateParams carries the fields a seller supplies for a new product.
type CreateParams struct {
	SellerID    string
	Name        string
	Description string
	Price       decimal.Decimal
}

// Filter narrows product listings. Empty fields match everything.
type Filter struct {
	SellerID string
	Limit    int
}
