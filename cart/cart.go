package cart

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"escrowflow/catalog"
)

var (
	// ErrInvalidQuantity signals a non-positive quantity was added.
	ErrInvalidQuantity = errors.New("cart: quantity must be at least 1")
	// ErrEmptyCart signals checkout of a cart with no lines.
	ErrEmptyCart = errors.New("cart: empty")
)

// Line is one product in the cart with its quantity.
type Line struct {
	Product  catalog.Product
	Quantity int
}

// Subtotal is the line price times its quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.Product.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart holds lines keyed by product id in insertion order. The zero value is
// not usable; call New.
type Cart struct {
	order []string
	lines map[string]Line
}

func New() *Cart {
	return &Cart{lines: make(map[string]Line)}
}

// Add puts quantity units of p in the cart, merging with an existing line.
func (c *Cart) Add(p catalog.Product, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	if line, ok := c.lines[p.ID]; ok {
		if line.Quantity > math.MaxInt-quantity {
			return fmt.Errorf("%w: %d more units of %s overflows the line", ErrInvalidQuantity, quantity, p.ID)
		}
		line.Quantity += quantity
		c.lines[p.ID] = line
		return nil
	}
	c.order = append(c.order, p.ID)
	c.lines[p.ID] = Line{Product: p, Quantity: quantity}
	return nil
}

// UpdateQuantity sets the quantity of a line. Zero or less removes it.
func (c *Cart) UpdateQuantity(productID string, quantity int) {
	if quantity <= 0 {
		c.Remove(productID)
		return
	}
	if line, ok := c.lines[productID]; ok {
		line.Quantity = quantity
		c.lines[productID] = line
	}
}

func (c *Cart) Remove(productID string) {
	if _, ok := c.lines[productID]; !ok {
		return
	}
	delete(c.lines, productID)
	for i, id := range c.order {
		if id == productID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Lines returns the cart contents in insertion order.
func (c *Cart) Lines() []Line {
	out := make([]Line, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.lines[id])
	}
	return out
}

func (c *Cart) Len() int {
	return len(c.order)
}

// Count is the number of units across all lines.
func (c *Cart) Count() int {
	n := 0
	for _, line := range c.lines {
		n += line.Quantity
	}
	return n
}

func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

func (c *Cart) Clear() {
	c.order = nil
	c.lines = make(map[string]Line)
}
