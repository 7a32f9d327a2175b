package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownTier is returned when a plan name does not match any tier.
	ErrUnknownTier = errors.New("pricing: unknown tier")
	// ErrInvalidAmount signals a non-positive amount was priced.
	ErrInvalidAmount = errors.New("pricing: amount must be positive")
)

// Tier is a pricing plan charging a percentage of the transaction amount
// with a fixed minimum.
type Tier struct {
	Name    string
	Rate    decimal.Decimal
	Minimum decimal.Decimal
}

var (
	Basic    = Tier{Name: "basic", Rate: decimal.RequireFromString("0.019"), Minimum: decimal.NewFromInt(5)}
	Standard = Tier{Name: "standard", Rate: decimal.RequireFromString("0.015"), Minimum: decimal.NewFromInt(4)}
	Premium  = Tier{Name: "premium", Rate: decimal.RequireFromString("0.010"), Minimum: decimal.NewFromInt(3)}
)

// Tiers lists the available plans from most to least expensive.
func Tiers() []Tier {
	return []Tier{Basic, Standard, Premium}
}

// ParseTier resolves a plan by name, case-insensitively.
func ParseTier(name string) (Tier, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, t := range Tiers() {
		if t.Name == needle {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("%w %q", ErrUnknownTier, name)
}

// Fee returns the escrow fee for amount rounded to cents, never below the
// tier minimum.
func (t Tier) Fee(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	fee := amount.Mul(t.Rate).Round(2)
	if fee.LessThan(t.Minimum) {
		fee = t.Minimum
	}
	return fee, nil
}

// String renders the plan the way it is advertised, e.g. "1.5% (min $4.00)".
func (t Tier) String() string {
	return fmt.Sprintf("%s%% (min $%s)", t.Rate.Shift(2).String(), t.Minimum.StringFixed(2))
}
