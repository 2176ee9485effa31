package payments

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUnknownVariant means the submitted product variant is not in the
// catalog.
var ErrUnknownVariant = errors.New("unknown product variant")

// Variant names a purchasable turn bundle.
type Variant string

const (
	VariantTenTurns    Variant = "10_turns"
	VariantTwentyTurns Variant = "20_turns"
)

// Product maps a variant to its ETH price and the turns it grants.
type Product struct {
	Variant  Variant
	PriceETH decimal.Decimal
	Turns    int
}

// Catalog is the active product table. It is configuration, injected at
// construction; nothing else in the package hardcodes prices.
type Catalog map[Variant]Product

// DefaultCatalog returns the launch price table.
func DefaultCatalog() Catalog {
	return Catalog{
		VariantTenTurns: {
			Variant:  VariantTenTurns,
			PriceETH: decimal.RequireFromString("0.0016"),
			Turns:    10,
		},
		VariantTwentyTurns: {
			Variant:  VariantTwentyTurns,
			PriceETH: decimal.RequireFromString("0.0024"),
			Turns:    20,
		},
	}
}

// Lookup resolves a raw variant string against the catalog.
func (c Catalog) Lookup(raw string) (Product, error) {
	p, ok := c[Variant(raw)]
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", ErrUnknownVariant, raw)
	}
	return p, nil
}
