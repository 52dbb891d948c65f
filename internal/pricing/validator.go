// Package pricing validates a session's offered price-per-unit against the
// host's currency-specific minimum from the host directory. Native and token
// minimums are independent axes: an offer in one currency is never compared
// against the other's minimum.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gridmarket/escrowd/internal/currency"
	"github.com/gridmarket/escrowd/internal/hostdir"
)

var (
	ErrInvalidPrice      = errors.New("invalid price")
	ErrPriceBelowMinimum = errors.New("price below host minimum")
	ErrHostNotListed     = errors.New("host has no listing for currency")
)

// Validator is a pure read-and-compare check; it never mutates the directory.
type Validator struct {
	dir hostdir.Directory
}

func NewValidator(dir hostdir.Directory) *Validator {
	return &Validator{dir: dir}
}

// Validate checks offeredPrice against the host's minimum for cur.
// The zero-price check runs before the minimum comparison so a zero offer
// always reports the more specific error.
func (v *Validator) Validate(ctx context.Context, host common.Address, cur currency.Currency, offeredPrice *big.Int) error {
	if offeredPrice == nil || offeredPrice.Sign() <= 0 {
		return ErrInvalidPrice
	}
	min, listed, err := v.dir.MinPrice(ctx, host, cur)
	if err != nil {
		return fmt.Errorf("host minimum lookup: %w", err)
	}
	if !listed {
		return ErrHostNotListed
	}
	if offeredPrice.Cmp(min) < 0 {
		return ErrPriceBelowMinimum
	}
	return nil
}
