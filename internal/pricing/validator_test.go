package pricing

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gridmarket/escrowd/internal/currency"
)

var (
	testHost  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken = currency.NewToken(common.HexToAddress("0x2222222222222222222222222222222222222222"))
)

// stubDirectory serves fixed minimums keyed by currency.
type stubDirectory struct {
	mins map[string]*big.Int
}

func (s *stubDirectory) MinPrice(_ context.Context, _ common.Address, cur currency.Currency) (*big.Int, bool, error) {
	min, ok := s.mins[cur.Key()]
	return min, ok, nil
}

func (s *stubDirectory) Eligible(context.Context, common.Address) (bool, error) {
	return true, nil
}

func newValidator(nativeMin, tokenMin int64) *Validator {
	return NewValidator(&stubDirectory{mins: map[string]*big.Int{
		currency.NewNative().Key(): big.NewInt(nativeMin),
		testToken.Key():            big.NewInt(tokenMin),
	}})
}

func TestValidate_AtMinimumPasses(t *testing.T) {
	v := newValidator(3_000_000_000, 5000)
	ctx := context.Background()

	if err := v.Validate(ctx, testHost, currency.NewNative(), big.NewInt(3_000_000_000)); err != nil {
		t.Errorf("native at minimum: %v", err)
	}
	if err := v.Validate(ctx, testHost, testToken, big.NewInt(5000)); err != nil {
		t.Errorf("token at minimum: %v", err)
	}
}

func TestValidate_BelowMinimumRejected(t *testing.T) {
	v := newValidator(3_000_000_000, 5000)

	err := v.Validate(context.Background(), testHost, currency.NewNative(), big.NewInt(2_500_000_000))
	if !errors.Is(err, ErrPriceBelowMinimum) {
		t.Fatalf("expected ErrPriceBelowMinimum, got %v", err)
	}
}

// A native offer below the native minimum is rejected even when it clears the
// token minimum, and a token offer is judged only by the token minimum.
func TestValidate_CurrencyIndependence(t *testing.T) {
	v := newValidator(3_000_000_000, 5000)
	ctx := context.Background()

	// 2.5e9 clears the 5000 token minimum but not the native one.
	if err := v.Validate(ctx, testHost, currency.NewNative(), big.NewInt(2_500_000_000)); !errors.Is(err, ErrPriceBelowMinimum) {
		t.Errorf("native offer judged against wrong axis: %v", err)
	}
	// 5000 is far below the native minimum but exactly the token one.
	if err := v.Validate(ctx, testHost, testToken, big.NewInt(5000)); err != nil {
		t.Errorf("token offer judged against wrong axis: %v", err)
	}
}

// Zero price reports ErrInvalidPrice, not the minimum comparison.
func TestValidate_ZeroPrice(t *testing.T) {
	v := newValidator(3_000_000_000, 5000)

	for _, p := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		if err := v.Validate(context.Background(), testHost, currency.NewNative(), p); !errors.Is(err, ErrInvalidPrice) {
			t.Errorf("price %v: expected ErrInvalidPrice, got %v", p, err)
		}
	}
}

func TestValidate_UnlistedCurrency(t *testing.T) {
	v := NewValidator(&stubDirectory{mins: map[string]*big.Int{}})

	err := v.Validate(context.Background(), testHost, currency.NewNative(), big.NewInt(1))
	if !errors.Is(err, ErrHostNotListed) {
		t.Fatalf("expected ErrHostNotListed, got %v", err)
	}
}
