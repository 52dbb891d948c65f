package currency

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/redis/go-redis/v9"
)

const registryKey = "escrow:currencies"

var (
	ErrCurrencyExists      = errors.New("currency already accepted")
	ErrCurrencyNotAccepted = errors.New("currency not accepted")
	ErrInvalidMinDeposit   = errors.New("invalid minimum deposit")
)

// Registry is the accepted-currency allow-list: which currencies sessions may
// be opened in, and the minimum escrow deposit required for each. Entries are
// written once by the treasury operator and read on every session creation.
type Registry struct {
	rdb *redis.Client
}

func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

// Add registers a currency with its minimum deposit. Re-registering an
// accepted currency fails so an operator typo cannot silently lower a minimum.
func (r *Registry) Add(ctx context.Context, cur Currency, minDeposit *big.Int) error {
	if cur.Kind != Native && cur.Kind != Token {
		return ErrInvalidCurrency
	}
	if minDeposit == nil || minDeposit.Sign() <= 0 {
		return ErrInvalidMinDeposit
	}
	set, err := r.rdb.HSetNX(ctx, registryKey, cur.Key(), minDeposit.String()).Result()
	if err != nil {
		return fmt.Errorf("register currency: %w", err)
	}
	if !set {
		return ErrCurrencyExists
	}
	return nil
}

// MinDeposit returns the registered minimum deposit, or ErrCurrencyNotAccepted.
func (r *Registry) MinDeposit(ctx context.Context, cur Currency) (*big.Int, error) {
	raw, err := r.rdb.HGet(ctx, registryKey, cur.Key()).Result()
	if err == redis.Nil {
		return nil, ErrCurrencyNotAccepted
	}
	if err != nil {
		return nil, fmt.Errorf("read currency registry: %w", err)
	}
	min, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt registry entry for %s: %q", cur, raw)
	}
	return min, nil
}

// All returns every accepted currency keyed by its canonical string, with
// the minimum deposit for each.
func (r *Registry) All(ctx context.Context) (map[string]*big.Int, error) {
	raw, err := r.rdb.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read currency registry: %w", err)
	}
	out := make(map[string]*big.Int, len(raw))
	for key, val := range raw {
		min, ok := new(big.Int).SetString(val, 10)
		if !ok {
			return nil, fmt.Errorf("corrupt registry entry for %s: %q", key, val)
		}
		out[key] = min
	}
	return out, nil
}

// Accepted reports whether the currency has been registered.
func (r *Registry) Accepted(ctx context.Context, cur Currency) (bool, error) {
	ok, err := r.rdb.HExists(ctx, registryKey, cur.Key()).Result()
	if err != nil {
		return false, fmt.Errorf("read currency registry: %w", err)
	}
	return ok, nil
}
