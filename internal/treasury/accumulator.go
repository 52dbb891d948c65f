// Package treasury is the pull-payment ledger for platform fees. Fees that
// could not be pushed during settlement (or are deliberately batched) accrue
// here per currency until the treasury explicitly withdraws them, so a single
// broken recipient can never freeze session settlement.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/redis/go-redis/v9"

	"github.com/gridmarket/escrowd/internal/currency"
	"github.com/gridmarket/escrowd/internal/locks"
)

const feeKeyPrefix = "escrow:treasury:fees:"

var ErrNothingAccrued = errors.New("no accrued fees for currency")

type Accumulator struct {
	rdb   *redis.Client
	locks *locks.Keyed
}

func NewAccumulator(rdb *redis.Client) *Accumulator {
	return &Accumulator{rdb: rdb, locks: locks.NewKeyed()}
}

func feeKey(cur currency.Currency) string {
	return feeKeyPrefix + cur.Key()
}

// Accrue adds amount to the owed-but-unpaid balance for cur.
func (a *Accumulator) Accrue(ctx context.Context, cur currency.Currency, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil // nothing to accrue
	}
	key := feeKey(cur)
	unlock := a.locks.Lock(key)
	defer unlock()

	bal, err := a.read(ctx, key)
	if err != nil {
		return err
	}
	bal.Add(bal, amount)
	if err := a.rdb.Set(ctx, key, bal.String(), 0).Err(); err != nil {
		return fmt.Errorf("write treasury balance: %w", err)
	}
	return nil
}

// Drain zeroes the balance for cur and returns what was owed. The caller is
// responsible for actually moving the value; on a failed push it must Accrue
// the amount back.
func (a *Accumulator) Drain(ctx context.Context, cur currency.Currency) (*big.Int, error) {
	key := feeKey(cur)
	unlock := a.locks.Lock(key)
	defer unlock()

	bal, err := a.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if bal.Sign() == 0 {
		return nil, ErrNothingAccrued
	}
	if err := a.rdb.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("clear treasury balance: %w", err)
	}
	return bal, nil
}

// Balance returns the accrued fee balance for cur, zero when nothing is owed.
func (a *Accumulator) Balance(ctx context.Context, cur currency.Currency) (*big.Int, error) {
	return a.read(ctx, feeKey(cur))
}

func (a *Accumulator) read(ctx context.Context, key string) (*big.Int, error) {
	raw, err := a.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read treasury balance: %w", err)
	}
	bal, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt treasury balance %s: %q", key, raw)
	}
	return bal, nil
}
