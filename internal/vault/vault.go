// Package vault tracks pre-funded balances per (depositor, currency) so a
// renter can open sessions without a fresh on-chain transfer each time.
// Balances grow via verified deposits and refund fallbacks, shrink via
// session creation and explicit withdrawal.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/gridmarket/escrowd/internal/currency"
	"github.com/gridmarket/escrowd/internal/locks"
)

const balanceKeyPrefix = "escrow:vault:"

var (
	ErrZeroAmount          = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient vault balance")
)

// Store holds vault balances as decimal big.Int strings in Redis, one key per
// (depositor, currency). Amounts can exceed int64 so read-modify-write under
// a per-key lock is used instead of INCRBY.
type Store struct {
	rdb   *redis.Client
	locks *locks.Keyed
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, locks: locks.NewKeyed()}
}

func balanceKey(owner common.Address, cur currency.Currency) string {
	return balanceKeyPrefix + strings.ToLower(owner.Hex()) + ":" + cur.Key()
}

// Credit adds amount to the owner's balance.
func (s *Store) Credit(ctx context.Context, owner common.Address, cur currency.Currency, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	key := balanceKey(owner, cur)
	unlock := s.locks.Lock(key)
	defer unlock()

	bal, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	bal.Add(bal, amount)
	return s.write(ctx, key, bal)
}

// Debit subtracts amount, failing with ErrInsufficientBalance (and no state
// change) when the balance is short.
func (s *Store) Debit(ctx context.Context, owner common.Address, cur currency.Currency, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	key := balanceKey(owner, cur)
	unlock := s.locks.Lock(key)
	defer unlock()

	bal, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	return s.write(ctx, key, bal)
}

// Balance returns the current balance, zero for unknown owners.
func (s *Store) Balance(ctx context.Context, owner common.Address, cur currency.Currency) (*big.Int, error) {
	return s.read(ctx, balanceKey(owner, cur))
}

func (s *Store) read(ctx context.Context, key string) (*big.Int, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault balance: %w", err)
	}
	bal, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt vault balance %s: %q", key, raw)
	}
	return bal, nil
}

func (s *Store) write(ctx context.Context, key string, bal *big.Int) error {
	if bal.Sign() == 0 {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("clear vault balance: %w", err)
		}
		return nil
	}
	if err := s.rdb.Set(ctx, key, bal.String(), 0).Err(); err != nil {
		return fmt.Errorf("write vault balance: %w", err)
	}
	return nil
}
