package currency

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRegistry_AddAndMinDeposit(t *testing.T) {
	reg := NewRegistry(newTestRedis(t))
	ctx := context.Background()

	min := big.NewInt(10_000)
	if err := reg.Add(ctx, NewNative(), min); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := reg.MinDeposit(ctx, NewNative())
	if err != nil {
		t.Fatalf("MinDeposit: %v", err)
	}
	if got.Cmp(min) != 0 {
		t.Errorf("MinDeposit: got %s want %s", got, min)
	}

	ok, err := reg.Accepted(ctx, NewNative())
	if err != nil || !ok {
		t.Errorf("Accepted: ok=%v err=%v", ok, err)
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry(newTestRedis(t))
	ctx := context.Background()

	if err := reg.Add(ctx, NewNative(), big.NewInt(100)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := reg.Add(ctx, NewNative(), big.NewInt(999))
	if !errors.Is(err, ErrCurrencyExists) {
		t.Fatalf("expected ErrCurrencyExists, got %v", err)
	}

	// Original minimum untouched
	got, _ := reg.MinDeposit(ctx, NewNative())
	if got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("minimum changed by failed re-add: %s", got)
	}
}

func TestRegistry_ZeroMinDepositRejected(t *testing.T) {
	reg := NewRegistry(newTestRedis(t))
	ctx := context.Background()

	for _, bad := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if err := reg.Add(ctx, NewNative(), bad); !errors.Is(err, ErrInvalidMinDeposit) {
			t.Errorf("Add(%v): expected ErrInvalidMinDeposit, got %v", bad, err)
		}
	}
}

func TestRegistry_NotAccepted(t *testing.T) {
	reg := NewRegistry(newTestRedis(t))
	ctx := context.Background()

	_, err := reg.MinDeposit(ctx, NewNative())
	if !errors.Is(err, ErrCurrencyNotAccepted) {
		t.Fatalf("expected ErrCurrencyNotAccepted, got %v", err)
	}
}
