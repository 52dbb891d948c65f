// Package hostdir is a read-only view of the external host directory and
// staking registry. The settlement core only reads a host's eligibility flag
// and its per-currency minimum prices; it never mutates them.
package hostdir

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/gridmarket/escrowd/internal/currency"
)

// Directory abstracts the host registry so the pricing validator can be
// tested against a stub and the backing store can be swapped.
type Directory interface {
	// MinPrice returns the host's minimum price-per-unit for the given
	// currency, or (nil, false) when the host has no listing for it.
	MinPrice(ctx context.Context, host common.Address, cur currency.Currency) (*big.Int, bool, error)
	// Eligible reports whether the host is currently allowed to serve sessions.
	Eligible(ctx context.Context, host common.Address) (bool, error)
}

const hostKeyPrefix = "hostdir:host:"

// RedisDirectory reads the hash the external registry maintains per host:
// field "eligible" plus one field per currency key holding the minimum price.
type RedisDirectory struct {
	rdb *redis.Client
}

func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

func hostKey(host common.Address) string {
	return hostKeyPrefix + host.Hex()
}

func (d *RedisDirectory) MinPrice(ctx context.Context, host common.Address, cur currency.Currency) (*big.Int, bool, error) {
	raw, err := d.rdb.HGet(ctx, hostKey(host), "min_price:"+cur.Key()).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read host pricing: %w", err)
	}
	min, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, false, fmt.Errorf("corrupt min price for %s/%s: %q", host.Hex(), cur, raw)
	}
	return min, true, nil
}

func (d *RedisDirectory) Eligible(ctx context.Context, host common.Address) (bool, error) {
	raw, err := d.rdb.HGet(ctx, hostKey(host), "eligible").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read host eligibility: %w", err)
	}
	return raw == "1" || raw == "true", nil
}
