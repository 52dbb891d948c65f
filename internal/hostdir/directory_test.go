package hostdir

import (
	"context"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/gridmarket/escrowd/internal/currency"
)

var testHost = common.HexToAddress("0x1111111111111111111111111111111111111111")

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func seedHost(t *testing.T, rdb *redis.Client, host common.Address, eligible string, mins map[string]string) {
	t.Helper()
	ctx := context.Background()
	if err := rdb.HSet(ctx, hostKey(host), "eligible", eligible).Err(); err != nil {
		t.Fatal(err)
	}
	for curKey, min := range mins {
		if err := rdb.HSet(ctx, hostKey(host), "min_price:"+curKey, min).Err(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMinPrice_PerCurrency(t *testing.T) {
	rdb := newTestRedis(t)
	dir := NewRedisDirectory(rdb)
	ctx := context.Background()

	token := currency.NewToken(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	seedHost(t, rdb, testHost, "1", map[string]string{
		currency.NewNative().Key(): "3000000000",
		token.Key():                "5000",
	})

	min, ok, err := dir.MinPrice(ctx, testHost, currency.NewNative())
	if err != nil || !ok {
		t.Fatalf("MinPrice native: ok=%v err=%v", ok, err)
	}
	if min.Cmp(big.NewInt(3_000_000_000)) != 0 {
		t.Errorf("native min: got %s", min)
	}

	min, ok, err = dir.MinPrice(ctx, testHost, token)
	if err != nil || !ok {
		t.Fatalf("MinPrice token: ok=%v err=%v", ok, err)
	}
	if min.Cmp(big.NewInt(5000)) != 0 {
		t.Errorf("token min: got %s", min)
	}
}

func TestMinPrice_NoListing(t *testing.T) {
	dir := NewRedisDirectory(newTestRedis(t))

	_, ok, err := dir.MinPrice(context.Background(), testHost, currency.NewNative())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no listing")
	}
}

func TestEligible(t *testing.T) {
	rdb := newTestRedis(t)
	dir := NewRedisDirectory(rdb)
	ctx := context.Background()

	ok, err := dir.Eligible(ctx, testHost)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unknown host must not be eligible")
	}

	seedHost(t, rdb, testHost, "1", nil)
	ok, err = dir.Eligible(ctx, testHost)
	if err != nil || !ok {
		t.Fatalf("expected eligible, ok=%v err=%v", ok, err)
	}
}
