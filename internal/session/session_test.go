package session

import (
	"context"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/gridmarket/escrowd/internal/currency"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func testSession() *Session {
	return &Session{
		ID:               "sess-test-001",
		Depositor:        common.HexToAddress("0xABCDEF1234567890ABCDEF1234567890ABCDEF12"),
		Host:             common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Currency:         currency.NewNative(),
		Deposit:          big.NewInt(1_000_000),
		PricePerUnit:     big.NewInt(10),
		MaxDurationSec:   3600,
		ProofIntervalSec: 60,
		StartTime:        1_700_000_000,
		LastProofTime:    1_700_000_000,
		ProvenUnits:      new(big.Int),
		Status:           StatusActive,
	}
}

func TestStore_CreateGet(t *testing.T) {
	st := NewStore(newTestRedis(t))
	ctx := context.Background()
	want := testSession()

	if err := st.Create(ctx, want); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := st.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}

	if got.ID != want.ID {
		t.Errorf("ID: got %q want %q", got.ID, want.ID)
	}
	if got.Depositor != want.Depositor {
		t.Errorf("Depositor: got %s want %s", got.Depositor.Hex(), want.Depositor.Hex())
	}
	if got.Host != want.Host {
		t.Errorf("Host: got %s want %s", got.Host.Hex(), want.Host.Hex())
	}
	if !got.Currency.Equal(want.Currency) {
		t.Errorf("Currency: got %v want %v", got.Currency, want.Currency)
	}
	if got.Deposit.Cmp(want.Deposit) != 0 {
		t.Errorf("Deposit: got %s want %s", got.Deposit, want.Deposit)
	}
	if got.PricePerUnit.Cmp(want.PricePerUnit) != 0 {
		t.Errorf("PricePerUnit: got %s want %s", got.PricePerUnit, want.PricePerUnit)
	}
	if got.MaxDurationSec != want.MaxDurationSec {
		t.Errorf("MaxDurationSec: got %d want %d", got.MaxDurationSec, want.MaxDurationSec)
	}
	if got.ProvenUnits.Sign() != 0 {
		t.Errorf("ProvenUnits: got %s want 0", got.ProvenUnits)
	}
	if got.Status != StatusActive {
		t.Errorf("Status: got %q", got.Status)
	}
}

func TestStore_GetMissing(t *testing.T) {
	st := NewStore(newTestRedis(t))

	got, err := st.Get(context.Background(), "sess-missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestStore_RecordProof(t *testing.T) {
	st := NewStore(newTestRedis(t))
	ctx := context.Background()
	s := testSession()
	st.Create(ctx, s) //nolint:errcheck

	proven := big.NewInt(250)
	if err := st.RecordProof(ctx, s.ID, proven, 1_700_000_120, "0xdeadbeef", "bafyproof", "bafydelta"); err != nil {
		t.Fatalf("RecordProof: %v", err)
	}

	got, _ := st.Get(ctx, s.ID)
	if got.ProvenUnits.Cmp(proven) != 0 {
		t.Errorf("ProvenUnits: got %s want %s", got.ProvenUnits, proven)
	}
	if got.LastProofTime != 1_700_000_120 {
		t.Errorf("LastProofTime: got %d", got.LastProofTime)
	}
	if got.LastProofHash != "0xdeadbeef" || got.LastProofCID != "bafyproof" || got.LastDeltaCID != "bafydelta" {
		t.Errorf("commitment pointers not updated: %+v", got)
	}
	// Immutable terms untouched
	if got.Deposit.Cmp(s.Deposit) != 0 || got.PricePerUnit.Cmp(s.PricePerUnit) != 0 {
		t.Error("immutable fields changed by RecordProof")
	}
}

func TestStore_SetStatus(t *testing.T) {
	st := NewStore(newTestRedis(t))
	ctx := context.Background()
	s := testSession()
	st.Create(ctx, s) //nolint:errcheck

	if err := st.SetStatus(ctx, s.ID, StatusCompleted); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := st.Get(ctx, s.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status: got %q want %q", got.Status, StatusCompleted)
	}
	if !got.Status.Terminal() {
		t.Error("completed status must be terminal")
	}
}

func TestSession_Expired(t *testing.T) {
	s := testSession()
	if s.Expired(s.StartTime + s.MaxDurationSec) {
		t.Error("expired exactly at deadline")
	}
	if !s.Expired(s.StartTime + s.MaxDurationSec + 1) {
		t.Error("not expired past deadline")
	}
}
