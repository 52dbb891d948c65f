package proof

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gridmarket/escrowd/internal/currency"
	"github.com/gridmarket/escrowd/internal/events"
	"github.com/gridmarket/escrowd/internal/locks"
	"github.com/gridmarket/escrowd/internal/session"
)

const (
	testMinBatch       = 100
	testMaxUnitsPerSec = 10
	testStart          = int64(1_700_000_000)
)

type ledgerFixture struct {
	ledger  *Ledger
	store   *session.Store
	hostKey *ecdsa.PrivateKey
	host    common.Address
	sess    *session.Session
	clock   int64
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	hostKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	host := crypto.PubkeyToAddress(hostKey.PublicKey)

	store := session.NewStore(rdb)
	sess := &session.Session{
		ID:               "sess-proof-test",
		Depositor:        common.HexToAddress("0xABCDEF1234567890ABCDEF1234567890ABCDEF12"),
		Host:             host,
		Currency:         currency.NewNative(),
		Deposit:          big.NewInt(10_000), // room for 10000 units at price 1
		PricePerUnit:     big.NewInt(1),
		MaxDurationSec:   7200,
		ProofIntervalSec: 60,
		StartTime:        testStart,
		LastProofTime:    testStart,
		ProvenUnits:      new(big.Int),
		Status:           session.StatusActive,
	}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}

	f := &ledgerFixture{
		store:   store,
		hostKey: hostKey,
		host:    host,
		sess:    sess,
		clock:   testStart + 60, // one interval elapsed
	}
	f.ledger = NewLedger(store, rdb, events.NewEmitter(rdb, zap.NewNop()), locks.NewKeyed(), testMinBatch, testMaxUnitsPerSec, zap.NewNop())
	f.ledger.now = func() int64 { return f.clock }
	return f
}

// signedClaim builds a claim signed by the fixture's host key.
func (f *ledgerFixture) signedClaim(t *testing.T, units int64, payload string) Claim {
	t.Helper()
	proofHash := crypto.Keccak256Hash([]byte(payload))
	u := big.NewInt(units)
	sig, err := SignClaim(f.hostKey, f.sess.ID, proofHash, f.host, u)
	if err != nil {
		t.Fatal(err)
	}
	return Claim{
		Units:     u,
		ProofHash: proofHash,
		Signature: sig,
		ProofCID:  "bafyproof-" + payload,
		DeltaCID:  "bafydelta-" + payload,
	}
}

func (f *ledgerFixture) proven(t *testing.T) *big.Int {
	t.Helper()
	s, err := f.store.Get(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	return s.ProvenUnits
}

func TestSubmit_Accepted(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	if err := f.ledger.Submit(ctx, f.host, f.sess.ID, f.signedClaim(t, 100, "batch-1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got := f.proven(t); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("proven units: got %s want 100", got)
	}

	s, _ := f.store.Get(ctx, f.sess.ID)
	if s.LastProofTime != f.clock {
		t.Errorf("last proof time: got %d want %d", s.LastProofTime, f.clock)
	}
	if s.LastProofCID != "bafyproof-batch-1" || s.LastDeltaCID != "bafydelta-batch-1" {
		t.Errorf("commitment pointers: %+v", s)
	}
}

// Units are deltas: repeated submissions accumulate.
func TestSubmit_Accumulates(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	if err := f.ledger.Submit(ctx, f.host, f.sess.ID, f.signedClaim(t, 100, "b1")); err != nil {
		t.Fatal(err)
	}
	f.clock += 60
	if err := f.ledger.Submit(ctx, f.host, f.sess.ID, f.signedClaim(t, 150, "b2")); err != nil {
		t.Fatal(err)
	}

	if got := f.proven(t); got.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("proven units: got %s want 250", got)
	}

	entries, err := f.ledger.Entries(ctx, f.sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("proof log: got %d entries", len(entries))
	}
	if entries[0].Units != "100" || entries[1].Units != "150" {
		t.Errorf("log order wrong: %+v", entries)
	}
	if entries[1].TotalProven != "250" {
		t.Errorf("running total: got %s", entries[1].TotalProven)
	}
}

func TestSubmit_NonHostRejected(t *testing.T) {
	f := newLedgerFixture(t)
	stranger := common.HexToAddress("0x9999999999999999999999999999999999999999")

	err := f.ledger.Submit(context.Background(), stranger, f.sess.ID, f.signedClaim(t, 100, "b"))
	if !errors.Is(err, ErrOnlyHostCanSubmit) {
		t.Fatalf("expected ErrOnlyHostCanSubmit, got %v", err)
	}
	if f.proven(t).Sign() != 0 {
		t.Error("failed submit mutated proven units")
	}
}

func TestSubmit_WrongSignerRejected(t *testing.T) {
	f := newLedgerFixture(t)
	otherKey, _ := crypto.GenerateKey()

	c := f.signedClaim(t, 100, "b")
	sig, _ := SignClaim(otherKey, f.sess.ID, c.ProofHash, f.host, c.Units)
	c.Signature = sig

	err := f.ledger.Submit(context.Background(), f.host, f.sess.ID, c)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestSubmit_BelowMinimumBatch(t *testing.T) {
	f := newLedgerFixture(t)

	err := f.ledger.Submit(context.Background(), f.host, f.sess.ID, f.signedClaim(t, 50, "tiny"))
	if !errors.Is(err, ErrBelowMinimumBatch) {
		t.Fatalf("expected ErrBelowMinimumBatch, got %v", err)
	}
	if f.proven(t).Sign() != 0 {
		t.Error("failed submit mutated proven units")
	}
}

func TestSubmit_ExceedsDeposit(t *testing.T) {
	f := newLedgerFixture(t)
	f.clock = testStart + 7200 // plenty of elapsed time so only the deposit bound trips

	// Deposit covers 10000 units at price 1.
	err := f.ledger.Submit(context.Background(), f.host, f.sess.ID, f.signedClaim(t, 10_001, "big"))
	if !errors.Is(err, ErrExceedsDeposit) {
		t.Fatalf("expected ErrExceedsDeposit, got %v", err)
	}
}

func TestSubmit_ClaimTooFast(t *testing.T) {
	f := newLedgerFixture(t)
	// 60s elapsed at 10 units/sec allows at most 600 cumulative units.
	err := f.ledger.Submit(context.Background(), f.host, f.sess.ID, f.signedClaim(t, 601, "fast"))
	if !errors.Is(err, ErrClaimTooFast) {
		t.Fatalf("expected ErrClaimTooFast, got %v", err)
	}

	// Exactly at the bound passes.
	if err := f.ledger.Submit(context.Background(), f.host, f.sess.ID, f.signedClaim(t, 600, "ok")); err != nil {
		t.Fatalf("at-bound claim rejected: %v", err)
	}
}

func TestSubmit_ProofIntervalNotElapsed(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	if err := f.ledger.Submit(ctx, f.host, f.sess.ID, f.signedClaim(t, 100, "b1")); err != nil {
		t.Fatal(err)
	}
	f.clock += 30 // half the interval

	err := f.ledger.Submit(ctx, f.host, f.sess.ID, f.signedClaim(t, 100, "b2"))
	if !errors.Is(err, ErrProofTooSoon) {
		t.Fatalf("expected ErrProofTooSoon, got %v", err)
	}
}

func TestSubmit_TerminalSessionRejected(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	if err := f.store.SetStatus(ctx, f.sess.ID, session.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	err := f.ledger.Submit(ctx, f.host, f.sess.ID, f.signedClaim(t, 100, "late"))
	if !errors.Is(err, session.ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
}

func TestSubmit_UnknownSession(t *testing.T) {
	f := newLedgerFixture(t)

	err := f.ledger.Submit(context.Background(), f.host, "sess-nope", f.signedClaim(t, 100, "b"))
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

// provenUnits never decreases and never exceeds deposit/price across any
// sequence of submissions.
func TestSubmit_Monotonicity(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	prev := new(big.Int)
	cap := new(big.Int).Div(f.sess.Deposit, f.sess.PricePerUnit)

	for i := 0; i < 12; i++ {
		f.clock += 120
		err := f.ledger.Submit(ctx, f.host, f.sess.ID, f.signedClaim(t, 1000, "seq"))
		cur := f.proven(t)
		if cur.Cmp(prev) < 0 {
			t.Fatalf("proven units decreased: %s -> %s", prev, cur)
		}
		if cur.Cmp(cap) > 0 {
			t.Fatalf("proven units exceed deposit capacity: %s > %s", cur, cap)
		}
		if err != nil && !errors.Is(err, ErrExceedsDeposit) && !errors.Is(err, ErrClaimTooFast) {
			t.Fatalf("unexpected error: %v", err)
		}
		prev = cur
	}
}
