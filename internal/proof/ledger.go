package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gridmarket/escrowd/internal/events"
	"github.com/gridmarket/escrowd/internal/locks"
	"github.com/gridmarket/escrowd/internal/session"
)

const logKeyPrefix = "escrow:session:"

var (
	ErrOnlyHostCanSubmit = errors.New("only the session host can submit proofs")
	ErrInvalidSignature  = errors.New("invalid proof signature")
	ErrBelowMinimumBatch = errors.New("claim below minimum batch size")
	ErrExceedsDeposit    = errors.New("claim exceeds remaining deposit")
	ErrClaimTooFast      = errors.New("claim exceeds plausible throughput")
	ErrProofTooSoon      = errors.New("proof interval not elapsed")
)

// Claim is one host-authored usage claim. Units is a delta: repeated accepted
// claims accumulate on the session.
type Claim struct {
	Units     *big.Int
	ProofHash common.Hash
	Signature []byte
	ProofCID  string
	DeltaCID  string
}

// LogEntry is the append-only audit record kept per accepted claim, separate
// from the hot session hash.
type LogEntry struct {
	Units       string `json:"units"`
	TotalProven string `json:"total_proven"`
	ProofHash   string `json:"proof_hash"`
	ProofCID    string `json:"proof_cid"`
	DeltaCID    string `json:"delta_cid"`
	At          int64  `json:"at"`
}

// Ledger accepts and accounts usage claims against active sessions.
type Ledger struct {
	store          *session.Store
	rdb            *redis.Client
	emitter        *events.Emitter
	locks          *locks.Keyed
	minBatch       int64
	maxUnitsPerSec int64
	log            *zap.Logger

	now func() int64
}

// NewLedger builds the proof ledger. sessionLocks must be the same Keyed
// instance the settlement engine uses so that submits and settlement on one
// session never interleave.
func NewLedger(
	store *session.Store,
	rdb *redis.Client,
	emitter *events.Emitter,
	sessionLocks *locks.Keyed,
	minBatch, maxUnitsPerSec int64,
	log *zap.Logger,
) *Ledger {
	return &Ledger{
		store:          store,
		rdb:            rdb,
		emitter:        emitter,
		locks:          sessionLocks,
		minBatch:       minBatch,
		maxUnitsPerSec: maxUnitsPerSec,
		log:            log,
		now:            func() int64 { return time.Now().Unix() },
	}
}

func proofLogKey(sessionID string) string {
	return logKeyPrefix + sessionID + ":proofs"
}

// Submit validates a claim end to end and, only if every check passes,
// applies it: proven units grow by the claimed delta, the latest commitment
// pointers move, and a log entry plus a proof-submitted event are recorded.
// A failed submit leaves the session untouched.
func (l *Ledger) Submit(ctx context.Context, caller common.Address, sessionID string, c Claim) error {
	unlock := l.locks.Lock(sessionID)
	defer unlock()

	s, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s == nil {
		return session.ErrSessionNotFound
	}
	if s.Status != session.StatusActive {
		return session.ErrSessionNotActive
	}
	if caller != s.Host {
		return ErrOnlyHostCanSubmit
	}
	if c.Units == nil || c.Units.Sign() <= 0 {
		return ErrBelowMinimumBatch
	}
	signer, err := RecoverClaimSigner(sessionID, c.ProofHash, s.Host, c.Units, c.Signature)
	if err != nil || signer != s.Host {
		return ErrInvalidSignature
	}
	if c.Units.Cmp(big.NewInt(l.minBatch)) < 0 {
		return ErrBelowMinimumBatch
	}

	now := l.now()
	newProven := new(big.Int).Add(s.ProvenUnits, c.Units)

	// Economic bound: never claim past the deposit.
	cost := new(big.Int).Mul(newProven, s.PricePerUnit)
	if cost.Cmp(s.Deposit) > 0 {
		return ErrExceedsDeposit
	}
	// Throughput bound: cumulative units must be producible in the elapsed
	// wall-clock time.
	elapsed := now - s.StartTime
	if elapsed < 0 {
		elapsed = 0
	}
	maxProducible := new(big.Int).Mul(big.NewInt(l.maxUnitsPerSec), big.NewInt(elapsed))
	if newProven.Cmp(maxProducible) > 0 {
		return ErrClaimTooFast
	}
	// Minimum gap between proofs.
	if now-s.LastProofTime < s.ProofIntervalSec {
		return ErrProofTooSoon
	}

	proofHashHex := strings.ToLower(c.ProofHash.Hex())
	if err := l.store.RecordProof(ctx, sessionID, newProven, now, proofHashHex, c.ProofCID, c.DeltaCID); err != nil {
		return fmt.Errorf("record proof: %w", err)
	}

	entry := LogEntry{
		Units:       c.Units.String(),
		TotalProven: newProven.String(),
		ProofHash:   proofHashHex,
		ProofCID:    c.ProofCID,
		DeltaCID:    c.DeltaCID,
		At:          now,
	}
	raw, err := json.Marshal(entry)
	if err == nil {
		if err := l.rdb.RPush(ctx, proofLogKey(sessionID), string(raw)).Err(); err != nil {
			l.log.Warn("proof log append failed", zap.String("session", sessionID), zap.Error(err))
		}
	}

	l.emitter.Emit(ctx, events.Event{
		Type:      events.TypeProofSubmitted,
		SessionID: sessionID,
		Fields: map[string]string{
			"units":        c.Units.String(),
			"total_proven": newProven.String(),
			"proof_hash":   proofHashHex,
			"proof_cid":    c.ProofCID,
			"delta_cid":    c.DeltaCID,
		},
	})
	l.log.Info("proof accepted",
		zap.String("session", sessionID),
		zap.String("units", c.Units.String()),
		zap.String("total_proven", newProven.String()),
	)
	return nil
}

// Entries returns the ordered proof log for a session, oldest first.
func (l *Ledger) Entries(ctx context.Context, sessionID string) ([]LogEntry, error) {
	raws, err := l.rdb.LRange(ctx, proofLogKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read proof log: %w", err)
	}
	out := make([]LogEntry, 0, len(raws))
	for _, raw := range raws {
		var e LogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
