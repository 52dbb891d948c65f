// Package session owns the escrow session record and its state machine.
// A session is created atomically with its funding, mutated only by proof
// submissions and the single terminal settlement transition, and never
// deleted, so it stays queryable for audit indefinitely.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/gridmarket/escrowd/internal/currency"
)

const sessionKeyPrefix = "escrow:session:"

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further mutation of the session is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session not active")
)

// Session is the central escrow record. Host, currency, price and deposit are
// fixed at creation; ProvenUnits only grows; Status moves Active -> terminal
// exactly once.
type Session struct {
	ID               string
	Depositor        common.Address
	Host             common.Address
	Currency         currency.Currency
	Deposit          *big.Int
	PricePerUnit     *big.Int
	MaxDurationSec   int64
	ProofIntervalSec int64
	StartTime        int64
	LastProofTime    int64
	ProvenUnits      *big.Int
	Status           Status
	LastProofHash    string
	LastProofCID     string
	LastDeltaCID     string
}

// ProvenCost returns ProvenUnits * PricePerUnit.
func (s *Session) ProvenCost() *big.Int {
	return new(big.Int).Mul(s.ProvenUnits, s.PricePerUnit)
}

// Expired reports whether the timeout path is available at time now.
func (s *Session) Expired(now int64) bool {
	return now > s.StartTime+s.MaxDurationSec
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Store persists one Redis hash per session.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (st *Store) Create(ctx context.Context, s *Session) error {
	return st.rdb.HSet(ctx, sessionKey(s.ID),
		"id", s.ID,
		"depositor", s.Depositor.Hex(),
		"host", s.Host.Hex(),
		"currency", s.Currency.String(),
		"deposit", s.Deposit.String(),
		"price_per_unit", s.PricePerUnit.String(),
		"max_duration_sec", s.MaxDurationSec,
		"proof_interval_sec", s.ProofIntervalSec,
		"start_time", s.StartTime,
		"last_proof_time", s.LastProofTime,
		"proven_units", s.ProvenUnits.String(),
		"status", string(s.Status),
		"last_proof_hash", s.LastProofHash,
		"last_proof_cid", s.LastProofCID,
		"last_delta_cid", s.LastDeltaCID,
	).Err()
}

// Get returns nil, nil when the session does not exist.
func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	vals, err := st.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return sessionFromMap(vals)
}

// RecordProof applies an accepted proof: the new cumulative units, the latest
// commitment pointers and the proof clock, in one write.
func (st *Store) RecordProof(ctx context.Context, id string, provenUnits *big.Int, at int64, proofHash, proofCID, deltaCID string) error {
	return st.rdb.HSet(ctx, sessionKey(id),
		"proven_units", provenUnits.String(),
		"last_proof_time", at,
		"last_proof_hash", proofHash,
		"last_proof_cid", proofCID,
		"last_delta_cid", deltaCID,
	).Err()
}

// SetStatus writes the session status.
func (st *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return st.rdb.HSet(ctx, sessionKey(id), "status", string(status)).Err()
}

func sessionFromMap(m map[string]string) (*Session, error) {
	cur, err := currency.Parse(m["currency"])
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", m["id"], err)
	}
	deposit, ok := new(big.Int).SetString(m["deposit"], 10)
	if !ok {
		return nil, fmt.Errorf("session %s: corrupt deposit %q", m["id"], m["deposit"])
	}
	price, ok := new(big.Int).SetString(m["price_per_unit"], 10)
	if !ok {
		return nil, fmt.Errorf("session %s: corrupt price %q", m["id"], m["price_per_unit"])
	}
	proven, ok := new(big.Int).SetString(m["proven_units"], 10)
	if !ok {
		return nil, fmt.Errorf("session %s: corrupt proven units %q", m["id"], m["proven_units"])
	}
	maxDur, _ := strconv.ParseInt(m["max_duration_sec"], 10, 64)
	interval, _ := strconv.ParseInt(m["proof_interval_sec"], 10, 64)
	start, _ := strconv.ParseInt(m["start_time"], 10, 64)
	lastProof, _ := strconv.ParseInt(m["last_proof_time"], 10, 64)

	return &Session{
		ID:               m["id"],
		Depositor:        common.HexToAddress(m["depositor"]),
		Host:             common.HexToAddress(m["host"]),
		Currency:         cur,
		Deposit:          deposit,
		PricePerUnit:     price,
		MaxDurationSec:   maxDur,
		ProofIntervalSec: interval,
		StartTime:        start,
		LastProofTime:    lastProof,
		ProvenUnits:      proven,
		Status:           Status(m["status"]),
		LastProofHash:    m["last_proof_hash"],
		LastProofCID:     m["last_proof_cid"],
		LastDeltaCID:     m["last_delta_cid"],
	}, nil
}
