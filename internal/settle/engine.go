// Package settle performs terminal session settlement: computing the proven
// cost, splitting it between host and treasury, refunding the remainder, and
// moving the value with a push-with-fallback-to-pull pattern so one broken
// recipient cannot freeze settlement. Status is written before any transfer
// is attempted; settlement runs at most once per session.
package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/gridmarket/escrowd/internal/currency"
	"github.com/gridmarket/escrowd/internal/events"
	"github.com/gridmarket/escrowd/internal/locks"
	"github.com/gridmarket/escrowd/internal/rail"
	"github.com/gridmarket/escrowd/internal/session"
	"github.com/gridmarket/escrowd/internal/treasury"
	"github.com/gridmarket/escrowd/internal/vault"
)

const feeDenominator = 10_000

var (
	ErrNotParticipant    = errors.New("caller is not depositor or host")
	ErrSessionNotExpired = errors.New("session has not timed out")
	ErrOnlyTreasury      = errors.New("only the treasury may call this")
)

// Receipt reports where every unit of the deposit went. HostPayment + Fee +
// Refund always equals the session deposit.
type Receipt struct {
	SessionID   string
	UnitsPaid   *big.Int
	HostPayment *big.Int
	Fee         *big.Int
	Refund      *big.Int
}

// Engine owns the two terminal transitions and treasury withdrawal.
type Engine struct {
	store        *session.Store
	vault        *vault.Store
	accumulator  *treasury.Accumulator
	payer        rail.Payer
	emitter      *events.Emitter
	locks        *locks.Keyed
	treasuryAddr common.Address
	feeBps       int64
	batchFees    bool
	log          *zap.Logger

	now func() int64
}

func NewEngine(
	store *session.Store,
	vaultStore *vault.Store,
	accumulator *treasury.Accumulator,
	payer rail.Payer,
	emitter *events.Emitter,
	sessionLocks *locks.Keyed,
	treasuryAddr common.Address,
	feeBps int64,
	batchFees bool,
	log *zap.Logger,
) *Engine {
	return &Engine{
		store:        store,
		vault:        vaultStore,
		accumulator:  accumulator,
		payer:        payer,
		emitter:      emitter,
		locks:        sessionLocks,
		treasuryAddr: treasuryAddr,
		feeBps:       feeBps,
		batchFees:    batchFees,
		log:          log,
		now:          func() int64 { return time.Now().Unix() },
	}
}

// split computes the settlement amounts from proven units.
// totalCost = provenUnits * pricePerUnit
// fee       = totalCost * feeBps / 10000
// hostPay   = totalCost - fee
// refund    = deposit - totalCost
func (e *Engine) split(s *session.Session) *Receipt {
	totalCost := s.ProvenCost()
	fee := new(big.Int).Mul(totalCost, big.NewInt(e.feeBps))
	fee.Div(fee, big.NewInt(feeDenominator))
	return &Receipt{
		SessionID:   s.ID,
		UnitsPaid:   new(big.Int).Set(s.ProvenUnits),
		HostPayment: new(big.Int).Sub(totalCost, fee),
		Fee:         fee,
		Refund:      new(big.Int).Sub(s.Deposit, totalCost),
	}
}

// Complete settles an active session on the normal path. Only the depositor
// or the host may trigger it.
func (e *Engine) Complete(ctx context.Context, caller common.Address, sessionID string) (*Receipt, error) {
	return e.settle(ctx, caller, sessionID, false)
}

// Timeout settles an expired session. Deliberately callable by anyone: the
// timeout path must not depend on either counterparty's cooperation.
func (e *Engine) Timeout(ctx context.Context, caller common.Address, sessionID string) (*Receipt, error) {
	return e.settle(ctx, caller, sessionID, true)
}

func (e *Engine) settle(ctx context.Context, caller common.Address, sessionID string, timeout bool) (*Receipt, error) {
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	s, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, session.ErrSessionNotFound
	}
	if s.Status != session.StatusActive {
		return nil, session.ErrSessionNotActive
	}
	if timeout {
		if !s.Expired(e.now()) {
			return nil, ErrSessionNotExpired
		}
	} else if caller != s.Depositor && caller != s.Host {
		return nil, ErrNotParticipant
	}

	r := e.split(s)
	terminal := session.StatusCompleted
	if timeout {
		terminal = session.StatusCancelled
	}

	// Terminal state first: any re-entry during the transfers below sees a
	// settled session and cannot double-pay.
	if err := e.store.SetStatus(ctx, sessionID, terminal); err != nil {
		return nil, fmt.Errorf("mark session %s: %w", terminal, err)
	}

	// Host payment. A failed push here must not shortchange the host
	// silently: reopen the session and surface the error for retry.
	if r.HostPayment.Sign() > 0 {
		if err := e.payer.Pay(ctx, s.Host, s.Currency, r.HostPayment); err != nil {
			if rbErr := e.store.SetStatus(ctx, sessionID, session.StatusActive); rbErr != nil {
				e.log.Error("host payment failed and rollback failed",
					zap.String("session", sessionID), zap.Error(rbErr))
			}
			return nil, fmt.Errorf("host payment: %w", err)
		}
	}

	// Treasury fee: push unless fees are batched; a failed push accrues to
	// the pull ledger instead of failing the settlement.
	if r.Fee.Sign() > 0 {
		pushed := false
		if !e.batchFees {
			if err := e.payer.Pay(ctx, e.treasuryAddr, s.Currency, r.Fee); err != nil {
				e.log.Warn("fee push failed, accruing to pull ledger",
					zap.String("session", sessionID), zap.Error(err))
			} else {
				pushed = true
			}
		}
		if !pushed {
			if err := e.accumulator.Accrue(ctx, s.Currency, r.Fee); err != nil {
				e.log.Error("fee accrual failed",
					zap.String("session", sessionID),
					zap.String("fee", r.Fee.String()),
					zap.Error(err))
			}
		}
	}

	// Refund. The host is already paid, so the session cannot be reopened;
	// a failed push credits the depositor's vault balance instead so the
	// remainder is pullable and nothing is dropped.
	if r.Refund.Sign() > 0 {
		if err := e.payer.Pay(ctx, s.Depositor, s.Currency, r.Refund); err != nil {
			e.log.Warn("refund push failed, crediting vault",
				zap.String("session", sessionID), zap.Error(err))
			if vErr := e.vault.Credit(ctx, s.Depositor, s.Currency, r.Refund); vErr != nil {
				e.log.Error("refund vault credit failed",
					zap.String("session", sessionID),
					zap.String("refund", r.Refund.String()),
					zap.Error(vErr))
			}
		}
	}

	evType := events.TypeSessionCompleted
	if timeout {
		evType = events.TypeSessionCancelled
	}
	e.emitter.Emit(ctx, events.Event{
		Type:      evType,
		SessionID: sessionID,
		Fields: map[string]string{
			"units_paid":   r.UnitsPaid.String(),
			"host_payment": r.HostPayment.String(),
			"fee":          r.Fee.String(),
			"refund":       r.Refund.String(),
			"caller":       caller.Hex(),
		},
	})
	e.log.Info("session settled",
		zap.String("session", sessionID),
		zap.String("status", string(terminal)),
		zap.String("host_payment", r.HostPayment.String()),
		zap.String("fee", r.Fee.String()),
		zap.String("refund", r.Refund.String()),
	)
	return r, nil
}

// WithdrawTreasuryFees drains the accrued fee balance for cur and pushes it
// to the treasury address. Treasury-only. On a failed push the amount is
// accrued back so nothing is lost.
func (e *Engine) WithdrawTreasuryFees(ctx context.Context, caller common.Address, cur currency.Currency) (*big.Int, error) {
	if caller != e.treasuryAddr {
		return nil, ErrOnlyTreasury
	}
	amount, err := e.accumulator.Drain(ctx, cur)
	if err != nil {
		return nil, err
	}
	if err := e.payer.Pay(ctx, e.treasuryAddr, cur, amount); err != nil {
		if accErr := e.accumulator.Accrue(ctx, cur, amount); accErr != nil {
			e.log.Error("fee re-accrual after failed withdrawal",
				zap.String("currency", cur.String()), zap.Error(accErr))
		}
		return nil, fmt.Errorf("treasury withdrawal: %w", err)
	}
	e.emitter.Emit(ctx, events.Event{
		Type: events.TypeTreasuryFeesWithdrawn,
		Fields: map[string]string{
			"currency": cur.String(),
			"amount":   amount.String(),
		},
	})
	return amount, nil
}
