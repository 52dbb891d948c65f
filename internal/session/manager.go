package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridmarket/escrowd/internal/currency"
	"github.com/gridmarket/escrowd/internal/events"
	"github.com/gridmarket/escrowd/internal/pricing"
	"github.com/gridmarket/escrowd/internal/rail"
	"github.com/gridmarket/escrowd/internal/vault"
)

var (
	ErrDepositBelowMinimum  = errors.New("deposit below currency minimum")
	ErrDurationBelowMinimum = errors.New("session duration below minimum")
	ErrInvalidProofInterval = errors.New("invalid proof interval")
	ErrHostNotEligible      = errors.New("host not eligible")
)

// CreateParams are the renter-chosen session terms. All of them are immutable
// once the session exists.
type CreateParams struct {
	Host             common.Address
	Currency         currency.Currency
	Deposit          *big.Int
	PricePerUnit     *big.Int
	MaxDurationSec   int64
	ProofIntervalSec int64
}

// Eligibility is the slice of the host directory the manager needs.
type Eligibility interface {
	Eligible(ctx context.Context, host common.Address) (bool, error)
}

// Manager validates and funds session creation and serves reads.
type Manager struct {
	store          *Store
	registry       *currency.Registry
	pricing        *pricing.Validator
	eligibility    Eligibility
	vault          *vault.Store
	payer          rail.Payer
	emitter        *events.Emitter
	minDurationSec int64
	log            *zap.Logger

	now func() int64 // injectable clock for tests
}

func NewManager(
	store *Store,
	registry *currency.Registry,
	validator *pricing.Validator,
	eligibility Eligibility,
	vaultStore *vault.Store,
	payer rail.Payer,
	emitter *events.Emitter,
	minDurationSec int64,
	log *zap.Logger,
) *Manager {
	return &Manager{
		store:          store,
		registry:       registry,
		pricing:        validator,
		eligibility:    eligibility,
		vault:          vaultStore,
		payer:          payer,
		emitter:        emitter,
		minDurationSec: minDurationSec,
		log:            log,
		now:            func() int64 { return time.Now().Unix() },
	}
}

// Create opens a session funded by a direct deposit transaction. The funding
// tx must pay the escrow account exactly the deposit in the session currency;
// a tx hash is consumed at most once.
func (m *Manager) Create(ctx context.Context, depositor common.Address, p CreateParams, fundingTx common.Hash) (*Session, error) {
	if err := m.validate(ctx, p); err != nil {
		return nil, err
	}
	if err := m.payer.VerifyDeposit(ctx, fundingTx, depositor, p.Currency, p.Deposit); err != nil {
		return nil, err
	}
	return m.open(ctx, depositor, p, "direct")
}

// CreateFromVault opens a session funded by debiting the depositor's vault
// balance. Fails with vault.ErrInsufficientBalance when the balance is short.
func (m *Manager) CreateFromVault(ctx context.Context, depositor common.Address, p CreateParams) (*Session, error) {
	if err := m.validate(ctx, p); err != nil {
		return nil, err
	}
	if err := m.vault.Debit(ctx, depositor, p.Currency, p.Deposit); err != nil {
		return nil, err
	}
	s, err := m.open(ctx, depositor, p, "vault")
	if err != nil {
		// Funding was taken but the record could not be written; put the
		// money back so nothing is stuck.
		if cerr := m.vault.Credit(ctx, depositor, p.Currency, p.Deposit); cerr != nil {
			m.log.Error("create: vault refund after failed open",
				zap.String("depositor", depositor.Hex()), zap.Error(cerr))
		}
		return nil, err
	}
	return s, nil
}

func (m *Manager) validate(ctx context.Context, p CreateParams) error {
	minDeposit, err := m.registry.MinDeposit(ctx, p.Currency)
	if err != nil {
		return err
	}
	if p.Deposit == nil || p.Deposit.Sign() <= 0 || p.Deposit.Cmp(minDeposit) < 0 {
		return ErrDepositBelowMinimum
	}
	if p.MaxDurationSec < m.minDurationSec {
		return ErrDurationBelowMinimum
	}
	if p.ProofIntervalSec <= 0 || p.ProofIntervalSec > p.MaxDurationSec {
		return ErrInvalidProofInterval
	}
	eligible, err := m.eligibility.Eligible(ctx, p.Host)
	if err != nil {
		return fmt.Errorf("host eligibility lookup: %w", err)
	}
	if !eligible {
		return ErrHostNotEligible
	}
	return m.pricing.Validate(ctx, p.Host, p.Currency, p.PricePerUnit)
}

func (m *Manager) open(ctx context.Context, depositor common.Address, p CreateParams, funding string) (*Session, error) {
	now := m.now()
	s := &Session{
		ID:               uuid.NewString(),
		Depositor:        depositor,
		Host:             p.Host,
		Currency:         p.Currency,
		Deposit:          new(big.Int).Set(p.Deposit),
		PricePerUnit:     new(big.Int).Set(p.PricePerUnit),
		MaxDurationSec:   p.MaxDurationSec,
		ProofIntervalSec: p.ProofIntervalSec,
		StartTime:        now,
		LastProofTime:    now,
		ProvenUnits:      new(big.Int),
		Status:           StatusActive,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.emitter.Emit(ctx, events.Event{
		Type:      events.TypeSessionCreated,
		SessionID: s.ID,
		Fields: map[string]string{
			"depositor": s.Depositor.Hex(),
			"host":      s.Host.Hex(),
			"currency":  s.Currency.String(),
			"deposit":   s.Deposit.String(),
			"price":     s.PricePerUnit.String(),
			"funding":   funding,
		},
	})
	m.log.Info("session created",
		zap.String("session", s.ID),
		zap.String("depositor", s.Depositor.Hex()),
		zap.String("host", s.Host.Hex()),
		zap.String("currency", s.Currency.String()),
		zap.String("funding", funding),
	)
	return s, nil
}

// Get returns the session or ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Status returns just the session status.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.Status, nil
}
