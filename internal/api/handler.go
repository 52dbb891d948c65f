// Package api exposes the escrow engine over HTTP. State-changing routes sit
// behind the signed-request middleware and read their parameters from the
// signed payload, so the wallet signature covers exactly what gets executed.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gridmarket/escrowd/internal/auth"
	"github.com/gridmarket/escrowd/internal/currency"
	"github.com/gridmarket/escrowd/internal/events"
	"github.com/gridmarket/escrowd/internal/pricing"
	"github.com/gridmarket/escrowd/internal/proof"
	"github.com/gridmarket/escrowd/internal/rail"
	"github.com/gridmarket/escrowd/internal/session"
	"github.com/gridmarket/escrowd/internal/settle"
	"github.com/gridmarket/escrowd/internal/treasury"
	"github.com/gridmarket/escrowd/internal/vault"
)

// Handler wires every escrow route onto a Gin engine.
type Handler struct {
	manager  *session.Manager
	ledger   *proof.Ledger
	engine   *settle.Engine
	vault    *vault.Store
	registry *currency.Registry
	treasury *treasury.Accumulator
	payer    rail.Payer
	emitter  *events.Emitter
	operator common.Address
	log      *zap.Logger
}

func NewHandler(
	manager *session.Manager,
	ledger *proof.Ledger,
	engine *settle.Engine,
	vaultStore *vault.Store,
	registry *currency.Registry,
	accumulator *treasury.Accumulator,
	payer rail.Payer,
	emitter *events.Emitter,
	operator common.Address,
	log *zap.Logger,
) *Handler {
	return &Handler{
		manager:  manager,
		ledger:   ledger,
		engine:   engine,
		vault:    vaultStore,
		registry: registry,
		treasury: accumulator,
		payer:    payer,
		emitter:  emitter,
		operator: operator,
		log:      log,
	}
}

// Register mounts the authenticated routes. The auth middleware should
// already be applied to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/vault/deposit", h.handleVaultDeposit)
	rg.POST("/vault/withdraw", h.handleVaultWithdraw)

	rg.POST("/sessions", h.handleCreateSession)
	rg.POST("/sessions/from-vault", h.handleCreateSessionFromVault)
	rg.POST("/sessions/:id/proofs", h.handleSubmitProof)
	rg.POST("/sessions/:id/complete", h.handleComplete)
	rg.POST("/sessions/:id/timeout", h.handleTimeout)

	rg.POST("/admin/currencies", h.handleAddCurrency)
	rg.POST("/admin/treasury/withdraw", h.handleTreasuryWithdraw)
}

// RegisterPublic mounts the unauthenticated read-only routes.
func (h *Handler) RegisterPublic(r gin.IRoutes) {
	r.GET("/sessions/:id", h.handleGetSession)
	r.GET("/sessions/:id/status", h.handleGetStatus)
	r.GET("/sessions/:id/proofs", h.handleGetProofs)
	r.GET("/vault/:address/:currency", h.handleGetVaultBalance)
	r.GET("/treasury/fees/:currency", h.handleGetTreasuryFees)
	r.GET("/currencies", h.handleListCurrencies)
}

// ── Error → reason-code mapping ────────────────────────────────────────────

// classify maps sentinel errors to an HTTP status and a stable machine
// reason code. Clients key on the code; the message is advisory.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, currency.ErrInvalidCurrency):
		return http.StatusBadRequest, "InvalidCurrency"
	case errors.Is(err, currency.ErrCurrencyExists):
		return http.StatusConflict, "CurrencyExists"
	case errors.Is(err, currency.ErrInvalidMinDeposit):
		return http.StatusBadRequest, "InvalidMinDeposit"
	case errors.Is(err, currency.ErrCurrencyNotAccepted):
		return http.StatusBadRequest, "CurrencyNotAccepted"
	case errors.Is(err, pricing.ErrInvalidPrice):
		return http.StatusBadRequest, "InvalidPrice"
	case errors.Is(err, pricing.ErrHostNotListed):
		return http.StatusBadRequest, "HostNotListed"
	case errors.Is(err, pricing.ErrPriceBelowMinimum):
		return http.StatusBadRequest, "PriceBelowMinimum"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "SessionNotFound"
	case errors.Is(err, session.ErrSessionNotActive):
		return http.StatusConflict, "SessionNotActive"
	case errors.Is(err, session.ErrDepositBelowMinimum):
		return http.StatusBadRequest, "DepositBelowMinimum"
	case errors.Is(err, session.ErrDurationBelowMinimum):
		return http.StatusBadRequest, "DurationBelowMinimum"
	case errors.Is(err, session.ErrInvalidProofInterval):
		return http.StatusBadRequest, "InvalidProofInterval"
	case errors.Is(err, session.ErrHostNotEligible):
		return http.StatusBadRequest, "HostNotEligible"
	case errors.Is(err, proof.ErrOnlyHostCanSubmit):
		return http.StatusForbidden, "OnlyHostCanSubmit"
	case errors.Is(err, proof.ErrInvalidSignature):
		return http.StatusUnauthorized, "InvalidSignature"
	case errors.Is(err, proof.ErrBelowMinimumBatch):
		return http.StatusBadRequest, "BelowMinimumBatch"
	case errors.Is(err, proof.ErrExceedsDeposit):
		return http.StatusBadRequest, "ExceedsDeposit"
	case errors.Is(err, proof.ErrClaimTooFast):
		return http.StatusTooManyRequests, "ClaimTooFast"
	case errors.Is(err, proof.ErrProofTooSoon):
		return http.StatusTooManyRequests, "ProofTooSoon"
	case errors.Is(err, settle.ErrNotParticipant):
		return http.StatusForbidden, "NotParticipant"
	case errors.Is(err, settle.ErrSessionNotExpired):
		return http.StatusConflict, "SessionNotExpired"
	case errors.Is(err, settle.ErrOnlyTreasury):
		return http.StatusForbidden, "OnlyTreasury"
	case errors.Is(err, treasury.ErrNothingAccrued):
		return http.StatusConflict, "NothingAccrued"
	case errors.Is(err, vault.ErrZeroAmount):
		return http.StatusBadRequest, "ZeroAmount"
	case errors.Is(err, vault.ErrInsufficientBalance):
		return http.StatusBadRequest, "InsufficientBalance"
	case errors.Is(err, rail.ErrDepositNotVerified):
		return http.StatusBadRequest, "DepositNotVerified"
	case errors.Is(err, rail.ErrDepositAlreadyUsed):
		return http.StatusConflict, "DepositAlreadyUsed"
	case errors.Is(err, rail.ErrTransferFailed):
		return http.StatusBadGateway, "TransferFailed"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error", "code": code})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "BadRequest"})
}

// signedPayload decodes the payload carried inside the verified signed
// message, so the executed parameters are exactly the signed ones.
func signedPayload(c *gin.Context, dst any) bool {
	req := auth.Request(c)
	if req == nil || len(req.Payload) == 0 {
		badRequest(c, "missing signed payload")
		return false
	}
	if err := json.Unmarshal(req.Payload, dst); err != nil {
		badRequest(c, "invalid signed payload")
		return false
	}
	return true
}

func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// ── Vault ──────────────────────────────────────────────────────────────────

type vaultMoveRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
	TxHash   string `json:"tx_hash,omitempty"`
}

func (h *Handler) handleVaultDeposit(c *gin.Context) {
	var req vaultMoveRequest
	if !signedPayload(c, &req) {
		return
	}
	cur, err := currency.Parse(req.Currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		badRequest(c, "invalid amount")
		return
	}
	if req.TxHash == "" {
		badRequest(c, "missing tx_hash")
		return
	}
	caller := auth.Caller(c)
	ctx := c.Request.Context()

	if err := h.payer.VerifyDeposit(ctx, common.HexToHash(req.TxHash), caller, cur, amount); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.vault.Credit(ctx, caller, cur, amount); err != nil {
		h.fail(c, err)
		return
	}
	bal, err := h.vault.Balance(ctx, caller, cur)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal.String()})
}

func (h *Handler) handleVaultWithdraw(c *gin.Context) {
	var req vaultMoveRequest
	if !signedPayload(c, &req) {
		return
	}
	cur, err := currency.Parse(req.Currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		badRequest(c, "invalid amount")
		return
	}
	caller := auth.Caller(c)
	ctx := c.Request.Context()

	if err := h.vault.Debit(ctx, caller, cur, amount); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.payer.Pay(ctx, caller, cur, amount); err != nil {
		// Transfer failed after the debit: put the balance back.
		if cErr := h.vault.Credit(ctx, caller, cur, amount); cErr != nil {
			h.log.Error("vault re-credit after failed withdrawal",
				zap.String("owner", caller.Hex()), zap.Error(cErr))
		}
		h.fail(c, err)
		return
	}
	bal, err := h.vault.Balance(ctx, caller, cur)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal.String()})
}

func (h *Handler) handleGetVaultBalance(c *gin.Context) {
	if !common.IsHexAddress(c.Param("address")) {
		badRequest(c, "invalid address")
		return
	}
	cur, err := currency.Parse(c.Param("currency"))
	if err != nil {
		h.fail(c, err)
		return
	}
	bal, err := h.vault.Balance(c.Request.Context(), common.HexToAddress(c.Param("address")), cur)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal.String()})
}

// ── Sessions ───────────────────────────────────────────────────────────────

type createSessionRequest struct {
	Host             string `json:"host"`
	Currency         string `json:"currency"`
	Deposit          string `json:"deposit"`
	PricePerUnit     string `json:"price_per_unit"`
	MaxDurationSec   int64  `json:"max_duration_sec"`
	ProofIntervalSec int64  `json:"proof_interval_sec"`
	TxHash           string `json:"tx_hash,omitempty"`
}

func (r *createSessionRequest) params() (session.CreateParams, string) {
	if !common.IsHexAddress(r.Host) {
		return session.CreateParams{}, "invalid host address"
	}
	cur, err := currency.Parse(r.Currency)
	if err != nil {
		return session.CreateParams{}, "invalid currency"
	}
	deposit, ok := parseAmount(r.Deposit)
	if !ok {
		return session.CreateParams{}, "invalid deposit"
	}
	price, ok := parseAmount(r.PricePerUnit)
	if !ok {
		return session.CreateParams{}, "invalid price_per_unit"
	}
	return session.CreateParams{
		Host:             common.HexToAddress(r.Host),
		Currency:         cur,
		Deposit:          deposit,
		PricePerUnit:     price,
		MaxDurationSec:   r.MaxDurationSec,
		ProofIntervalSec: r.ProofIntervalSec,
	}, ""
}

func (h *Handler) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if !signedPayload(c, &req) {
		return
	}
	p, msg := req.params()
	if msg != "" {
		badRequest(c, msg)
		return
	}
	if req.TxHash == "" {
		badRequest(c, "missing tx_hash")
		return
	}
	s, err := h.manager.Create(c.Request.Context(), auth.Caller(c), p, common.HexToHash(req.TxHash))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewSession(s))
}

func (h *Handler) handleCreateSessionFromVault(c *gin.Context) {
	var req createSessionRequest
	if !signedPayload(c, &req) {
		return
	}
	p, msg := req.params()
	if msg != "" {
		badRequest(c, msg)
		return
	}
	s, err := h.manager.CreateFromVault(c.Request.Context(), auth.Caller(c), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewSession(s))
}

func (h *Handler) handleGetSession(c *gin.Context) {
	s, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewSession(s))
}

func (h *Handler) handleGetStatus(c *gin.Context) {
	status, err := h.manager.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(status)})
}

// sessionView is the wire form of a session; big.Int fields travel as
// decimal strings.
type sessionView struct {
	ID               string `json:"id"`
	Depositor        string `json:"depositor"`
	Host             string `json:"host"`
	Currency         string `json:"currency"`
	Deposit          string `json:"deposit"`
	PricePerUnit     string `json:"price_per_unit"`
	MaxDurationSec   int64  `json:"max_duration_sec"`
	ProofIntervalSec int64  `json:"proof_interval_sec"`
	StartTime        int64  `json:"start_time"`
	LastProofTime    int64  `json:"last_proof_time"`
	ProvenUnits      string `json:"proven_units"`
	ProvenCost       string `json:"proven_cost"`
	Status           string `json:"status"`
	LastProofHash    string `json:"last_proof_hash,omitempty"`
	LastProofCID     string `json:"last_proof_cid,omitempty"`
	LastDeltaCID     string `json:"last_delta_cid,omitempty"`
}

func viewSession(s *session.Session) sessionView {
	return sessionView{
		ID:               s.ID,
		Depositor:        s.Depositor.Hex(),
		Host:             s.Host.Hex(),
		Currency:         s.Currency.String(),
		Deposit:          s.Deposit.String(),
		PricePerUnit:     s.PricePerUnit.String(),
		MaxDurationSec:   s.MaxDurationSec,
		ProofIntervalSec: s.ProofIntervalSec,
		StartTime:        s.StartTime,
		LastProofTime:    s.LastProofTime,
		ProvenUnits:      s.ProvenUnits.String(),
		ProvenCost:       s.ProvenCost().String(),
		Status:           string(s.Status),
		LastProofHash:    s.LastProofHash,
		LastProofCID:     s.LastProofCID,
		LastDeltaCID:     s.LastDeltaCID,
	}
}

// ── Proofs ─────────────────────────────────────────────────────────────────

type submitProofRequest struct {
	Units     string `json:"units"`
	ProofHash string `json:"proof_hash"`
	Signature string `json:"signature"`
	ProofCID  string `json:"proof_cid"`
	DeltaCID  string `json:"delta_cid"`
}

func (h *Handler) handleSubmitProof(c *gin.Context) {
	var req submitProofRequest
	if !signedPayload(c, &req) {
		return
	}
	units, ok := new(big.Int).SetString(strings.TrimSpace(req.Units), 10)
	if !ok {
		badRequest(c, "invalid units")
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		badRequest(c, "invalid signature hex")
		return
	}
	claim := proof.Claim{
		Units:     units,
		ProofHash: common.HexToHash(req.ProofHash),
		Signature: sig,
		ProofCID:  req.ProofCID,
		DeltaCID:  req.DeltaCID,
	}
	id := c.Param("id")
	if err := h.ledger.Submit(c.Request.Context(), auth.Caller(c), id, claim); err != nil {
		h.fail(c, err)
		return
	}
	s, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"proven_units": s.ProvenUnits.String(),
		"proven_cost":  s.ProvenCost().String(),
	})
}

func (h *Handler) handleGetProofs(c *gin.Context) {
	entries, err := h.ledger.Entries(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proofs": entries})
}

// ── Settlement ─────────────────────────────────────────────────────────────

func viewReceipt(r *settle.Receipt) gin.H {
	return gin.H{
		"session_id":   r.SessionID,
		"units_paid":   r.UnitsPaid.String(),
		"host_payment": r.HostPayment.String(),
		"fee":          r.Fee.String(),
		"refund":       r.Refund.String(),
	}
}

func (h *Handler) handleComplete(c *gin.Context) {
	r, err := h.engine.Complete(c.Request.Context(), auth.Caller(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewReceipt(r))
}

func (h *Handler) handleTimeout(c *gin.Context) {
	r, err := h.engine.Timeout(c.Request.Context(), auth.Caller(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewReceipt(r))
}

// ── Admin ──────────────────────────────────────────────────────────────────

type addCurrencyRequest struct {
	Currency   string `json:"currency"`
	MinDeposit string `json:"min_deposit"`
}

func (h *Handler) handleAddCurrency(c *gin.Context) {
	if auth.Caller(c) != h.operator {
		c.JSON(http.StatusForbidden, gin.H{"error": "operator only", "code": "OnlyOperator"})
		return
	}
	var req addCurrencyRequest
	if !signedPayload(c, &req) {
		return
	}
	cur, err := currency.Parse(req.Currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	min, ok := parseAmount(req.MinDeposit)
	if !ok {
		badRequest(c, "invalid min_deposit")
		return
	}
	if err := h.registry.Add(c.Request.Context(), cur, min); err != nil {
		h.fail(c, err)
		return
	}
	h.emitter.Emit(c.Request.Context(), events.Event{
		Type: events.TypeCurrencyAccepted,
		Fields: map[string]string{
			"currency":    cur.String(),
			"min_deposit": min.String(),
		},
	})
	c.JSON(http.StatusCreated, gin.H{"currency": cur.String(), "min_deposit": min.String()})
}

func (h *Handler) handleListCurrencies(c *gin.Context) {
	all, err := h.registry.All(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make(map[string]string, len(all))
	for key, min := range all {
		out[key] = min.String()
	}
	c.JSON(http.StatusOK, gin.H{"currencies": out})
}

type treasuryWithdrawRequest struct {
	Currency string `json:"currency"`
}

func (h *Handler) handleTreasuryWithdraw(c *gin.Context) {
	var req treasuryWithdrawRequest
	if !signedPayload(c, &req) {
		return
	}
	cur, err := currency.Parse(req.Currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	amount, err := h.engine.WithdrawTreasuryFees(c.Request.Context(), auth.Caller(c), cur)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currency": cur.String(), "amount": amount.String()})
}

func (h *Handler) handleGetTreasuryFees(c *gin.Context) {
	cur, err := currency.Parse(c.Param("currency"))
	if err != nil {
		h.fail(c, err)
		return
	}
	bal, err := h.treasury.Balance(c.Request.Context(), cur)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currency": cur.String(), "accrued": bal.String()})
}
