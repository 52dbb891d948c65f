// Package rail abstracts actual value movement. The settlement engine treats
// every transfer as a possibly-failing operation; which failures abort and
// which fall back to a pull ledger is the engine's decision, not the rail's.
package rail

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gridmarket/escrowd/internal/currency"
)

var (
	// ErrTransferFailed wraps any push that did not land.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrDepositNotVerified covers funding txs that do not match the claimed
	// depositor, currency or amount.
	ErrDepositNotVerified = errors.New("deposit not verified")
	// ErrDepositAlreadyUsed rejects reuse of a funding tx hash.
	ErrDepositAlreadyUsed = errors.New("deposit tx already used")
)

// Payer moves value on one of the two rails (native or ERC-20) and verifies
// inbound funding transfers.
type Payer interface {
	// Pay pushes amount of cur to the recipient. A non-nil error means no
	// value moved.
	Pay(ctx context.Context, to common.Address, cur currency.Currency, amount *big.Int) error
	// VerifyDeposit checks that txHash is a confirmed transfer of amount in
	// cur from the depositor to the escrow account, and consumes the hash so
	// it cannot fund twice.
	VerifyDeposit(ctx context.Context, txHash common.Hash, from common.Address, cur currency.Currency, amount *big.Int) error
}
