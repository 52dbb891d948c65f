package rail

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gridmarket/escrowd/internal/config"
	"github.com/gridmarket/escrowd/internal/currency"
)

const (
	fundingTxKeyPrefix = "escrow:fundingtx:"
	nativeTransferGas  = 21_000
)

const erc20ABIJSON = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"Transfer","type":"event","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	erc20ABI      abi.ABI
	transferTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	erc20ABI = parsed
	transferTopic = erc20ABI.Events["Transfer"].ID
}

// ChainClient is the production Payer: the escrow operator account pushes
// native transfers and ERC-20 transfers through an Ethereum JSON-RPC node,
// and funding deposits are verified against confirmed transactions.
type ChainClient struct {
	eth        *ethclient.Client
	rdb        *redis.Client
	key        *ecdsa.PrivateKey
	chainID    *big.Int
	escrowAddr common.Address
	log        *zap.Logger
}

func NewChainClient(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (*ChainClient, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.OperatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	return &ChainClient{
		eth:        eth,
		rdb:        rdb,
		key:        key,
		chainID:    big.NewInt(cfg.Chain.ChainID),
		escrowAddr: crypto.PubkeyToAddress(key.PublicKey),
		log:        log,
	}, nil
}

// EscrowAddress is the account renters must fund for direct deposits.
func (c *ChainClient) EscrowAddress() common.Address { return c.escrowAddr }

func (c *ChainClient) Pay(ctx context.Context, to common.Address, cur currency.Currency, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	var (
		tx  *types.Transaction
		err error
	)
	switch cur.Kind {
	case currency.Native:
		tx, err = c.sendNative(ctx, to, amount)
	case currency.Token:
		tx, err = c.sendToken(ctx, cur.Token, to, amount)
	default:
		return fmt.Errorf("%w: unknown currency kind", ErrTransferFailed)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("%w: wait mined %s: %v", ErrTransferFailed, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: tx reverted %s", ErrTransferFailed, tx.Hash().Hex())
	}
	c.log.Info("payout confirmed",
		zap.String("to", to.Hex()),
		zap.String("currency", cur.String()),
		zap.String("amount", amount.String()),
		zap.String("tx", tx.Hash().Hex()),
	)
	return nil
}

func (c *ChainClient) sendNative(ctx context.Context, to common.Address, amount *big.Int) (*types.Transaction, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.escrowAddr)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount,
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	})
	return c.signAndSend(ctx, tx)
}

func (c *ChainClient) sendToken(ctx context.Context, token, to common.Address, amount *big.Int) (*types.Transaction, error) {
	calldata, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.escrowAddr)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.escrowAddr,
		To:   &token,
		Data: calldata,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	return c.signAndSend(ctx, tx)
}

func (c *ChainClient) signAndSend(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	return signed, nil
}

// VerifyDeposit confirms txHash transferred exactly amount of cur from the
// depositor to the escrow account, then consumes the hash. A hash that fails
// verification is released so the caller can retry once the tx confirms.
func (c *ChainClient) VerifyDeposit(ctx context.Context, txHash common.Hash, from common.Address, cur currency.Currency, amount *big.Int) error {
	key := fundingTxKeyPrefix + strings.ToLower(txHash.Hex())
	reserved, err := c.rdb.SetNX(ctx, key, from.Hex(), 0).Result()
	if err != nil {
		return fmt.Errorf("reserve funding tx: %w", err)
	}
	if !reserved {
		return ErrDepositAlreadyUsed
	}
	if err := c.checkDeposit(ctx, txHash, from, cur, amount); err != nil {
		c.rdb.Del(ctx, key) //nolint:errcheck
		return err
	}
	return nil
}

func (c *ChainClient) checkDeposit(ctx context.Context, txHash common.Hash, from common.Address, cur currency.Currency, amount *big.Int) error {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("%w: receipt %s: %v", ErrDepositNotVerified, txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: tx reverted", ErrDepositNotVerified)
	}
	tx, _, err := c.eth.TransactionByHash(ctx, txHash)
	if err != nil {
		return fmt.Errorf("%w: fetch tx: %v", ErrDepositNotVerified, err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return fmt.Errorf("%w: recover sender: %v", ErrDepositNotVerified, err)
	}
	if sender != from {
		return fmt.Errorf("%w: sender %s is not depositor %s", ErrDepositNotVerified, sender.Hex(), from.Hex())
	}

	switch cur.Kind {
	case currency.Native:
		if tx.To() == nil || *tx.To() != c.escrowAddr {
			return fmt.Errorf("%w: recipient is not the escrow account", ErrDepositNotVerified)
		}
		if tx.Value().Cmp(amount) != 0 {
			return fmt.Errorf("%w: value %s != deposit %s", ErrDepositNotVerified, tx.Value(), amount)
		}
		return nil
	case currency.Token:
		return c.checkTokenDeposit(receipt, cur.Token, from, amount)
	default:
		return fmt.Errorf("%w: unknown currency kind", ErrDepositNotVerified)
	}
}

// checkTokenDeposit looks for a Transfer(from, escrow, amount) log emitted by
// the session's token contract.
func (c *ChainClient) checkTokenDeposit(receipt *types.Receipt, token, from common.Address, amount *big.Int) error {
	for _, l := range receipt.Logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		logFrom := common.BytesToAddress(l.Topics[1].Bytes())
		logTo := common.BytesToAddress(l.Topics[2].Bytes())
		if logFrom != from || logTo != c.escrowAddr {
			continue
		}
		value := new(big.Int).SetBytes(l.Data)
		if value.Cmp(amount) == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching token transfer to escrow", ErrDepositNotVerified)
}
