// Package loan is a client for the Credora lending contract. It builds,
// signs, submits, and confirms loan transactions against a remote EVM
// ledger: requestLoan, repayLoan, and the read-only getLoan query, plus the
// ERC-20 approve and balanceOf calls the repay path depends on.
package loan

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	credora "github.com/credora-finance/credora-go"
)

// Backend is the chain RPC surface the client needs. *ethclient.Client
// satisfies it; tests inject a mock.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Backend = (*ethclient.Client)(nil)

// FeeOverrides holds caller-supplied transaction fee parameters. When a
// field is set it is used verbatim; when both fee styles are absent a single
// legacy gas price query is the only default. Legacy and EIP-1559 fields are
// never mixed in one transaction.
type FeeOverrides struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             uint64
}

// Config configures a loan ledger client
type Config struct {
	// Backend is the chain RPC transport. Required.
	Backend Backend
	// PrivateKey is the hex-encoded signing key, with or without the "0x"
	// prefix. Required.
	PrivateKey string
	// ContractAddress is the lending contract. Required.
	ContractAddress string
	// TokenAddress is the ERC-20 asset used for repayment approval and
	// balance reads. Optional; token operations fail without it.
	TokenAddress string
	// LoanABI overrides the built-in lending contract ABI, e.g. one loaded
	// from a compiled artifact via LoadABIFile.
	LoanABI *abi.ABI
	// TokenABI overrides the built-in ERC-20 ABI.
	TokenABI *abi.ABI
	// Fees are caller-supplied transaction parameter overrides.
	Fees FeeOverrides
	// ConfirmTimeout bounds receipt polling after broadcast. Default 90s.
	ConfirmTimeout time.Duration
	// ReceiptPollInterval is the delay between receipt queries. Default 2s.
	ReceiptPollInterval time.Duration
	// Logger receives transaction lifecycle events. Default log.Default().
	Logger *log.Logger
}

const (
	defaultConfirmTimeout      = 90 * time.Second
	defaultReceiptPollInterval = 2 * time.Second
)

// Client sends transactions to the Credora lending contract
type Client struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	address  common.Address
	contract common.Address
	token    common.Address
	loanABI  abi.ABI
	tokenABI abi.ABI
	fees     FeeOverrides
	confirm  time.Duration
	poll     time.Duration
	logger   *log.Logger
}

// New creates a loan ledger client from a config
func New(cfg Config) (*Client, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("loan: backend is required")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("loan: contract address is required")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("loan: invalid private key: %w", err)
	}

	loanABI, err := DefaultLoanABI()
	if err != nil {
		return nil, err
	}
	if cfg.LoanABI != nil {
		loanABI = *cfg.LoanABI
	}
	tokenABI, err := DefaultERC20ABI()
	if err != nil {
		return nil, err
	}
	if cfg.TokenABI != nil {
		tokenABI = *cfg.TokenABI
	}

	c := &Client{
		backend:  cfg.Backend,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(cfg.ContractAddress),
		token:    common.HexToAddress(cfg.TokenAddress),
		loanABI:  loanABI,
		tokenABI: tokenABI,
		fees:     cfg.Fees,
		confirm:  cfg.ConfirmTimeout,
		poll:     cfg.ReceiptPollInterval,
		logger:   cfg.Logger,
	}
	if c.confirm <= 0 {
		c.confirm = defaultConfirmTimeout
	}
	if c.poll <= 0 {
		c.poll = defaultReceiptPollInterval
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c, nil
}

// Dial connects to an RPC endpoint and creates a client. cfg.Backend is
// filled in from the dialed connection.
func Dial(rpcURL string, cfg Config) (*Client, error) {
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, credora.WrapError(credora.ErrCodeLedgerUnreachable,
			fmt.Sprintf("unable to reach RPC provider at %s", rpcURL), err)
	}
	cfg.Backend = ec
	return New(cfg)
}

// SignerAddress returns the address transactions are signed with
func (c *Client) SignerAddress() common.Address {
	return c.address
}

// Outstanding returns the lender's current claim against the borrower.
// Fails with a ledger_unreachable error when the RPC cannot be reached; the
// amount is never assumed to be zero on error.
func (c *Client) Outstanding(ctx context.Context, borrower common.Address) (*big.Int, error) {
	state, err := c.GetLoan(ctx, borrower)
	if err != nil {
		return nil, err
	}
	return state.Outstanding, nil
}

// GetLoan returns the full loan record for a borrower
func (c *Client) GetLoan(ctx context.Context, borrower common.Address) (credora.LoanState, error) {
	data, err := c.loanABI.Pack("getLoan", borrower)
	if err != nil {
		return credora.LoanState{}, fmt.Errorf("failed to pack getLoan call: %w", err)
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return credora.LoanState{}, credora.WrapError(credora.ErrCodeLedgerUnreachable,
			"getLoan contract call failed", err)
	}

	outputs, err := c.loanABI.Unpack("getLoan", result)
	if err != nil {
		return credora.LoanState{}, fmt.Errorf("failed to unpack getLoan result: %w", err)
	}
	outstanding, ok := outputs[0].(*big.Int)
	if !ok {
		return credora.LoanState{}, fmt.Errorf("unexpected getLoan output type %T", outputs[0])
	}

	return credora.LoanState{Borrower: borrower, Outstanding: outstanding}, nil
}

// TokenBalance returns the holder's balance of the configured token in its
// smallest unit.
func (c *Client) TokenBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	if c.token == (common.Address{}) {
		return nil, fmt.Errorf("loan: token address not configured")
	}

	data, err := c.tokenABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, credora.WrapError(credora.ErrCodeLedgerUnreachable,
			"balanceOf contract call failed", err)
	}

	outputs, err := c.tokenABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", outputs[0])
	}
	return balance, nil
}

// Borrow invokes requestLoan(borrower, amount) and waits for confirmation.
// The outstanding amount and the wallet nonce are re-read from the ledger
// immediately before submission; nothing is reused from earlier calls.
func (c *Client) Borrow(ctx context.Context, borrower common.Address, amount *big.Int) (credora.TxResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return credora.TxResult{}, fmt.Errorf("loan: borrow amount must be positive")
	}

	outstanding, err := c.Outstanding(ctx, borrower)
	if err != nil {
		return credora.TxResult{}, err
	}
	c.logger.Printf("loan: borrowing %s (outstanding before: %s)", amount, outstanding)

	calldata, err := c.loanABI.Pack("requestLoan", borrower, amount)
	if err != nil {
		return credora.TxResult{}, fmt.Errorf("failed to pack requestLoan call: %w", err)
	}
	return c.submit(ctx, c.contract, calldata)
}

// Repay invokes repayLoan(amount) and waits for confirmation. The borrower
// must be the signing wallet; onTime is recorded for reporting only, the
// contract derives timeliness itself. A successful approval (ApproveRepay)
// must precede this call.
func (c *Client) Repay(ctx context.Context, amount *big.Int, borrower common.Address, onTime bool) (credora.TxResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return credora.TxResult{}, fmt.Errorf("loan: repay amount must be positive")
	}
	if borrower != c.address {
		return credora.TxResult{}, fmt.Errorf("loan: repay borrower %s does not match signer %s", borrower.Hex(), c.address.Hex())
	}

	outstanding, err := c.Outstanding(ctx, borrower)
	if err != nil {
		return credora.TxResult{}, err
	}
	if outstanding.Sign() == 0 {
		return credora.TxResult{}, fmt.Errorf("loan: nothing outstanding to repay")
	}
	c.logger.Printf("loan: repaying %s of %s outstanding (onTime=%v)", amount, outstanding, onTime)

	calldata, err := c.loanABI.Pack("repayLoan", amount)
	if err != nil {
		return credora.TxResult{}, fmt.Errorf("failed to pack repayLoan call: %w", err)
	}
	return c.submit(ctx, c.contract, calldata)
}

// ApproveRepay approves the lending contract to pull the given token amount.
// A failed approval aborts the repay attempt before any loan-state-mutating
// transaction is submitted.
func (c *Client) ApproveRepay(ctx context.Context, amount *big.Int) (credora.TxResult, error) {
	if c.token == (common.Address{}) {
		return credora.TxResult{}, fmt.Errorf("loan: token address not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return credora.TxResult{}, fmt.Errorf("loan: approval amount must be positive")
	}

	calldata, err := c.tokenABI.Pack("approve", c.contract, amount)
	if err != nil {
		return credora.TxResult{}, fmt.Errorf("failed to pack approve call: %w", err)
	}
	return c.submit(ctx, c.token, calldata)
}

// submit runs one build/sign/broadcast/confirm cycle. The nonce is fetched
// fresh here on every call; a transaction intent is never reused across
// submissions.
func (c *Client) submit(ctx context.Context, to common.Address, calldata []byte) (credora.TxResult, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return credora.TxResult{}, credora.WrapError(credora.ErrCodeLedgerUnreachable,
			"failed to fetch pending nonce", err)
	}

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return credora.TxResult{}, credora.WrapError(credora.ErrCodeLedgerUnreachable,
			"failed to fetch chain id", err)
	}

	gasLimit := c.fees.GasLimit
	if gasLimit == 0 {
		gasLimit, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: c.address,
			To:   &to,
			Data: calldata,
		})
		if err != nil {
			return credora.TxResult{}, credora.WrapError(credora.ErrCodeLedgerUnreachable,
				"failed to estimate gas", err)
		}
	}

	tx, err := c.buildTx(ctx, chainID, nonce, gasLimit, to, calldata)
	if err != nil {
		return credora.TxResult{}, err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return credora.TxResult{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return credora.TxResult{}, credora.WrapError(credora.ErrCodeLedgerUnreachable,
			"failed to broadcast transaction", err)
	}

	hash := signed.Hash()
	c.logger.Printf("loan: submitted tx %s (nonce %d)", hash.Hex(), nonce)
	return c.waitMined(ctx, hash)
}

// buildTx assembles an unsigned transaction with the resolved fee fields
func (c *Client) buildTx(ctx context.Context, chainID *big.Int, nonce, gasLimit uint64, to common.Address, calldata []byte) (*types.Transaction, error) {
	switch {
	case c.fees.MaxFeePerGas != nil:
		tip := c.fees.MaxPriorityFeePerGas
		if tip == nil {
			suggested, err := c.backend.SuggestGasTipCap(ctx)
			if err != nil {
				return nil, credora.WrapError(credora.ErrCodeLedgerUnreachable,
					"failed to fetch gas tip cap", err)
			}
			tip = suggested
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: c.fees.MaxFeePerGas,
			Gas:       gasLimit,
			To:        &to,
			Data:      calldata,
		}), nil

	case c.fees.GasPrice != nil:
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: c.fees.GasPrice,
			Gas:      gasLimit,
			To:       &to,
			Data:     calldata,
		}), nil

	default:
		// No override of either style: one market fee query, legacy only.
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, credora.WrapError(credora.ErrCodeLedgerUnreachable,
				"failed to fetch gas price", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Data:     calldata,
		}), nil
	}
}

// waitMined polls for a receipt until the confirmation deadline. An unmined
// transaction at the deadline is a timeout, never a success.
func (c *Client) waitMined(ctx context.Context, hash common.Hash) (credora.TxResult, error) {
	deadline := time.NewTimer(c.confirm)
	defer deadline.Stop()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return credora.TxResult{Status: credora.TxMined, Hash: hash, Receipt: receipt}, nil
			}
			return credora.TxResult{Status: credora.TxReverted, Hash: hash, Receipt: receipt},
				credora.NewError(credora.ErrCodeTransactionReverted,
					fmt.Sprintf("transaction %s reverted in block %d", hash.Hex(), receipt.BlockNumber), nil)
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			// Transient RPC failure while confirming. Keep polling until
			// the deadline rather than abandoning a broadcast transaction.
			c.logger.Printf("loan: receipt query for %s failed: %v", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return credora.TxResult{Status: credora.TxTimedOut, Hash: hash},
				credora.WrapError(credora.ErrCodeTransactionTimeout,
					fmt.Sprintf("confirmation of %s interrupted", hash.Hex()), ctx.Err())
		case <-deadline.C:
			return credora.TxResult{Status: credora.TxTimedOut, Hash: hash},
				credora.NewError(credora.ErrCodeTransactionTimeout,
					fmt.Sprintf("transaction %s not mined within %s", hash.Hex(), c.confirm), nil)
		case <-ticker.C:
		}
	}
}
