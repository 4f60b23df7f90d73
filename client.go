// Package credora is a client SDK that lets an autonomous agent pay for
// x402-metered HTTP APIs on credit. When a paid call fails with a 402
// insufficient-funds challenge the client borrows the shortfall from the
// Credora lending contract, retries the request once, and leaves repayment
// to the balance-watching loop in the watcher package.
package credora

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/credora-finance/credora-go/payments"
)

// HTTPDoer issues HTTP requests. Callers normally supply an *http.Client
// whose transport performs the x402 payment handshake; this package treats
// that capability as opaque.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// LoanLedger is the borrow capability the orchestrator needs. *loan.Client
// implements it.
type LoanLedger interface {
	Borrow(ctx context.Context, borrower common.Address, amount *big.Int) (TxResult, error)
}

// LoanTakenNotifier is told when a borrow succeeds so the repay watcher can
// enter its grace period before the borrowed funds land.
type LoanTakenNotifier interface {
	NoteLoanTaken()
}

// RetryFunc re-issues the original request with identical method, path, and
// options.
type RetryFunc func(ctx context.Context) (*http.Response, error)

// Client orchestrates paid API calls with at most one borrow-and-retry
// cycle per original request.
type Client struct {
	baseURL  string
	http     HTTPDoer
	ledger   LoanLedger // nil disables the auto-loan path entirely
	wallet   common.Address
	fallback *big.Int
	notifier LoanTakenNotifier

	// requirement selection filters, applied before borrowing
	networkFilter string
	schemeFilter  string
	maxValue      *big.Int

	logger *log.Logger
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets the HTTP transport used for paid calls. The transport
// is expected to perform the x402 payment handshake itself.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		c.http = doer
	}
}

// WithLoanLedger attaches a lending contract client and the wallet it
// borrows for. Without this option the client operates in pass-through
// mode: 402 responses are returned unchanged and nothing is ever borrowed.
func WithLoanLedger(ledger LoanLedger, wallet common.Address) Option {
	return func(c *Client) {
		c.ledger = ledger
		c.wallet = wallet
	}
}

// WithFallbackLoanAmount sets the amount borrowed when the selected
// requirement does not carry a usable maxAmountRequired. The
// requirement-provided amount is authoritative when present, and the
// fallback never applies when no requirement passes the selection filters.
func WithFallbackLoanAmount(amount *big.Int) Option {
	return func(c *Client) {
		c.fallback = amount
	}
}

// WithNotifier attaches the repay watcher notification hook
func WithNotifier(n LoanTakenNotifier) Option {
	return func(c *Client) {
		c.notifier = n
	}
}

// WithNetworkFilter restricts requirement selection to one network
func WithNetworkFilter(network string) Option {
	return func(c *Client) {
		c.networkFilter = network
	}
}

// WithSchemeFilter restricts requirement selection to one scheme
func WithSchemeFilter(scheme string) Option {
	return func(c *Client) {
		c.schemeFilter = scheme
	}
}

// WithMaxValue caps the requirement amount the client will borrow against
func WithMaxValue(maxValue *big.Int) Option {
	return func(c *Client) {
		c.maxValue = maxValue
	}
}

// WithLogger sets the event logger
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a paid-API client for the given base URL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AutoLoanEnabled reports whether a lending contract client is attached
func (c *Client) AutoLoanEnabled() bool {
	return c.ledger != nil
}

// CallPaid issues one paid API request and funnels the response through the
// borrow-and-retry cycle. The caller always receives either the eventual
// success response or the original, unmodified 402.
func (c *Client) CallPaid(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	final, err := c.RetryWithLoan(ctx, resp, func(ctx context.Context) (*http.Response, error) {
		return c.do(ctx, method, path, body)
	})
	if err != nil {
		return nil, err
	}

	c.logSettlement(final)
	return final, nil
}

// RetryWithLoan interprets a 402 response and decides whether to borrow and
// retry. Side effects are bounded: at most one borrow transaction and at
// most one HTTP retry per original response. Loan failures never escape;
// they are logged and the original 402 is returned unchanged.
func (c *Client) RetryWithLoan(ctx context.Context, resp *http.Response, redo RetryFunc) (*http.Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("credora: nil response")
	}
	if redo == nil {
		return nil, fmt.Errorf("credora: nil retry function")
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}
	if c.ledger == nil {
		// Ledger configuration absent: pass-through mode, never an error.
		return resp, nil
	}

	body, err := readAndRestoreBody(resp)
	if err != nil {
		c.logger.Printf("credora: failed to read 402 response body: %v", err)
		return resp, nil
	}

	pr, err := payments.ParsePaymentRequired(body)
	if err != nil {
		c.logger.Printf("credora: 402 received but body is not a payment challenge: %v", err)
		return resp, nil
	}

	if !payments.IsInsufficientFunds(pr) {
		c.logger.Printf("credora: payment required for reason %q, not attempting auto-loan", pr.Error)
		return resp, nil
	}

	amount, failure := c.loanAmount(pr)
	if failure != nil {
		c.logger.Printf("credora: %v", failure)
		return resp, nil
	}

	result, err := c.ledger.Borrow(ctx, c.wallet, amount)
	if err != nil {
		// Borrowing failure is never fatal to the caller; the paid call
		// simply cannot proceed this cycle.
		c.logger.Printf("credora: auto-loan of %s failed: %v", amount, err)
		return resp, nil
	}
	c.logger.Printf("credora: loan executed, tx %s", result.Hash.Hex())

	if c.notifier != nil {
		c.notifier.NoteLoanTaken()
	}

	retried, err := redo(ctx)
	if err != nil {
		c.logger.Printf("credora: retry after loan failed: %v", err)
		return resp, nil
	}
	// Whatever the retried response is, including a second 402, it is the
	// final result. No further borrow cycles.
	return retried, nil
}

// loanAmount resolves the amount to borrow for an insufficient-funds
// challenge. When no requirement passes the configured filters nothing is
// borrowed, fallback or not. The selected requirement's maxAmountRequired is
// authoritative when present; the fallback applies only when the selected
// requirement does not carry a usable amount.
func (c *Client) loanAmount(pr payments.PaymentRequired) (*big.Int, error) {
	selected := payments.SelectRequirement(pr.Accepts, c.networkFilter, c.schemeFilter, c.maxValue)
	if selected == nil {
		return nil, NewError(ErrCodeMissingLoanAmount,
			"no payment requirement passed the configured filters", nil)
	}
	if amount, ok := payments.RequiredAmount(*selected); ok {
		return amount, nil
	}
	if c.fallback != nil {
		return c.fallback, nil
	}
	return nil, NewError(ErrCodeMissingLoanAmount,
		"insufficient funds reported but no loan amount could be determined", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	method = strings.ToUpper(method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return nil, fmt.Errorf("credora: unsupported HTTP method %q", method)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// logSettlement surfaces the on-chain settlement hash from a successful
// paid response. A missing header on success is a warning, not an error.
func (c *Client) logSettlement(resp *http.Response) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}
	header := resp.Header.Get(payments.SettlementHeader)
	if header == "" {
		c.logger.Printf("credora: no payment response header on successful call")
		return
	}
	settle, err := payments.DecodeSettlementHeader(header)
	if err != nil {
		c.logger.Printf("credora: malformed payment response header: %v", err)
		return
	}
	c.logger.Printf("credora: payment settled, transaction %s", settle.Transaction)
}

// readAndRestoreBody drains the response body and replaces it so the
// original 402 can be returned to the caller intact.
func readAndRestoreBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
