// Package watcher runs the auto-repay loop. It polls a wallet's token
// balance on a fixed interval, treats net gains as income, and
// opportunistically repays outstanding debt with them. A grace period after
// each borrow stops the loop from repaying a loan with the loan's own
// proceeds.
package watcher

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	credora "github.com/credora-finance/credora-go"
)

// LoanLedger is the repay capability the watcher needs. *loan.Client
// implements it.
type LoanLedger interface {
	Outstanding(ctx context.Context, borrower common.Address) (*big.Int, error)
	ApproveRepay(ctx context.Context, amount *big.Int) (credora.TxResult, error)
	Repay(ctx context.Context, amount *big.Int, borrower common.Address, onTime bool) (credora.TxResult, error)
}

// BalanceReader reads the wallet's token balance. *loan.Client implements
// it.
type BalanceReader interface {
	TokenBalance(ctx context.Context, holder common.Address) (*big.Int, error)
}

const (
	// DefaultInterval is the balance poll cadence
	DefaultInterval = 5 * time.Second
	// DefaultGracePeriod is how long the watcher stands down after a borrow
	DefaultGracePeriod = 10 * time.Second
)

// Watcher is the auto-repay loop. One goroutine runs Run; the orchestrator
// calls NoteLoanTaken from another. The shared flags are guarded by a mutex
// so the notification is visible at the very next tick boundary.
type Watcher struct {
	ledger   LoanLedger
	balances BalanceReader
	wallet   common.Address
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	logger   *log.Logger

	mu           sync.Mutex
	lastBalance  *big.Int
	loanPending  bool
	lastLoanTime time.Time
}

// Option configures the watcher
type Option func(*Watcher)

// WithInterval sets the poll interval
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithGracePeriod sets the post-borrow stand-down window
func WithGracePeriod(d time.Duration) Option {
	return func(w *Watcher) {
		w.grace = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		w.now = now
	}
}

// WithLogger sets the event logger
func WithLogger(logger *log.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a watcher for the given wallet
func New(ledger LoanLedger, balances BalanceReader, wallet common.Address, opts ...Option) *Watcher {
	w := &Watcher{
		ledger:   ledger,
		balances: balances,
		wallet:   wallet,
		interval: DefaultInterval,
		grace:    DefaultGracePeriod,
		now:      time.Now,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NoteLoanTaken records that a loan was just taken. The watcher skips its
// balance comparison until the grace period elapses so the borrowed funds
// are not mistaken for new income.
func (w *Watcher) NoteLoanTaken() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loanPending = true
	w.lastLoanTime = w.now()
}

// Run polls until ctx is cancelled. Cancellation takes effect between
// ticks, never mid-transaction; an in-flight repay always completes its
// confirmation cycle. Tick errors are logged and never stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Printf("watcher: starting auto-repay loop (interval %s, grace %s)", w.interval, w.grace)

	// Establish the income baseline before the first tick. A failed read
	// leaves the baseline to the first successful tick.
	if balance, err := w.balances.TokenBalance(ctx, w.wallet); err == nil {
		w.mu.Lock()
		w.lastBalance = balance
		w.mu.Unlock()
	} else {
		w.logger.Printf("watcher: initial balance read failed: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("watcher: stopping")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick performs one poll cycle
func (w *Watcher) tick(ctx context.Context) {
	if w.standDown() {
		return
	}

	current, err := w.balances.TokenBalance(ctx, w.wallet)
	if err != nil {
		w.logger.Printf("watcher: balance read failed: %v", err)
		return
	}

	w.mu.Lock()
	last := w.lastBalance
	w.mu.Unlock()

	if last != nil && current.Cmp(last) > 0 {
		gain := new(big.Int).Sub(current, last)
		w.repayFromGain(ctx, gain)
	}

	// The baseline advances unconditionally at the end of the tick, even
	// when no gain occurred or the repay attempt failed, so drift never
	// compounds.
	w.mu.Lock()
	w.lastBalance = current
	w.mu.Unlock()
}

// standDown reports whether this tick falls inside the post-borrow grace
// window. Inside the window the tick is skipped entirely: no balance
// comparison and no repay attempt. Once the window has elapsed the pending
// flag is cleared and normal operation resumes on the next tick.
func (w *Watcher) standDown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.loanPending {
		return false
	}
	if w.now().Sub(w.lastLoanTime) < w.grace {
		w.logger.Printf("watcher: inside post-loan grace period, skipping tick")
		return true
	}
	w.loanPending = false
	return true
}

// repayFromGain repays min(gain, outstanding) when any debt is outstanding.
// Failures are logged; the loop survives transient ledger errors and simply
// tries again next tick.
func (w *Watcher) repayFromGain(ctx context.Context, gain *big.Int) {
	outstanding, err := w.ledger.Outstanding(ctx, w.wallet)
	if err != nil {
		w.logger.Printf("watcher: outstanding query failed: %v", err)
		return
	}
	if outstanding.Sign() == 0 {
		return
	}

	repayAmount := new(big.Int).Set(gain)
	if outstanding.Cmp(repayAmount) < 0 {
		repayAmount.Set(outstanding)
	}
	w.logger.Printf("watcher: balance gained %s, repaying %s of %s outstanding", gain, repayAmount, outstanding)

	// Approval covers the full outstanding amount; a failed approval aborts
	// before any loan-state-mutating transaction.
	if _, err := w.ledger.ApproveRepay(ctx, outstanding); err != nil {
		w.logger.Printf("watcher: repay approval failed: %v", err)
		return
	}

	result, err := w.ledger.Repay(ctx, repayAmount, w.wallet, true)
	if err != nil {
		w.logger.Printf("watcher: repay failed: %v", err)
		return
	}
	w.logger.Printf("watcher: loan repaid, tx %s", result.Hash.Hex())
}
