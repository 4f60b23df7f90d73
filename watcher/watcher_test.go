package watcher

import (
	"context"
	"errors"
	"io"
	"log"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	credora "github.com/credora-finance/credora-go"
)

var testWallet = common.HexToAddress("0x1111111111111111111111111111111111111111")

// mockLedger records approval and repay calls
type mockLedger struct {
	outstanding    *big.Int
	outstandingErr error
	approveErr     error
	repayErr       error

	approvals []*big.Int
	repays    []*big.Int
	onTime    []bool
}

func (m *mockLedger) Outstanding(_ context.Context, _ common.Address) (*big.Int, error) {
	if m.outstandingErr != nil {
		return nil, m.outstandingErr
	}
	return new(big.Int).Set(m.outstanding), nil
}

func (m *mockLedger) ApproveRepay(_ context.Context, amount *big.Int) (credora.TxResult, error) {
	if m.approveErr != nil {
		return credora.TxResult{}, m.approveErr
	}
	m.approvals = append(m.approvals, new(big.Int).Set(amount))
	return credora.TxResult{Status: credora.TxMined}, nil
}

func (m *mockLedger) Repay(_ context.Context, amount *big.Int, _ common.Address, onTime bool) (credora.TxResult, error) {
	if m.repayErr != nil {
		return credora.TxResult{}, m.repayErr
	}
	m.repays = append(m.repays, new(big.Int).Set(amount))
	m.onTime = append(m.onTime, onTime)
	return credora.TxResult{Status: credora.TxMined}, nil
}

// mockBalances counts balance reads
type mockBalances struct {
	balance *big.Int
	err     error
	reads   int
}

func (m *mockBalances) TokenBalance(_ context.Context, _ common.Address) (*big.Int, error) {
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	return new(big.Int).Set(m.balance), nil
}

func newTestWatcher(ledger *mockLedger, balances *mockBalances, now *time.Time) *Watcher {
	return New(ledger, balances, testWallet,
		WithGracePeriod(10*time.Second),
		WithClock(func() time.Time { return *now }),
		WithLogger(log.New(io.Discard, "", 0)),
	)
}

func (w *Watcher) setLastBalance(v *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastBalance = v
}

func (w *Watcher) getLastBalance() *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBalance
}

func TestTickRepaysFromGain(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ledger := &mockLedger{outstanding: big.NewInt(30)}
	balances := &mockBalances{balance: big.NewInt(150)}
	w := newTestWatcher(ledger, balances, &now)
	w.setLastBalance(big.NewInt(100))

	w.tick(context.Background())

	if len(ledger.repays) != 1 {
		t.Fatalf("expected 1 repay, got %d", len(ledger.repays))
	}
	// repay amount is min(gain, outstanding) = min(50, 30)
	if ledger.repays[0].String() != "30" {
		t.Errorf("repay amount = %s, want 30", ledger.repays[0])
	}
	if !ledger.onTime[0] {
		t.Error("expected onTime repay")
	}
	// approval covers the full outstanding amount
	if len(ledger.approvals) != 1 || ledger.approvals[0].String() != "30" {
		t.Errorf("approvals = %v, want [30]", ledger.approvals)
	}
	if w.getLastBalance().String() != "150" {
		t.Errorf("lastBalance = %s, want 150", w.getLastBalance())
	}
}

func TestTickRepayBoundedByGain(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ledger := &mockLedger{outstanding: big.NewInt(200)}
	balances := &mockBalances{balance: big.NewInt(150)}
	w := newTestWatcher(ledger, balances, &now)
	w.setLastBalance(big.NewInt(100))

	w.tick(context.Background())

	if len(ledger.repays) != 1 || ledger.repays[0].String() != "50" {
		t.Fatalf("repays = %v, want [50]", ledger.repays)
	}
	if ledger.approvals[0].String() != "200" {
		t.Errorf("approval = %s, want full outstanding 200", ledger.approvals[0])
	}
}

func TestTickIdempotentWhenBalanceFlat(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ledger := &mockLedger{outstanding: big.NewInt(30)}
	balances := &mockBalances{balance: big.NewInt(100)}
	w := newTestWatcher(ledger, balances, &now)
	w.setLastBalance(big.NewInt(100))

	w.tick(context.Background())
	w.tick(context.Background())

	if len(ledger.repays) != 0 {
		t.Errorf("expected no repays, got %d", len(ledger.repays))
	}
	if w.getLastBalance().String() != "100" {
		t.Errorf("lastBalance = %s, want 100", w.getLastBalance())
	}
}

func TestTickNoRepayWhenNothingOutstanding(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ledger := &mockLedger{outstanding: big.NewInt(0)}
	balances := &mockBalances{balance: big.NewInt(150)}
	w := newTestWatcher(ledger, balances, &now)
	w.setLastBalance(big.NewInt(100))

	w.tick(context.Background())

	if len(ledger.approvals) != 0 || len(ledger.repays) != 0 {
		t.Error("expected no approval or repay when outstanding is zero")
	}
	if w.getLastBalance().String() != "150" {
		t.Errorf("lastBalance = %s, want 150", w.getLastBalance())
	}
}

func TestGracePeriod(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	now := start
	ledger := &mockLedger{outstanding: big.NewInt(30)}
	balances := &mockBalances{balance: big.NewInt(150)}
	w := newTestWatcher(ledger, balances, &now)
	w.setLastBalance(big.NewInt(100))

	w.NoteLoanTaken()

	// t+2s: inside the window. No balance comparison at all.
	now = start.Add(2 * time.Second)
	w.tick(context.Background())
	if balances.reads != 0 {
		t.Errorf("balance read %d times during grace, want 0", balances.reads)
	}
	if len(ledger.repays) != 0 {
		t.Error("repay attempted during grace period")
	}
	if w.getLastBalance().String() != "100" {
		t.Errorf("lastBalance = %s, want unchanged 100", w.getLastBalance())
	}

	// t+10s: window elapsed. The pending flag clears and normal operation
	// resumes on the following tick.
	now = start.Add(10 * time.Second)
	w.tick(context.Background())
	if len(ledger.repays) != 0 {
		t.Error("repay attempted on the clearing tick")
	}

	now = start.Add(15 * time.Second)
	w.tick(context.Background())
	if len(ledger.repays) != 1 {
		t.Fatalf("expected repay after grace period, got %d", len(ledger.repays))
	}
	if ledger.repays[0].String() != "30" {
		t.Errorf("repay amount = %s, want 30", ledger.repays[0])
	}
}

func TestTickSurvivesFailures(t *testing.T) {
	t.Run("balance read failure leaves state untouched", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		ledger := &mockLedger{outstanding: big.NewInt(30)}
		balances := &mockBalances{err: errors.New("rpc down")}
		w := newTestWatcher(ledger, balances, &now)
		w.setLastBalance(big.NewInt(100))

		w.tick(context.Background())

		if w.getLastBalance().String() != "100" {
			t.Errorf("lastBalance = %s, want 100", w.getLastBalance())
		}
	})

	t.Run("outstanding query failure still advances the baseline", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		ledger := &mockLedger{outstandingErr: errors.New("rpc down")}
		balances := &mockBalances{balance: big.NewInt(150)}
		w := newTestWatcher(ledger, balances, &now)
		w.setLastBalance(big.NewInt(100))

		w.tick(context.Background())

		if len(ledger.repays) != 0 {
			t.Error("expected no repay on outstanding failure")
		}
		if w.getLastBalance().String() != "150" {
			t.Errorf("lastBalance = %s, want 150", w.getLastBalance())
		}
	})

	t.Run("approval failure aborts the repay", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		ledger := &mockLedger{outstanding: big.NewInt(30), approveErr: errors.New("reverted")}
		balances := &mockBalances{balance: big.NewInt(150)}
		w := newTestWatcher(ledger, balances, &now)
		w.setLastBalance(big.NewInt(100))

		w.tick(context.Background())

		if len(ledger.repays) != 0 {
			t.Error("repay must not run after a failed approval")
		}
		if w.getLastBalance().String() != "150" {
			t.Errorf("lastBalance = %s, want 150", w.getLastBalance())
		}
	})

	t.Run("repay failure still advances the baseline", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		ledger := &mockLedger{outstanding: big.NewInt(30), repayErr: errors.New("timeout")}
		balances := &mockBalances{balance: big.NewInt(150)}
		w := newTestWatcher(ledger, balances, &now)
		w.setLastBalance(big.NewInt(100))

		w.tick(context.Background())

		if w.getLastBalance().String() != "150" {
			t.Errorf("lastBalance = %s, want 150", w.getLastBalance())
		}
	})
}

func TestTickEstablishesBaseline(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ledger := &mockLedger{outstanding: big.NewInt(30)}
	balances := &mockBalances{balance: big.NewInt(150)}
	w := newTestWatcher(ledger, balances, &now)

	// No baseline yet: the first reading never counts as income.
	w.tick(context.Background())

	if len(ledger.repays) != 0 {
		t.Error("first observation must not trigger a repay")
	}
	if w.getLastBalance().String() != "150" {
		t.Errorf("lastBalance = %s, want 150", w.getLastBalance())
	}
}

func TestRunStopsBetweenTicks(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ledger := &mockLedger{outstanding: big.NewInt(0)}
	balances := &mockBalances{balance: big.NewInt(100)}
	w := New(ledger, balances, testWallet,
		WithInterval(10*time.Millisecond),
		WithClock(func() time.Time { return now }),
		WithLogger(log.New(io.Discard, "", 0)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after cancellation")
	}
}
