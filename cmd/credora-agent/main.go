// The credora-agent binary drains a file-backed task queue of paid API
// calls and runs the auto-repay watcher alongside it. When the wallet
// cannot cover an x402 payment the agent borrows from the Credora lending
// contract, retries the call, and repays the loan out of incoming funds.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/joho/godotenv"

	credora "github.com/credora-finance/credora-go"
	"github.com/credora-finance/credora-go/loan"
	"github.com/credora-finance/credora-go/queue"
	"github.com/credora-finance/credora-go/watcher"
)

// TaskCallPremium is the queue type tag for one paid API call
const TaskCallPremium = "call_premium"

// callTask is the optional payload of a call_premium task
type callTask struct {
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
	Body   []byte `json:"body,omitempty"`
}

func main() {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	if err := godotenv.Load(); err != nil {
		logger.Println("no .env file found, using environment variables")
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Fatalf("agent failed: %v", err)
	}
}

func run(ctx context.Context, cfg config, logger *log.Logger) error {
	ledger, err := buildLedger(cfg, logger)
	if err != nil {
		return err
	}

	opts := []credora.Option{
		credora.WithHTTPClient(http.DefaultClient),
		credora.WithLogger(logger),
	}
	if cfg.fallbackLoan != nil {
		opts = append(opts, credora.WithFallbackLoanAmount(cfg.fallbackLoan))
	}
	if cfg.network != "" {
		opts = append(opts, credora.WithNetworkFilter(cfg.network))
	}

	var repayer *watcher.Watcher
	if ledger != nil {
		wallet := ledger.SignerAddress()
		opts = append(opts, credora.WithLoanLedger(ledger, wallet))
		logger.Printf("wallet: %s", wallet.Hex())

		if cfg.tokenAddress != "" {
			repayer = watcher.New(ledger, ledger, wallet, watcher.WithLogger(logger))
			opts = append(opts, credora.WithNotifier(repayer))
		} else {
			logger.Println("auto-repay disabled: missing CREDORA_TOKEN_ADDRESS")
		}
	}

	client := credora.New(cfg.baseURL, opts...)

	store := queue.NewFileStore(cfg.queueFile)
	worker := queue.NewWorker(store, queue.WithLogger(logger))
	worker.Handle(TaskCallPremium, callPremiumHandler(client, logger))

	var wg sync.WaitGroup
	if repayer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			repayer.Run(ctx)
		}()
	}

	err = worker.Run(ctx)
	wg.Wait()
	return err
}

// buildLedger constructs the loan client when the ledger configuration is
// present. Absent configuration is a documented disable-the-feature
// fallback, not an error: the agent then operates in pass-through mode.
func buildLedger(cfg config, logger *log.Logger) (*loan.Client, error) {
	if !cfg.ledgerConfigured() {
		logger.Println("auto-loan disabled: missing CREDORA_RPC_URL or CREDORA_LOAN_ADDRESS")
		return nil, nil
	}

	var loanABI *abi.ABI
	if cfg.abiPath != "" {
		parsed, err := loan.LoadABIFile(cfg.abiPath)
		if err != nil {
			return nil, err
		}
		loanABI = &parsed
	}

	return loan.Dial(cfg.rpcURL, loan.Config{
		PrivateKey:      cfg.privateKey,
		ContractAddress: cfg.loanAddress,
		TokenAddress:    cfg.tokenAddress,
		LoanABI:         loanABI,
		Fees:            cfg.fees,
		Logger:          logger,
	})
}

// callPremiumHandler dispatches one queued paid API call
func callPremiumHandler(client *credora.Client, logger *log.Logger) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		call := callTask{Method: http.MethodGet, Path: "/premium"}
		if len(task.Payload) > 0 {
			if err := json.Unmarshal(task.Payload, &call); err != nil {
				return err
			}
			if call.Method == "" {
				call.Method = http.MethodGet
			}
			if call.Path == "" {
				call.Path = "/premium"
			}
		}

		resp, err := client.CallPaid(ctx, call.Method, call.Path, call.Body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		logger.Printf("paid call %s %s -> %d", call.Method, call.Path, resp.StatusCode)
		return nil
	}
}
