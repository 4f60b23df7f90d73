package main

import (
	"fmt"
	"math/big"
	"os"

	"github.com/credora-finance/credora-go/loan"
)

// config is the agent's environment surface. PRIVATE_KEY and BASE_URL are
// required; absent ledger settings disable the auto-loan path rather than
// erroring.
type config struct {
	privateKey   string
	baseURL      string
	rpcURL       string
	loanAddress  string
	tokenAddress string
	abiPath      string
	fees         loan.FeeOverrides
	fallbackLoan *big.Int
	queueFile    string
	network      string
}

func loadConfig() (config, error) {
	cfg := config{
		privateKey:   os.Getenv("PRIVATE_KEY"),
		baseURL:      os.Getenv("BASE_URL"),
		rpcURL:       os.Getenv("CREDORA_RPC_URL"),
		loanAddress:  os.Getenv("CREDORA_LOAN_ADDRESS"),
		tokenAddress: os.Getenv("CREDORA_TOKEN_ADDRESS"),
		abiPath:      os.Getenv("CREDORA_LOAN_ABI_PATH"),
		queueFile:    os.Getenv("QUEUE_FILE"),
		network:      os.Getenv("CREDORA_NETWORK"),
	}

	if cfg.privateKey == "" {
		return cfg, fmt.Errorf("PRIVATE_KEY missing in environment")
	}
	if cfg.baseURL == "" {
		return cfg, fmt.Errorf("BASE_URL missing in environment")
	}
	if cfg.queueFile == "" {
		cfg.queueFile = "queue.json"
	}

	var err error
	if cfg.fees.GasPrice, err = envBigInt("CREDORA_GAS_PRICE"); err != nil {
		return cfg, err
	}
	if cfg.fees.MaxFeePerGas, err = envBigInt("CREDORA_MAX_FEE_PER_GAS"); err != nil {
		return cfg, err
	}
	if cfg.fees.MaxPriorityFeePerGas, err = envBigInt("CREDORA_MAX_PRIORITY_FEE_PER_GAS"); err != nil {
		return cfg, err
	}
	if cfg.fallbackLoan, err = envBigInt("CREDORA_FALLBACK_LOAN_WEI"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ledgerConfigured reports whether the auto-loan path can be constructed
func (c config) ledgerConfigured() bool {
	return c.rpcURL != "" && c.loanAddress != ""
}

func envBigInt(key string) (*big.Int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s is not a base-10 integer: %q", key, raw)
	}
	return value, nil
}
