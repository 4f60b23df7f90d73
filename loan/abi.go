package loan

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// loanABIJSON is the lending contract surface the client depends on.
// A richer ABI can be supplied from a compiled-contract artifact via
// LoadABIFile; only these entry points are ever called.
const loanABIJSON = `[
  {
    "type": "function",
    "name": "requestLoan",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "borrower", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "repayLoan",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getLoan",
    "stateMutability": "view",
    "inputs": [
      {"name": "borrower", "type": "address"}
    ],
    "outputs": [
      {"name": "outstanding", "type": "uint256"}
    ]
  }
]`

// erc20ABIJSON covers the token calls used for repay approval and balance
// watching.
const erc20ABIJSON = `[
  {
    "type": "function",
    "name": "approve",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "spender", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": [
      {"name": "", "type": "bool"}
    ]
  },
  {
    "type": "function",
    "name": "balanceOf",
    "stateMutability": "view",
    "inputs": [
      {"name": "account", "type": "address"}
    ],
    "outputs": [
      {"name": "", "type": "uint256"}
    ]
  }
]`

// DefaultLoanABI returns the built-in lending contract ABI
func DefaultLoanABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(loanABIJSON))
}

// DefaultERC20ABI returns the built-in token ABI
func DefaultERC20ABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(erc20ABIJSON))
}

// LoadABIFile reads a contract ABI from a JSON file. Both a bare ABI array
// and a compiled-contract artifact with a top-level "abi" key are accepted.
func LoadABIFile(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to read ABI file: %w", err)
	}
	return ParseABI(data)
}

// ParseABI parses ABI JSON, unwrapping a compiled-contract artifact when
// present.
func ParseABI(data []byte) (abi.ABI, error) {
	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(data, &artifact); err == nil && len(artifact.ABI) > 0 {
		data = artifact.ABI
	}

	parsed, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return parsed, nil
}
