package credora

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// TxStatus is the terminal state of one submitted transaction.
// Callers branch on timeout vs revert, so the distinction is explicit
// rather than hidden in error strings.
type TxStatus int

const (
	// TxPending means the transaction was broadcast but no receipt has been
	// observed yet.
	TxPending TxStatus = iota
	// TxMined means a receipt with a successful status was observed.
	TxMined
	// TxTimedOut means no mined receipt appeared before the confirmation
	// deadline. Not a success and not a definitive failure.
	TxTimedOut
	// TxReverted means a receipt was mined but indicates failure.
	TxReverted
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxMined:
		return "mined"
	case TxTimedOut:
		return "timed_out"
	case TxReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// TxResult is the outcome of one build/sign/submit/confirm cycle.
// A result whose Receipt is nil after the confirmation deadline is a
// timeout, never a success.
type TxResult struct {
	Status  TxStatus
	Hash    common.Hash
	Receipt *ethtypes.Receipt
}

// Mined reports whether the transaction was confirmed successfully
func (r TxResult) Mined() bool {
	return r.Status == TxMined && r.Receipt != nil
}

// LoanState is the lender's current record for one borrower. It is
// authoritative truth fetched on demand from the ledger, never cached
// locally across calls.
type LoanState struct {
	Borrower    common.Address
	Outstanding *big.Int
}
