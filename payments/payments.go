// Package payments decodes x402 payment challenges and settlement
// confirmations on the client side.
//
// A 402 response body enumerates acceptable payment requirements; this
// package classifies the failure reason and selects a single requirement
// candidate. Creating and signing the actual payment payload is the job of
// an x402-capable HTTP transport and is out of scope here.
package payments

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// InsufficientFundsError is the error value a paywalled server places in a
// 402 body when the wallet cannot cover the payment. Any other value must
// not trigger borrowing.
const InsufficientFundsError = "insufficient_funds"

// SettlementHeader carries the base64-encoded settlement confirmation on a
// successful paid response.
const SettlementHeader = "X-Payment-Response"

// PaymentRequirements is one accepted payment method/network/asset
// combination offered in a 402 body.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Asset             string                 `json:"asset"`
	PayTo             string                 `json:"payTo"`
	MaxAmountRequired string                 `json:"maxAmountRequired,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the 402 response body sent to clients
type PaymentRequired struct {
	X402Version int                   `json:"x402Version,omitempty"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// SettleResponse is the decoded X-Payment-Response header payload
type SettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// ParsePaymentRequired decodes a 402 response body
func ParsePaymentRequired(body []byte) (PaymentRequired, error) {
	var pr PaymentRequired
	if len(body) == 0 {
		return pr, fmt.Errorf("empty 402 response body")
	}
	if err := json.Unmarshal(body, &pr); err != nil {
		return pr, fmt.Errorf("invalid 402 response body: %w", err)
	}
	return pr, nil
}

// IsInsufficientFunds reports whether the 402 failure reason is an
// insufficient wallet balance. Any other reason is surfaced as-is by the
// caller and never borrowed against.
func IsInsufficientFunds(pr PaymentRequired) bool {
	return pr.Error == InsufficientFundsError
}

// RequiredAmount parses the requirement's maxAmountRequired as an integer
// amount in the asset's smallest unit. Returns false when the field is
// absent or not a base-10 integer. Monetary amounts are never floats.
func RequiredAmount(req PaymentRequirements) (*big.Int, bool) {
	if req.MaxAmountRequired == "" {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}

// SelectRequirement chooses one requirement from candidates by filtering on
// network and scheme equality and, when maxValue is non-nil, on amount <=
// maxValue. Empty filters match everything. The first candidate passing all
// filters wins; nil is returned when none passes, in which case the caller
// must propagate the original 402 without retry.
//
// The selection is a pure function of its inputs.
func SelectRequirement(candidates []PaymentRequirements, networkFilter, schemeFilter string, maxValue *big.Int) *PaymentRequirements {
	for i := range candidates {
		c := candidates[i]
		if networkFilter != "" && c.Network != networkFilter {
			continue
		}
		if schemeFilter != "" && c.Scheme != schemeFilter {
			continue
		}
		if maxValue != nil {
			amount, ok := RequiredAmount(c)
			if !ok || amount.Cmp(maxValue) > 0 {
				continue
			}
		}
		return &c
	}
	return nil
}

// DecodeSettlementHeader decodes a base64 X-Payment-Response header value.
// Absence of the header on a successful response is a warning condition for
// the caller, not an error; this only fails on a malformed value.
func DecodeSettlementHeader(headerValue string) (SettleResponse, error) {
	var sr SettleResponse
	data, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return sr, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if err := json.Unmarshal(data, &sr); err != nil {
		return sr, fmt.Errorf("invalid settle response JSON: %w", err)
	}
	return sr, nil
}
