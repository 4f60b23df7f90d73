package payments

import (
	"encoding/base64"
	"math/big"
	"testing"
)

func TestParsePaymentRequired(t *testing.T) {
	t.Run("valid insufficient funds body", func(t *testing.T) {
		body := []byte(`{
			"x402Version": 1,
			"error": "insufficient_funds",
			"accepts": [
				{
					"scheme": "exact",
					"network": "base-sepolia",
					"asset": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
					"payTo": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
					"maxAmountRequired": "1000"
				}
			]
		}`)

		pr, err := ParsePaymentRequired(body)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !IsInsufficientFunds(pr) {
			t.Error("expected insufficient funds classification")
		}
		if len(pr.Accepts) != 1 {
			t.Fatalf("expected 1 candidate, got %d", len(pr.Accepts))
		}
		if pr.Accepts[0].Network != "base-sepolia" {
			t.Errorf("unexpected network %q", pr.Accepts[0].Network)
		}
	})

	t.Run("invalid bodies", func(t *testing.T) {
		tests := []struct {
			name string
			body []byte
		}{
			{name: "empty", body: nil},
			{name: "not json", body: []byte("payment required")},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := ParsePaymentRequired(tt.body); err == nil {
					t.Error("expected error but got none")
				}
			})
		}
	})
}

func TestIsInsufficientFunds(t *testing.T) {
	tests := []struct {
		name     string
		errValue string
		want     bool
	}{
		{name: "insufficient funds", errValue: "insufficient_funds", want: true},
		{name: "rate limited", errValue: "rate_limited", want: false},
		{name: "empty", errValue: "", want: false},
		{name: "case sensitive", errValue: "Insufficient_Funds", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsInsufficientFunds(PaymentRequired{Error: tt.errValue})
			if got != tt.want {
				t.Errorf("IsInsufficientFunds(%q) = %v, want %v", tt.errValue, got, tt.want)
			}
		})
	}
}

func TestRequiredAmount(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{name: "integer", raw: "1000", want: "1000", wantOK: true},
		{name: "zero", raw: "0", want: "0", wantOK: true},
		{name: "large", raw: "123456789012345678901234567890", want: "123456789012345678901234567890", wantOK: true},
		{name: "absent", raw: "", wantOK: false},
		{name: "negative", raw: "-5", wantOK: false},
		{name: "decimal", raw: "10.5", wantOK: false},
		{name: "not a number", raw: "lots", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, ok := RequiredAmount(PaymentRequirements{MaxAmountRequired: tt.raw})
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && amount.String() != tt.want {
				t.Errorf("amount = %s, want %s", amount, tt.want)
			}
		})
	}
}

func TestSelectRequirement(t *testing.T) {
	candidates := []PaymentRequirements{
		{Scheme: "exact", Network: "base", MaxAmountRequired: "5000"},
		{Scheme: "exact", Network: "base-sepolia", MaxAmountRequired: "1000"},
		{Scheme: "upto", Network: "base-sepolia", MaxAmountRequired: "200"},
	}

	t.Run("first candidate wins without filters", func(t *testing.T) {
		got := SelectRequirement(candidates, "", "", nil)
		if got == nil {
			t.Fatal("expected a selection")
		}
		if got.Network != "base" {
			t.Errorf("selected network %q, want base", got.Network)
		}
	})

	t.Run("network filter excludes other networks", func(t *testing.T) {
		got := SelectRequirement(candidates, "base-sepolia", "", nil)
		if got == nil {
			t.Fatal("expected a selection")
		}
		if got.Network != "base-sepolia" || got.Scheme != "exact" {
			t.Errorf("selected %s/%s, want base-sepolia/exact", got.Network, got.Scheme)
		}
	})

	t.Run("scheme filter", func(t *testing.T) {
		got := SelectRequirement(candidates, "base-sepolia", "upto", nil)
		if got == nil {
			t.Fatal("expected a selection")
		}
		if got.Scheme != "upto" {
			t.Errorf("selected scheme %q, want upto", got.Scheme)
		}
	})

	t.Run("max value filter", func(t *testing.T) {
		got := SelectRequirement(candidates, "", "", big.NewInt(1500))
		if got == nil {
			t.Fatal("expected a selection")
		}
		if got.MaxAmountRequired != "1000" {
			t.Errorf("selected amount %q, want 1000", got.MaxAmountRequired)
		}
	})

	t.Run("no candidate passes", func(t *testing.T) {
		if got := SelectRequirement(candidates, "polygon", "", nil); got != nil {
			t.Errorf("expected nil selection, got %+v", got)
		}
	})

	t.Run("deterministic for identical inputs", func(t *testing.T) {
		first := SelectRequirement(candidates, "base-sepolia", "", nil)
		second := SelectRequirement(candidates, "base-sepolia", "", nil)
		if first == nil || second == nil {
			t.Fatal("expected selections")
		}
		if first.Scheme != second.Scheme || first.Network != second.Network ||
			first.MaxAmountRequired != second.MaxAmountRequired {
			t.Errorf("selection not deterministic: %+v vs %+v", first, second)
		}
	})

	t.Run("does not mutate candidates", func(t *testing.T) {
		selected := SelectRequirement(candidates, "base-sepolia", "", nil)
		if selected == nil {
			t.Fatal("expected a selection")
		}
		selected.MaxAmountRequired = "9999"
		if candidates[1].MaxAmountRequired != "1000" {
			t.Error("candidates were mutated through the selection")
		}
	})
}

func TestDecodeSettlementHeader(t *testing.T) {
	t.Run("valid header", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte(`{
			"success": true,
			"transaction": "0xabc123",
			"network": "base-sepolia"
		}`))

		settle, err := DecodeSettlementHeader(encoded)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !settle.Success {
			t.Error("expected success flag")
		}
		if settle.Transaction != "0xabc123" {
			t.Errorf("transaction = %q, want 0xabc123", settle.Transaction)
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := DecodeSettlementHeader("not base64!!"); err == nil {
			t.Error("expected error but got none")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte("not json"))
		if _, err := DecodeSettlementHeader(encoded); err == nil {
			t.Error("expected error but got none")
		}
	})
}
