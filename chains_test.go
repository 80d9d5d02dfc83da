package x402

import (
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestNetworkChainExhaustive(t *testing.T) {
	seen := map[int64]Network{}
	for _, n := range Networks() {
		t.Run(string(n), func(t *testing.T) {
			chain, ok := n.Chain()
			if !ok {
				t.Fatalf("Chain() not found for %s", n)
			}
			if chain.Network != n {
				t.Errorf("Network = %s, want %s", chain.Network, n)
			}
			if !strings.HasPrefix(chain.USDCAddress, "0x") || len(chain.USDCAddress) != 42 {
				t.Errorf("USDCAddress %q is not a 20-byte hex address", chain.USDCAddress)
			}
			if chain.Decimals != 6 {
				t.Errorf("Decimals = %d, want 6", chain.Decimals)
			}
			if chain.EIP3009Version != "2" {
				t.Errorf("EIP3009Version = %q, want 2", chain.EIP3009Version)
			}
			if prev, dup := seen[chain.ChainID]; dup {
				t.Errorf("chain id %d shared by %s and %s", chain.ChainID, prev, n)
			}
			seen[chain.ChainID] = n
		})
	}
}

func TestChainIDs(t *testing.T) {
	tests := []struct {
		network Network
		chainID int64
		name    string
	}{
		{NetworkBase, 8453, "USD Coin"},
		{NetworkBaseSepolia, 84532, "USDC"},
		{NetworkAvalanche, 43114, "USD Coin"},
		{NetworkAvalancheFuji, 43113, "USD Coin"},
		{NetworkPolygon, 137, "USD Coin"},
		{NetworkPolygonAmoy, 80002, "USDC"},
	}

	for _, tt := range tests {
		t.Run(string(tt.network), func(t *testing.T) {
			chain, _ := tt.network.Chain()
			if chain.ChainID != tt.chainID {
				t.Errorf("ChainID = %d, want %d", chain.ChainID, tt.chainID)
			}
			if chain.ChainIDBig().Cmp(big.NewInt(tt.chainID)) != 0 {
				t.Errorf("ChainIDBig = %s, want %d", chain.ChainIDBig(), tt.chainID)
			}
			if chain.EIP3009Name != tt.name {
				t.Errorf("EIP3009Name = %q, want %q", chain.EIP3009Name, tt.name)
			}
		})
	}
}

func TestParseNetwork(t *testing.T) {
	tests := []struct {
		input   string
		want    Network
		wantErr bool
	}{
		{"base", NetworkBase, false},
		{"polygon-amoy", NetworkPolygonAmoy, false},
		{"solana", "", true},
		{"Base", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseNetwork(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNetwork() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("error should wrap ErrMalformedPayload, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseNetwork() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseScheme(t *testing.T) {
	if s, err := ParseScheme("exact"); err != nil || s != SchemeExact {
		t.Errorf("ParseScheme(exact) = %q, %v", s, err)
	}
	if _, err := ParseScheme("upto"); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("ParseScheme(upto) error = %v, want ErrMalformedPayload", err)
	}
}

func TestParseDecimalAmount(t *testing.T) {
	tests := []struct {
		amount  string
		want    string
		wantErr bool
	}{
		{"1", "1000000", false},
		{"1.5", "1500000", false},
		{"0.000001", "1", false},
		{".25", "250000", false},
		{"1000000000000000000000", "1000000000000000000000000000", false},
		{"0.0000001", "", true},
		{"-1", "", true},
		{"1e6", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ParseDecimalAmount(tt.amount, 6)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDecimalAmount() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidAmount) {
					t.Errorf("error should wrap ErrInvalidAmount, got %v", err)
				}
				return
			}
			if got.String() != tt.want {
				t.Errorf("ParseDecimalAmount() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		value int64
		want  string
	}{
		{1500000, "1.5"},
		{1, "0.000001"},
		{1000000, "1"},
		{0, "0"},
	}
	for _, tt := range tests {
		if got := FormatAmount(big.NewInt(tt.value), 6); got != tt.want {
			t.Errorf("FormatAmount(%d) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestNewUSDCPaymentRequirements(t *testing.T) {
	req, err := NewUSDCPaymentRequirements(USDCRequirementConfig{
		Chain:            BaseSepolia,
		Amount:           "0.01",
		RecipientAddress: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Resource:         "https://api.example.com/data",
	})
	if err != nil {
		t.Fatalf("NewUSDCPaymentRequirements() error = %v", err)
	}
	if req.MaxAmountRequired != "10000" {
		t.Errorf("MaxAmountRequired = %s, want 10000", req.MaxAmountRequired)
	}
	if req.Network != "base-sepolia" || req.Asset != BaseSepolia.USDCAddress {
		t.Errorf("unexpected network/asset %s/%s", req.Network, req.Asset)
	}
	if req.MaxTimeoutSeconds != 300 {
		t.Errorf("MaxTimeoutSeconds = %d, want 300", req.MaxTimeoutSeconds)
	}
	if req.Extra["name"] != "USDC" || req.Extra["version"] != "2" {
		t.Errorf("Extra = %v", req.Extra)
	}

	if _, err := NewUSDCPaymentRequirements(USDCRequirementConfig{Chain: BaseMainnet, Amount: "1"}); err == nil {
		t.Error("expected error for empty recipient")
	}
}
