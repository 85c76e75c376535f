package validation

import "testing"

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0", true},
		{"0x0000000000000000000000000000000000000000", true},
		{"742d35Cc6634C0532925a3b844Bc9e7595f0bEb0", false}, // no prefix
		{"0x742d35", false}, // too short
		{"0xZZZd35Cc6634C0532925a3b844Bc9e7595f0bEb0", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValidAddress(tt.addr); got != tt.want {
			t.Errorf("IsValidAddress(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"1.50", true},
		{"100", true},
		{"0.000001", true},
		{"0", false},
		{"0.0000001", false}, // below asset precision
		{"-5", false},
		{"1.2.3", false},
		{"abc", false},
		{"", true}, // optional; Required handles empties
	}
	for _, tt := range tests {
		errs := Validate(ValidAmount("amount", tt.value))
		if ok := len(errs) == 0; ok != tt.ok {
			t.Errorf("ValidAmount(%q): errors=%v, want ok=%v", tt.value, errs, tt.ok)
		}
	}
}

func TestValidChain(t *testing.T) {
	for _, valid := range []string{"base", "ethereum_sepolia", "arbitrum-one", ""} {
		if errs := Validate(ValidChain("chain", valid)); len(errs) != 0 {
			t.Errorf("ValidChain(%q): unexpected errors %v", valid, errs)
		}
	}
	for _, invalid := range []string{"Base", "1chain", "x", "chain with spaces"} {
		if errs := Validate(ValidChain("chain", invalid)); len(errs) == 0 {
			t.Errorf("ValidChain(%q): expected error", invalid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("SanitizeString length cap = %q", got)
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	errs := Validate(
		Required("initiator", ""),
		ValidAddress("counterparty", "bogus"),
		ValidAmount("amount", "-1"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "initiator: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
}
