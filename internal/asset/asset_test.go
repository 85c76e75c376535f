package asset

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 1000000, true},
		{"1.5", 1500000, true},
		{"1.500000", 1500000, true},
		{"0.000001", 1, true},
		{"100", 100000000, true},
		{"0.123456", 123456, true},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
		// Sub-unit precision the asset cannot carry.
		{"0.1234567", 0, false},
		{"1.0000019", 0, false},
		{"0.0000001", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got.Int64(), tt.want)
		}
	}
}

func TestParsePositive(t *testing.T) {
	if _, ok := ParsePositive("0"); ok {
		t.Error("ParsePositive(0) should fail")
	}
	if _, ok := ParsePositive(""); ok {
		t.Error("ParsePositive(empty) should fail")
	}
	v, ok := ParsePositive("100")
	if !ok || v.Int64() != 100000000 {
		t.Errorf("ParsePositive(100) = %v, %v", v, ok)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.000000"},
		{1, "0.000001"},
		{1500000, "1.500000"},
		{100000000, "100.000000"},
	}
	for _, tt := range tests {
		if got := Format(big.NewInt(tt.in)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q", got)
	}
}
