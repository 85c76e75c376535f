// Package asset provides fixed-point amount parsing and formatting.
//
// Escrowed value is denominated in a 6-decimal stablecoin (USDC-class).
// All amounts are carried as big.Int in the smallest unit
// (1 token = 1,000,000 units) and rendered as decimal strings at the edges.
package asset

import (
	"math/big"
	"strings"
)

const Decimals = 6

// DefaultSymbol is the asset moved by the escrow core.
const DefaultSymbol = "USDC"

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded to 6 decimal places; more than 6
//     fractional digits is sub-unit precision the asset cannot carry
//     and is rejected rather than silently rounded
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// ParsePositive is Parse restricted to strictly positive amounts.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v == nil || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}
