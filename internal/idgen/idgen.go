// Package idgen provides cryptographically random identifier generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// TxRef generates a 0x-prefixed 32-byte reference, the shape of an EVM
// transaction hash.
func TxRef() string {
	return "0x" + Hex(32)
}
