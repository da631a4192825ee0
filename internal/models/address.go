package models

import (
	"encoding/hex"
	"strings"
)

// NormalizeAddress lowercases a 0x-prefixed 20-byte hex address. ok is false for
// anything that is not a well-formed address.
func NormalizeAddress(addr string) (string, bool) {
	a := strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(a, "0x") || len(a) != 42 {
		return "", false
	}
	if _, err := hex.DecodeString(a[2:]); err != nil {
		return "", false
	}
	return a, true
}

// IsHash reports whether s is a 0x-prefixed 32-byte hex value.
func IsHash(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
