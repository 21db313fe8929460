package util

import (
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD normalization so visually identical passwords
// typed on different platforms derive the same key.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// HexEncode returns the lowercase hex encoding of b.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
