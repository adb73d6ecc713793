package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePassword folds a user-supplied password into NFC so the same
// characters typed on different platforms derive the same key bytes.
func NormalizePassword(s string) string {
	return norm.NFC.String(s)
}

// ColonHex renders b as upper-case hex octets separated by colons, the
// form certificate fingerprints are usually displayed in.
func ColonHex(b []byte) string {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return sb.String()
}
