package util

import (
	"bytes"
	"testing"
)

func TestBytes(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03}
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("WipeBytes left %v", b)
	}
	WipeBytes(nil)
}

func TestEncoding(t *testing.T) {
	if got := ColonHex([]byte{0x0a, 0xbc, 0xff}); got != "0A:BC:FF" {
		t.Errorf("ColonHex = %s", got)
	}
	if got := ColonHex(nil); got != "" {
		t.Errorf("ColonHex(nil) = %q", got)
	}

	normalized := NormalizePassword("cafe\u0301") // é in NFD
	if normalized != "caf\u00e9" {
		t.Errorf("NormalizePassword failed, got %q", normalized)
	}
}
