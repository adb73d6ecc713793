package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"slices"
	"strings"
)

// KeyType selects the public key algorithm of a generated key pair.
type KeyType string

const (
	KeyRSA   KeyType = "RSA"
	KeyECDSA KeyType = "ECDSA"
)

// RSAKeySizes lists the RSA modulus sizes GenerateKey accepts.
var RSAKeySizes = []int{1024, 2048, 3072, 4096, 6144, 7680, 8192, 15360, 16384}

// Curves lists the named curves GenerateKey accepts, by OpenSSL name.
var Curves = []string{"prime256v1", "secp384r1", "secp521r1"}

// KeySpec describes a key pair to generate. Bits applies to RSA, Curve to
// ECDSA.
type KeySpec struct {
	Type  KeyType `json:"type"`
	Bits  int     `json:"bits,omitempty"`
	Curve string  `json:"curve,omitempty"`
}

func (s KeySpec) String() string {
	if s.Type == KeyECDSA {
		return "ECDSA " + s.Curve
	}
	return fmt.Sprintf("RSA %d", s.Bits)
}

// Validate reports whether the spec names a supported size or curve.
func (s KeySpec) Validate() error {
	switch KeyType(strings.ToUpper(string(s.Type))) {
	case KeyRSA:
		if !slices.Contains(RSAKeySizes, s.Bits) {
			return fmt.Errorf("%w: unsupported RSA key length %d", ErrKeyGen, s.Bits)
		}
	case KeyECDSA:
		if _, ok := curveByName(s.Curve); !ok {
			return fmt.Errorf("%w: unsupported curve %q", ErrKeyGen, s.Curve)
		}
	default:
		return fmt.Errorf("%w: unsupported key type %q", ErrKeyGen, s.Type)
	}
	return nil
}

func curveByName(name string) (elliptic.Curve, bool) {
	switch name {
	case "prime256v1":
		return elliptic.P256(), true
	case "secp384r1":
		return elliptic.P384(), true
	case "secp521r1":
		return elliptic.P521(), true
	}
	return nil, false
}

// GenerateKey creates a new key pair described by spec.
func GenerateKey(spec KeySpec) (crypto.Signer, error) {
	return generateKey(rand.Reader, spec)
}

func generateKey(r io.Reader, spec KeySpec) (crypto.Signer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch KeyType(strings.ToUpper(string(spec.Type))) {
	case KeyECDSA:
		curve, _ := curveByName(spec.Curve)
		priv, err := ecdsa.GenerateKey(curve, r)
		if err != nil {
			return nil, fmt.Errorf("%w: generating ECDSA %s key: %v", ErrKeyGen, spec.Curve, err)
		}
		return priv, nil
	default:
		priv, err := rsa.GenerateKey(r, spec.Bits)
		if err != nil {
			return nil, fmt.Errorf("%w: generating RSA %d key: %v", ErrKeyGen, spec.Bits, err)
		}
		return priv, nil
	}
}

// SpecOf returns the KeySpec that would generate a key of the same shape as
// pub. It is used to roll a fresh key on renewal.
func SpecOf(pub crypto.PublicKey) (KeySpec, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return KeySpec{Type: KeyRSA, Bits: k.N.BitLen()}, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return KeySpec{Type: KeyECDSA, Curve: "prime256v1"}, nil
		case elliptic.P384():
			return KeySpec{Type: KeyECDSA, Curve: "secp384r1"}, nil
		case elliptic.P521():
			return KeySpec{Type: KeyECDSA, Curve: "secp521r1"}, nil
		}
	}
	return KeySpec{}, fmt.Errorf("%w: unsupported public key %T", ErrKeyGen, pub)
}

// KeyBits returns the strength-relevant size of pub: the modulus length for
// RSA and the curve size for ECDSA. Unknown keys report 0.
func KeyBits(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen()
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	}
	return 0
}

// DescribeKey returns a short human-readable description such as
// "RSA 2048" or "ECDSA prime256v1".
func DescribeKey(pub crypto.PublicKey) string {
	if spec, err := SpecOf(pub); err == nil {
		return spec.String()
	}
	if _, ok := pub.(ed25519.PublicKey); ok {
		return "Ed25519"
	}
	return fmt.Sprintf("%T", pub)
}
