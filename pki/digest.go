package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"
)

// Digest names a message digest used for signing.
type Digest string

const (
	SHA1   Digest = "sha1"
	SHA256 Digest = "sha256"
	SHA384 Digest = "sha384"
	SHA512 Digest = "sha512"
)

// Digests is the allow-list of signing digests.
var Digests = []Digest{SHA1, SHA256, SHA384, SHA512}

// ParseDigest maps a digest name onto the allow-list. An empty name selects
// SHA256.
func ParseDigest(name string) (Digest, error) {
	if name == "" {
		return SHA256, nil
	}
	d := Digest(strings.ToLower(strings.ReplaceAll(name, "-", "")))
	for _, allowed := range Digests {
		if d == allowed {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrDigest, name)
}

// SignatureAlgorithm returns the x509 signature algorithm for signing with
// digest d using a key whose public half is pub.
func SignatureAlgorithm(d Digest, pub crypto.PublicKey) (x509.SignatureAlgorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		switch d {
		case SHA1:
			return x509.SHA1WithRSA, nil
		case SHA256:
			return x509.SHA256WithRSA, nil
		case SHA384:
			return x509.SHA384WithRSA, nil
		case SHA512:
			return x509.SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch d {
		case SHA1:
			return x509.ECDSAWithSHA1, nil
		case SHA256:
			return x509.ECDSAWithSHA256, nil
		case SHA384:
			return x509.ECDSAWithSHA384, nil
		case SHA512:
			return x509.ECDSAWithSHA512, nil
		}
	case ed25519.PublicKey:
		// Ed25519 has a fixed digest.
		return x509.PureEd25519, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: unsupported signing key %T", ErrSigning, pub)
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %q", ErrDigest, d)
}

// DigestOf reports the digest used by a signature algorithm, or "" when it
// is not on the allow-list.
func DigestOf(alg x509.SignatureAlgorithm) Digest {
	switch alg {
	case x509.SHA1WithRSA, x509.ECDSAWithSHA1:
		return SHA1
	case x509.SHA256WithRSA, x509.ECDSAWithSHA256, x509.SHA256WithRSAPSS:
		return SHA256
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
		return SHA384
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512, x509.SHA512WithRSAPSS:
		return SHA512
	}
	return ""
}
