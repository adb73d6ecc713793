package pki

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// Source identifies what kind of object a fingerprint input holds.
type Source int

const (
	SourceCert Source = iota
	SourceKey
	SourceCSR
)

// PublicKeyFingerprintOf returns the SHA-256 digest of pub's PKIX
// SubjectPublicKeyInfo encoding.
func PublicKeyFingerprintOf(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	sum := sha256.Sum256(spki)
	return sum[:], nil
}

// PublicKeyFingerprint returns the public key fingerprint of a DER
// certificate, private key or CSR. Two objects belong to the same key pair
// iff their fingerprints are byte-equal.
func PublicKeyFingerprint(der []byte, src Source) ([]byte, error) {
	var pub crypto.PublicKey
	switch src {
	case SourceCert:
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		pub = cert.PublicKey
	case SourceKey:
		key, err := ParsePrivateKey(der)
		if err != nil {
			return nil, err
		}
		pub = key.Public()
	case SourceCSR:
		csr, err := x509.ParseCertificateRequest(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		pub = csr.PublicKey
	default:
		return nil, fmt.Errorf("unknown fingerprint source %d", src)
	}
	return PublicKeyFingerprintOf(pub)
}

// CertificateFingerprint returns the SHA-256 digest of a DER certificate,
// the value usually shown as a certificate's thumbprint.
func CertificateFingerprint(der []byte) []byte {
	sum := sha256.Sum256(der)
	return sum[:]
}
