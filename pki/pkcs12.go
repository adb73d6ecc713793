package pki

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// Level selects the ciphers used to protect a PKCS#12 bundle.
type Level string

const (
	// LevelHigh uses AES-256-CBC with PBKDF2/SHA-256 and a SHA-256 MAC.
	LevelHigh Level = "high"
	// LevelLow uses 3DES for both keys and certificates.
	LevelLow Level = "low"
	// LevelLegacy uses RC2-40 for certificates and 3DES for keys, which
	// older operating systems need.
	LevelLegacy Level = "legacy"
)

// ParseLevel validates an encryption level name; "" selects LevelHigh.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case "":
		return LevelHigh, nil
	case LevelHigh, LevelLow, LevelLegacy:
		return Level(s), nil
	}
	return "", fmt.Errorf("%w: unknown PKCS#12 encryption level %q", ErrExport, s)
}

func (l Level) encoder(password string) *pkcs12.Encoder {
	if password == "" {
		return pkcs12.Passwordless
	}
	switch l {
	case LevelLow:
		return pkcs12.LegacyDES
	case LevelLegacy:
		return pkcs12.LegacyRC2
	default:
		return pkcs12.Modern2023
	}
}

// ExportPKCS12 bundles cert, its private key and the CA chain. An empty
// password produces an unencrypted container.
func ExportPKCS12(cert *x509.Certificate, key crypto.Signer, chain []*x509.Certificate, password string, level Level) ([]byte, error) {
	if cert == nil || key == nil {
		return nil, fmt.Errorf("%w: PKCS#12 export needs both a certificate and a private key", ErrExport)
	}
	if !publicKeysEqual(cert.PublicKey, key.Public()) {
		return nil, fmt.Errorf("%w: private key does not match certificate", ErrExport)
	}
	lvl, err := ParseLevel(string(level))
	if err != nil {
		return nil, err
	}
	data, err := lvl.encoder(password).Encode(key, cert, chain, password)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding PKCS#12: %v", ErrExport, err)
	}
	return data, nil
}

// Bundle is the content of a decoded PKCS#12 archive.
type Bundle struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	// Extra holds the remaining certificates, usually the CA chain.
	Extra []*x509.Certificate
}

// ImportPKCS12 decodes a PKCS#12 archive. A wrong password or an
// unsupported cipher yields an error matching both ErrImport and
// ErrBadPassword.
func ImportPKCS12(data []byte, password string) (*Bundle, error) {
	key, cert, extra, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		var notImpl pkcs12.NotImplementedError
		if errors.Is(err, pkcs12.ErrIncorrectPassword) || errors.Is(err, pkcs12.ErrDecryption) || errors.As(err, &notImpl) {
			return nil, fmt.Errorf("%w: %w", ErrImport, ErrBadPassword)
		}
		return nil, fmt.Errorf("%w: %v", ErrImport, err)
	}
	signer, err := asSigner(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImport, err)
	}
	return &Bundle{Certificate: cert, PrivateKey: signer, Extra: extra}, nil
}
