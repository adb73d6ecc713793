package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/youmark/pkcs8"
)

const (
	pemCertificate       = "CERTIFICATE"
	pemCSR               = "CERTIFICATE REQUEST"
	pemNewCSR            = "NEW CERTIFICATE REQUEST"
	pemPrivateKey        = "PRIVATE KEY"
	pemRSAPrivateKey     = "RSA PRIVATE KEY"
	pemECPrivateKey      = "EC PRIVATE KEY"
	pemEncryptedKey      = "ENCRYPTED PRIVATE KEY"
	pemCRL               = "X509 CRL"
	pemCertificateSuffix = "-----END CERTIFICATE-----"
)

// EncodeCertificatePEM wraps a DER certificate in a CERTIFICATE block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: der})
}

// EncodeCSRPEM wraps a DER CSR in a CERTIFICATE REQUEST block.
func EncodeCSRPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCSR, Bytes: der})
}

// EncodePrivateKeyPEM wraps a PKCS#8 DER key in a PRIVATE KEY block.
func EncodePrivateKeyPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der})
}

// EncodeCRLPEM wraps a DER CRL in an X509 CRL block.
func EncodeCRLPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCRL, Bytes: der})
}

// ParseCertificatePEM parses the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	certs, err := ParseCertificatesPEM(data)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// ParseCertificatesPEM parses every CERTIFICATE block in data, in order.
// Blocks of other types are skipped.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != pemCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificate found", ErrInvalidPEM)
	}
	return certs, nil
}

// LooksLikeCertificate reports whether text carries PEM certificate markers.
func LooksLikeCertificate(text string) bool {
	return strings.Contains(text, "-----BEGIN "+pemCertificate+"-----") &&
		strings.Contains(text, pemCertificateSuffix)
}

// LooksLikeCSR reports whether text carries PEM CSR markers, old or new style.
func LooksLikeCSR(text string) bool {
	for _, typ := range []string{pemCSR, pemNewCSR} {
		if strings.Contains(text, "-----BEGIN "+typ+"-----") && strings.Contains(text, "-----END "+typ+"-----") {
			return true
		}
	}
	return false
}

// LooksLikePrivateKey reports whether text carries PEM private key markers
// of a type ParsePrivateKeyPEM understands.
func LooksLikePrivateKey(text string) bool {
	for _, typ := range []string{pemPrivateKey, pemRSAPrivateKey, pemECPrivateKey, pemEncryptedKey} {
		if strings.Contains(text, "-----BEGIN "+typ+"-----") && strings.Contains(text, "-----END "+typ+"-----") {
			return true
		}
	}
	return false
}

// MarshalPrivateKey encodes key as unencrypted PKCS#8 DER.
func MarshalPrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding private key: %v", ErrExport, err)
	}
	return der, nil
}

// ParsePrivateKey parses a PKCS#8, PKCS#1 or SEC1 DER private key.
func ParsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return asSigner(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unrecognised private key encoding", ErrInvalidPEM)
}

// ParsePrivateKeyPEM decodes the first private key block in data. Encrypted
// PKCS#8 blocks are decrypted with password. The key is returned together
// with its unencrypted PKCS#8 DER encoding.
func ParsePrivateKeyPEM(data []byte, password string) (crypto.Signer, []byte, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, nil, fmt.Errorf("%w: no private key found", ErrInvalidPEM)
		}

		var (
			key crypto.Signer
			err error
		)
		switch block.Type {
		case pemPrivateKey, pemRSAPrivateKey, pemECPrivateKey:
			key, err = ParsePrivateKey(block.Bytes)
		case pemEncryptedKey:
			var raw any
			raw, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: decrypting private key: %v", ErrBadPassword, err)
			}
			key, err = asSigner(raw)
		default:
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		der, err := MarshalPrivateKey(key)
		if err != nil {
			return nil, nil, err
		}
		return key, der, nil
	}
}

func asSigner(key any) (crypto.Signer, error) {
	s, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported private key type %T", ErrInvalidPEM, key)
	}
	return s, nil
}
