package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

// BuildCSR creates a DER certificate signing request for signer's public
// key. The SAN extension is only present when sans is non-empty.
func BuildCSR(signer crypto.Signer, dn DistinguishedName, sans []AltName, digest Digest) ([]byte, error) {
	sigAlg, err := SignatureAlgorithm(digest, signer.Public())
	if err != nil {
		return nil, err
	}
	sanExt, hasSANs, err := altNameExtension(sans)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	template := &x509.CertificateRequest{
		Subject:            dn.Name(),
		SignatureAlgorithm: sigAlg,
	}
	if hasSANs {
		sanExt.Critical = len(template.Subject.ToRDNSequence()) == 0
		template.ExtraExtensions = []pkix.Extension{sanExt}
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: creating CSR: %v", ErrSigning, err)
	}
	return der, nil
}

// ParseCSR parses a DER CSR and verifies its self-signature.
func ParseCSR(der []byte) (*x509.CertificateRequest, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing CSR: %v", ErrSigning, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: CSR signature invalid: %v", ErrSigning, err)
	}
	return csr, nil
}

// ParseCSRPEM decodes the first CSR block in data, accepting both the
// "CERTIFICATE REQUEST" and legacy "NEW CERTIFICATE REQUEST" labels.
func ParseCSRPEM(data []byte) (*x509.CertificateRequest, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("CSR: %w", ErrInvalidPEM)
		}
		if block.Type == pemCSR || block.Type == pemNewCSR {
			return ParseCSR(block.Bytes)
		}
	}
}
