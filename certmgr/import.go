package certmgr

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/ironcert/internal/util"
	"github.com/jmcleod/ironcert/internal/uuid"
	"github.com/jmcleod/ironcert/pki"
)

const msgKeyMismatch = "the submitted private key does not match the submitted certificate data"

// parseCertKeyPEM parses a PEM certificate and optional PEM key and checks
// that they form a pair. Either may be empty.
func parseCertKeyPEM(ps *problems, certPEM, keyPEM string) (*x509.Certificate, crypto.Signer, []byte) {
	var (
		cert   *x509.Certificate
		key    crypto.Signer
		keyDER []byte
	)
	if certPEM != "" {
		c, err := pki.ParseCertificatePEM([]byte(certPEM))
		if err != nil {
			if pki.LooksLikeCertificate(certPEM) {
				ps.invalid("this certificate does not appear to be valid")
			}
		} else {
			cert = c
		}
	}
	if keyPEM != "" {
		k, der, err := pki.ParsePrivateKeyPEM([]byte(keyPEM), "")
		if err != nil {
			ps.invalid("this private key does not appear to be valid")
		} else {
			key, keyDER = k, der
		}
	}
	if cert != nil && key != nil && !sameKey(cert.PublicKey, key.Public()) {
		ps.add(ErrMismatch, msgKeyMismatch)
	}
	return cert, key, keyDER
}

func sameKey(a, b crypto.PublicKey) bool {
	fa, err := pki.PublicKeyFingerprintOf(a)
	if err != nil {
		return false
	}
	fb, err := pki.PublicKeyFingerprintOf(b)
	if err != nil {
		return false
	}
	return bytes.Equal(fa, fb)
}

// Import stores an existing certificate and/or key, given as PEM or as a
// PKCS#12 bundle. With ExtractIntermediates the bundle's extra
// certificates are added as CA records, skipping ones already known. The
// issuing CA is detected among the known CAs.
func (m *Manager) Import(ctx context.Context, req ImportRequest) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ps := problems(req.Validate(m.policy))
	if err := ps.err(); err != nil {
		return nil, err
	}

	var (
		cert   *x509.Certificate
		keyDER []byte
		extra  []*x509.Certificate
	)
	if len(req.PKCS12) > 0 {
		bundle, err := pki.ImportPKCS12(req.PKCS12, util.NormalizePassword(req.Password))
		if errors.Is(err, pki.ErrBadPassword) {
			return nil, &ImportError{Message: msgPKCS12Password, Err: err}
		}
		if err != nil {
			return nil, &ImportError{Message: "the submitted PKCS #12 certificate store could not be read", Err: err}
		}
		if bundle.Certificate == nil {
			return nil, &ImportError{Message: "the PKCS #12 certificate store holds no certificate", Err: pki.ErrImport}
		}
		cert, extra = bundle.Certificate, bundle.Extra
		if bundle.PrivateKey != nil {
			der, err := pki.MarshalPrivateKey(bundle.PrivateKey)
			if err != nil {
				return nil, newCryptoError("encoding imported key", err)
			}
			keyDER = der
		}
	} else {
		cert, _, keyDER = parseCertKeyPEM(&ps, req.CertPEM, req.KeyPEM)
		if err := ps.err(); err != nil {
			return nil, err
		}
	}

	cas, err := m.store.CAs()
	if err != nil {
		return nil, err
	}
	var intermediates []*CARecord
	if req.ExtractIntermediates {
		intermediates = newIntermediates(extra, cas)
		cas = append(cas, intermediates...)
		linkIntermediates(intermediates, cas)
	}

	rec := &Record{
		RefID:      uuid.New(),
		Descr:      req.Descr,
		PrivateKey: keyDER,
	}
	if cert != nil {
		rec.Certificate = cert.Raw
		rec.CARef = findIssuerCA(cert, cas)
	}
	err = m.store.Batch(fmt.Sprintf("Imported certificate %s", rec.Descr), func(tx *Tx) error {
		for _, ca := range intermediates {
			if err := tx.SaveCA(ca); err != nil {
				return err
			}
		}
		if err := tx.SaveCert(rec); err != nil {
			return err
		}
		return attachOwner(tx, req.Owner, rec.RefID)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("certificate created",
		slog.String("refid", rec.RefID),
		slog.String("method", string(MethodImport)),
		slog.Int("intermediates", len(intermediates)))
	return rec, nil
}

// newIntermediates turns the extra certificates of a bundle into CA
// records named after their common name. Certificates already present in
// known, or repeated in extra, are skipped.
func newIntermediates(extra []*x509.Certificate, known []*CARecord) []*CARecord {
	var out []*CARecord
	for _, c := range extra {
		dup := false
		for _, ca := range known {
			if bytes.Equal(ca.Certificate, c.Raw) {
				dup = true
				break
			}
		}
		for _, ca := range out {
			if bytes.Equal(ca.Certificate, c.Raw) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		descr := c.Subject.CommonName
		if descr == "" {
			descr = c.Subject.String()
		}
		out = append(out, &CARecord{RefID: uuid.New(), Descr: descr, Certificate: c.Raw})
	}
	return out
}

// linkIntermediates sets the parent ref of each new CA.
func linkIntermediates(intermediates, all []*CARecord) {
	for _, ca := range intermediates {
		cert, err := ca.ParseCertificate()
		if err != nil {
			continue
		}
		ca.CARef = findIssuerCA(cert, all)
	}
}

// Edit replaces the certificate and key of an existing record, keeping its
// ref. An empty KeyPEM keeps the stored key, which must then match the new
// certificate.
func (m *Manager) Edit(ctx context.Context, req EditRequest) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ps := problems(req.Validate(m.policy))
	rec, _, err := m.store.LookupCert(req.RefID)
	if err != nil {
		return nil, err
	}
	cert, _, keyDER := parseCertKeyPEM(&ps, req.CertPEM, req.KeyPEM)
	if req.KeyPEM == "" && cert != nil && len(rec.PrivateKey) > 0 {
		if stored, err := rec.Signer(); err == nil && !sameKey(cert.PublicKey, stored.Public()) {
			ps.add(ErrMismatch, msgKeyMismatch)
		}
		keyDER = rec.PrivateKey
	}
	if err := ps.err(); err != nil {
		return nil, err
	}

	cas, err := m.store.CAs()
	if err != nil {
		return nil, err
	}
	updated := *rec
	updated.Descr = req.Descr
	updated.Certificate = cert.Raw
	updated.PrivateKey = keyDER
	updated.CARef = findIssuerCA(cert, cas)
	err = m.store.Batch(fmt.Sprintf("Edited certificate %s", updated.Descr), func(tx *Tx) error {
		return tx.SaveCert(&updated)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("certificate edited", slog.String("refid", updated.RefID))
	return &updated, nil
}

// CompleteCSR accepts the certificate an external CA issued for a pending
// CSR. The certificate's public key must match the CSR's; on mismatch the
// record is left as it was.
func (m *Manager) CompleteCSR(ctx context.Context, ref, descr, certPEM string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ps problems
	validateDescr(&ps, descr)
	rec, _, err := m.store.LookupCert(ref)
	if err != nil {
		return nil, err
	}
	if len(rec.CSR) == 0 {
		ps.invalid("certificate %s has no pending signing request", rec.Descr)
	}
	var cert *x509.Certificate
	switch {
	case certPEM == "":
		ps.invalid("the final certificate data is required")
	case !pki.LooksLikeCertificate(certPEM):
		ps.invalid("this certificate does not appear to be valid")
	default:
		if cert, err = pki.ParseCertificatePEM([]byte(certPEM)); err != nil {
			ps.invalid("this certificate does not appear to be valid")
		}
	}
	if cert != nil && len(rec.CSR) > 0 {
		csrFP, err := pki.PublicKeyFingerprint(rec.CSR, pki.SourceCSR)
		if err != nil {
			return nil, newCryptoError("reading signing request", err)
		}
		certFP, err := pki.PublicKeyFingerprintOf(cert.PublicKey)
		if err != nil {
			return nil, newCryptoError("reading certificate", err)
		}
		if !bytes.Equal(csrFP, certFP) {
			ps.add(ErrMismatch, "the certificate public key does not match the signing request public key")
		}
	}
	if err := ps.err(); err != nil {
		return nil, err
	}

	cas, err := m.store.CAs()
	if err != nil {
		return nil, err
	}
	updated := *rec
	updated.Descr = descr
	updated.Certificate = cert.Raw
	updated.CSR = nil
	updated.CARef = findIssuerCA(cert, cas)
	err = m.store.Batch(fmt.Sprintf("Completed signing request %s", updated.Descr), func(tx *Tx) error {
		return tx.SaveCert(&updated)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("signing request completed", slog.String("refid", updated.RefID))
	return &updated, nil
}

// ImportCA stores a certificate authority. Intermediates extracted by
// Import go through the same record shape.
func (m *Manager) ImportCA(ctx context.Context, req CAImportRequest) (*CARecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ps := problems(req.Validate(m.policy))
	cert, _, keyDER := parseCertKeyPEM(&ps, req.CertPEM, req.KeyPEM)
	if cert != nil && !cert.IsCA {
		ps.invalid("the submitted certificate does not appear to be a certificate authority")
	}
	cas, err := m.store.CAs()
	if err != nil {
		return nil, err
	}
	if cert != nil {
		for _, ca := range cas {
			if bytes.Equal(ca.Certificate, cert.Raw) {
				ps.invalid("this certificate authority already exists as %s", ca.Descr)
				break
			}
		}
	}
	if err := ps.err(); err != nil {
		return nil, err
	}

	ca := &CARecord{
		RefID:       uuid.New(),
		Descr:       req.Descr,
		CARef:       findIssuerCA(cert, cas),
		Certificate: cert.Raw,
		PrivateKey:  keyDER,
		Serial:      req.Serial,
	}
	err = m.store.Batch(fmt.Sprintf("Imported certificate authority %s", ca.Descr), func(tx *Tx) error {
		return tx.SaveCA(ca)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("certificate authority imported",
		slog.String("refid", ca.RefID),
		slog.Bool("can_sign", ca.CanSign()))
	return ca, nil
}
