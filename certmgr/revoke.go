package certmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/jmcleod/ironcert/internal/uuid"
	"github.com/jmcleod/ironcert/pki"
)

// Revoke lists a certificate of an internal CA on one of that CA's CRLs
// and bumps the CRL number.
func (m *Manager) Revoke(ctx context.Context, req RevokeRequest) (*CRLRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, _, err := m.store.LookupCert(req.CertRef)
	if err != nil {
		return nil, err
	}

	var ps problems
	reason, err := pki.ParseReason(req.Reason)
	if err != nil {
		ps.invalid("please select a valid revocation reason (got %q)", req.Reason)
	}
	if rec.CARef == "" {
		ps.invalid("certificate %s was not issued by an internal CA and cannot be revoked", rec.Descr)
	}
	cert, err := rec.ParseCertificate()
	if err != nil {
		ps.invalid("certificate %s has no certificate data to revoke", rec.Descr)
	}
	crl := m.crlFor(&ps, req.CRLRef, rec.CARef)
	if crl != nil && crl.Revokes(rec.RefID) {
		ps.invalid("certificate %s is already revoked by %s", rec.Descr, crl.Descr)
	}
	if err := ps.err(); err != nil {
		return nil, err
	}

	crl.Entries = append(crl.Entries, CRLEntry{
		CertRef:   rec.RefID,
		Serial:    cert.SerialNumber.String(),
		Reason:    reason,
		RevokedAt: m.clock(),
	})
	crl.Number++
	err = m.store.Batch(fmt.Sprintf("Revoked certificate %s in CRL %s", rec.Descr, crl.Descr), func(tx *Tx) error {
		return tx.SaveCRL(crl)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("certificate revoked",
		slog.String("refid", rec.RefID),
		slog.String("crlref", crl.RefID),
		slog.Int("reason", reason))
	return crl, nil
}

// crlFor resolves the CRL a revocation goes to. An empty ref picks the
// CA's first CRL or starts a new one.
func (m *Manager) crlFor(ps *problems, ref, caRef string) *CRLRecord {
	if caRef == "" {
		return nil
	}
	if ref != "" {
		crl, _, err := m.store.LookupCRL(ref)
		switch {
		case errors.Is(err, ErrNotFound):
			ps.add(ErrNotFound, "CRL %s does not exist", ref)
			return nil
		case err != nil:
			ps.add(ErrPersist, "%v", err)
			return nil
		case crl.CARef != caRef:
			ps.invalid("CRL %s belongs to a different certificate authority", crl.Descr)
			return nil
		}
		return crl
	}
	crls, err := m.store.CRLs()
	if err != nil {
		ps.add(ErrPersist, "%v", err)
		return nil
	}
	if crl, _ := find(crls, func(c *CRLRecord) bool { return c.CARef == caRef }); crl != nil {
		return crl
	}
	ca, _, err := m.store.LookupCA(caRef)
	if err != nil {
		ps.add(ErrNotFound, "certificate authority %s does not exist", caRef)
		return nil
	}
	return &CRLRecord{
		RefID:    uuid.New(),
		Descr:    ca.Descr + " CRL",
		CARef:    caRef,
		Lifetime: m.policy.CRLLifetime,
	}
}

// GenerateCRL signs the current state of an internal CRL with its CA and
// returns it as PEM (.crl). The CRL number is advanced and stored.
func (m *Manager) GenerateCRL(ctx context.Context, ref string) (*Export, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	crl, _, err := m.store.LookupCRL(ref)
	if err != nil {
		return nil, err
	}
	var ps problems
	if crl.CARef == "" {
		ps.invalid("CRL %s is not bound to a certificate authority", crl.Descr)
	}
	ca := m.signingCA(&ps, crl.CARef)
	entries := make([]pki.Revocation, 0, len(crl.Entries))
	for _, e := range crl.Entries {
		serial, ok := new(big.Int).SetString(e.Serial, 10)
		if !ok {
			ps.invalid("CRL %s lists an unreadable serial number %q", crl.Descr, e.Serial)
			continue
		}
		entries = append(entries, pki.Revocation{Serial: serial, RevokedAt: e.RevokedAt, Reason: e.Reason})
	}
	if err := ps.err(); err != nil {
		return nil, err
	}

	issuer, release, err := m.loadIssuer(ca)
	if err != nil {
		return nil, err
	}
	defer release()
	lifetime := crl.Lifetime
	if lifetime <= 0 {
		lifetime = m.policy.CRLLifetime
	}
	updated := *crl
	updated.Number++
	der, err := pki.CreateCRL(issuer, updated.Number, entries, lifetime, m.clock())
	if err != nil {
		return nil, newCryptoError("signing CRL", err)
	}
	err = m.store.Batch(fmt.Sprintf("Published CRL %s", crl.Descr), func(tx *Tx) error {
		return tx.SaveCRL(&updated)
	})
	if err != nil {
		return nil, err
	}
	return &Export{
		Data:        pki.EncodeCRLPEM(der),
		Filename:    exportName(crl.Descr) + ".crl",
		ContentType: contentTypePEM,
	}, nil
}

// IsRevoked reports whether any internal CRL lists the certificate ref.
func (m *Manager) IsRevoked(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	crls, err := m.store.CRLs()
	if err != nil {
		return false, err
	}
	for _, crl := range crls {
		if crl.Revokes(ref) {
			return true, nil
		}
	}
	return false, nil
}
