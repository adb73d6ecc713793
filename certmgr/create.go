package certmgr

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/ironcert/internal/uuid"
	"github.com/jmcleod/ironcert/pki"
)

// CreateInternal generates a key pair and a certificate signed by the
// selected internal CA. The CA's serial counter is advanced in the same
// commit.
func (m *Manager) CreateInternal(ctx context.Context, req InternalRequest) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan, ps := req.check(m.policy)
	ca := m.signingCA(&ps, req.CARef)
	m.advise(&ps, m.policy.Strict, m.policy.advisories(plan.key, plan.digest, plan.typ, plan.lifetime),
		slog.String("descr", req.Descr))
	if err := ps.err(); err != nil {
		return nil, err
	}

	signer, keyDER, err := m.generateKey(plan.key)
	if err != nil {
		return nil, err
	}
	issuer, release, err := m.loadIssuer(ca)
	if err != nil {
		return nil, err
	}
	defer release()

	der, err := pki.SelfIssue(pki.IssueParams{
		Signer:       signer,
		DN:           plan.dn,
		AltNames:     pki.MergeAltNames(plan.dn.CommonName, req.AltNames),
		LifetimeDays: plan.lifetime,
		Type:         plan.typ,
		Digest:       plan.digest,
		Issuer:       issuer,
		Now:          m.clock(),
	})
	if err != nil {
		return nil, newCryptoError("signing certificate", err)
	}

	rec := &Record{
		RefID:       uuid.New(),
		Descr:       req.Descr,
		CARef:       ca.RefID,
		Type:        plan.typ,
		Certificate: der,
		PrivateKey:  keyDER,
	}
	ca.Serial = issuer.Serial
	err = m.store.Batch(fmt.Sprintf("Created internal certificate %s", rec.Descr), func(tx *Tx) error {
		if err := tx.SaveCert(rec); err != nil {
			return err
		}
		if err := tx.SaveCA(ca); err != nil {
			return err
		}
		return attachOwner(tx, req.Owner, rec.RefID)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("certificate created",
		slog.String("refid", rec.RefID),
		slog.String("method", string(MethodInternal)),
		slog.String("caref", ca.RefID))
	return rec, nil
}

// CreateExternal generates a key pair and a CSR for it. The record stays
// pending until CompleteCSR accepts the signed certificate.
func (m *Manager) CreateExternal(ctx context.Context, req ExternalRequest) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan, ps := req.check(m.policy)
	m.advise(&ps, m.policy.Strict, m.policy.advisories(plan.key, plan.digest, "", 0),
		slog.String("descr", req.Descr))
	if err := ps.err(); err != nil {
		return nil, err
	}

	signer, keyDER, err := m.generateKey(plan.key)
	if err != nil {
		return nil, err
	}
	csr, err := pki.BuildCSR(signer, plan.dn, pki.MergeAltNames(plan.dn.CommonName, req.AltNames), plan.digest)
	if err != nil {
		return nil, newCryptoError("creating signing request", err)
	}

	rec := &Record{
		RefID:      uuid.New(),
		Descr:      req.Descr,
		Type:       plan.typ,
		PrivateKey: keyDER,
		CSR:        csr,
	}
	err = m.store.Batch(fmt.Sprintf("Created certificate signing request %s", rec.Descr), func(tx *Tx) error {
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
		slog.String("method", string(MethodExternal)))
	return rec, nil
}

// SignCSR signs a stored or pasted CSR with an internal CA and stores the
// result as a new record. The SAN list is rebuilt from the CSR's common
// name and req.AltNames; SANs requested in the CSR are ignored.
func (m *Manager) SignCSR(ctx context.Context, req SignRequest) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan, ps := req.check(m.policy)
	ca := m.signingCA(&ps, req.CARef)
	csr, keyDER := m.csrToSign(&ps, req)
	if csr != nil {
		if spec, err := pki.SpecOf(csr.PublicKey); err == nil {
			m.advise(&ps, m.policy.Strict, m.policy.advisories(spec, plan.digest, plan.typ, plan.lifetime),
				slog.String("descr", req.Descr))
		}
	}
	if err := ps.err(); err != nil {
		return nil, err
	}

	issuer, release, err := m.loadIssuer(ca)
	if err != nil {
		return nil, err
	}
	defer release()

	der, err := pki.SignCSR(pki.SignParams{
		CSR:          csr,
		Issuer:       issuer,
		LifetimeDays: plan.lifetime,
		Type:         plan.typ,
		AltNames:     pki.MergeAltNames(csr.Subject.CommonName, req.AltNames),
		Digest:       plan.digest,
		Now:          m.clock(),
	})
	if err != nil {
		return nil, newCryptoError("signing certificate", err)
	}

	rec := &Record{
		RefID:       uuid.New(),
		Descr:       req.Descr,
		CARef:       ca.RefID,
		Type:        plan.typ,
		Certificate: der,
		PrivateKey:  keyDER,
	}
	ca.Serial = issuer.Serial
	err = m.store.Batch(fmt.Sprintf("Signed certificate %s", rec.Descr), func(tx *Tx) error {
		if err := tx.SaveCert(rec); err != nil {
			return err
		}
		if err := tx.SaveCA(ca); err != nil {
			return err
		}
		return attachOwner(tx, req.Owner, rec.RefID)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("certificate created",
		slog.String("refid", rec.RefID),
		slog.String("method", string(MethodSign)),
		slog.String("caref", ca.RefID),
		slog.Bool("has_key", len(keyDER) > 0))
	return rec, nil
}

// csrToSign resolves the CSR a sign request names and the private key the
// new record inherits: the stored CSR's key, or the pasted key for a
// pasted CSR.
func (m *Manager) csrToSign(ps *problems, req SignRequest) (*x509.CertificateRequest, []byte) {
	if !req.pasted() {
		rec, _, err := m.store.LookupCert(req.CSRRef)
		switch {
		case errors.Is(err, ErrNotFound):
			ps.add(ErrNotFound, "signing request %s does not exist", req.CSRRef)
			return nil, nil
		case err != nil:
			ps.add(ErrPersist, "%v", err)
			return nil, nil
		case len(rec.CSR) == 0:
			ps.invalid("certificate %s has no signing request", rec.Descr)
			return nil, nil
		}
		csr, err := pki.ParseCSR(rec.CSR)
		if err != nil {
			ps.invalid("the stored signing request is not valid: %v", err)
			return nil, nil
		}
		return csr, rec.PrivateKey
	}

	if !pki.LooksLikeCSR(req.CSRPEM) {
		return nil, nil
	}
	csr, err := pki.ParseCSRPEM([]byte(req.CSRPEM))
	if err != nil {
		ps.invalid("this signing request does not appear to be valid")
		return nil, nil
	}
	if req.KeyPEM == "" {
		return csr, nil
	}
	key, keyDER, err := pki.ParsePrivateKeyPEM([]byte(req.KeyPEM), "")
	if err != nil {
		return csr, nil
	}
	csrFP, err1 := pki.PublicKeyFingerprintOf(csr.PublicKey)
	keyFP, err2 := pki.PublicKeyFingerprintOf(key.Public())
	if err1 != nil || err2 != nil || !bytes.Equal(csrFP, keyFP) {
		ps.add(ErrMismatch, "the submitted private key does not match the submitted signing request")
		return csr, nil
	}
	return csr, keyDER
}

// attachOwner appends ref to owner's certificate list when owner is set.
func attachOwner(tx *Tx, owner, ref string) error {
	if owner == "" {
		return nil
	}
	return tx.AttachCert(owner, ref)
}
