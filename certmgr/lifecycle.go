package certmgr

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/ironcert/pki"
)

// Delete removes the certificate ref. It fails with *InUseError while any
// registered consumer still references it.
func (m *Manager) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, _, err := m.store.LookupCert(ref)
	if err != nil {
		return err
	}
	consumers, err := m.registry.Consumers(ctx, ref)
	if err != nil {
		return err
	}
	if len(consumers) > 0 {
		return &InUseError{RefID: ref, Consumers: consumers}
	}
	err = m.store.Batch(fmt.Sprintf("Deleted certificate %s", rec.Descr), func(tx *Tx) error {
		return tx.DeleteCert(ref)
	})
	if err != nil {
		return err
	}
	m.logger.Info("certificate deleted", slog.String("refid", ref))
	return nil
}

// AttachExisting appends an existing certificate to a user's certificate
// list. No record is created.
func (m *Manager) AttachExisting(ctx context.Context, req ExistingRequest) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ps := problems(req.Validate(m.policy))
	var rec *Record
	if req.CertRef != "" {
		r, _, err := m.store.LookupCert(req.CertRef)
		switch {
		case errors.Is(err, ErrNotFound):
			ps.add(ErrNotFound, "certificate %s does not exist", req.CertRef)
		case err != nil:
			return nil, err
		default:
			rec = r
		}
	}
	if err := ps.err(); err != nil {
		return nil, err
	}
	err := m.store.Batch(fmt.Sprintf("Attached certificate %s to user %s", rec.Descr, req.Owner), func(tx *Tx) error {
		return tx.AttachCert(req.Owner, rec.RefID)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("certificate attached",
		slog.String("refid", rec.RefID),
		slog.String("user", req.Owner))
	return rec, nil
}

// Renew reissues a certificate in place: same ref and subject, a fresh
// validity window and serial. Certificates of an internal CA are signed by
// it again, advancing its serial; self-signed ones are re-self-signed.
// Unless opts.ReuseKey is set a new key of the same type and size replaces
// the old one.
func (m *Manager) Renew(ctx context.Context, ref string, opts RenewOptions) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, _, err := m.store.LookupCert(ref)
	if err != nil {
		return nil, err
	}
	old, err := rec.ParseCertificate()
	if err != nil {
		return nil, err
	}

	var ps problems
	var ca *CARecord
	switch {
	case rec.CARef != "":
		ca = m.signingCA(&ps, rec.CARef)
	case !isSelfSigned(old):
		ps.invalid("certificate %s was issued by an external CA and cannot be renewed here", rec.Descr)
	case len(rec.PrivateKey) == 0:
		ps.invalid("self-signed certificate %s cannot be renewed without its private key", rec.Descr)
	}

	lifetime := opts.LifetimeDays
	if lifetime == 0 {
		lifetime = min(int(old.NotAfter.Sub(old.NotBefore).Hours()/24), m.policy.MaxLifetime)
	}
	validateLifetime(&ps, lifetime, m.policy)
	digest := pki.DigestOf(old.SignatureAlgorithm)
	if opts.Digest != "" || digest == "" {
		digest = normalizeDigest(&ps, orDefault(opts.Digest, string(m.policy.DefaultDigest)))
	}
	spec, err := pki.SpecOf(old.PublicKey)
	if err != nil {
		ps.invalid("unsupported key on certificate %s: %v", rec.Descr, err)
	}
	m.advise(&ps, m.policy.Strict || opts.Strict, m.policy.advisories(spec, digest, rec.Type, lifetime),
		slog.String("refid", rec.RefID))
	if err := ps.err(); err != nil {
		return nil, err
	}

	var (
		pub    = old.PublicKey
		keyDER = rec.PrivateKey
		signer crypto.Signer
	)
	if !opts.ReuseKey {
		if signer, keyDER, err = m.generateKey(spec); err != nil {
			return nil, err
		}
		pub = signer.Public()
	} else if len(rec.PrivateKey) > 0 {
		if signer, err = rec.Signer(); err != nil {
			return nil, newCryptoError("reading private key", err)
		}
	}

	var issuer *pki.Issuer
	if ca != nil {
		var release func()
		if issuer, release, err = m.loadIssuer(ca); err != nil {
			return nil, err
		}
		defer release()
	}
	der, err := pki.Reissue(old, pub, issuer, signer, lifetime, digest, m.clock())
	if err != nil {
		return nil, newCryptoError("renewing certificate", err)
	}

	updated := *rec
	updated.Certificate = der
	updated.PrivateKey = keyDER
	err = m.store.Batch(fmt.Sprintf("Renewed certificate %s", rec.Descr), func(tx *Tx) error {
		if err := tx.SaveCert(&updated); err != nil {
			return err
		}
		if ca == nil {
			return nil
		}
		ca.Serial = issuer.Serial
		return tx.SaveCA(ca)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("certificate renewed",
		slog.String("refid", rec.RefID),
		slog.Bool("new_key", !opts.ReuseKey),
		slog.Int("lifetime", lifetime))
	return &updated, nil
}
