package certmgr_test

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/jmcleod/ironcert/certmgr"
	"github.com/jmcleod/ironcert/pki"
	"github.com/jmcleod/ironcert/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteGating(t *testing.T) {
	f := newFixture(t)
	rec := f.internal(t, "gated.example.com")
	other := f.internal(t, "other.example.com")

	err := f.repo.Batch("seed openvpn", func(tx storage.BatchTx) error {
		_, err := tx.Put("openvpn", storage.Append, []byte(`{"vpnid":1,"certref":"`+other.RefID+`"}`))
		return err
	})
	require.NoError(t, err)
	f.m.Registry().Register("openvpn", certmgr.RefFieldPredicate(f.repo, "openvpn"))

	webgui := true
	f.m.Registry().Register("webgui", func(_ context.Context, ref string) (bool, error) {
		return webgui && ref == rec.RefID, nil
	})

	inUse, err := f.m.CertInUse(t.Context(), rec.RefID)
	require.NoError(t, err)
	assert.True(t, inUse)

	err = f.m.Delete(t.Context(), rec.RefID)
	var inUseErr *certmgr.InUseError
	require.ErrorAs(t, err, &inUseErr)
	assert.ErrorIs(t, err, certmgr.ErrInUse)
	assert.Equal(t, []string{"webgui"}, inUseErr.Consumers)
	_, _, err = f.m.LookupCert(rec.RefID)
	require.NoError(t, err)

	err = f.m.Delete(t.Context(), other.RefID)
	require.ErrorAs(t, err, &inUseErr)
	assert.Equal(t, []string{"openvpn"}, inUseErr.Consumers)

	webgui = false
	inUse, err = f.m.CertInUse(t.Context(), rec.RefID)
	require.NoError(t, err)
	assert.False(t, inUse)
	require.NoError(t, f.m.Delete(t.Context(), rec.RefID))
	_, _, err = f.m.LookupCert(rec.RefID)
	assert.ErrorIs(t, err, certmgr.ErrNotFound)

	assert.ErrorIs(t, f.m.Delete(t.Context(), rec.RefID), certmgr.ErrNotFound)
}

func TestDeletePredicateErrorAborts(t *testing.T) {
	f := newFixture(t)
	rec := f.internal(t, "fragile.example.com")
	boom := errors.New("consumer unavailable")
	f.m.Registry().Register("captiveportal", func(context.Context, string) (bool, error) {
		return false, boom
	})

	err := f.m.Delete(t.Context(), rec.RefID)
	require.ErrorIs(t, err, boom)
	_, _, err = f.m.LookupCert(rec.RefID)
	assert.NoError(t, err)
}

func TestAttachExisting(t *testing.T) {
	f := newFixture(t)
	rec := f.internal(t, "shared.example.com")

	got, err := f.m.Create(t.Context(), certmgr.ExistingRequest{Owner: "bob", CertRef: rec.RefID})
	require.NoError(t, err)
	assert.Equal(t, rec.RefID, got.RefID)
	assert.Equal(t, 1, f.certCount(t))

	// Attaching twice keeps one reference.
	_, err = f.m.AttachExisting(t.Context(), certmgr.ExistingRequest{Owner: "bob", CertRef: rec.RefID})
	require.NoError(t, err)
	user, _, err := f.m.Store().LookupUser("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{rec.RefID}, user.CertRefs)

	consumers, err := f.m.Usage(t.Context(), rec.RefID)
	require.NoError(t, err)
	assert.Equal(t, []string{certmgr.KindUser}, consumers)
	assert.ErrorIs(t, f.m.Delete(t.Context(), rec.RefID), certmgr.ErrInUse)

	_, err = f.m.AttachExisting(t.Context(), certmgr.ExistingRequest{Owner: "bob", CertRef: "missing"})
	assert.ErrorIs(t, err, certmgr.ErrNotFound)
	_, err = f.m.AttachExisting(t.Context(), certmgr.ExistingRequest{CertRef: rec.RefID})
	assert.ErrorIs(t, err, certmgr.ErrValidation)
}

func TestExports(t *testing.T) {
	f := newFixture(t)
	rec := f.internal(t, "export.example.com")

	t.Run("Cert", func(t *testing.T) {
		exp, err := f.m.ExportCert(t.Context(), rec.RefID)
		require.NoError(t, err)
		assert.Equal(t, "export.example.com.crt", exp.Filename)
		cert, err := pki.ParseCertificatePEM(exp.Data)
		require.NoError(t, err)
		assert.Equal(t, rec.Certificate, cert.Raw)
	})

	t.Run("KeyPlain", func(t *testing.T) {
		exp, err := f.m.ExportKey(t.Context(), rec.RefID, "")
		require.NoError(t, err)
		assert.Equal(t, "export.example.com.key", exp.Filename)
		block, _ := pem.Decode(exp.Data)
		require.NotNil(t, block)
		assert.Equal(t, "PRIVATE KEY", block.Type)
	})

	t.Run("KeyEncrypted", func(t *testing.T) {
		exp, err := f.m.ExportKey(t.Context(), rec.RefID, "s3cret!")
		require.NoError(t, err)
		block, _ := pem.Decode(exp.Data)
		require.NotNil(t, block)
		assert.Equal(t, "ENCRYPTED PRIVATE KEY", block.Type)

		_, der, err := pki.ParsePrivateKeyPEM(exp.Data, "s3cret!")
		require.NoError(t, err)
		assert.Equal(t, rec.PrivateKey, der)
	})

	t.Run("PasswordBounds", func(t *testing.T) {
		_, err := f.m.ExportKey(t.Context(), rec.RefID, "abc")
		assert.ErrorIs(t, err, certmgr.ErrPolicy)
		long := make([]byte, 1024)
		for i := range long {
			long[i] = 'x'
		}
		_, err = f.m.ExportPKCS12(t.Context(), rec.RefID, string(long), "high")
		assert.ErrorIs(t, err, certmgr.ErrPolicy)
	})

	t.Run("PKCS12", func(t *testing.T) {
		for _, level := range []string{"high", "low", "legacy"} {
			exp, err := f.m.ExportPKCS12(t.Context(), rec.RefID, "p12-pass", level)
			require.NoError(t, err, level)
			assert.Equal(t, "export.example.com.p12", exp.Filename)
			assert.Equal(t, "application/x-pkcs12", exp.ContentType)

			bundle, err := pki.ImportPKCS12(exp.Data, "p12-pass")
			require.NoError(t, err, level)
			assert.Equal(t, rec.Certificate, bundle.Certificate.Raw)
			require.Len(t, bundle.Extra, 1)
			assert.Equal(t, f.ca.Certificate, bundle.Extra[0].Raw)
		}
		_, err := f.m.ExportPKCS12(t.Context(), rec.RefID, "p12-pass", "medium")
		assert.ErrorIs(t, err, certmgr.ErrValidation)
	})

	t.Run("MissingMaterial", func(t *testing.T) {
		_, err := f.m.ExportCSR(t.Context(), rec.RefID)
		assert.ErrorIs(t, err, certmgr.ErrNotFound)

		keyOnly, err := f.m.Import(t.Context(), certmgr.ImportRequest{Descr: "Key only", KeyPEM: keyPEM(t, ecKey(t))})
		require.NoError(t, err)
		_, err = f.m.ExportCert(t.Context(), keyOnly.RefID)
		assert.ErrorIs(t, err, certmgr.ErrNotFound)
		_, err = f.m.ExportPKCS12(t.Context(), keyOnly.RefID, "", "")
		assert.ErrorIs(t, err, certmgr.ErrNotFound)
	})
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	rec := f.internal(t, "renew.example.com")
	oldCert, err := rec.ParseCertificate()
	require.NoError(t, err)

	t.Run("NewKey", func(t *testing.T) {
		renewed, err := f.m.Renew(t.Context(), rec.RefID, certmgr.RenewOptions{})
		require.NoError(t, err)
		assert.Equal(t, rec.RefID, renewed.RefID)
		assert.NotEqual(t, rec.PrivateKey, renewed.PrivateKey)

		cert, err := renewed.ParseCertificate()
		require.NoError(t, err)
		assert.Equal(t, int64(2), cert.SerialNumber.Int64())
		assert.Equal(t, oldCert.RawSubject, cert.RawSubject)
		assert.Equal(t, oldCert.DNSNames, cert.DNSNames)
		assert.Equal(t, oldCert.NotAfter.Sub(oldCert.NotBefore), cert.NotAfter.Sub(cert.NotBefore))

		key, err := renewed.Signer()
		require.NoError(t, err)
		assert.Equal(t, fingerprint(t, key.Public()), fingerprint(t, cert.PublicKey))
	})

	t.Run("ReuseKey", func(t *testing.T) {
		before, _, err := f.m.LookupCert(rec.RefID)
		require.NoError(t, err)
		renewed, err := f.m.Renew(t.Context(), rec.RefID, certmgr.RenewOptions{ReuseKey: true, LifetimeDays: 30})
		require.NoError(t, err)
		assert.Equal(t, before.PrivateKey, renewed.PrivateKey)
		cert, err := renewed.ParseCertificate()
		require.NoError(t, err)
		assert.Equal(t, int64(3), cert.SerialNumber.Int64())
	})

	t.Run("SelfSigned", func(t *testing.T) {
		key := ecKey(t)
		der, err := pki.SelfIssue(pki.IssueParams{
			Signer:       key,
			DN:           pki.DistinguishedName{CommonName: "self.example.com"},
			LifetimeDays: 10,
			Type:         pki.TypeServer,
			Digest:       pki.SHA256,
			Now:          testNow,
		})
		require.NoError(t, err)
		imported, err := f.m.Import(t.Context(), certmgr.ImportRequest{
			Descr:   "Self-signed",
			CertPEM: string(pki.EncodeCertificatePEM(der)),
			KeyPEM:  keyPEM(t, key),
		})
		require.NoError(t, err)

		renewed, err := f.m.Renew(t.Context(), imported.RefID, certmgr.RenewOptions{ReuseKey: true})
		require.NoError(t, err)
		cert, err := renewed.ParseCertificate()
		require.NoError(t, err)
		assert.NoError(t, cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature))
		assert.Empty(t, renewed.CARef)
	})

	t.Run("StrictRejectsLongServerLifetime", func(t *testing.T) {
		_, err := f.m.Renew(t.Context(), rec.RefID, certmgr.RenewOptions{Strict: true, LifetimeDays: 800})
		assert.ErrorIs(t, err, certmgr.ErrPolicy)
	})

	t.Run("ExternalIssuer", func(t *testing.T) {
		key := ecKey(t)
		imported, err := f.m.Import(t.Context(), certmgr.ImportRequest{
			Descr:   "External",
			CertPEM: leafPEM(t, key, "ext.example.com", newIssuer(t, "Elsewhere", nil)),
			KeyPEM:  keyPEM(t, key),
		})
		require.NoError(t, err)
		_, err = f.m.Renew(t.Context(), imported.RefID, certmgr.RenewOptions{})
		assert.ErrorIs(t, err, certmgr.ErrValidation)
	})

	ca, _, err := f.m.LookupCA(f.ca.RefID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ca.Serial)
}

func TestRevokeAndCRL(t *testing.T) {
	f := newFixture(t)
	rec := f.internal(t, "revoke.example.com")
	cert, err := rec.ParseCertificate()
	require.NoError(t, err)

	revoked, err := f.m.IsRevoked(t.Context(), rec.RefID)
	require.NoError(t, err)
	assert.False(t, revoked)

	crl, err := f.m.Revoke(t.Context(), certmgr.RevokeRequest{CertRef: rec.RefID, Reason: "keyCompromise"})
	require.NoError(t, err)
	assert.Equal(t, f.ca.RefID, crl.CARef)
	assert.Equal(t, int64(1), crl.Number)
	require.Len(t, crl.Entries, 1)
	assert.Equal(t, pki.ReasonKeyCompromise, crl.Entries[0].Reason)

	revoked, err = f.m.IsRevoked(t.Context(), rec.RefID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = f.m.Revoke(t.Context(), certmgr.RevokeRequest{CertRef: rec.RefID})
	assert.ErrorIs(t, err, certmgr.ErrValidation)

	_, err = f.m.Revoke(t.Context(), certmgr.RevokeRequest{CertRef: f.internal(t, "x.example.com").RefID, Reason: "bogus"})
	assert.ErrorIs(t, err, certmgr.ErrValidation)

	exp, err := f.m.GenerateCRL(t.Context(), crl.RefID)
	require.NoError(t, err)
	block, _ := pem.Decode(exp.Data)
	require.NotNil(t, block)
	list, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, list.RevokedCertificateEntries, 1)
	assert.Equal(t, cert.SerialNumber, list.RevokedCertificateEntries[0].SerialNumber)
	assert.Equal(t, int64(2), list.Number.Int64())

	ca, _, err := f.m.LookupCA(f.ca.RefID)
	require.NoError(t, err)
	caCert, err := ca.ParseCertificate()
	require.NoError(t, err)
	assert.NoError(t, list.CheckSignatureFrom(caCert))

	stored, _, err := f.m.Store().LookupCRL(crl.RefID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Number)

	crls, err := f.m.CRLs()
	require.NoError(t, err)
	assert.Len(t, crls, 1)
}
