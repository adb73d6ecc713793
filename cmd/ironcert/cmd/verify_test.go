package cmd

import (
	"crypto"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironcert/certmgr"
	"github.com/jmcleod/ironcert/pki"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

var verifyNow = time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)

func testKey(t *testing.T) crypto.Signer {
	t.Helper()
	key, err := pki.GenerateKey(pki.KeySpec{Type: pki.KeyECDSA, Curve: "prime256v1"})
	require.NoError(t, err)
	return key
}

func keyDER(t *testing.T, key crypto.Signer) []byte {
	t.Helper()
	der, err := pki.MarshalPrivateKey(key)
	require.NoError(t, err)
	return der
}

// buildValidStore returns a CA that issued one server certificate valid
// for lifetime days, plus an empty CRL.
func buildValidStore(t *testing.T, lifetime int) (storeSnapshot, *pki.Issuer) {
	t.Helper()
	caKey := testKey(t)
	caDER, err := pki.SelfIssue(pki.IssueParams{
		Signer:       caKey,
		DN:           pki.DistinguishedName{CommonName: "Verify Root"},
		LifetimeDays: 3650,
		Type:         pki.TypeCA,
		Digest:       pki.SHA256,
		Now:          verifyNow.AddDate(-1, 0, 0),
	})
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)
	issuer := &pki.Issuer{Certificate: caCert, Signer: caKey}

	leafKey := testKey(t)
	leafDER, err := pki.SelfIssue(pki.IssueParams{
		Signer:       leafKey,
		DN:           pki.DistinguishedName{CommonName: "www.example.com"},
		AltNames:     pki.MergeAltNames("www.example.com", nil),
		LifetimeDays: lifetime,
		Type:         pki.TypeServer,
		Digest:       pki.SHA256,
		Issuer:       issuer,
		Now:          verifyNow,
	})
	require.NoError(t, err)

	return storeSnapshot{
		CAs: []*certmgr.CARecord{{
			RefID:       "ca-1",
			Descr:       "Verify Root",
			Certificate: caDER,
			PrivateKey:  keyDER(t, caKey),
			Serial:      issuer.Serial,
		}},
		Certs: []*certmgr.Record{{
			RefID:       "cert-1",
			Descr:       "www",
			CARef:       "ca-1",
			Type:        pki.TypeServer,
			Certificate: leafDER,
			PrivateKey:  keyDER(t, leafKey),
		}},
		CRLs: []*certmgr.CRLRecord{{RefID: "crl-1", Descr: "Verify Root CRL", CARef: "ca-1"}},
	}, issuer
}

func checkStatus(result verifyResult, name string) []string {
	var out []string
	for _, c := range result.Checks {
		if c.Name == name {
			out = append(out, c.Status)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestVerify_ValidStore(t *testing.T) {
	snap, _ := buildValidStore(t, 365)
	result := verifyStore(snap, verifyNow)

	assert.True(t, result.Valid)
	assert.Equal(t, 1, result.CertCount)
	assert.Equal(t, 1, result.CACount)
	assert.Equal(t, 1, result.CRLCount)
	for _, c := range result.Checks {
		assert.Equal(t, "pass", c.Status, "check %s: %s", c.Name, c.Detail)
	}
}

func TestVerify_EmptyStore(t *testing.T) {
	result := verifyStore(storeSnapshot{}, verifyNow)
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Checks)
	for _, c := range result.Checks {
		assert.Equal(t, "pass", c.Status)
	}
}

func TestVerify_KeyMismatch(t *testing.T) {
	snap, _ := buildValidStore(t, 365)
	snap.Certs[0].PrivateKey = keyDER(t, testKey(t))

	result := verifyStore(snap, verifyNow)
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"fail"}, checkStatus(result, "key_pairs_match"))
}

func TestVerify_UnknownIssuer(t *testing.T) {
	snap, _ := buildValidStore(t, 365)
	snap.Certs[0].CARef = "ca-gone"

	result := verifyStore(snap, verifyNow)
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"fail"}, checkStatus(result, "issuer_links"))
}

func TestVerify_SerialCounterBehind(t *testing.T) {
	snap, issuer := buildValidStore(t, 365)
	require.Equal(t, int64(1), issuer.Serial)
	snap.CAs[0].Serial = 0

	result := verifyStore(snap, verifyNow)
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"fail"}, checkStatus(result, "ca_serials"))
}

func TestVerify_DuplicateRefIDs(t *testing.T) {
	snap, _ := buildValidStore(t, 365)
	snap.CRLs[0].RefID = "cert-1"

	result := verifyStore(snap, verifyNow)
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"fail"}, checkStatus(result, "unique_refids"))
}

func TestVerify_OrphanedCRL(t *testing.T) {
	snap, _ := buildValidStore(t, 365)
	snap.CRLs[0].CARef = "ca-gone"

	result := verifyStore(snap, verifyNow)
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"fail"}, checkStatus(result, "crl_authorities"))
}

func TestVerify_WarningsKeepStoreValid(t *testing.T) {
	snap, _ := buildValidStore(t, 10)
	snap.CRLs[0].Entries = []certmgr.CRLEntry{{CertRef: "deleted-cert", Serial: "7", RevokedAt: verifyNow}}

	result := verifyStore(snap, verifyNow)
	assert.True(t, result.Valid)
	assert.Equal(t, []string{"warn"}, checkStatus(result, "expiry"))
	assert.Equal(t, []string{"warn"}, checkStatus(result, "crl_entries"))

	result = verifyStore(snap, verifyNow.AddDate(0, 0, 11))
	assert.True(t, result.Valid)
	for _, c := range result.Checks {
		if c.Name == "expiry" {
			assert.Contains(t, c.Detail, "expired")
		}
	}
}

func TestVerify_UnreadableCertificate(t *testing.T) {
	snap, _ := buildValidStore(t, 365)
	snap.Certs[0].Certificate = []byte("not DER")

	result := verifyStore(snap, verifyNow)
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"fail"}, checkStatus(result, "certificates_parse"))
	// The unreadable certificate is skipped by the later checks.
	assert.Equal(t, []string{"pass"}, checkStatus(result, "issuer_links"))
}

func TestSelfSignedCertificate(t *testing.T) {
	cert, err := selfSignedCertificate(verifyNow)
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, parsed.DNSNames)
	assert.NoError(t, parsed.VerifyHostname("127.0.0.1"))
	assert.True(t, verifyNow.AddDate(0, 0, 30).Equal(parsed.NotAfter))
}
