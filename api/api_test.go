package api_test

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironcert/api"
	"github.com/jmcleod/ironcert/certmgr"
	"github.com/jmcleod/ironcert/pki"
	"github.com/jmcleod/ironcert/storage/memory"
)

type testServer struct {
	*httptest.Server
	mgr   *certmgr.Manager
	caRef string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	mgr := certmgr.New(memory.NewRepository(), certmgr.WithLogger(discardLogger()))

	key, err := pki.GenerateKey(pki.KeySpec{Type: pki.KeyECDSA, Curve: "prime256v1"})
	require.NoError(t, err)
	der, err := pki.SelfIssue(pki.IssueParams{
		Signer:       key,
		DN:           pki.DistinguishedName{CommonName: "Test Root CA"},
		LifetimeDays: 3650,
		Type:         pki.TypeCA,
		Digest:       pki.SHA256,
		Now:          time.Now(),
	})
	require.NoError(t, err)
	keyDER, err := pki.MarshalPrivateKey(key)
	require.NoError(t, err)
	ca, err := mgr.ImportCA(t.Context(), certmgr.CAImportRequest{
		Descr:   "Test Root CA",
		CertPEM: string(pki.EncodeCertificatePEM(der)),
		KeyPEM:  string(pki.EncodePrivateKeyPEM(keyDER)),
	})
	require.NoError(t, err)

	a := api.New(mgr, append([]api.Option{api.WithLogger(discardLogger())}, opts...)...)
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return &testServer{Server: srv, mgr: mgr, caRef: ca.RefID}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) createInternal(t *testing.T, cn string) api.CertSummary {
	t.Helper()
	resp := doJSON(t, http.MethodPost, s.URL+"/api/v1/certs", map[string]any{
		"method":   "internal",
		"descr":    cn,
		"caref":    s.caRef,
		"key":      map[string]any{"type": "ECDSA", "curve": "prime256v1"},
		"type":     "server",
		"lifetime": 90,
		"dn":       map[string]any{"common_name": cn},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.CertSummary](t, resp)
}

func TestCreateAndShowCert(t *testing.T) {
	srv := setupServer(t)
	created := srv.createInternal(t, "web.example.com")
	assert.NotEmpty(t, created.RefID)
	assert.Equal(t, "complete", created.State)
	assert.Equal(t, srv.caRef, created.CARef)
	assert.True(t, created.HasKey)
	assert.Contains(t, created.AltNames, pki.AltName{Kind: pki.AltDNS, Value: "web.example.com"})

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs/"+created.RefID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[api.CertDetail](t, resp)
	assert.Equal(t, "CN=web.example.com", detail.Subject)
	assert.Contains(t, detail.Certificate, "BEGIN CERTIFICATE")
	assert.False(t, detail.Revoked)
	assert.Empty(t, detail.InUseBy)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs?state=complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListCertsResponse](t, resp)
	assert.Equal(t, 1, list.TotalCount)
	require.Len(t, list.Certs, 1)
	assert.Equal(t, created.RefID, list.Certs[0].RefID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs?state=csr-pending", nil)
	list = decode[api.ListCertsResponse](t, resp)
	assert.Empty(t, list.Certs)
}

func TestCreateCertValidation(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs", map[string]any{
		"method":   "internal",
		"descr":    "",
		"caref":    srv.caRef,
		"key":      map[string]any{"type": "RSA", "bits": 512},
		"lifetime": 99999,
		"dn":       map[string]any{"common_name": "bad.example.com"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.GreaterOrEqual(t, len(body.Problems), 3, "every problem is reported at once")

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs", nil)
	list := decode[api.ListCertsResponse](t, resp)
	assert.Zero(t, list.TotalCount)
}

func TestCreateCertBadRequests(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs", map[string]any{"method": "telepathy"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/v1/certs", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs", map[string]any{
		"method": "internal",
		"descr":  "x",
		"caref":  "missing-ca",
		"key":    map[string]any{"type": "ECDSA", "curve": "prime256v1"},
		"dn":     map[string]any{"common_name": "x.example.com"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportCert(t *testing.T) {
	srv := setupServer(t)
	created := srv.createInternal(t, "web.example.com")
	url := srv.URL + "/api/v1/certs/" + created.RefID + "/export"

	t.Run("Certificate", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, url, map[string]string{"format": "crt"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
		assert.Equal(t, `attachment; filename="web.example.com.crt"`, resp.Header.Get("Content-Disposition"))
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		cert, err := pki.ParseCertificatePEM(data)
		require.NoError(t, err)
		assert.Equal(t, "web.example.com", cert.Subject.CommonName)
	})

	t.Run("KeyShortPassword", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, url, map[string]string{"format": "key", "password": "abc"})
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		body := decode[api.ErrorResponse](t, resp)
		assert.NotEmpty(t, body.Problems)
	})

	t.Run("EncryptedKey", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, url, map[string]string{"format": "key", "password": "correct horse"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		block, _ := pem.Decode(data)
		require.NotNil(t, block)
		assert.Equal(t, "ENCRYPTED PRIVATE KEY", block.Type)
	})

	t.Run("PKCS12", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, url, map[string]string{"format": "p12", "password": "correct horse"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/x-pkcs12", resp.Header.Get("Content-Type"))
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		bundle, err := pki.ImportPKCS12(data, "correct horse")
		require.NoError(t, err)
		assert.Equal(t, "web.example.com", bundle.Certificate.Subject.CommonName)
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, url, map[string]string{"format": "docx"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("UnknownRef", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs/nope/export", map[string]string{"format": "crt"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestDeleteCert(t *testing.T) {
	srv := setupServer(t)
	created := srv.createInternal(t, "vpn.example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/users/alice/certs", map[string]string{"certref": created.RefID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs/"+created.RefID+"/usage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decode[api.UsageResponse](t, resp)
	assert.True(t, usage.InUse)
	assert.Equal(t, []string{certmgr.KindUser}, usage.Consumers)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/certs/"+created.RefID, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, []string{certmgr.KindUser}, body.Consumers)

	other := srv.createInternal(t, "spare.example.com")
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/certs/"+other.RefID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs/"+other.RefID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestImportPKCS12WrongPassword(t *testing.T) {
	var (
		mu     sync.Mutex
		alerts []api.AlertEvent
	)
	srv := setupServer(t, api.WithAlertFunc(func(evt api.AlertEvent) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, evt)
	}))
	created := srv.createInternal(t, "bundle.example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs/"+created.RefID+"/export",
		map[string]string{"format": "p12", "password": "right password"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p12, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs", map[string]any{
		"method":   "import",
		"descr":    "Imported",
		"pkcs12":   p12,
		"password": "wrong password",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.NotEmpty(t, body.Error)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs", map[string]any{
		"method":   "import",
		"descr":    "Imported",
		"pkcs12":   p12,
		"password": "right password",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	imported := decode[api.CertSummary](t, resp)
	assert.Equal(t, created.Fingerprint, imported.Fingerprint)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, alerts, "one failure is below the alert threshold")
}

func TestBulkKeyExportAlert(t *testing.T) {
	var (
		mu     sync.Mutex
		alerts []api.AlertEvent
	)
	srv := setupServer(t, api.WithAlertFunc(func(evt api.AlertEvent) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, evt)
	}))
	created := srv.createInternal(t, "keys.example.com")

	for range 10 {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs/"+created.RefID+"/export",
			map[string]string{"format": "key"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, api.AlertBulkKeyExport, alerts[0].Type)
}

func TestRenewCert(t *testing.T) {
	srv := setupServer(t)
	created := srv.createInternal(t, "renew.example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs/"+created.RefID+"/renew", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renewed := decode[api.CertSummary](t, resp)
	assert.Equal(t, created.RefID, renewed.RefID)
	assert.NotEqual(t, created.Serial, renewed.Serial)
	assert.NotEqual(t, created.Fingerprint, renewed.Fingerprint)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs/"+created.RefID+"/renew",
		map[string]any{"reusekey": true, "lifetime": 30})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decode[api.CertSummary](t, resp)
	require.NotNil(t, again.NotBefore)
	require.NotNil(t, again.NotAfter)
	assert.Equal(t, renewed.Key, again.Key)
	assert.WithinDuration(t, again.NotBefore.Add(30*24*time.Hour), *again.NotAfter, time.Hour)
}

func TestRevokeAndPublishCRL(t *testing.T) {
	srv := setupServer(t)
	created := srv.createInternal(t, "compromised.example.com")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs/"+created.RefID+"/revoke",
		map[string]string{"reason": "keyCompromise"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	crl := decode[api.CRLSummary](t, resp)
	assert.Equal(t, srv.caRef, crl.CARef)
	assert.Equal(t, 1, crl.Revoked)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs/"+created.RefID, nil)
	detail := decode[api.CertDetail](t, resp)
	assert.True(t, detail.Revoked)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/crls", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	crls := decode[api.ListCRLsResponse](t, resp)
	require.Len(t, crls.CRLs, 1)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/crls/"+crl.RefID+"/publish", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	list, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, list.RevokedCertificateEntries, 1)
	assert.Equal(t, created.Serial, list.RevokedCertificateEntries[0].SerialNumber.String())
	assert.Equal(t, pki.ReasonKeyCompromise, list.RevokedCertificateEntries[0].ReasonCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/crls/missing/publish", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListCAsAndHistory(t *testing.T) {
	srv := setupServer(t)
	srv.createInternal(t, "one.example.com")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/cas", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cas := decode[api.ListCAsResponse](t, resp)
	require.Len(t, cas.CAs, 1)
	assert.Equal(t, "CN=Test Root CA", cas.CAs[0].Subject)
	assert.True(t, cas.CAs[0].CanSign)
	assert.Equal(t, int64(1), cas.CAs[0].Serial)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/history?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[api.ListHistoryResponse](t, resp)
	require.Len(t, history.Entries, 1)
	assert.Contains(t, history.Entries[0].Description, "one.example.com")

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/history", nil)
	history = decode[api.ListHistoryResponse](t, resp)
	assert.Len(t, history.Entries, 2)
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	assert.NotEmpty(t, resp.Header.Get("Content-Security-Policy"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/v1/certs", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-Proto", "https")
	forwarded, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer forwarded.Body.Close()
	assert.NotEmpty(t, forwarded.Header.Get("Strict-Transport-Security"))
}

func TestOpenAPIServed(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/certs/{ref}/export")
}
