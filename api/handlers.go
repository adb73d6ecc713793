package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironcert/certmgr"
	"github.com/jmcleod/ironcert/internal/util"
	"github.com/jmcleod/ironcert/pki"
)

// summarize describes rec for list and detail responses.
func summarize(rec *certmgr.Record, revoked map[string]bool) CertSummary {
	s := CertSummary{
		RefID:   rec.RefID,
		Descr:   rec.Descr,
		State:   string(rec.State()),
		CARef:   rec.CARef,
		Type:    string(rec.Type),
		HasKey:  len(rec.PrivateKey) > 0,
		Revoked: revoked[rec.RefID],
	}
	if len(rec.Certificate) == 0 {
		return s
	}
	cert, err := rec.ParseCertificate()
	if err != nil {
		return s
	}
	s.Subject = cert.Subject.String()
	s.Issuer = cert.Issuer.String()
	s.Serial = cert.SerialNumber.String()
	s.NotBefore = &cert.NotBefore
	s.NotAfter = &cert.NotAfter
	s.AltNames = pki.CertificateAltNames(cert)
	s.Key = pki.DescribeKey(cert.PublicKey)
	s.Fingerprint = util.ColonHex(pki.CertificateFingerprint(cert.Raw))
	return s
}

// revokedRefs returns the set of certificate refs listed on any CRL.
func (a *API) revokedRefs() (map[string]bool, error) {
	crls, err := a.mgr.CRLs()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, crl := range crls {
		for _, e := range crl.Entries {
			out[e.CertRef] = true
		}
	}
	return out, nil
}

// ListCerts handles GET /certs. The optional state query parameter filters
// by lifecycle state.
func (a *API) ListCerts(w http.ResponseWriter, r *http.Request) {
	certs, err := a.mgr.Certs()
	if err != nil {
		mapError(w, err)
		return
	}
	revoked, err := a.revokedRefs()
	if err != nil {
		mapError(w, err)
		return
	}

	state := r.URL.Query().Get("state")
	summaries := make([]CertSummary, 0, len(certs))
	for _, rec := range certs {
		if state != "" && string(rec.State()) != state {
			continue
		}
		summaries = append(summaries, summarize(rec, revoked))
	}

	certsPage, meta := page(summaries, parsePagination(r))
	writeJSON(w, http.StatusOK, ListCertsResponse{
		Certs:          certsPage,
		PaginationMeta: meta,
	})
}

// CreateCert handles POST /certs. The method field selects the request
// variant; the remaining fields are those of that variant.
func (a *API) CreateCert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBundleBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var envelope struct {
		Method certmgr.Method `json:"method"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var req certmgr.Request
	switch envelope.Method {
	case certmgr.MethodInternal:
		req, err = decodeVariant[certmgr.InternalRequest](body)
	case certmgr.MethodExternal:
		req, err = decodeVariant[certmgr.ExternalRequest](body)
	case certmgr.MethodSign:
		req, err = decodeVariant[certmgr.SignRequest](body)
	case certmgr.MethodImport:
		req, err = decodeVariant[certmgr.ImportRequest](body)
	case certmgr.MethodExisting:
		req, err = decodeVariant[certmgr.ExistingRequest](body)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown method %q", envelope.Method))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var rec *certmgr.Record
	if imp, ok := req.(certmgr.ImportRequest); ok {
		rec, err = a.importCert(r, imp)
	} else {
		rec, err = a.mgr.Create(r.Context(), req)
	}
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(auditEventFor(envelope.Method), r, rec.RefID,
		slog.String("method", string(envelope.Method)),
		slog.String("descr", rec.Descr))

	status := http.StatusCreated
	if envelope.Method == certmgr.MethodExisting {
		status = http.StatusOK
	}
	writeJSON(w, status, summarize(rec, nil))
}

func decodeVariant[T certmgr.Request](body []byte) (certmgr.Request, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// importCert keeps the bundle password in locked memory and wipes the
// bundle once the import is done.
func (a *API) importCert(r *http.Request, req certmgr.ImportRequest) (*certmgr.Record, error) {
	defer util.WipeBytes(req.PKCS12)
	var rec *certmgr.Record
	err := withPassword(req.Password, func(password string) error {
		req.Password = password
		var err error
		rec, err = a.mgr.Import(r.Context(), req)
		return err
	})
	var importErr *certmgr.ImportError
	if errors.As(err, &importErr) && errors.Is(err, pki.ErrBadPassword) {
		a.audit.logFailure(AuditImportPasswordFailure, r, "wrong PKCS #12 password",
			slog.String("descr", req.Descr))
	}
	return rec, err
}

// GetCert handles GET /certs/{ref}.
func (a *API) GetCert(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	rec, _, err := a.mgr.LookupCert(ref)
	if err != nil {
		mapError(w, err)
		return
	}
	revoked, err := a.mgr.IsRevoked(r.Context(), ref)
	if err != nil {
		mapError(w, err)
		return
	}
	consumers, err := a.mgr.Usage(r.Context(), ref)
	if err != nil {
		mapError(w, err)
		return
	}

	detail := CertDetail{
		CertSummary: summarize(rec, map[string]bool{ref: revoked}),
		InUseBy:     consumers,
	}
	if len(rec.Certificate) > 0 {
		detail.Certificate = string(pki.EncodeCertificatePEM(rec.Certificate))
	}
	if len(rec.CSR) > 0 {
		detail.CSR = string(pki.EncodeCSRPEM(rec.CSR))
	}
	writeJSON(w, http.StatusOK, detail)
}

// EditCert handles PUT /certs/{ref}.
func (a *API) EditCert(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	req, ok := decodeJSON[EditCertRequest](w, r, maxBundleBodySize)
	if !ok {
		return
	}
	rec, err := a.mgr.Edit(r.Context(), certmgr.EditRequest{
		RefID:   ref,
		Descr:   req.Descr,
		CertPEM: req.Certificate,
		KeyPEM:  req.PrivateKey,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertEdited, r, rec.RefID)
	writeJSON(w, http.StatusOK, summarize(rec, nil))
}

// DeleteCert handles DELETE /certs/{ref}.
func (a *API) DeleteCert(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if err := a.mgr.Delete(r.Context(), ref); err != nil {
		var inUseErr *certmgr.InUseError
		if errors.As(err, &inUseErr) {
			a.audit.logFailure(AuditCertDeleteBlocked, r, "certificate in use",
				slog.String("refid", ref),
				slog.Any("consumers", inUseErr.Consumers))
		}
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertDeleted, r, ref)
	w.WriteHeader(http.StatusNoContent)
}

// CompleteCSR handles POST /certs/{ref}/complete.
func (a *API) CompleteCSR(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	req, ok := decodeJSON[CompleteCSRRequest](w, r, maxBundleBodySize)
	if !ok {
		return
	}
	rec, err := a.mgr.CompleteCSR(r.Context(), ref, req.Descr, req.Certificate)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCSRCompleted, r, rec.RefID)
	writeJSON(w, http.StatusOK, summarize(rec, nil))
}

// ExportCert handles POST /certs/{ref}/export. Passwords travel in the
// body rather than the query string so they stay out of access logs.
func (a *API) ExportCert(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	req, ok := decodeJSON[ExportCertRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}

	var (
		exp *certmgr.Export
		err error
	)
	switch req.Format {
	case "crt", "":
		exp, err = a.mgr.ExportCert(r.Context(), ref)
	case "req":
		exp, err = a.mgr.ExportCSR(r.Context(), ref)
	case "key":
		err = withPassword(req.Password, func(password string) error {
			var err error
			exp, err = a.mgr.ExportKey(r.Context(), ref, password)
			return err
		})
	case "p12":
		err = withPassword(req.Password, func(password string) error {
			var err error
			exp, err = a.mgr.ExportPKCS12(r.Context(), ref, password, req.Level)
			return err
		})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown export format %q", req.Format))
		return
	}
	if err != nil {
		mapError(w, err)
		return
	}

	event := AuditCertExported
	if req.Format == "key" || req.Format == "p12" {
		event = AuditPrivateKeyExported
	}
	a.audit.logEvent(event, r, ref,
		slog.String("file", exp.Filename),
		slog.Bool("encrypted", req.Password != ""))
	writeExport(w, exp)
}

func writeExport(w http.ResponseWriter, exp *certmgr.Export) {
	w.Header().Set("Content-Type", exp.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.Filename))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(exp.Data)
}

// RenewCert handles POST /certs/{ref}/renew. An empty body renews with a
// new key and the current lifetime.
func (a *API) RenewCert(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	opts, ok := decodeOptionalJSON[certmgr.RenewOptions](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	rec, err := a.mgr.Renew(r.Context(), ref, opts)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertRenewed, r, rec.RefID,
		slog.Bool("new_key", !opts.ReuseKey))
	writeJSON(w, http.StatusOK, summarize(rec, nil))
}

// RevokeCert handles POST /certs/{ref}/revoke. An empty body revokes with
// reason "unspecified" on the CA's default CRL.
func (a *API) RevokeCert(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	req, ok := decodeOptionalJSON[RevokeCertRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	crl, err := a.mgr.Revoke(r.Context(), certmgr.RevokeRequest{
		CertRef: ref,
		CRLRef:  req.CRLRef,
		Reason:  req.Reason,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertRevoked, r, ref,
		slog.String("crlref", crl.RefID),
		slog.String("reason", req.Reason))
	writeJSON(w, http.StatusOK, crlSummary(crl))
}

// GetUsage handles GET /certs/{ref}/usage.
func (a *API) GetUsage(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if _, _, err := a.mgr.LookupCert(ref); err != nil {
		mapError(w, err)
		return
	}
	consumers, err := a.mgr.Usage(r.Context(), ref)
	if err != nil {
		mapError(w, err)
		return
	}
	if consumers == nil {
		consumers = []string{}
	}
	writeJSON(w, http.StatusOK, UsageResponse{
		RefID:     ref,
		InUse:     len(consumers) > 0,
		Consumers: consumers,
	})
}

// AttachCert handles POST /users/{name}/certs.
func (a *API) AttachCert(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	req, ok := decodeJSON[AttachCertRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	rec, err := a.mgr.AttachExisting(r.Context(), certmgr.ExistingRequest{Owner: name, CertRef: req.CertRef})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCertAttached, r, rec.RefID, slog.String("user", name))
	writeJSON(w, http.StatusOK, summarize(rec, nil))
}

// withPassword hands fn a view of password held in locked memory and
// destroys the buffer when fn returns. The protection is partial: the
// decoded request string stays on the Go heap until collected, and fn
// must not retain the string it is given, which aliases the locked buffer.
func withPassword(password string, fn func(string) error) error {
	if password == "" {
		return fn("")
	}
	buf := memguard.NewBufferFromBytes([]byte(password))
	defer buf.Destroy()
	return fn(buf.String())
}
