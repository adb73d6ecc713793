package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironcert/certmgr"
)

func caSummary(ca *certmgr.CARecord) CASummary {
	s := CASummary{
		RefID:   ca.RefID,
		Descr:   ca.Descr,
		CARef:   ca.CARef,
		Serial:  ca.Serial,
		CanSign: ca.CanSign(),
	}
	if cert, err := ca.ParseCertificate(); err == nil {
		s.Subject = cert.Subject.String()
		s.NotAfter = cert.NotAfter
	}
	return s
}

func crlSummary(crl *certmgr.CRLRecord) CRLSummary {
	return CRLSummary{
		RefID:    crl.RefID,
		Descr:    crl.Descr,
		CARef:    crl.CARef,
		Number:   crl.Number,
		Lifetime: crl.Lifetime,
		Revoked:  len(crl.Entries),
	}
}

// ListCAs handles GET /cas.
func (a *API) ListCAs(w http.ResponseWriter, r *http.Request) {
	cas, err := a.mgr.CAs()
	if err != nil {
		mapError(w, err)
		return
	}
	out := make([]CASummary, 0, len(cas))
	for _, ca := range cas {
		out = append(out, caSummary(ca))
	}
	writeJSON(w, http.StatusOK, ListCAsResponse{CAs: out})
}

// ImportCA handles POST /cas.
func (a *API) ImportCA(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[certmgr.CAImportRequest](w, r, maxBundleBodySize)
	if !ok {
		return
	}
	ca, err := a.mgr.ImportCA(r.Context(), req)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCAImported, r, ca.RefID,
		slog.String("descr", ca.Descr),
		slog.Bool("can_sign", ca.CanSign()))
	writeJSON(w, http.StatusCreated, caSummary(ca))
}

// ListCRLs handles GET /crls.
func (a *API) ListCRLs(w http.ResponseWriter, r *http.Request) {
	crls, err := a.mgr.CRLs()
	if err != nil {
		mapError(w, err)
		return
	}
	out := make([]CRLSummary, 0, len(crls))
	for _, crl := range crls {
		out = append(out, crlSummary(crl))
	}
	writeJSON(w, http.StatusOK, ListCRLsResponse{CRLs: out})
}

// PublishCRL handles POST /crls/{ref}/publish. It signs the CRL under the
// next CRL number and returns it as PEM.
func (a *API) PublishCRL(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	exp, err := a.mgr.GenerateCRL(r.Context(), ref)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditCRLPublished, r, ref)
	writeExport(w, exp)
}

// ListHistory handles GET /history, newest change first.
func (a *API) ListHistory(w http.ResponseWriter, r *http.Request) {
	p := parsePagination(r)
	revs, err := a.mgr.History(p.Offset + p.Limit)
	if err != nil {
		mapError(w, err)
		return
	}
	entries := make([]HistoryEntry, 0, len(revs))
	for _, rev := range revs[min(p.Offset, len(revs)):] {
		entries = append(entries, HistoryEntry{
			Seq:         rev.Seq,
			Description: rev.Description,
			CommittedAt: rev.CommittedAt,
		})
	}
	writeJSON(w, http.StatusOK, ListHistoryResponse{Entries: entries})
}
