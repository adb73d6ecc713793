package api

import (
	"time"

	"github.com/jmcleod/ironcert/pki"
)

// CertSummary describes a certificate record. Certificate fields are empty
// for records without certificate data.
type CertSummary struct {
	RefID       string        `json:"refid"`
	Descr       string        `json:"descr"`
	State       string        `json:"state"`
	CARef       string        `json:"caref,omitempty"`
	Type        string        `json:"type,omitempty"`
	Subject     string        `json:"subject,omitempty"`
	Issuer      string        `json:"issuer,omitempty"`
	Serial      string        `json:"serial,omitempty"`
	NotBefore   *time.Time    `json:"not_before,omitempty"`
	NotAfter    *time.Time    `json:"not_after,omitempty"`
	AltNames    []pki.AltName `json:"altnames,omitempty"`
	Key         string        `json:"key,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	HasKey      bool          `json:"has_key"`
	Revoked     bool          `json:"revoked"`
}

// ListCertsResponse is returned from GET /certs.
type ListCertsResponse struct {
	Certs []CertSummary `json:"certs"`
	PaginationMeta
}

// CertDetail is returned from GET /certs/{ref}.
type CertDetail struct {
	CertSummary
	Certificate string   `json:"crt,omitempty"`
	CSR         string   `json:"csr,omitempty"`
	InUseBy     []string `json:"in_use_by,omitempty"`
}

// CompleteCSRRequest is the JSON body for POST /certs/{ref}/complete.
type CompleteCSRRequest struct {
	Descr       string `json:"descr"`
	Certificate string `json:"cert"`
}

// EditCertRequest is the JSON body for PUT /certs/{ref}.
type EditCertRequest struct {
	Descr       string `json:"descr"`
	Certificate string `json:"cert"`
	PrivateKey  string `json:"key,omitempty"`
}

// ExportCertRequest is the JSON body for POST /certs/{ref}/export. Format
// is one of "crt", "req", "key" or "p12".
type ExportCertRequest struct {
	Format   string `json:"format"`
	Password string `json:"password,omitempty"`
	Level    string `json:"level,omitempty"`
}

// RevokeCertRequest is the JSON body for POST /certs/{ref}/revoke.
type RevokeCertRequest struct {
	CRLRef string `json:"crlref,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// UsageResponse is returned from GET /certs/{ref}/usage.
type UsageResponse struct {
	RefID     string   `json:"refid"`
	InUse     bool     `json:"in_use"`
	Consumers []string `json:"consumers"`
}

// AttachCertRequest is the JSON body for POST /users/{name}/certs.
type AttachCertRequest struct {
	CertRef string `json:"certref"`
}

// CASummary describes a certificate authority.
type CASummary struct {
	RefID    string    `json:"refid"`
	Descr    string    `json:"descr"`
	CARef    string    `json:"caref,omitempty"`
	Subject  string    `json:"subject"`
	NotAfter time.Time `json:"not_after"`
	Serial   int64     `json:"serial"`
	CanSign  bool      `json:"can_sign"`
}

// ListCAsResponse is returned from GET /cas.
type ListCAsResponse struct {
	CAs []CASummary `json:"cas"`
}

// CRLSummary describes an internal CRL.
type CRLSummary struct {
	RefID    string `json:"refid"`
	Descr    string `json:"descr"`
	CARef    string `json:"caref"`
	Number   int64  `json:"number"`
	Lifetime int    `json:"lifetime"`
	Revoked  int    `json:"revoked"`
}

// ListCRLsResponse is returned from GET /crls.
type ListCRLsResponse struct {
	CRLs []CRLSummary `json:"crls"`
}

// HistoryEntry is one committed configuration change.
type HistoryEntry struct {
	Seq         uint64    `json:"seq"`
	Description string    `json:"description"`
	CommittedAt time.Time `json:"committed_at"`
}

// ListHistoryResponse is returned from GET /history.
type ListHistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// ErrorResponse is returned for all error cases. Problems lists every
// validation finding; Consumers names what still uses a certificate.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Problems  []string `json:"problems,omitempty"`
	Consumers []string `json:"consumers,omitempty"`
}
