package certmgr

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"slices"
	"time"

	"github.com/jmcleod/ironcert/pki"
)

// Record kinds in the configuration store.
const (
	KindCA   = "ca"
	KindCert = "cert"
	KindCRL  = "crl"
	KindUser = "user"
)

// State is the lifecycle stage of a certificate record, derived from which
// of certificate, private key and CSR it holds.
type State string

const (
	StateEmpty          State = "empty"
	StatePrivateKeyOnly State = "private-key-only"
	StateCSRPending     State = "csr-pending"
	StateComplete       State = "complete"
)

// Record is a certificate record. Any non-empty subset of Certificate,
// PrivateKey and CSR may be present. Byte fields hold DER; PrivateKey is
// PKCS#8 for keys this package generated.
type Record struct {
	RefID       string       `json:"refid"`
	Descr       string       `json:"descr"`
	CARef       string       `json:"caref,omitempty"`
	Type        pki.CertType `json:"type,omitempty"`
	Certificate []byte       `json:"crt,omitempty"`
	PrivateKey  []byte       `json:"prv,omitempty"`
	CSR         []byte       `json:"csr,omitempty"`
}

// State derives the lifecycle state. A record holding both a certificate
// and a CSR is still pending: the certificate has not been accepted yet.
func (r *Record) State() State {
	switch {
	case len(r.CSR) > 0:
		return StateCSRPending
	case len(r.Certificate) > 0:
		return StateComplete
	case len(r.PrivateKey) > 0:
		return StatePrivateKeyOnly
	}
	return StateEmpty
}

// ParseCertificate parses the record's certificate.
func (r *Record) ParseCertificate() (*x509.Certificate, error) {
	if len(r.Certificate) == 0 {
		return nil, fmt.Errorf("certificate %s has no certificate data: %w", r.RefID, ErrNotFound)
	}
	return x509.ParseCertificate(r.Certificate)
}

// Signer parses the record's private key.
func (r *Record) Signer() (crypto.Signer, error) {
	if len(r.PrivateKey) == 0 {
		return nil, fmt.Errorf("certificate %s has no private key: %w", r.RefID, ErrNotFound)
	}
	return pki.ParsePrivateKey(r.PrivateKey)
}

// CARecord is a certificate authority. Only CAs holding a private key can
// sign.
type CARecord struct {
	RefID       string `json:"refid"`
	Descr       string `json:"descr"`
	CARef       string `json:"caref,omitempty"`
	Certificate []byte `json:"crt"`
	PrivateKey  []byte `json:"prv,omitempty"`
	// Serial is the last serial number issued; the next one is Serial+1.
	Serial int64 `json:"serial"`
}

// CanSign reports whether the CA holds a private key.
func (c *CARecord) CanSign() bool {
	return len(c.PrivateKey) > 0
}

// ParseCertificate parses the CA certificate.
func (c *CARecord) ParseCertificate() (*x509.Certificate, error) {
	return x509.ParseCertificate(c.Certificate)
}

// CRLRecord is an internal certificate revocation list for one CA.
type CRLRecord struct {
	RefID    string     `json:"refid"`
	Descr    string     `json:"descr"`
	CARef    string     `json:"caref"`
	Lifetime int        `json:"lifetime"`
	Number   int64      `json:"serial"`
	Entries  []CRLEntry `json:"cert,omitempty"`
}

// CRLEntry records one revoked certificate.
type CRLEntry struct {
	CertRef   string    `json:"refid"`
	Serial    string    `json:"serial"`
	Reason    int       `json:"reason"`
	RevokedAt time.Time `json:"revoke_time"`
}

// Revokes reports whether the CRL lists the certificate ref.
func (c *CRLRecord) Revokes(ref string) bool {
	return slices.ContainsFunc(c.Entries, func(e CRLEntry) bool { return e.CertRef == ref })
}

// UserRecord is the part of a user account this package maintains: the
// list of certificates attached to it.
type UserRecord struct {
	Name     string   `json:"name"`
	CertRefs []string `json:"certrefs,omitempty"`
}
