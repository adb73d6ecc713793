package certmgr

import (
	"github.com/jmcleod/ironcert/pki"
)

// Method names how a certificate record comes into being.
type Method string

const (
	MethodInternal Method = "internal"
	MethodExternal Method = "external"
	MethodSign     Method = "sign"
	MethodImport   Method = "import"
	MethodEdit     Method = "edit"
	MethodExisting Method = "existing"
)

// Request is one of InternalRequest, ExternalRequest, SignRequest,
// ImportRequest, EditRequest or ExistingRequest.
type Request interface {
	Method() Method
	// Validate checks the request on its own, without consulting the
	// store, and returns every problem found.
	Validate(p Policy) []Problem
}

// InternalRequest creates a key pair and a certificate signed by an
// internal CA. Zero Key, Digest, Type and LifetimeDays take the policy
// defaults.
type InternalRequest struct {
	Descr        string                `json:"descr"`
	CARef        string                `json:"caref"`
	Key          pki.KeySpec           `json:"key"`
	Digest       string                `json:"digest,omitempty"`
	Type         pki.CertType          `json:"type,omitempty"`
	LifetimeDays int                   `json:"lifetime,omitempty"`
	DN           pki.DistinguishedName `json:"dn"`
	AltNames     []pki.AltName         `json:"altnames,omitempty"`
	// Owner, when set, names a user the new certificate is attached to.
	Owner string `json:"owner,omitempty"`
}

func (InternalRequest) Method() Method { return MethodInternal }

func (r InternalRequest) Validate(p Policy) []Problem {
	_, ps := r.check(p)
	return ps
}

// issuePlan holds the normalised inputs for issuing a key and certificate.
type issuePlan struct {
	key      pki.KeySpec
	digest   pki.Digest
	typ      pki.CertType
	lifetime int
	dn       pki.DistinguishedName
}

func (r InternalRequest) check(p Policy) (issuePlan, problems) {
	var ps problems
	validateDescr(&ps, r.Descr)
	if r.CARef == "" {
		ps.invalid("a certificate authority is required")
	}
	plan := issuePlan{
		key:      normalizeKeySpec(&ps, orDefaultKey(r.Key, p)),
		digest:   normalizeDigest(&ps, orDefault(r.Digest, string(p.DefaultDigest))),
		typ:      normalizeType(&ps, r.Type, p.DefaultType),
		lifetime: orDefaultLifetime(r.LifetimeDays, p),
		dn:       validateDN(&ps, r.DN),
	}
	validateLifetime(&ps, plan.lifetime, p)
	validateAltNames(&ps, r.AltNames)
	return plan, ps
}

// ExternalRequest creates a key pair and a CSR to be signed elsewhere.
type ExternalRequest struct {
	Descr    string                `json:"descr"`
	Key      pki.KeySpec           `json:"key"`
	Digest   string                `json:"digest,omitempty"`
	Type     pki.CertType          `json:"type,omitempty"`
	DN       pki.DistinguishedName `json:"dn"`
	AltNames []pki.AltName         `json:"altnames,omitempty"`
	Owner    string                `json:"owner,omitempty"`
}

func (ExternalRequest) Method() Method { return MethodExternal }

func (r ExternalRequest) Validate(p Policy) []Problem {
	_, ps := r.check(p)
	return ps
}

func (r ExternalRequest) check(p Policy) (issuePlan, problems) {
	var ps problems
	validateDescr(&ps, r.Descr)
	plan := issuePlan{
		key:    normalizeKeySpec(&ps, orDefaultKey(r.Key, p)),
		digest: normalizeDigest(&ps, orDefault(r.Digest, string(p.DefaultDigest))),
		typ:    normalizeType(&ps, r.Type, p.DefaultType),
		dn:     validateDN(&ps, r.DN),
	}
	validateAltNames(&ps, r.AltNames)
	return plan, ps
}

// SignRequest signs a CSR with an internal CA. The CSR is either a stored
// record's (CSRRef) or pasted PEM (CSRPEM). KeyPEM is only honoured for a
// pasted CSR and becomes the new record's private key.
type SignRequest struct {
	Descr        string        `json:"descr"`
	CARef        string        `json:"caref"`
	CSRRef       string        `json:"csrref,omitempty"`
	CSRPEM       string        `json:"csr,omitempty"`
	KeyPEM       string        `json:"key,omitempty"`
	Type         pki.CertType  `json:"type,omitempty"`
	LifetimeDays int           `json:"lifetime,omitempty"`
	Digest       string        `json:"digest,omitempty"`
	AltNames     []pki.AltName `json:"altnames,omitempty"`
	Owner        string        `json:"owner,omitempty"`
}

func (SignRequest) Method() Method { return MethodSign }

// pasted reports whether the CSR comes from CSRPEM rather than the store.
func (r SignRequest) pasted() bool { return r.CSRRef == "" }

func (r SignRequest) Validate(p Policy) []Problem {
	_, ps := r.check(p)
	return ps
}

func (r SignRequest) check(p Policy) (issuePlan, problems) {
	var ps problems
	validateDescr(&ps, r.Descr)
	if r.CARef == "" {
		ps.invalid("a CA to sign with is required")
	}
	if r.pasted() && !pki.LooksLikeCSR(r.CSRPEM) {
		ps.invalid("this signing request does not appear to be valid")
	}
	if r.pasted() && r.KeyPEM != "" {
		if _, _, err := pki.ParsePrivateKeyPEM([]byte(r.KeyPEM), ""); err != nil {
			ps.invalid("this private key does not appear to be valid")
			ps.invalid("key data field should be blank, or a valid x509 private key")
		}
	}
	plan := issuePlan{
		digest:   normalizeDigest(&ps, orDefault(r.Digest, string(p.DefaultDigest))),
		typ:      normalizeType(&ps, r.Type, p.DefaultType),
		lifetime: orDefaultLifetime(r.LifetimeDays, p),
	}
	validateLifetime(&ps, plan.lifetime, p)
	validateAltNames(&ps, r.AltNames)
	return plan, ps
}

// ImportRequest imports an existing certificate, either as PEM (CertPEM
// and optional KeyPEM) or as a PKCS#12 bundle.
type ImportRequest struct {
	Descr   string `json:"descr"`
	CertPEM string `json:"cert,omitempty"`
	KeyPEM  string `json:"key,omitempty"`
	// PKCS12 takes precedence over CertPEM and KeyPEM when set.
	PKCS12   []byte `json:"pkcs12,omitempty"`
	Password string `json:"password,omitempty"`
	// ExtractIntermediates adds the bundle's extra certificates as CAs.
	ExtractIntermediates bool   `json:"intermediates,omitempty"`
	Owner                string `json:"owner,omitempty"`
}

func (ImportRequest) Method() Method { return MethodImport }

func (r ImportRequest) Validate(Policy) []Problem {
	var ps problems
	validateDescr(&ps, r.Descr)
	if len(r.PKCS12) > 0 {
		return ps
	}
	switch {
	case r.CertPEM == "" && r.KeyPEM == "":
		ps.invalid("certificate data or a PKCS #12 certificate store is required")
	case r.CertPEM != "" && !pki.LooksLikeCertificate(r.CertPEM):
		ps.invalid("this certificate does not appear to be valid")
	}
	return ps
}

// EditRequest replaces the certificate and key of an existing record.
type EditRequest struct {
	RefID   string `json:"refid"`
	Descr   string `json:"descr"`
	CertPEM string `json:"cert"`
	KeyPEM  string `json:"key,omitempty"`
}

func (EditRequest) Method() Method { return MethodEdit }

func (r EditRequest) Validate(Policy) []Problem {
	var ps problems
	validateDescr(&ps, r.Descr)
	switch {
	case r.CertPEM == "":
		ps.invalid("certificate data is required")
	case !pki.LooksLikeCertificate(r.CertPEM):
		ps.invalid("this certificate does not appear to be valid")
	}
	return ps
}

// ExistingRequest attaches an existing certificate to a user.
type ExistingRequest struct {
	Owner   string `json:"owner"`
	CertRef string `json:"certref"`
}

func (ExistingRequest) Method() Method { return MethodExisting }

func (r ExistingRequest) Validate(Policy) []Problem {
	var ps problems
	if r.Owner == "" {
		ps.invalid("a user is required to attach an existing certificate")
	}
	if r.CertRef == "" {
		ps.invalid("an existing certificate choice is required")
	}
	return ps
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultKey(spec pki.KeySpec, p Policy) pki.KeySpec {
	if spec.Type == "" {
		return p.DefaultKey
	}
	return spec
}

func orDefaultLifetime(days int, p Policy) int {
	if days == 0 {
		return p.DefaultLifetime
	}
	return days
}

// CAImportRequest imports a certificate authority. Without KeyPEM the CA
// is kept for chain building and verification only.
type CAImportRequest struct {
	Descr   string `json:"descr"`
	CertPEM string `json:"cert"`
	KeyPEM  string `json:"key,omitempty"`
	// Serial is the last serial number the CA issued elsewhere.
	Serial int64 `json:"serial,omitempty"`
}

func (r CAImportRequest) Validate(Policy) []Problem {
	var ps problems
	validateDescr(&ps, r.Descr)
	switch {
	case r.CertPEM == "":
		ps.invalid("certificate data is required")
	case !pki.LooksLikeCertificate(r.CertPEM):
		ps.invalid("this certificate does not appear to be valid")
	}
	if r.Serial < 0 {
		ps.invalid("the serial number must not be negative")
	}
	return ps
}

// RenewOptions controls Renew.
type RenewOptions struct {
	// ReuseKey keeps the existing key pair instead of generating a new one
	// of the same type and size.
	ReuseKey bool `json:"reusekey,omitempty"`
	// Strict rejects a renewal that falls short of the advisory policy
	// even when the manager is not strict.
	Strict bool `json:"strict,omitempty"`
	// LifetimeDays defaults to the lifetime of the current certificate.
	LifetimeDays int `json:"lifetime,omitempty"`
	// Digest defaults to the digest of the current certificate.
	Digest string `json:"digest,omitempty"`
}

// RevokeRequest adds a certificate to an internal CRL. With CRLRef empty
// the first CRL of the issuing CA is used, created if needed.
type RevokeRequest struct {
	CertRef string `json:"certref"`
	CRLRef  string `json:"crlref,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
