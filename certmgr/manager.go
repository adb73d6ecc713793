// Package certmgr manages the lifecycle of X.509 certificates and signing
// requests backed by internal certificate authorities.
//
// All records live in a storage.Repository. Every mutating operation first
// validates its whole input, then performs the cryptographic work in
// memory, and finally commits the fully formed records in a single store
// batch. A failed operation leaves the store untouched.
//
// The manager does no locking of its own. Two operations racing on the same
// record, or on the serial counter of the same CA, resolve as last write
// wins at the store.
package certmgr

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/ironcert/pki"
	"github.com/jmcleod/ironcert/storage"
)

// Manager runs lifecycle operations against a configuration store.
type Manager struct {
	store     *Store
	registry  *Registry
	keys      pki.KeyStore
	policy    Policy
	policySet bool
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithKeyStore sets where new private keys are generated.
// Default: a SoftwareKeyStore.
func WithKeyStore(ks pki.KeyStore) Option {
	return func(m *Manager) {
		m.keys = ks
	}
}

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		m.policy = p
		m.policySet = true
	}
}

// WithRegistry sets the usage registry consulted before deletes. The
// "user" consumer is registered on it by New.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		m.registry = r
	}
}

// WithClock overrides the time source used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New returns a Manager over repo.
func New(repo storage.Repository, opts ...Option) *Manager {
	m := &Manager{
		store:    NewStore(repo),
		registry: NewRegistry(),
		keys:     pki.NewSoftwareKeyStore(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.policySet {
		m.policy = DefaultPolicy(m.now())
	}
	m.registry.Register(KindUser, UserPredicate(m.store))
	return m
}

// Store returns the typed store view the manager writes through.
func (m *Manager) Store() *Store { return m.store }

// Registry returns the usage registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Policy returns the policy in effect.
func (m *Manager) Policy() Policy { return m.policy }

// Create dispatches req to the operation for its method. For an
// ExistingRequest the attached record is returned.
func (m *Manager) Create(ctx context.Context, req Request) (*Record, error) {
	switch r := req.(type) {
	case InternalRequest:
		return m.CreateInternal(ctx, r)
	case ExternalRequest:
		return m.CreateExternal(ctx, r)
	case SignRequest:
		return m.SignCSR(ctx, r)
	case ImportRequest:
		return m.Import(ctx, r)
	case EditRequest:
		return m.Edit(ctx, r)
	case ExistingRequest:
		return m.AttachExisting(ctx, r)
	case nil:
		return nil, fmt.Errorf("%w: no request", ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unsupported request %T", ErrValidation, req)
	}
}

// generateKey creates a key pair in the key store and takes it out as
// PKCS#8 for the record.
func (m *Manager) generateKey(spec pki.KeySpec) (crypto.Signer, []byte, error) {
	id, err := m.keys.GenerateKey(spec)
	if err != nil {
		return nil, nil, newCryptoError("generating key", err)
	}
	defer m.forgetKey(id)
	pemData, err := m.keys.ExportPEM(id)
	if err != nil {
		return nil, nil, newCryptoError("exporting key", err)
	}
	signer, der, err := pki.ParsePrivateKeyPEM(pemData, "")
	if err != nil {
		return nil, nil, newCryptoError("reading key", err)
	}
	return signer, der, nil
}

func (m *Manager) forgetKey(id string) {
	if err := m.keys.Delete(id); err != nil {
		m.logger.Warn("could not release key", slog.String("key_id", id), slog.String("error", err.Error()))
	}
}

// loadIssuer hands the CA key to the key store for the duration of one
// signing operation. The returned release func forgets it again.
func (m *Manager) loadIssuer(ca *CARecord) (*pki.Issuer, func(), error) {
	if !ca.CanSign() {
		return nil, nil, fmt.Errorf("%w: certificate authority %s has no private key", ErrValidation, ca.RefID)
	}
	cert, err := ca.ParseCertificate()
	if err != nil {
		return nil, nil, newCryptoError("reading CA certificate", err)
	}
	id, err := m.keys.ImportPEM(pki.EncodePrivateKeyPEM(ca.PrivateKey))
	if err != nil {
		return nil, nil, newCryptoError("loading CA key", err)
	}
	signer, err := m.keys.Signer(id)
	if err != nil {
		m.forgetKey(id)
		return nil, nil, newCryptoError("loading CA key", err)
	}
	issuer := &pki.Issuer{Certificate: cert, Signer: signer, Serial: ca.Serial}
	return issuer, func() { m.forgetKey(id) }, nil
}

// signingCA resolves ref to a CA that holds a private key, recording a
// problem otherwise.
func (m *Manager) signingCA(ps *problems, ref string) *CARecord {
	if ref == "" {
		return nil
	}
	ca, _, err := m.store.LookupCA(ref)
	switch {
	case errors.Is(err, ErrNotFound):
		ps.add(ErrNotFound, "certificate authority %s does not exist", ref)
		return nil
	case err != nil:
		ps.add(ErrPersist, "%v", err)
		return nil
	case !ca.CanSign():
		ps.invalid("certificate authority %s cannot sign: it has no private key", ca.Descr)
		return nil
	}
	return ca
}

// advise applies the advisory policy findings. They are logged, unless
// strict is set, in which case they become policy problems.
func (m *Manager) advise(ps *problems, strict bool, findings []string, attrs ...any) {
	for _, f := range findings {
		if strict {
			ps.add(ErrPolicy, "%s", f)
			continue
		}
		m.logger.Warn("certificate below recommended policy", append([]any{slog.String("finding", f)}, attrs...)...)
	}
}

// findIssuerCA returns the ref of the CA in cas that issued cert. Self-signed
// certificates and certificates from unknown issuers yield "".
func findIssuerCA(cert *x509.Certificate, cas []*CARecord) string {
	if isSelfSigned(cert) {
		return ""
	}
	for _, ca := range cas {
		caCert, err := ca.ParseCertificate()
		if err != nil || bytes.Equal(caCert.Raw, cert.Raw) {
			continue
		}
		if pki.IssuedBy(cert, caCert) {
			return ca.RefID
		}
	}
	return ""
}

// isSelfSigned reports whether cert is signed by its own key. Basic
// constraints are not consulted, so self-signed leaf certificates qualify.
func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject) &&
		cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// chain returns the CA certificates above ref, nearest first. It stops at
// unknown refs and at cycles.
func (m *Manager) chain(ref string) ([]*x509.Certificate, error) {
	if ref == "" {
		return nil, nil
	}
	cas, err := m.store.CAs()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []*x509.Certificate
	for ref != "" && !seen[ref] {
		seen[ref] = true
		ca, _ := find(cas, func(c *CARecord) bool { return c.RefID == ref })
		if ca == nil {
			break
		}
		cert, err := ca.ParseCertificate()
		if err != nil {
			return nil, newCryptoError("reading CA certificate", err)
		}
		out = append(out, cert)
		ref = ca.CARef
	}
	return out, nil
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}
