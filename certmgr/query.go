package certmgr

import (
	"context"

	"github.com/jmcleod/ironcert/storage"
)

// LookupCert returns the certificate ref and its position in the current
// store snapshot. The position is only meaningful within that snapshot.
func (m *Manager) LookupCert(ref string) (*Record, int, error) {
	return m.store.LookupCert(ref)
}

// LookupCA returns the CA ref and its position in the current snapshot.
func (m *Manager) LookupCA(ref string) (*CARecord, int, error) {
	return m.store.LookupCA(ref)
}

// CertInUse reports whether any registered consumer references ref.
func (m *Manager) CertInUse(ctx context.Context, ref string) (bool, error) {
	return m.registry.InUse(ctx, ref)
}

// Usage lists the consumers referencing ref.
func (m *Manager) Usage(ctx context.Context, ref string) ([]string, error) {
	return m.registry.Consumers(ctx, ref)
}

// Certs lists every certificate record, pending requests included.
func (m *Manager) Certs() ([]*Record, error) { return m.store.Certs() }

// CAs lists every certificate authority.
func (m *Manager) CAs() ([]*CARecord, error) { return m.store.CAs() }

// CRLs lists every internal revocation list.
func (m *Manager) CRLs() ([]*CRLRecord, error) { return m.store.CRLs() }

// CSRs lists the certificate records still waiting for a signed certificate.
func (m *Manager) CSRs() ([]*Record, error) { return m.store.CSRs() }

// SigningCAs lists the CAs holding a private key.
func (m *Manager) SigningCAs() ([]*CARecord, error) { return m.store.SigningCAs() }

// History returns up to limit committed changes, newest first.
func (m *Manager) History(limit int) ([]storage.Revision, error) {
	return m.store.Repository().Revisions(limit)
}
