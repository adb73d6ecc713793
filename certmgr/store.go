package certmgr

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironcert/storage"
)

// Store is a typed view over the configuration store. Records are kept as
// JSON documents, one list per kind, in insertion order.
type Store struct {
	repo storage.Repository
}

// NewStore wraps repo.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

// Repository returns the underlying configuration store.
func (s *Store) Repository() storage.Repository {
	return s.repo
}

type lister interface {
	List(kind string) ([][]byte, error)
}

func listKind[T any](l lister, kind string) ([]*T, error) {
	raw, err := l.List(kind)
	if err != nil {
		return nil, fmt.Errorf("listing %s records: %w", kind, err)
	}
	out := make([]*T, 0, len(raw))
	for i, data := range raw {
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decoding %s record %d: %w", kind, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func find[T any](items []*T, match func(*T) bool) (*T, int) {
	for i, it := range items {
		if match(it) {
			return it, i
		}
	}
	return nil, -1
}

// Certs lists every certificate record.
func (s *Store) Certs() ([]*Record, error) { return listKind[Record](s.repo, KindCert) }

// CAs lists every CA record.
func (s *Store) CAs() ([]*CARecord, error) { return listKind[CARecord](s.repo, KindCA) }

// CRLs lists every CRL record.
func (s *Store) CRLs() ([]*CRLRecord, error) { return listKind[CRLRecord](s.repo, KindCRL) }

// Users lists every user reference list.
func (s *Store) Users() ([]*UserRecord, error) { return listKind[UserRecord](s.repo, KindUser) }

// SigningCAs lists the CAs that hold a private key.
func (s *Store) SigningCAs() ([]*CARecord, error) {
	cas, err := s.CAs()
	if err != nil {
		return nil, err
	}
	var out []*CARecord
	for _, ca := range cas {
		if ca.CanSign() {
			out = append(out, ca)
		}
	}
	return out, nil
}

// CSRs lists certificate records that carry a CSR.
func (s *Store) CSRs() ([]*Record, error) {
	certs, err := s.Certs()
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, c := range certs {
		if len(c.CSR) > 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

// LookupCert returns the certificate record with the given ref and its
// position in the current snapshot.
func (s *Store) LookupCert(ref string) (*Record, int, error) {
	certs, err := s.Certs()
	if err != nil {
		return nil, -1, err
	}
	rec, idx := find(certs, func(r *Record) bool { return r.RefID == ref })
	if rec == nil {
		return nil, -1, fmt.Errorf("certificate %q: %w", ref, ErrNotFound)
	}
	return rec, idx, nil
}

// LookupCA returns the CA record with the given ref and its position.
func (s *Store) LookupCA(ref string) (*CARecord, int, error) {
	cas, err := s.CAs()
	if err != nil {
		return nil, -1, err
	}
	ca, idx := find(cas, func(c *CARecord) bool { return c.RefID == ref })
	if ca == nil {
		return nil, -1, fmt.Errorf("certificate authority %q: %w", ref, ErrNotFound)
	}
	return ca, idx, nil
}

// LookupCRL returns the CRL record with the given ref and its position.
func (s *Store) LookupCRL(ref string) (*CRLRecord, int, error) {
	crls, err := s.CRLs()
	if err != nil {
		return nil, -1, err
	}
	crl, idx := find(crls, func(c *CRLRecord) bool { return c.RefID == ref })
	if crl == nil {
		return nil, -1, fmt.Errorf("CRL %q: %w", ref, ErrNotFound)
	}
	return crl, idx, nil
}

// LookupUser returns the reference list of the named user.
func (s *Store) LookupUser(name string) (*UserRecord, int, error) {
	users, err := s.Users()
	if err != nil {
		return nil, -1, err
	}
	u, idx := find(users, func(u *UserRecord) bool { return u.Name == name })
	if u == nil {
		return nil, -1, fmt.Errorf("user %q: %w", name, ErrNotFound)
	}
	return u, idx, nil
}

// Batch runs fn against a transaction and commits it as one revision
// labelled description. Errors returned by fn are passed through; failures
// of the store itself wrap ErrPersist.
func (s *Store) Batch(description string, fn func(tx *Tx) error) error {
	var fnErr error
	err := s.repo.Batch(description, func(btx storage.BatchTx) error {
		fnErr = fn(&Tx{btx: btx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// Tx stages writes inside Store.Batch. Records are matched by reference
// id against the transaction's own snapshot, so positional indices never
// leak across snapshots.
type Tx struct {
	btx storage.BatchTx
}

func save[T any](tx *Tx, kind string, v *T, match func(*T) bool) error {
	items, err := listKind[T](tx.btx, kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	_, idx := find(items, match)
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", kind, err)
	}
	if idx < 0 {
		idx = storage.Append
	}
	if _, err := tx.btx.Put(kind, idx, data); err != nil {
		return fmt.Errorf("%w: writing %s record: %v", ErrPersist, kind, err)
	}
	return nil
}

// SaveCert replaces the certificate record with r's ref, or appends r.
func (tx *Tx) SaveCert(r *Record) error {
	return save(tx, KindCert, r, func(o *Record) bool { return o.RefID == r.RefID })
}

// SaveCA replaces the CA record with ca's ref, or appends ca.
func (tx *Tx) SaveCA(ca *CARecord) error {
	return save(tx, KindCA, ca, func(o *CARecord) bool { return o.RefID == ca.RefID })
}

// SaveCRL replaces the CRL record with crl's ref, or appends crl.
func (tx *Tx) SaveCRL(crl *CRLRecord) error {
	return save(tx, KindCRL, crl, func(o *CRLRecord) bool { return o.RefID == crl.RefID })
}

// SaveUser replaces the named user's reference list, or appends it.
func (tx *Tx) SaveUser(u *UserRecord) error {
	return save(tx, KindUser, u, func(o *UserRecord) bool { return o.Name == u.Name })
}

// DeleteCert removes every certificate record carrying ref.
func (tx *Tx) DeleteCert(ref string) error {
	certs, err := listKind[Record](tx.btx, KindCert)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	removed := 0
	// Walk backwards so earlier indices stay valid.
	for i := len(certs) - 1; i >= 0; i-- {
		if certs[i].RefID != ref {
			continue
		}
		if err := tx.btx.Delete(KindCert, i); err != nil {
			return fmt.Errorf("%w: deleting certificate: %v", ErrPersist, err)
		}
		removed++
	}
	if removed == 0 {
		return fmt.Errorf("certificate %q: %w", ref, ErrNotFound)
	}
	return nil
}

// AttachCert appends ref to the named user's reference list, creating the
// list when the user has none yet. Attaching twice is a no-op.
func (tx *Tx) AttachCert(user, ref string) error {
	users, err := listKind[UserRecord](tx.btx, KindUser)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	u, _ := find(users, func(o *UserRecord) bool { return o.Name == user })
	if u == nil {
		u = &UserRecord{Name: user}
	}
	for _, existing := range u.CertRefs {
		if existing == ref {
			return nil
		}
	}
	u.CertRefs = append(u.CertRefs, ref)
	return tx.SaveUser(u)
}
