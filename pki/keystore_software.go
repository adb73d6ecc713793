package pki

import (
	"crypto"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// SoftwareKeyStore holds private keys in process memory. It is the default
// KeyStore; callers persist key material themselves via ExportPEM.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]crypto.Signer
	rand io.Reader
	seq  int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]crypto.Signer),
		rand: rand.Reader,
	}
}

func (s *SoftwareKeyStore) put(key crypto.Signer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = key
	return id
}

func (s *SoftwareKeyStore) get(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// GenerateKey creates a new RSA or ECDSA key pair.
func (s *SoftwareKeyStore) GenerateKey(spec KeySpec) (string, error) {
	key, err := generateKey(s.rand, spec)
	if err != nil {
		return "", err
	}
	return s.put(key), nil
}

// Signer returns the private key, which implements crypto.Signer.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	return s.get(keyID)
}

// ExportPEM encodes the private key as PKCS#8 "PRIVATE KEY" PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) ([]byte, error) {
	key, err := s.get(keyID)
	if err != nil {
		return nil, err
	}
	der, err := MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return EncodePrivateKeyPEM(der), nil
}

// ImportPEM parses a PKCS#8, PKCS#1 or SEC1 private key PEM and stores it.
func (s *SoftwareKeyStore) ImportPEM(pemData []byte) (string, error) {
	key, _, err := ParsePrivateKeyPEM(pemData, "")
	if err != nil {
		return "", err
	}
	return s.put(key), nil
}

// Delete removes the key from memory.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
