package pki

import (
	"crypto"
	"errors"
)

// KeyStore abstracts private-key custody so that certificate operations can
// run against software keys or an external key service without changing
// calling code.
//
// A KeyID uniquely identifies a key held by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new key pair described by spec and returns its
	// identifier.
	GenerateKey(spec KeySpec) (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key as PKCS#8 PEM. Stores whose keys
	// cannot leave the device return ErrKeyNotExportable.
	ExportPEM(keyID string) ([]byte, error)

	// ImportPEM loads a PEM private key into the store and returns its ID.
	ImportPEM(pemData []byte) (keyID string, err error)

	// Delete forgets the key identified by keyID.
	Delete(keyID string) error
}

// ErrKeyNotExportable is returned by KeyStore.ExportPEM when the backing
// store does not allow private key material to leave it.
var ErrKeyNotExportable = errors.New("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")
