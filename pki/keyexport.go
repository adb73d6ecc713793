package pki

import (
	"encoding/pem"
	"fmt"

	"github.com/youmark/pkcs8"
)

// EncryptPrivateKeyPEM re-encodes a DER private key as PEM. With a password
// the result is an "ENCRYPTED PRIVATE KEY" block (PKCS#8, PBES2 with
// AES-256-CBC); without one it is a plain PKCS#8 "PRIVATE KEY" block.
func EncryptPrivateKeyPEM(keyDER []byte, password string) ([]byte, error) {
	key, err := ParsePrivateKey(keyDER)
	if err != nil {
		return nil, err
	}
	if password == "" {
		der, err := MarshalPrivateKey(key)
		if err != nil {
			return nil, err
		}
		return EncodePrivateKeyPEM(der), nil
	}
	der, err := pkcs8.MarshalPrivateKey(key, []byte(password), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypting private key: %v", ErrExport, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemEncryptedKey, Bytes: der}), nil
}
