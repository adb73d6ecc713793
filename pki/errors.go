package pki

import "errors"

var (
	// ErrKeyGen is returned when a key pair cannot be generated, either
	// because the requested size or curve is unsupported or because the
	// entropy source failed.
	ErrKeyGen = errors.New("key generation failed")

	// ErrSigning is returned when a CSR or certificate cannot be signed.
	ErrSigning = errors.New("signing failed")

	// ErrExport is returned when key or bundle export fails.
	ErrExport = errors.New("export failed")

	// ErrImport is returned when a PKCS#12 bundle cannot be decoded.
	ErrImport = errors.New("import failed")

	// ErrBadPassword is returned alongside ErrImport when a PKCS#12 bundle
	// could not be unlocked with the supplied password, or uses a cipher
	// that is not supported.
	ErrBadPassword = errors.New("bad password or unsupported cipher")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrDigest is returned for digest names outside the allow-list.
	ErrDigest = errors.New("unsupported digest algorithm")
)
