package certmgr

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrValidation marks bad user input. No record is touched.
	ErrValidation = errors.New("validation failed")
	// ErrPolicy marks a lifetime, key size, digest or password outside the
	// configured bounds.
	ErrPolicy = errors.New("policy violation")
	// ErrCrypto marks a failure of the underlying cryptographic library.
	ErrCrypto = errors.New("cryptographic operation failed")
	// ErrMismatch marks public keys that should belong to the same key pair
	// but do not.
	ErrMismatch = errors.New("public key mismatch")
	// ErrInUse marks a delete blocked by a consumer of the certificate.
	ErrInUse = errors.New("certificate is in use")
	// ErrPersist marks a failed write to the configuration store.
	ErrPersist = errors.New("configuration store write failed")
	// ErrImport marks a PKCS#12 bundle that could not be opened.
	ErrImport = errors.New("import failed")
	// ErrNotFound marks a reference that does not resolve.
	ErrNotFound = errors.New("not found")
)

// Problem is one finding of input validation. Kind is one of the sentinel
// errors above.
type Problem struct {
	Kind    error
	Message string
}

// InputError collects every problem found while validating a request.
type InputError struct {
	Problems []Problem
}

func (e *InputError) Error() string {
	return strings.Join(e.Messages(), "; ")
}

// Messages returns the problem descriptions in the order they were found.
func (e *InputError) Messages() []string {
	out := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		out = append(out, p.Message)
	}
	return out
}

// Unwrap returns the distinct problem kinds so errors.Is matches any of
// them.
func (e *InputError) Unwrap() []error {
	var kinds []error
	for _, p := range e.Problems {
		if !slices.Contains(kinds, p.Kind) {
			kinds = append(kinds, p.Kind)
		}
	}
	return kinds
}

type problems []Problem

func (ps *problems) add(kind error, format string, args ...any) {
	*ps = append(*ps, Problem{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func (ps *problems) invalid(format string, args ...any) {
	ps.add(ErrValidation, format, args...)
}

func (ps *problems) addAll(kind error, msgs []string) {
	for _, m := range msgs {
		ps.add(kind, "%s", m)
	}
}

func (ps problems) err() error {
	if len(ps) == 0 {
		return nil
	}
	return &InputError{Problems: ps}
}

// InUseError is returned by Delete when consumers still reference the
// certificate.
type InUseError struct {
	RefID     string
	Consumers []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("certificate %s is in use by %s and cannot be deleted", e.RefID, strings.Join(e.Consumers, ", "))
}

func (e *InUseError) Unwrap() error { return ErrInUse }

// ImportError is returned when a PKCS#12 bundle cannot be unlocked.
type ImportError struct {
	Message string
	Err     error
}

func (e *ImportError) Error() string { return e.Message }

func (e *ImportError) Unwrap() []error { return []error{ErrImport, e.Err} }

const msgPKCS12Password = "the submitted password does not unlock the submitted PKCS #12 certificate or the bundle uses unsupported encryption ciphers"

// noisyCryptoMessages are library diagnostics that carry no information
// for the caller.
var noisyCryptoMessages = []string{
	"NCONF_get_string:no value",
}

// CryptoError wraps a cryptographic library failure. Messages holds the
// library's diagnostics with noise, blanks and repeats removed.
type CryptoError struct {
	Op       string
	Messages []string
	Err      error
}

func newCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Messages: filterCryptoMessages(strings.Split(err.Error(), "\n")), Err: err}
}

func filterCryptoMessages(raw []string) []string {
	var out []string
	for _, m := range raw {
		m = strings.TrimSpace(m)
		if m == "" || slices.Contains(out, m) {
			continue
		}
		if slices.ContainsFunc(noisyCryptoMessages, func(n string) bool { return strings.Contains(m, n) }) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (e *CryptoError) Error() string {
	if len(e.Messages) == 0 {
		return e.Op + ": " + ErrCrypto.Error()
	}
	return e.Op + ": " + strings.Join(e.Messages, "; ")
}

func (e *CryptoError) Unwrap() []error { return []error{ErrCrypto, e.Err} }
