package certmgr

import (
	"slices"
	"time"

	"github.com/jmcleod/ironcert/pki"
)

const (
	// lifetimeCeiling caps certificate lifetimes in days.
	lifetimeCeiling = 12000
	// preferredLifetime is the default lifetime when the ceiling allows it.
	preferredLifetime = 3650
)

// lifetimeHorizon is the last instant a certificate may be valid until.
var lifetimeHorizon = time.Date(2050, time.January, 1, 0, 0, 0, 0, time.UTC)

// Policy bounds what the manager will issue. MaxLifetime is always
// enforced. The remaining limits are advisory: violations are logged as
// warnings, unless Strict is set, in which case they are rejected.
type Policy struct {
	MaxLifetime       int
	DefaultLifetime   int
	MaxServerLifetime int
	MinKeyBits        int
	DigestBlacklist   []pki.Digest
	Strict            bool

	DefaultKey    pki.KeySpec
	DefaultDigest pki.Digest
	DefaultType   pki.CertType
	CRLLifetime   int
}

// MaxLifetimeAt returns the longest lifetime in days a certificate issued
// at now may have.
func MaxLifetimeAt(now time.Time) int {
	days := int(lifetimeHorizon.Sub(now.UTC()).Hours() / 24)
	return max(0, min(lifetimeCeiling, days))
}

// DefaultPolicy returns the policy in effect when none is configured.
func DefaultPolicy(now time.Time) Policy {
	maxLifetime := MaxLifetimeAt(now)
	return Policy{
		MaxLifetime:       maxLifetime,
		DefaultLifetime:   min(preferredLifetime, maxLifetime),
		MaxServerLifetime: 398,
		MinKeyBits:        2048,
		DigestBlacklist:   []pki.Digest{pki.SHA1},
		DefaultKey:        pki.KeySpec{Type: pki.KeyRSA, Bits: 2048},
		DefaultDigest:     pki.SHA256,
		DefaultType:       pki.TypeUser,
		CRLLifetime:       730,
	}
}

func (p Policy) weakDigest(d pki.Digest) bool {
	return slices.Contains(p.DigestBlacklist, d)
}

// weakKey reports whether an RSA spec is below MinKeyBits. ECDSA keys are
// never weak: the smallest supported curve, P-256, outranks 3072-bit RSA.
func (p Policy) weakKey(spec pki.KeySpec) bool {
	if spec.Type == pki.KeyECDSA {
		return false
	}
	return spec.Bits < p.MinKeyBits
}
