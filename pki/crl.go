package pki

import (
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"
)

// Revocation reason codes (RFC 5280 section 5.3.1).
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonCACompromise         = 2
	ReasonAffiliationChanged   = 3
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
	ReasonCertificateHold      = 6
)

var reasonNames = map[string]int{
	"unspecified":          ReasonUnspecified,
	"keycompromise":        ReasonKeyCompromise,
	"cacompromise":         ReasonCACompromise,
	"affiliationchanged":   ReasonAffiliationChanged,
	"superseded":           ReasonSuperseded,
	"cessationofoperation": ReasonCessationOfOperation,
	"certificatehold":      ReasonCertificateHold,
}

// ParseReason maps a reason name such as "keyCompromise" to its code.
// An empty name is ReasonUnspecified.
func ParseReason(name string) (int, error) {
	if name == "" {
		return ReasonUnspecified, nil
	}
	code, ok := reasonNames[strings.ToLower(strings.ReplaceAll(name, "_", ""))]
	if !ok {
		return 0, fmt.Errorf("unknown revocation reason %q", name)
	}
	return code, nil
}

// Revocation is one entry of a CRL.
type Revocation struct {
	Serial    *big.Int
	RevokedAt time.Time
	Reason    int
}

// CreateCRL signs a DER CRL listing entries, valid for lifetimeDays from now.
func CreateCRL(issuer *Issuer, number int64, entries []Revocation, lifetimeDays int, now time.Time) ([]byte, error) {
	if err := issuer.check(); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Second)

	revoked := make([]x509.RevocationListEntry, 0, len(entries))
	for _, e := range entries {
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   e.Serial,
			RevocationTime: e.RevokedAt.UTC(),
			ReasonCode:     e.Reason,
		})
	}
	sort.SliceStable(revoked, func(i, j int) bool {
		return revoked[i].SerialNumber.Cmp(revoked[j].SerialNumber) < 0
	})

	template := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.AddDate(0, 0, lifetimeDays),
		RevokedCertificateEntries: revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, issuer.Certificate, issuer.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: creating CRL: %v", ErrSigning, err)
	}
	return der, nil
}
