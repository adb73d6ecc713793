package certmgr

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jmcleod/ironcert/pki"
)

// descrForbidden lists the characters a description may not contain.
const descrForbidden = "?><&/\\\"'"

const (
	minExportPassword = 4
	maxExportPassword = 1023
)

func validateDescr(ps *problems, descr string) {
	switch {
	case strings.TrimSpace(descr) == "":
		ps.invalid("the descriptive name is required")
	case strings.ContainsAny(descr, descrForbidden):
		ps.invalid("the field 'Descriptive Name' contains invalid characters")
	}
}

func validateLifetime(ps *problems, lifetime int, p Policy) {
	switch {
	case lifetime <= 0:
		ps.invalid("the lifetime must be a positive number of days")
	case lifetime > p.MaxLifetime:
		ps.add(ErrPolicy, "lifetime is longer than the maximum allowed value of %d days; use a shorter lifetime", p.MaxLifetime)
	}
}

// normalizeKeySpec upper-cases the key type and checks the size or curve.
func normalizeKeySpec(ps *problems, spec pki.KeySpec) pki.KeySpec {
	spec.Type = pki.KeyType(strings.ToUpper(string(spec.Type)))
	switch spec.Type {
	case pki.KeyRSA:
		if !slices.Contains(pki.RSAKeySizes, spec.Bits) {
			ps.invalid("please select a valid key length (got %d)", spec.Bits)
		}
		spec.Curve = ""
	case pki.KeyECDSA:
		if !slices.Contains(pki.Curves, spec.Curve) {
			ps.invalid("please select a valid elliptic curve name (got %q)", spec.Curve)
		}
		spec.Bits = 0
	default:
		ps.invalid("please select a valid key type (got %q)", spec.Type)
	}
	return spec
}

func normalizeDigest(ps *problems, name string) pki.Digest {
	d, err := pki.ParseDigest(name)
	if err != nil {
		ps.invalid("please select a valid digest algorithm (got %q)", name)
	}
	return d
}

func normalizeType(ps *problems, typ pki.CertType, def pki.CertType) pki.CertType {
	if typ == "" {
		return def
	}
	if typ != pki.TypeServer && typ != pki.TypeUser {
		ps.invalid("please select a valid certificate type (got %q)", typ)
	}
	return typ
}

func validateDN(ps *problems, fields pki.DistinguishedName) pki.DistinguishedName {
	dn, msgs := pki.BuildDN(fields)
	ps.addAll(ErrValidation, msgs)
	return dn
}

func validateAltNames(ps *problems, sans []pki.AltName) {
	ps.addAll(ErrValidation, pki.ValidateAltNames(sans))
}

// validateExportPassword accepts an empty password (no encryption) or one
// of 4 to 1023 characters.
func validateExportPassword(ps *problems, password string) {
	if password == "" {
		return
	}
	if n := len(password); n < minExportPassword || n > maxExportPassword {
		ps.add(ErrPolicy, "export password must be %d to %d characters", minExportPassword, maxExportPassword)
	}
}

// advisories lists the soft policy findings for a certificate about to be
// issued.
func (p Policy) advisories(spec pki.KeySpec, digest pki.Digest, typ pki.CertType, lifetime int) []string {
	var out []string
	if p.MinKeyBits > 0 && p.weakKey(spec) {
		out = append(out, fmt.Sprintf("key length %d is below the recommended minimum of %d bits", spec.Bits, p.MinKeyBits))
	}
	if p.weakDigest(digest) {
		out = append(out, fmt.Sprintf("digest %s is considered weak", digest))
	}
	if typ == pki.TypeServer && p.MaxServerLifetime > 0 && lifetime > p.MaxServerLifetime {
		out = append(out, fmt.Sprintf("server certificate lifetime %d exceeds the recommended maximum of %d days", lifetime, p.MaxServerLifetime))
	}
	return out
}
