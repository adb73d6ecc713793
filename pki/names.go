package pki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

// ---------------------------------------------------------------------------
// Distinguished names
// ---------------------------------------------------------------------------

var (
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidProvince           = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
)

// dnCharset is the set of bytes a DN attribute value may contain.
var dnCharset = regexp.MustCompile("^[a-zA-Z0-9 '/~`!@#$%^&*()_\\-+={}\\[\\]|;:\"<>,.?\\\\]+$")

var countryCode = regexp.MustCompile(`^[A-Z]{2}$`)

// DistinguishedName holds the subject attributes of a certificate or CSR.
// Attributes are encoded in field order and empty ones are omitted.
type DistinguishedName struct {
	CommonName         string `json:"common_name"`
	Country            string `json:"country,omitempty"`
	State              string `json:"state,omitempty"`
	Locality           string `json:"locality,omitempty"`
	Organization       string `json:"organization,omitempty"`
	OrganizationalUnit string `json:"organizational_unit,omitempty"`
}

type dnAttr struct {
	oid   asn1.ObjectIdentifier
	label string
	value string
}

func (dn DistinguishedName) attrs() []dnAttr {
	return []dnAttr{
		{oidCommonName, "CN", dn.CommonName},
		{oidCountry, "C", dn.Country},
		{oidProvince, "ST", dn.State},
		{oidLocality, "L", dn.Locality},
		{oidOrganization, "O", dn.Organization},
		{oidOrganizationalUnit, "OU", dn.OrganizationalUnit},
	}
}

// Name returns the pkix.Name for dn. Attributes go into ExtraNames so the
// encoded RDN sequence keeps the CN, C, ST, L, O, OU order.
func (dn DistinguishedName) Name() pkix.Name {
	var name pkix.Name
	for _, a := range dn.attrs() {
		if a.value == "" {
			continue
		}
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: a.oid, Value: a.value})
	}
	return name
}

func (dn DistinguishedName) String() string {
	var parts []string
	for _, a := range dn.attrs() {
		if a.value != "" {
			parts = append(parts, a.label+"="+a.value)
		}
	}
	return strings.Join(parts, ", ")
}

// BuildDN trims every attribute of fields and checks it against the DN
// character set. It returns the cleaned name and every problem found.
func BuildDN(fields DistinguishedName) (DistinguishedName, []string) {
	dn := DistinguishedName{
		CommonName:         strings.TrimSpace(fields.CommonName),
		Country:            strings.TrimSpace(fields.Country),
		State:              strings.TrimSpace(fields.State),
		Locality:           strings.TrimSpace(fields.Locality),
		Organization:       strings.TrimSpace(fields.Organization),
		OrganizationalUnit: strings.TrimSpace(fields.OrganizationalUnit),
	}

	var problems []string
	if dn.CommonName == "" {
		problems = append(problems, "the common name is required")
	}
	for _, a := range dn.attrs() {
		if a.value == "" || a.label == "C" {
			continue
		}
		if !dnCharset.MatchString(a.value) {
			problems = append(problems, fmt.Sprintf("the field %s contains invalid characters", a.label))
		}
	}
	if dn.Country != "" && !countryCode.MatchString(dn.Country) {
		problems = append(problems, "the country must be a two-letter upper-case code")
	}
	return dn, problems
}

// ---------------------------------------------------------------------------
// Subject alternative names
// ---------------------------------------------------------------------------

// AltKind is the type of a subject alternative name.
type AltKind string

const (
	AltDNS   AltKind = "DNS"
	AltIP    AltKind = "IP"
	AltEmail AltKind = "email"
	AltURI   AltKind = "URI"
)

// AltName is one subject alternative name.
type AltName struct {
	Kind  AltKind `json:"kind"`
	Value string  `json:"value"`
}

func (a AltName) String() string {
	return string(a.Kind) + ":" + a.Value
}

// ParseAltName parses the "KIND:value" form produced by AltName.String.
func ParseAltName(s string) (AltName, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok {
		return AltName{}, fmt.Errorf("alternative name %q is not of the form TYPE:value", s)
	}
	for _, k := range []AltKind{AltDNS, AltIP, AltEmail, AltURI} {
		if strings.EqualFold(kind, string(k)) {
			return AltName{Kind: k, Value: value}, nil
		}
	}
	return AltName{Kind: AltKind(kind), Value: value}, nil
}

// DefaultAltName derives the SAN a common name implies: IP when cn is an IP
// literal, DNS otherwise. ok is false when cn is empty or a zoned IPv6
// address, which no SAN can carry.
func DefaultAltName(cn string) (AltName, bool) {
	cn = strings.TrimSpace(cn)
	if cn == "" {
		return AltName{}, false
	}
	if addr, err := netip.ParseAddr(cn); err == nil {
		if addr.Zone() != "" {
			return AltName{}, false
		}
		return AltName{Kind: AltIP, Value: cn}, true
	}
	return AltName{Kind: AltDNS, Value: cn}, true
}

// MergeAltNames returns the SAN list for a subject with common name cn: the
// default SAN first, then user in input order. Empty values, values equal
// to the common name, and exact repeats are dropped.
func MergeAltNames(cn string, user []AltName) []AltName {
	cn = strings.TrimSpace(cn)
	var out []AltName
	seen := make(map[AltName]bool)
	if def, ok := DefaultAltName(cn); ok {
		out = append(out, def)
		seen[def] = true
	}
	for _, san := range user {
		san.Value = strings.TrimSpace(san.Value)
		if san.Value == "" || san.Value == cn || seen[san] {
			continue
		}
		seen[san] = true
		out = append(out, san)
	}
	return out
}

var hostnameRE = regexp.MustCompile(`^(\*\.)?([a-zA-Z0-9_]([a-zA-Z0-9_-]{0,61}[a-zA-Z0-9_])?\.)*[a-zA-Z0-9_]([a-zA-Z0-9_-]{0,61}[a-zA-Z0-9_])?\.?$`)

// ValidateAltNames checks each SAN against the rules of its kind. Empty
// values are ignored.
func ValidateAltNames(sans []AltName) []string {
	var problems []string
	for _, san := range sans {
		v := strings.TrimSpace(san.Value)
		if v == "" {
			continue
		}
		switch san.Kind {
		case AltDNS:
			_, ipErr := netip.ParseAddr(v)
			if ipErr == nil || len(v) > 253 || !hostnameRE.MatchString(v) {
				problems = append(problems, fmt.Sprintf("DNS subject alternative name values must be valid hostnames, FQDNs or wildcard domains: %q", v))
			}
		case AltIP:
			if addr, err := netip.ParseAddr(v); err != nil || addr.Zone() != "" {
				problems = append(problems, fmt.Sprintf("IP subject alternative name values must be valid IP addresses: %q", v))
			}
		case AltEmail:
			if !isASCII(v) || strings.ContainsAny(v, "!#$%^()~?><&/\\,\"'") {
				problems = append(problems, fmt.Sprintf("the email provided in a subject alternative name contains invalid characters: %q", v))
			}
		case AltURI:
			u, err := url.Parse(v)
			if err != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
				problems = append(problems, fmt.Sprintf("URI subject alternative name types must be a valid URI: %q", v))
			}
		default:
			problems = append(problems, fmt.Sprintf("unrecognized subject alternative name type %q", san.Kind))
		}
	}
	return problems
}

// CertificateAltNames lists the SANs embedded in cert in encoded order.
func CertificateAltNames(cert *x509.Certificate) []AltName {
	if ext, ok := findExtension(cert.Extensions, oidSubjectAltName); ok {
		if sans, err := parseAltNameExtension(ext.Value); err == nil {
			return sans
		}
	}
	return collectAltNames(cert.DNSNames, cert.IPAddresses, cert.EmailAddresses, cert.URIs)
}

// RequestAltNames lists the SANs requested by csr in encoded order.
func RequestAltNames(csr *x509.CertificateRequest) []AltName {
	if ext, ok := findExtension(csr.Extensions, oidSubjectAltName); ok {
		if sans, err := parseAltNameExtension(ext.Value); err == nil {
			return sans
		}
	}
	return collectAltNames(csr.DNSNames, csr.IPAddresses, csr.EmailAddresses, csr.URIs)
}

func collectAltNames(dns []string, ips []net.IP, emails []string, uris []*url.URL) []AltName {
	var out []AltName
	for _, d := range dns {
		out = append(out, AltName{Kind: AltDNS, Value: d})
	}
	for _, ip := range ips {
		out = append(out, AltName{Kind: AltIP, Value: ip.String()})
	}
	for _, e := range emails {
		out = append(out, AltName{Kind: AltEmail, Value: e})
	}
	for _, u := range uris {
		out = append(out, AltName{Kind: AltURI, Value: u.String()})
	}
	return out
}
