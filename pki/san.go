package pki

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// GeneralName tags (RFC 5280, 4.2.1.6).
var (
	tagEmail = cbasn1.Tag(1).ContextSpecific()
	tagDNS   = cbasn1.Tag(2).ContextSpecific()
	tagURI   = cbasn1.Tag(6).ContextSpecific()
	tagIP    = cbasn1.Tag(7).ContextSpecific()
)

// emptyName is the DER encoding of an empty distinguished name.
var emptyName = []byte{0x30, 0x00}

// altNameExtension encodes sans as a subjectAltName extension in the order
// given. crypto/x509 groups names by kind when it builds the extension
// itself. ok is false when sans is empty.
func altNameExtension(sans []AltName) (ext pkix.Extension, ok bool, err error) {
	if len(sans) == 0 {
		return pkix.Extension{}, false, nil
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, san := range sans {
			tag, value, vErr := encodeAltName(san)
			if vErr != nil {
				b.SetError(vErr)
				return
			}
			b.AddASN1(tag, func(b *cryptobyte.Builder) {
				b.AddBytes(value)
			})
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, false, err
	}
	return pkix.Extension{Id: oidSubjectAltName, Value: der}, true, nil
}

func encodeAltName(san AltName) (cbasn1.Tag, []byte, error) {
	switch san.Kind {
	case AltDNS:
		if !isASCII(san.Value) {
			return 0, nil, fmt.Errorf("DNS alternative name %q is not ASCII", san.Value)
		}
		return tagDNS, []byte(san.Value), nil
	case AltEmail:
		if !isASCII(san.Value) {
			return 0, nil, fmt.Errorf("email alternative name %q is not ASCII", san.Value)
		}
		return tagEmail, []byte(san.Value), nil
	case AltIP:
		ip := net.ParseIP(san.Value)
		if ip == nil {
			return 0, nil, fmt.Errorf("invalid IP alternative name %q", san.Value)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		return tagIP, ip, nil
	case AltURI:
		u, err := url.Parse(san.Value)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid URI alternative name %q: %v", san.Value, err)
		}
		if !isASCII(u.String()) {
			return 0, nil, fmt.Errorf("URI alternative name %q is not ASCII", san.Value)
		}
		return tagURI, []byte(u.String()), nil
	default:
		return 0, nil, fmt.Errorf("unrecognized alternative name type %q", san.Kind)
	}
}

// parseAltNameExtension decodes the SANs of a subjectAltName extension in
// encoded order. Name forms other than DNS, IP, email and URI are skipped.
func parseAltNameExtension(der []byte) ([]AltName, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("malformed subjectAltName extension")
	}
	var out []AltName
	for !seq.Empty() {
		var value cryptobyte.String
		var tag cbasn1.Tag
		if !seq.ReadAnyASN1(&value, &tag) {
			return nil, fmt.Errorf("malformed subjectAltName entry")
		}
		switch tag {
		case tagDNS:
			out = append(out, AltName{Kind: AltDNS, Value: string(value)})
		case tagEmail:
			out = append(out, AltName{Kind: AltEmail, Value: string(value)})
		case tagURI:
			out = append(out, AltName{Kind: AltURI, Value: string(value)})
		case tagIP:
			if len(value) != net.IPv4len && len(value) != net.IPv6len {
				return nil, fmt.Errorf("malformed IP alternative name of %d bytes", len(value))
			}
			out = append(out, AltName{Kind: AltIP, Value: net.IP(value).String()})
		}
	}
	return out, nil
}

func findExtension(exts []pkix.Extension, id asn1.ObjectIdentifier) (pkix.Extension, bool) {
	for _, ext := range exts {
		if ext.Id.Equal(id) {
			return ext, true
		}
	}
	return pkix.Extension{}, false
}

// markAltNamesCritical sets the subjectAltName extension critical when the
// template's subject is empty, as RFC 5280 requires.
func markAltNamesCritical(template *x509.Certificate) {
	empty := len(template.Subject.ToRDNSequence()) == 0
	if template.RawSubject != nil {
		empty = bytes.Equal(template.RawSubject, emptyName)
	}
	if !empty {
		return
	}
	for i := range template.ExtraExtensions {
		if template.ExtraExtensions[i].Id.Equal(oidSubjectAltName) {
			template.ExtraExtensions[i].Critical = true
		}
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
