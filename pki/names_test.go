package pki_test

import (
	"testing"

	"github.com/jmcleod/ironcert/pki"
	"github.com/stretchr/testify/assert"
)

func TestBuildDN(t *testing.T) {
	dn, problems := pki.BuildDN(pki.DistinguishedName{
		CommonName:   "  host.example.com ",
		Country:      "US",
		Organization: "Acme, Inc.",
	})
	assert.Empty(t, problems)
	assert.Equal(t, "host.example.com", dn.CommonName)
	assert.Equal(t, "CN=host.example.com, C=US, O=Acme, Inc.", dn.String())

	_, problems = pki.BuildDN(pki.DistinguishedName{
		Country:            "usa",
		Locality:           "Zürich",
		OrganizationalUnit: "ok",
	})
	assert.Len(t, problems, 3, "missing CN, bad locality, bad country: %v", problems)
}

func TestDefaultAltName(t *testing.T) {
	san, ok := pki.DefaultAltName("192.0.2.10")
	assert.True(t, ok)
	assert.Equal(t, pki.AltName{Kind: pki.AltIP, Value: "192.0.2.10"}, san)

	san, ok = pki.DefaultAltName("vpn.example.com")
	assert.True(t, ok)
	assert.Equal(t, pki.AltName{Kind: pki.AltDNS, Value: "vpn.example.com"}, san)

	_, ok = pki.DefaultAltName("")
	assert.False(t, ok)

	_, ok = pki.DefaultAltName("fe80::1%eth0")
	assert.False(t, ok)
	assert.Empty(t, pki.MergeAltNames("fe80::1%eth0", nil))
}

func TestMergeAltNames(t *testing.T) {
	merged := pki.MergeAltNames("www.example.com", []pki.AltName{
		{Kind: pki.AltDNS, Value: "www.example.com"},
		{Kind: pki.AltDNS, Value: ""},
		{Kind: pki.AltIP, Value: "10.0.0.1"},
		{Kind: pki.AltEmail, Value: "ops@example.com"},
		{Kind: pki.AltIP, Value: "10.0.0.1"},
	})
	assert.Equal(t, []pki.AltName{
		{Kind: pki.AltDNS, Value: "www.example.com"},
		{Kind: pki.AltIP, Value: "10.0.0.1"},
		{Kind: pki.AltEmail, Value: "ops@example.com"},
	}, merged)

	assert.Equal(t, []pki.AltName{{Kind: pki.AltDNS, Value: "solo"}}, pki.MergeAltNames("solo", nil))
}

func TestValidateAltNames(t *testing.T) {
	tests := []struct {
		name  string
		san   pki.AltName
		valid bool
	}{
		{"DNSHostname", pki.AltName{Kind: pki.AltDNS, Value: "host"}, true},
		{"DNSWildcard", pki.AltName{Kind: pki.AltDNS, Value: "*.example.com"}, true},
		{"DNSIsIP", pki.AltName{Kind: pki.AltDNS, Value: "10.1.1.1"}, false},
		{"DNSBadChars", pki.AltName{Kind: pki.AltDNS, Value: "bad host"}, false},
		{"IPv6", pki.AltName{Kind: pki.AltIP, Value: "2001:db8::1"}, true},
		{"IPInvalid", pki.AltName{Kind: pki.AltIP, Value: "300.1.1.1"}, false},
		{"IPZoned", pki.AltName{Kind: pki.AltIP, Value: "fe80::1%eth0"}, false},
		{"Email", pki.AltName{Kind: pki.AltEmail, Value: "ops@example.com"}, true},
		{"EmailBadChars", pki.AltName{Kind: pki.AltEmail, Value: "o'brien@example.com"}, false},
		{"EmailNonASCII", pki.AltName{Kind: pki.AltEmail, Value: "józef@example.com"}, false},
		{"URI", pki.AltName{Kind: pki.AltURI, Value: "https://example.com/path"}, true},
		{"URINoScheme", pki.AltName{Kind: pki.AltURI, Value: "example.com/path"}, false},
		{"UnknownKind", pki.AltName{Kind: "RID", Value: "1.2.3"}, false},
		{"EmptyIgnored", pki.AltName{Kind: "RID", Value: " "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := pki.ValidateAltNames([]pki.AltName{tt.san})
			if tt.valid {
				assert.Empty(t, problems)
			} else {
				assert.Len(t, problems, 1)
			}
		})
	}
}

func TestParseAltName(t *testing.T) {
	san, err := pki.ParseAltName("dns:example.com")
	assert.NoError(t, err)
	assert.Equal(t, pki.AltName{Kind: pki.AltDNS, Value: "example.com"}, san)

	san, err = pki.ParseAltName("URI:urn:example:thing")
	assert.NoError(t, err)
	assert.Equal(t, pki.AltName{Kind: pki.AltURI, Value: "urn:example:thing"}, san)

	_, err = pki.ParseAltName("no-separator")
	assert.Error(t, err)
}
