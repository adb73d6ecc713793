package pki

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// CertType selects the key usage and extended key usage a certificate
// carries.
type CertType string

const (
	TypeServer CertType = "server"
	TypeUser   CertType = "user"
	TypeCA     CertType = "ca"
)

// oidIKEIntermediate is the IPsec IKE intermediate EKU that IKE peers expect
// on server certificates.
var oidIKEIntermediate = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 8, 2, 2}

// Issuer is a CA able to sign: its certificate, a signer for its private
// key, and the last serial number it issued.
type Issuer struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
	Serial      int64
}

// NextSerial advances the issuer's serial counter and returns the new value.
func (i *Issuer) NextSerial() *big.Int {
	i.Serial++
	return big.NewInt(i.Serial)
}

func (i *Issuer) check() error {
	if i == nil || i.Certificate == nil || i.Signer == nil {
		return fmt.Errorf("%w: issuer has no private key", ErrSigning)
	}
	if !publicKeysEqual(i.Certificate.PublicKey, i.Signer.Public()) {
		return fmt.Errorf("%w: issuer key does not match issuer certificate", ErrSigning)
	}
	return nil
}

// IssuedBy reports whether cert names ca as its issuer and carries ca's
// signature. SHA-1 signatures are accepted: digest strength is a policy
// question, not a linkage one.
func IssuedBy(cert, ca *x509.Certificate) bool {
	if cert == nil || ca == nil || !bytes.Equal(cert.RawIssuer, ca.RawSubject) {
		return false
	}
	return ca.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// SignParams holds the inputs to SignCSR.
type SignParams struct {
	CSR          *x509.CertificateRequest
	Issuer       *Issuer
	LifetimeDays int
	Type         CertType
	// AltNames replaces whatever SANs the CSR requested.
	AltNames []AltName
	Digest   Digest
	Now      time.Time
}

// SignCSR issues a certificate for the CSR's subject and public key. The
// issuer's serial counter is advanced and the new value used as the serial.
func SignCSR(p SignParams) ([]byte, error) {
	if p.CSR == nil {
		return nil, fmt.Errorf("%w: no CSR", ErrSigning)
	}
	if err := p.CSR.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: CSR signature invalid: %v", ErrSigning, err)
	}
	if err := p.Issuer.check(); err != nil {
		return nil, err
	}
	template, err := newTemplate(p.Type, p.CSR.PublicKey, p.AltNames, p.LifetimeDays, p.Now)
	if err != nil {
		return nil, err
	}
	template.RawSubject = p.CSR.RawSubject
	return issue(template, p.CSR.PublicKey, p.Issuer, p.Digest)
}

// IssueParams holds the inputs to SelfIssue.
type IssueParams struct {
	Signer       crypto.Signer
	DN           DistinguishedName
	AltNames     []AltName
	LifetimeDays int
	Type         CertType
	Digest       Digest
	// Issuer signs the certificate. When nil the certificate is self-signed.
	Issuer *Issuer
	Now    time.Time
}

// SelfIssue issues a certificate for Signer's public key without a CSR,
// either self-signed or signed by Issuer.
func SelfIssue(p IssueParams) ([]byte, error) {
	if p.Signer == nil {
		return nil, fmt.Errorf("%w: no subject key", ErrSigning)
	}
	template, err := newTemplate(p.Type, p.Signer.Public(), p.AltNames, p.LifetimeDays, p.Now)
	if err != nil {
		return nil, err
	}
	template.Subject = p.DN.Name()
	if p.Issuer != nil {
		if err := p.Issuer.check(); err != nil {
			return nil, err
		}
		return issue(template, p.Signer.Public(), p.Issuer, p.Digest)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template.SerialNumber = serial
	return create(template, template, p.Signer.Public(), p.Signer, p.Digest)
}

// Reissue signs a new certificate carrying old's subject, SANs and usages
// for pub, with a fresh validity window. A nil issuer self-signs with
// selfSigner.
func Reissue(old *x509.Certificate, pub crypto.PublicKey, issuer *Issuer, selfSigner crypto.Signer, lifetimeDays int, digest Digest, now time.Time) ([]byte, error) {
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Second)
	template := &x509.Certificate{
		RawSubject:            old.RawSubject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, lifetimeDays),
		KeyUsage:              old.KeyUsage,
		ExtKeyUsage:           old.ExtKeyUsage,
		UnknownExtKeyUsage:    old.UnknownExtKeyUsage,
		BasicConstraintsValid: old.BasicConstraintsValid,
		IsCA:                  old.IsCA,
	}
	if ext, ok := findExtension(old.Extensions, oidSubjectAltName); ok {
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}
	if issuer != nil {
		if err := issuer.check(); err != nil {
			return nil, err
		}
		return issue(template, pub, issuer, digest)
	}
	if selfSigner == nil || !publicKeysEqual(pub, selfSigner.Public()) {
		return nil, fmt.Errorf("%w: self-signed renewal needs the subject key", ErrSigning)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template.SerialNumber = serial
	return create(template, template, pub, selfSigner, digest)
}

func newTemplate(typ CertType, pub crypto.PublicKey, sans []AltName, lifetimeDays int, now time.Time) (*x509.Certificate, error) {
	if lifetimeDays <= 0 {
		return nil, fmt.Errorf("%w: lifetime must be positive, got %d days", ErrSigning, lifetimeDays)
	}
	sanExt, hasSANs, err := altNameExtension(sans)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Second)

	template := &x509.Certificate{
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, lifetimeDays),
		BasicConstraintsValid: true,
	}
	if hasSANs {
		template.ExtraExtensions = append(template.ExtraExtensions, sanExt)
	}

	_, isRSA := pub.(*rsa.PublicKey)
	switch typ {
	case TypeServer:
		template.KeyUsage = x509.KeyUsageDigitalSignature
		if isRSA {
			template.KeyUsage |= x509.KeyUsageKeyEncipherment
		}
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		template.UnknownExtKeyUsage = []asn1.ObjectIdentifier{oidIKEIntermediate}
	case TypeUser:
		template.KeyUsage = x509.KeyUsageDigitalSignature
		if isRSA {
			template.KeyUsage |= x509.KeyUsageKeyEncipherment
		}
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	case TypeCA:
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		template.IsCA = true
	default:
		return nil, fmt.Errorf("%w: unknown certificate type %q", ErrSigning, typ)
	}
	return template, nil
}

func issue(template *x509.Certificate, pub crypto.PublicKey, issuer *Issuer, digest Digest) ([]byte, error) {
	template.SerialNumber = issuer.NextSerial()
	return create(template, issuer.Certificate, pub, issuer.Signer, digest)
}

func create(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer, digest Digest) ([]byte, error) {
	sigAlg, err := SignatureAlgorithm(digest, signer.Public())
	if err != nil {
		return nil, err
	}
	template.SignatureAlgorithm = sigAlg
	markAltNamesCritical(template)
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return der, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("%w: generating serial: %v", ErrSigning, err)
	}
	return serial.Add(serial, big.NewInt(1)), nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	fa, errA := PublicKeyFingerprintOf(a)
	fb, errB := PublicKeyFingerprintOf(b)
	return errA == nil && errB == nil && bytes.Equal(fa, fb)
}
