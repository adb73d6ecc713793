package certmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmcleod/ironcert/internal/util"
	"github.com/jmcleod/ironcert/pki"
)

// Export is a downloadable blob with a suggested file name.
type Export struct {
	Data        []byte
	Filename    string
	ContentType string
}

const (
	contentTypePEM    = "application/x-pem-file"
	contentTypePKCS12 = "application/x-pkcs12"
)

// exportName turns a description into a file name stem.
func exportName(descr string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, descr)
	if strings.Trim(name, "_.") == "" {
		return "certificate"
	}
	return name
}

func (m *Manager) exportable(ctx context.Context, ref string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, _, err := m.store.LookupCert(ref)
	return rec, err
}

// ExportCert returns the record's certificate as PEM (.crt).
func (m *Manager) ExportCert(ctx context.Context, ref string) (*Export, error) {
	rec, err := m.exportable(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(rec.Certificate) == 0 {
		return nil, fmt.Errorf("certificate %s has no certificate data: %w", rec.Descr, ErrNotFound)
	}
	return &Export{
		Data:        pki.EncodeCertificatePEM(rec.Certificate),
		Filename:    exportName(rec.Descr) + ".crt",
		ContentType: contentTypePEM,
	}, nil
}

// ExportCSR returns the record's signing request as PEM (.req).
func (m *Manager) ExportCSR(ctx context.Context, ref string) (*Export, error) {
	rec, err := m.exportable(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(rec.CSR) == 0 {
		return nil, fmt.Errorf("certificate %s has no signing request: %w", rec.Descr, ErrNotFound)
	}
	return &Export{
		Data:        pki.EncodeCSRPEM(rec.CSR),
		Filename:    exportName(rec.Descr) + ".req",
		ContentType: contentTypePEM,
	}, nil
}

// ExportKey returns the record's private key as PEM (.key), encrypted with
// password unless it is empty.
func (m *Manager) ExportKey(ctx context.Context, ref, password string) (*Export, error) {
	var ps problems
	validateExportPassword(&ps, password)
	if err := ps.err(); err != nil {
		return nil, err
	}
	rec, err := m.exportable(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(rec.PrivateKey) == 0 {
		return nil, fmt.Errorf("certificate %s has no private key: %w", rec.Descr, ErrNotFound)
	}
	data, err := pki.EncryptPrivateKeyPEM(rec.PrivateKey, util.NormalizePassword(password))
	if err != nil {
		return nil, newCryptoError("exporting private key", err)
	}
	m.logger.Info("private key exported",
		slog.String("refid", rec.RefID),
		slog.Bool("encrypted", password != ""))
	return &Export{
		Data:        data,
		Filename:    exportName(rec.Descr) + ".key",
		ContentType: contentTypePEM,
	}, nil
}

// ExportPKCS12 bundles the record's certificate, key and CA chain (.p12).
// level is one of "high", "low" or "legacy"; empty means high. An empty
// password produces an unencrypted archive.
func (m *Manager) ExportPKCS12(ctx context.Context, ref, password, level string) (*Export, error) {
	var ps problems
	validateExportPassword(&ps, password)
	lvl, err := pki.ParseLevel(level)
	if err != nil {
		ps.invalid("please select a valid encryption level (got %q)", level)
	}
	if err := ps.err(); err != nil {
		return nil, err
	}
	rec, err := m.exportable(ctx, ref)
	if err != nil {
		return nil, err
	}
	cert, err := rec.ParseCertificate()
	if err != nil {
		return nil, err
	}
	key, err := rec.Signer()
	if err != nil {
		return nil, err
	}
	chain, err := m.chain(rec.CARef)
	if err != nil {
		return nil, err
	}
	data, err := pki.ExportPKCS12(cert, key, chain, util.NormalizePassword(password), lvl)
	if err != nil {
		return nil, newCryptoError("exporting PKCS #12", err)
	}
	m.logger.Info("PKCS #12 exported",
		slog.String("refid", rec.RefID),
		slog.String("level", string(lvl)),
		slog.Int("chain", len(chain)))
	return &Export{
		Data:        data,
		Filename:    exportName(rec.Descr) + ".p12",
		ContentType: contentTypePKCS12,
	}, nil
}
