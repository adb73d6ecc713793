package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironcert/certmgr"
	"github.com/jmcleod/ironcert/internal/util"
	"github.com/jmcleod/ironcert/pki"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage certificates",
}

// withManager opens the configured store for the duration of fn.
func withManager(ctx context.Context, fn func(*certmgr.Manager) error) error {
	mgr, closeStore, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(mgr)
}

// subjectFlags are the key and subject options shared by the commands that
// generate a key pair.
type subjectFlags struct {
	keyType  string
	keyBits  int
	curve    string
	digest   string
	certType string
	dn       pki.DistinguishedName
	sans     []string
	owner    string
}

func (f *subjectFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.keyType, "key-type", "", "Key type: RSA or ECDSA (default from policy)")
	fl.IntVar(&f.keyBits, "key-bits", 0, "RSA key length")
	fl.StringVar(&f.curve, "curve", "", "ECDSA curve (prime256v1, secp384r1, secp521r1)")
	fl.StringVar(&f.digest, "digest", "", "Signature digest (sha256, sha384, sha512)")
	fl.StringVar(&f.certType, "type", "", "Certificate type: server, user or ca")
	fl.StringVar(&f.dn.CommonName, "cn", "", "Subject common name")
	fl.StringVar(&f.dn.Country, "country", "", "Subject country code")
	fl.StringVar(&f.dn.State, "state", "", "Subject state or province")
	fl.StringVar(&f.dn.Locality, "locality", "", "Subject city")
	fl.StringVar(&f.dn.Organization, "org", "", "Subject organization")
	fl.StringVar(&f.dn.OrganizationalUnit, "ou", "", "Subject organizational unit")
	fl.StringArrayVar(&f.sans, "san", nil, "Subject alternative name as TYPE:value (repeatable)")
	fl.StringVar(&f.owner, "owner", "", "Attach the new certificate to this user")
}

func (f *subjectFlags) keySpec() pki.KeySpec {
	return pki.KeySpec{Type: pki.KeyType(f.keyType), Bits: f.keyBits, Curve: f.curve}
}

func parseAltNames(values []string) ([]pki.AltName, error) {
	out := make([]pki.AltName, 0, len(values))
	for _, v := range values {
		san, err := pki.ParseAltName(v)
		if err != nil {
			return nil, err
		}
		out = append(out, san)
	}
	return out, nil
}

// readPEMFile returns the contents of path, or "" when path is empty.
func readPEMFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// passwordFromEnv reads a password from the named environment variable so
// it stays out of the process list and shell history.
func passwordFromEnv(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	pw, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return pw, nil
}

func printRecord(rec *certmgr.Record) {
	fmt.Printf("Ref:    %s\n", rec.RefID)
	fmt.Printf("Descr:  %s\n", rec.Descr)
	fmt.Printf("State:  %s\n", rec.State())
	if rec.CARef != "" {
		fmt.Printf("CA:     %s\n", rec.CARef)
	}
	if len(rec.Certificate) == 0 {
		return
	}
	cert, err := rec.ParseCertificate()
	if err != nil {
		fmt.Printf("Certificate: unreadable (%v)\n", err)
		return
	}
	fmt.Printf("Subject: %s\n", cert.Subject)
	fmt.Printf("Issuer:  %s\n", cert.Issuer)
	fmt.Printf("Serial:  %s\n", cert.SerialNumber)
	fmt.Printf("Valid:   %s to %s\n", cert.NotBefore.Format("2006-01-02"), cert.NotAfter.Format("2006-01-02"))
	fmt.Printf("Key:     %s\n", pki.DescribeKey(cert.PublicKey))
	for _, san := range pki.CertificateAltNames(cert) {
		fmt.Printf("SAN:     %s\n", san)
	}
	fmt.Printf("SHA-256: %s\n", util.ColonHex(pki.CertificateFingerprint(cert.Raw)))
}

// ---------------------------------------------------------------------------
// list / show
// ---------------------------------------------------------------------------

var certListState string

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificate records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			certs, err := mgr.Certs()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REF\tDESCR\tSTATE\tEXPIRES")
			for _, rec := range certs {
				if certListState != "" && string(rec.State()) != certListState {
					continue
				}
				expires := "-"
				if cert, err := rec.ParseCertificate(); err == nil {
					expires = cert.NotAfter.Format("2006-01-02")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.RefID, rec.Descr, rec.State(), expires)
			}
			return tw.Flush()
		})
	},
}

var certShowCmd = &cobra.Command{
	Use:   "show REF",
	Short: "Show a certificate record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			rec, _, err := mgr.LookupCert(args[0])
			if err != nil {
				return err
			}
			printRecord(rec)
			consumers, err := mgr.Usage(cmd.Context(), rec.RefID)
			if err != nil {
				return err
			}
			for _, c := range consumers {
				fmt.Printf("In use:  %s\n", c)
			}
			return nil
		})
	},
}

// ---------------------------------------------------------------------------
// create / csr / sign / complete
// ---------------------------------------------------------------------------

var (
	createFlags    subjectFlags
	createDescr    string
	createCARef    string
	createLifetime int
)

var certCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a key pair and a certificate signed by an internal CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		sans, err := parseAltNames(createFlags.sans)
		if err != nil {
			return err
		}
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			rec, err := mgr.CreateInternal(cmd.Context(), certmgr.InternalRequest{
				Descr:        createDescr,
				CARef:        createCARef,
				Key:          createFlags.keySpec(),
				Digest:       createFlags.digest,
				Type:         pki.CertType(createFlags.certType),
				LifetimeDays: createLifetime,
				DN:           createFlags.dn,
				AltNames:     sans,
				Owner:        createFlags.owner,
			})
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		})
	},
}

var (
	csrFlags subjectFlags
	csrDescr string
)

var certCSRCmd = &cobra.Command{
	Use:   "csr",
	Short: "Create a key pair and a signing request for an external CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		sans, err := parseAltNames(csrFlags.sans)
		if err != nil {
			return err
		}
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			rec, err := mgr.CreateExternal(cmd.Context(), certmgr.ExternalRequest{
				Descr:    csrDescr,
				Key:      csrFlags.keySpec(),
				Digest:   csrFlags.digest,
				Type:     pki.CertType(csrFlags.certType),
				DN:       csrFlags.dn,
				AltNames: sans,
				Owner:    csrFlags.owner,
			})
			if err != nil {
				return err
			}
			printRecord(rec)
			fmt.Println()
			fmt.Print(string(pki.EncodeCSRPEM(rec.CSR)))
			return nil
		})
	},
}

var (
	signDescr    string
	signCARef    string
	signCSRRef   string
	signCSRFile  string
	signKeyFile  string
	signType     string
	signLifetime int
	signDigest   string
	signSANs     []string
	signOwner    string
)

var certSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a stored or pasted CSR with an internal CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		sans, err := parseAltNames(signSANs)
		if err != nil {
			return err
		}
		csrPEM, err := readPEMFile(signCSRFile)
		if err != nil {
			return err
		}
		keyPEM, err := readPEMFile(signKeyFile)
		if err != nil {
			return err
		}
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			rec, err := mgr.SignCSR(cmd.Context(), certmgr.SignRequest{
				Descr:        signDescr,
				CARef:        signCARef,
				CSRRef:       signCSRRef,
				CSRPEM:       csrPEM,
				KeyPEM:       keyPEM,
				Type:         pki.CertType(signType),
				LifetimeDays: signLifetime,
				Digest:       signDigest,
				AltNames:     sans,
				Owner:        signOwner,
			})
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		})
	},
}

var (
	completeDescr    string
	completeCertFile string
)

var certCompleteCmd = &cobra.Command{
	Use:   "complete REF",
	Short: "Attach the certificate an external CA issued for a pending CSR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		certPEM, err := readPEMFile(completeCertFile)
		if err != nil {
			return err
		}
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			descr := completeDescr
			if descr == "" {
				rec, _, err := mgr.LookupCert(args[0])
				if err != nil {
					return err
				}
				descr = rec.Descr
			}
			rec, err := mgr.CompleteCSR(cmd.Context(), args[0], descr, certPEM)
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		})
	},
}

// ---------------------------------------------------------------------------
// import / edit / attach
// ---------------------------------------------------------------------------

var (
	importDescr         string
	importCertFile      string
	importKeyFile       string
	importPKCS12File    string
	importPasswordEnv   string
	importIntermediates bool
	importOwner         string
)

var certImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a certificate and key from PEM files or a PKCS #12 bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := certmgr.ImportRequest{
			Descr:                importDescr,
			ExtractIntermediates: importIntermediates,
			Owner:                importOwner,
		}
		var err error
		if importPKCS12File != "" {
			req.PKCS12, err = os.ReadFile(importPKCS12File)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", importPKCS12File, err)
			}
			defer util.WipeBytes(req.PKCS12)
			if req.Password, err = passwordFromEnv(importPasswordEnv); err != nil {
				return err
			}
		} else {
			if req.CertPEM, err = readPEMFile(importCertFile); err != nil {
				return err
			}
			if req.KeyPEM, err = readPEMFile(importKeyFile); err != nil {
				return err
			}
		}
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			rec, err := mgr.Import(cmd.Context(), req)
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		})
	},
}

var (
	editDescr    string
	editCertFile string
	editKeyFile  string
)

var certEditCmd = &cobra.Command{
	Use:   "edit REF",
	Short: "Replace the description, certificate or key of a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPEM, err := readPEMFile(editKeyFile)
		if err != nil {
			return err
		}
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			rec, _, err := mgr.LookupCert(args[0])
			if err != nil {
				return err
			}
			req := certmgr.EditRequest{RefID: rec.RefID, Descr: rec.Descr, KeyPEM: keyPEM}
			if editDescr != "" {
				req.Descr = editDescr
			}
			if editCertFile != "" {
				if req.CertPEM, err = readPEMFile(editCertFile); err != nil {
					return err
				}
			} else if len(rec.Certificate) > 0 {
				req.CertPEM = string(pki.EncodeCertificatePEM(rec.Certificate))
			}
			updated, err := mgr.Edit(cmd.Context(), req)
			if err != nil {
				return err
			}
			printRecord(updated)
			return nil
		})
	},
}

var attachUser string

var certAttachCmd = &cobra.Command{
	Use:   "attach REF",
	Short: "Attach an existing certificate to a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			rec, err := mgr.AttachExisting(cmd.Context(), certmgr.ExistingRequest{Owner: attachUser, CertRef: args[0]})
			if err != nil {
				return err
			}
			fmt.Printf("Attached %s to user %s\n", rec.Descr, attachUser)
			return nil
		})
	},
}

// ---------------------------------------------------------------------------
// export / delete / renew / revoke
// ---------------------------------------------------------------------------

var (
	exportFormat      string
	exportPasswordEnv string
	exportLevel       string
	exportOut         string
)

var certExportCmd = &cobra.Command{
	Use:   "export REF",
	Short: "Export a certificate, CSR, private key or PKCS #12 bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := passwordFromEnv(exportPasswordEnv)
		if err != nil {
			return err
		}
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			var exp *certmgr.Export
			switch exportFormat {
			case "crt":
				exp, err = mgr.ExportCert(cmd.Context(), args[0])
			case "req":
				exp, err = mgr.ExportCSR(cmd.Context(), args[0])
			case "key":
				exp, err = mgr.ExportKey(cmd.Context(), args[0], password)
			case "p12":
				exp, err = mgr.ExportPKCS12(cmd.Context(), args[0], password, exportLevel)
			default:
				return fmt.Errorf("unknown export format %q", exportFormat)
			}
			if err != nil {
				return err
			}
			out := exportOut
			if out == "" {
				out = exp.Filename
			}
			if out == "-" {
				_, err = os.Stdout.Write(exp.Data)
				return err
			}
			if err := os.WriteFile(out, exp.Data, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Printf("Wrote %s\n", out)
			return nil
		})
	},
}

var certDeleteCmd = &cobra.Command{
	Use:   "delete REF",
	Short: "Delete a certificate record that nothing uses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			if err := mgr.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}

var renewOpts certmgr.RenewOptions

var certRenewCmd = &cobra.Command{
	Use:   "renew REF",
	Short: "Reissue a certificate in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			rec, err := mgr.Renew(cmd.Context(), args[0], renewOpts)
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		})
	},
}

var (
	revokeCRLRef string
	revokeReason string
)

var certRevokeCmd = &cobra.Command{
	Use:   "revoke REF",
	Short: "Add a certificate to an internal CRL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			crl, err := mgr.Revoke(cmd.Context(), certmgr.RevokeRequest{
				CertRef: args[0],
				CRLRef:  revokeCRLRef,
				Reason:  revokeReason,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Revoked %s on CRL %s (%s)\n", args[0], crl.Descr, crl.RefID)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certListCmd, certShowCmd, certCreateCmd, certCSRCmd, certSignCmd,
		certCompleteCmd, certImportCmd, certEditCmd, certAttachCmd, certExportCmd,
		certDeleteCmd, certRenewCmd, certRevokeCmd)

	certListCmd.Flags().StringVar(&certListState, "state", "", "Only list records in this state (private-key-only, csr-pending, complete)")

	createFlags.bind(certCreateCmd)
	certCreateCmd.Flags().StringVar(&createDescr, "descr", "", "Descriptive name")
	certCreateCmd.Flags().StringVar(&createCARef, "ca", "", "Ref of the signing CA")
	certCreateCmd.Flags().IntVar(&createLifetime, "lifetime", 0, "Lifetime in days (default from policy)")

	csrFlags.bind(certCSRCmd)
	certCSRCmd.Flags().StringVar(&csrDescr, "descr", "", "Descriptive name")

	fl := certSignCmd.Flags()
	fl.StringVar(&signDescr, "descr", "", "Descriptive name")
	fl.StringVar(&signCARef, "ca", "", "Ref of the signing CA")
	fl.StringVar(&signCSRRef, "csr-ref", "", "Ref of a stored pending CSR")
	fl.StringVar(&signCSRFile, "csr-file", "", "PEM CSR to sign")
	fl.StringVar(&signKeyFile, "key-file", "", "PEM private key matching the CSR, stored with the result")
	fl.StringVar(&signType, "type", "", "Certificate type: server, user or ca")
	fl.IntVar(&signLifetime, "lifetime", 0, "Lifetime in days (default from policy)")
	fl.StringVar(&signDigest, "digest", "", "Signature digest")
	fl.StringArrayVar(&signSANs, "san", nil, "Subject alternative name as TYPE:value (repeatable)")
	fl.StringVar(&signOwner, "owner", "", "Attach the new certificate to this user")

	certCompleteCmd.Flags().StringVar(&completeDescr, "descr", "", "New description (default keeps the current one)")
	certCompleteCmd.Flags().StringVar(&completeCertFile, "cert-file", "", "PEM certificate issued for the CSR")

	fl = certImportCmd.Flags()
	fl.StringVar(&importDescr, "descr", "", "Descriptive name")
	fl.StringVar(&importCertFile, "cert-file", "", "PEM certificate")
	fl.StringVar(&importKeyFile, "key-file", "", "PEM private key")
	fl.StringVar(&importPKCS12File, "pkcs12-file", "", "PKCS #12 bundle")
	fl.StringVar(&importPasswordEnv, "password-env", "", "Environment variable holding the PKCS #12 password")
	fl.BoolVar(&importIntermediates, "intermediates", false, "Store the bundle's extra certificates as CAs")
	fl.StringVar(&importOwner, "owner", "", "Attach the imported certificate to this user")

	certEditCmd.Flags().StringVar(&editDescr, "descr", "", "New description")
	certEditCmd.Flags().StringVar(&editCertFile, "cert-file", "", "Replacement PEM certificate")
	certEditCmd.Flags().StringVar(&editKeyFile, "key-file", "", "Replacement PEM private key")

	certAttachCmd.Flags().StringVar(&attachUser, "user", "", "User to attach the certificate to")

	fl = certExportCmd.Flags()
	fl.StringVarP(&exportFormat, "format", "f", "crt", "Export format: crt, req, key or p12")
	fl.StringVar(&exportPasswordEnv, "password-env", "", "Environment variable holding the export password")
	fl.StringVar(&exportLevel, "level", "", "PKCS #12 encryption level: high, low or legacy")
	fl.StringVarP(&exportOut, "out", "o", "", "Output file, or - for stdout (default derived from the description)")

	fl = certRenewCmd.Flags()
	fl.BoolVar(&renewOpts.ReuseKey, "reuse-key", false, "Keep the current key pair")
	fl.BoolVar(&renewOpts.Strict, "strict", false, "Refuse renewals that violate current recommendations")
	fl.IntVar(&renewOpts.LifetimeDays, "lifetime", 0, "Lifetime in days (default keeps the current one)")
	fl.StringVar(&renewOpts.Digest, "digest", "", "Signature digest (default keeps the current one)")

	certRevokeCmd.Flags().StringVar(&revokeCRLRef, "crl", "", "Ref of the CRL (default: the CA's first CRL)")
	certRevokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Revocation reason, e.g. keyCompromise")
}
