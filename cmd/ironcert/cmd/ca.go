package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironcert/certmgr"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage certificate authorities",
}

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificate authorities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			cas, err := mgr.CAs()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REF\tDESCR\tSIGNS\tSERIAL\tEXPIRES")
			for _, ca := range cas {
				expires := "-"
				if cert, err := ca.ParseCertificate(); err == nil {
					expires = cert.NotAfter.Format("2006-01-02")
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\n", ca.RefID, ca.Descr, ca.CanSign(), ca.Serial, expires)
			}
			return tw.Flush()
		})
	},
}

var (
	caImportDescr    string
	caImportCertFile string
	caImportKeyFile  string
	caImportSerial   int64
)

var caImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a CA certificate, optionally with its key so it can sign",
	RunE: func(cmd *cobra.Command, args []string) error {
		certPEM, err := readPEMFile(caImportCertFile)
		if err != nil {
			return err
		}
		keyPEM, err := readPEMFile(caImportKeyFile)
		if err != nil {
			return err
		}
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			ca, err := mgr.ImportCA(cmd.Context(), certmgr.CAImportRequest{
				Descr:   caImportDescr,
				CertPEM: certPEM,
				KeyPEM:  keyPEM,
				Serial:  caImportSerial,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Imported CA %s (%s), can sign: %t\n", ca.Descr, ca.RefID, ca.CanSign())
			return nil
		})
	},
}

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Manage certificate revocation lists",
}

var crlListCmd = &cobra.Command{
	Use:   "list",
	Short: "List internal CRLs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			crls, err := mgr.CRLs()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REF\tDESCR\tCA\tNUMBER\tREVOKED")
			for _, crl := range crls {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", crl.RefID, crl.Descr, crl.CARef, crl.Number, len(crl.Entries))
			}
			return tw.Flush()
		})
	},
}

var crlPublishOut string

var crlPublishCmd = &cobra.Command{
	Use:   "publish REF",
	Short: "Sign a CRL under its next number and write it as PEM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
			exp, err := mgr.GenerateCRL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := crlPublishOut
			if out == "" {
				out = exp.Filename
			}
			if out == "-" {
				_, err = os.Stdout.Write(exp.Data)
				return err
			}
			if err := os.WriteFile(out, exp.Data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Printf("Wrote %s\n", out)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(caCmd, crlCmd)
	caCmd.AddCommand(caListCmd, caImportCmd)
	crlCmd.AddCommand(crlListCmd, crlPublishCmd)

	caImportCmd.Flags().StringVar(&caImportDescr, "descr", "", "Descriptive name")
	caImportCmd.Flags().StringVar(&caImportCertFile, "cert-file", "", "PEM CA certificate")
	caImportCmd.Flags().StringVar(&caImportKeyFile, "key-file", "", "PEM CA private key")
	caImportCmd.Flags().Int64Var(&caImportSerial, "serial", 0, "Last serial number the CA issued")

	crlPublishCmd.Flags().StringVarP(&crlPublishOut, "out", "o", "", "Output file, or - for stdout")
}
