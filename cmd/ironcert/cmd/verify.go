package cmd

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironcert/certmgr"
	"github.com/jmcleod/ironcert/pki"
)

// expiryWarning is how far ahead verify warns about expiring certificates.
const expiryWarning = 30 * 24 * time.Hour

// storeSnapshot is the part of the configuration store verify inspects.
type storeSnapshot struct {
	Certs []*certmgr.Record
	CAs   []*certmgr.CARecord
	CRLs  []*certmgr.CRLRecord
}

// ---------------------------------------------------------------------------
// Verification result types
// ---------------------------------------------------------------------------

type verifyResult struct {
	Backend   string        `json:"backend"`
	CertCount int           `json:"cert_count"`
	CACount   int           `json:"ca_count"`
	CRLCount  int           `json:"crl_count"`
	Valid     bool          `json:"valid"`
	Checks    []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *verifyResult) add(name string, problems []string, failing bool) {
	if len(problems) == 0 {
		r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass"})
		return
	}
	status := "warn"
	if failing {
		status = "fail"
		r.Valid = false
	}
	for _, p := range problems {
		r.Checks = append(r.Checks, checkResult{Name: name, Status: status, Detail: p})
	}
}

// ---------------------------------------------------------------------------
// Core verification logic
// ---------------------------------------------------------------------------

func verifyStore(s storeSnapshot, now time.Time) verifyResult {
	result := verifyResult{
		CertCount: len(s.Certs),
		CACount:   len(s.CAs),
		CRLCount:  len(s.CRLs),
		Valid:     true,
	}

	// 1. Unique refids across all record kinds.
	seen := make(map[string]string)
	var dups []string
	note := func(ref, kind string) {
		if prev, ok := seen[ref]; ok {
			dups = append(dups, fmt.Sprintf("refid %s is used by a %s and a %s", ref, prev, kind))
			return
		}
		seen[ref] = kind
	}
	for _, ca := range s.CAs {
		note(ca.RefID, certmgr.KindCA)
	}
	for _, rec := range s.Certs {
		note(rec.RefID, certmgr.KindCert)
	}
	for _, crl := range s.CRLs {
		note(crl.RefID, certmgr.KindCRL)
	}
	result.add("unique_refids", dups, true)

	// 2. Every stored certificate parses.
	caCerts := make(map[string]*x509.Certificate, len(s.CAs))
	certs := make(map[string]*x509.Certificate, len(s.Certs))
	var unreadable []string
	for _, ca := range s.CAs {
		cert, err := ca.ParseCertificate()
		if err != nil {
			unreadable = append(unreadable, fmt.Sprintf("CA %s (%s): %v", ca.Descr, ca.RefID, err))
			continue
		}
		caCerts[ca.RefID] = cert
	}
	for _, rec := range s.Certs {
		if len(rec.Certificate) == 0 {
			continue
		}
		cert, err := rec.ParseCertificate()
		if err != nil {
			unreadable = append(unreadable, fmt.Sprintf("certificate %s (%s): %v", rec.Descr, rec.RefID, err))
			continue
		}
		certs[rec.RefID] = cert
	}
	result.add("certificates_parse", unreadable, true)

	// 3. Stored keys belong to their certificates.
	var mismatched []string
	for _, rec := range s.Certs {
		cert, ok := certs[rec.RefID]
		if !ok || len(rec.PrivateKey) == 0 {
			continue
		}
		if msg := keyMismatch(cert, rec.PrivateKey); msg != "" {
			mismatched = append(mismatched, fmt.Sprintf("certificate %s (%s): %s", rec.Descr, rec.RefID, msg))
		}
	}
	for _, ca := range s.CAs {
		cert, ok := caCerts[ca.RefID]
		if !ok || !ca.CanSign() {
			continue
		}
		if msg := keyMismatch(cert, ca.PrivateKey); msg != "" {
			mismatched = append(mismatched, fmt.Sprintf("CA %s (%s): %s", ca.Descr, ca.RefID, msg))
		}
	}
	result.add("key_pairs_match", mismatched, true)

	// 4. Issuer links resolve and verify.
	var broken []string
	for _, rec := range s.Certs {
		cert, ok := certs[rec.RefID]
		if !ok || rec.CARef == "" {
			continue
		}
		caCert, ok := caCerts[rec.CARef]
		if !ok {
			broken = append(broken, fmt.Sprintf("certificate %s (%s) names unknown CA %s", rec.Descr, rec.RefID, rec.CARef))
			continue
		}
		if !pki.IssuedBy(cert, caCert) {
			broken = append(broken, fmt.Sprintf("certificate %s (%s) is not signed by CA %s", rec.Descr, rec.RefID, rec.CARef))
		}
	}
	result.add("issuer_links", broken, true)

	// 5. CA serial counters are ahead of every serial they issued.
	var behind []string
	for _, ca := range s.CAs {
		var highest int64
		for _, rec := range s.Certs {
			cert, ok := certs[rec.RefID]
			if !ok || rec.CARef != ca.RefID || !cert.SerialNumber.IsInt64() {
				continue
			}
			highest = max(highest, cert.SerialNumber.Int64())
		}
		if highest > ca.Serial {
			behind = append(behind, fmt.Sprintf("CA %s (%s) has serial %d but issued serial %d", ca.Descr, ca.RefID, ca.Serial, highest))
		}
	}
	result.add("ca_serials", behind, true)

	// 6. CRLs belong to known CAs. Entries for deleted certificates only
	// warn: the revocation still stands.
	var orphaned, dangling []string
	for _, crl := range s.CRLs {
		if _, ok := caCerts[crl.CARef]; !ok {
			orphaned = append(orphaned, fmt.Sprintf("CRL %s (%s) names unknown CA %s", crl.Descr, crl.RefID, crl.CARef))
		}
		for _, e := range crl.Entries {
			if _, ok := seen[e.CertRef]; !ok {
				dangling = append(dangling, fmt.Sprintf("CRL %s lists serial %s for deleted certificate %s", crl.Descr, e.Serial, e.CertRef))
			}
		}
	}
	result.add("crl_authorities", orphaned, true)
	result.add("crl_entries", dangling, false)

	// 7. Expiry is a warning, not a hard failure.
	var expiring []string
	for _, rec := range s.Certs {
		cert, ok := certs[rec.RefID]
		if !ok {
			continue
		}
		switch {
		case now.After(cert.NotAfter):
			expiring = append(expiring, fmt.Sprintf("certificate %s (%s) expired on %s", rec.Descr, rec.RefID, cert.NotAfter.Format(time.DateOnly)))
		case cert.NotAfter.Sub(now) < expiryWarning:
			expiring = append(expiring, fmt.Sprintf("certificate %s (%s) expires on %s", rec.Descr, rec.RefID, cert.NotAfter.Format(time.DateOnly)))
		}
	}
	for _, ca := range s.CAs {
		if cert, ok := caCerts[ca.RefID]; ok && now.After(cert.NotAfter) {
			expiring = append(expiring, fmt.Sprintf("CA %s (%s) expired on %s", ca.Descr, ca.RefID, cert.NotAfter.Format(time.DateOnly)))
		}
	}
	result.add("expiry", expiring, false)

	return result
}

// keyMismatch describes why keyDER is not the private key of cert, or
// returns "".
func keyMismatch(cert *x509.Certificate, keyDER []byte) string {
	got, err := pki.PublicKeyFingerprint(keyDER, pki.SourceKey)
	if err != nil {
		return fmt.Sprintf("private key unreadable: %v", err)
	}
	want, err := pki.PublicKeyFingerprintOf(cert.PublicKey)
	if err != nil {
		return err.Error()
	}
	if !bytes.Equal(want, got) {
		return "private key does not match the certificate"
	}
	return ""
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanResult(result verifyResult) {
	fmt.Printf("Configuration store verification (%s)\n", result.Backend)
	fmt.Printf("Certificates: %d  CAs: %d  CRLs: %d\n\n", result.CertCount, result.CACount, result.CRLCount)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
		case "warn":
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Printf("%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Printf("%s %s\n", tag, c.Name)
		}
	}

	fmt.Println()
	if result.Valid {
		fmt.Println("Result: VALID")
		return
	}
	failures, warnings := 0, 0
	for _, c := range result.Checks {
		switch c.Status {
		case "fail":
			failures++
		case "warn":
			warnings++
		}
	}
	fmt.Printf("Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
}

func printJSONResult(result verifyResult) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var verifyJSONOutput bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the configuration store for inconsistent certificate data",
	Long: `Reads every certificate, CA and CRL record and checks that certificates
parse, stored keys match their certificates, issuer links verify, CA serial
counters are ahead of the serials they issued and CRLs belong to known CAs.
Expired or soon-expiring certificates are reported as warnings.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

func runVerify(cmd *cobra.Command, args []string) error {
	var snap storeSnapshot
	err := withManager(cmd.Context(), func(mgr *certmgr.Manager) error {
		var err error
		if snap.Certs, err = mgr.Certs(); err != nil {
			return err
		}
		if snap.CAs, err = mgr.CAs(); err != nil {
			return err
		}
		snap.CRLs, err = mgr.CRLs()
		return err
	})
	if err != nil {
		return err
	}

	result := verifyStore(snap, time.Now())
	result.Backend = cfg.Storage.Backend

	if verifyJSONOutput {
		if err := printJSONResult(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
