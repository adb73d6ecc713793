package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironcert/api"
	"github.com/jmcleod/ironcert/pki"
)

var (
	listenAddr string
	tlsCert    string
	tlsKey     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the certificate manager REST server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenAddr != "" {
			cfg.Server.Listen = listenAddr
		}
		if tlsCert != "" || tlsKey != "" {
			cfg.Server.TLSCert, cfg.Server.TLSKey = tlsCert, tlsKey
		}

		mgr, closeStore, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		a := api.New(mgr,
			api.WithLogger(slog.Default()),
			api.WithAlertFunc(func(evt api.AlertEvent) {
				slog.Warn("security alert",
					"type", evt.Type,
					"message", evt.Message,
					"count", evt.Count,
					"threshold", evt.Threshold)
			}),
			api.WithAuditWebhook(cfg.Server.AuditWebhook, cfg.Server.AuditWebhookAuth()))
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		tlsConfig, err := serverTLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on %s (storage: %s)...\n", cfg.Server.Listen, cfg.Storage.Backend)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Address to listen on (overrides server.listen)")
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}

func serverTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate
	if certFile != "" && keyFile != "" {
		var err error
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		var err error
		cert, err = selfSignedCertificate(time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// selfSignedCertificate issues a short-lived server certificate for
// localhost.
func selfSignedCertificate(now time.Time) (tls.Certificate, error) {
	key, err := pki.GenerateKey(pki.KeySpec{Type: pki.KeyECDSA, Curve: "prime256v1"})
	if err != nil {
		return tls.Certificate{}, err
	}
	der, err := pki.SelfIssue(pki.IssueParams{
		Signer: key,
		DN:     pki.DistinguishedName{CommonName: "localhost", Organization: "IronCert"},
		AltNames: []pki.AltName{
			{Kind: pki.AltDNS, Value: "localhost"},
			{Kind: pki.AltIP, Value: "127.0.0.1"},
		},
		LifetimeDays: 30,
		Type:         pki.TypeServer,
		Digest:       pki.SHA256,
		Now:          now,
	})
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
