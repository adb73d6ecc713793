package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironcert/certmgr"
	"github.com/jmcleod/ironcert/config"
	"github.com/jmcleod/ironcert/storage"
	bboltstorage "github.com/jmcleod/ironcert/storage/bbolt"
	"github.com/jmcleod/ironcert/storage/memory"
	pgstorage "github.com/jmcleod/ironcert/storage/postgres"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	logLevel   string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ironcert",
	Short: "IronCert manages X.509 certificates and internal certificate authorities",
	Long: `A certificate lifecycle manager: create, sign, import, renew, export and
revoke certificates against internal CAs, with a versioned configuration store.
Complete documentation is available at https://github.com/jmcleod/ironcert`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
			if _, err := cfg.Log.SlogLevel(); err != nil {
				return err
			}
		}
		slog.SetDefault(slog.New(cfg.Log.Handler(os.Stderr)))
		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.Version = Version
}

// openRepository opens the configured storage backend. The returned close
// function releases it.
func openRepository(ctx context.Context, sc config.StorageConfig) (storage.Repository, func(), error) {
	switch sc.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() {}, nil
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(sc.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open configuration store: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case config.BackendPostgres:
		dsn, err := sc.DSN()
		if err != nil {
			return nil, nil, err
		}
		repo, err := pgstorage.NewRepositoryFromDSN(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open configuration store: %w", err)
		}
		return repo, repo.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported storage backend: %q", sc.Backend)
}

// openManager builds the certificate manager from the loaded
// configuration. Consumers named in the configuration are checked by the
// certref fields of their records.
func openManager(ctx context.Context) (*certmgr.Manager, func(), error) {
	repo, closeRepo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	policy, err := cfg.Policy.Apply(certmgr.DefaultPolicy(time.Now()))
	if err != nil {
		closeRepo()
		return nil, nil, err
	}
	mgr := certmgr.New(repo,
		certmgr.WithLogger(slog.Default()),
		certmgr.WithPolicy(policy))
	for _, kind := range cfg.Consumers {
		mgr.Registry().Register(kind, certmgr.RefFieldPredicate(repo, kind))
	}
	return mgr, closeRepo, nil
}
