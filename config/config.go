// Package config loads the ironcert YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironcert/certmgr"
	"github.com/jmcleod/ironcert/pki"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
)

// Config is the top-level configuration.
type Config struct {
	Storage   StorageConfig `yaml:"storage"`
	Log       LogConfig     `yaml:"log"`
	Server    ServerConfig  `yaml:"server"`
	Policy    PolicyConfig  `yaml:"policy"`
	Consumers []string      `yaml:"consumers"`
}

// StorageConfig selects the configuration store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Path is the bbolt database file.
	Path string `yaml:"path"`
	// DSNEnv names the environment variable holding the postgres DSN.
	DSNEnv string `yaml:"dsn_env"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the REST front end. Without TLSCert and TLSKey a
// self-signed runtime certificate is used.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	// AuditWebhook receives every audit event as JSON. AuditWebhookAuthEnv
	// names an environment variable holding a "Header: value" line sent
	// with each delivery.
	AuditWebhook        string `yaml:"audit_webhook"`
	AuditWebhookAuthEnv string `yaml:"audit_webhook_auth_env"`
}

// PolicyConfig overrides the issuance policy. Zero values keep the
// defaults.
type PolicyConfig struct {
	DefaultLifetime   int         `yaml:"default_lifetime"`
	MaxServerLifetime int         `yaml:"max_server_lifetime"`
	MinKeyBits        int         `yaml:"min_key_bits"`
	DigestBlacklist   []string    `yaml:"digest_blacklist"`
	Strict            bool        `yaml:"strict"`
	DefaultKey        pki.KeySpec `yaml:"default_key"`
	DefaultDigest     string      `yaml:"default_digest"`
	CRLLifetime       int         `yaml:"crl_lifetime"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Backend: BackendBolt, Path: "./data/ironcert.db", DSNEnv: "IRONCERT_POSTGRES_DSN"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Server:  ServerConfig{Listen: ":8443"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the bbolt backend"))
		}
	case BackendPostgres:
		if c.Storage.DSNEnv == "" {
			errs = append(errs, errors.New("storage.dsn_env is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage backend: %q", c.Storage.Backend))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unsupported log format: %q", c.Log.Format))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.Server.AuditWebhook != "" && !strings.HasPrefix(c.Server.AuditWebhook, "https://") && !strings.HasPrefix(c.Server.AuditWebhook, "http://") {
		errs = append(errs, fmt.Errorf("server.audit_webhook must be an http(s) URL: %q", c.Server.AuditWebhook))
	}
	if _, err := c.Policy.Apply(certmgr.DefaultPolicy(time.Now())); err != nil {
		errs = append(errs, err)
	}
	for _, kind := range c.Consumers {
		if kind == certmgr.KindUser {
			errs = append(errs, fmt.Errorf("consumer %q is built in", kind))
		}
	}
	return errors.Join(errs...)
}

// DSN reads the postgres DSN from the configured environment variable.
func (s StorageConfig) DSN() (string, error) {
	dsn := os.Getenv(s.DSNEnv)
	if dsn == "" {
		return "", fmt.Errorf("environment variable %s is not set or empty", s.DSNEnv)
	}
	return dsn, nil
}

// AuditWebhookAuth returns the webhook auth header line, or "" when none is
// configured.
func (s ServerConfig) AuditWebhookAuth() string {
	if s.AuditWebhookAuthEnv == "" {
		return ""
	}
	return os.Getenv(s.AuditWebhookAuthEnv)
}

// SlogLevel maps Level onto a slog level. Empty means info.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("unsupported log level: %q", l.Level)
	}
	return level, nil
}

// Handler builds the slog handler the configuration asks for.
func (l LogConfig) Handler(w io.Writer) slog.Handler {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Apply overlays the configured overrides on base.
func (p PolicyConfig) Apply(base certmgr.Policy) (certmgr.Policy, error) {
	var errs []error
	out := base
	if p.DefaultLifetime != 0 {
		if p.DefaultLifetime < 1 || p.DefaultLifetime > base.MaxLifetime {
			errs = append(errs, fmt.Errorf("policy.default_lifetime must be between 1 and %d", base.MaxLifetime))
		}
		out.DefaultLifetime = p.DefaultLifetime
	}
	if p.MaxServerLifetime != 0 {
		out.MaxServerLifetime = p.MaxServerLifetime
	}
	if p.MinKeyBits != 0 {
		out.MinKeyBits = p.MinKeyBits
	}
	if p.DigestBlacklist != nil {
		out.DigestBlacklist = nil
		for _, name := range p.DigestBlacklist {
			d, err := pki.ParseDigest(name)
			if err != nil {
				errs = append(errs, fmt.Errorf("policy.digest_blacklist: %w", err))
				continue
			}
			out.DigestBlacklist = append(out.DigestBlacklist, d)
		}
	}
	out.Strict = out.Strict || p.Strict
	if p.DefaultKey.Type != "" {
		if err := p.DefaultKey.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy.default_key: %w", err))
		}
		out.DefaultKey = p.DefaultKey
	}
	if p.DefaultDigest != "" {
		d, err := pki.ParseDigest(p.DefaultDigest)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy.default_digest: %w", err))
		}
		out.DefaultDigest = d
	}
	if p.CRLLifetime < 0 {
		errs = append(errs, errors.New("policy.crl_lifetime must not be negative"))
	} else if p.CRLLifetime > 0 {
		out.CRLLifetime = p.CRLLifetime
	}
	if len(errs) > 0 {
		return base, errors.Join(errs...)
	}
	return out, nil
}
