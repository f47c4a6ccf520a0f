package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidwall/jsonc"

	"github.com/zsprackett/pi-control/internal/relay"
)

// ErrNoSecret is returned by Validate when neither a secret nor a secret hash
// is configured.
var ErrNoSecret = errors.New("no secret configured: set SECRET or secretHash")

type NotificationsConfig struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

type TLSConfig struct {
	Mode     string `json:"mode"`     // "self-signed", "autocert", "manual", or "" (disabled)
	Domain   string `json:"domain"`   // required for autocert
	CertFile string `json:"certFile"` // required for manual
	KeyFile  string `json:"keyFile"`  // required for manual
	CacheDir string `json:"cacheDir"` // for autocert and self-signed; defaults to ~/.pi-control/certs
	HTTPAddr string `json:"httpAddr"` // autocert HTTP-01 challenge listener; defaults to ":80"
}

type WebserverConfig struct {
	Port           int       `json:"port"`
	Host           string    `json:"host"`
	TLS            TLSConfig `json:"tls"`
	AllowedOrigins []string  `json:"allowedOrigins"`
	TokenTTL       string    `json:"tokenTTL"`
}

type AuditConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retentionDays"`
}

type Config struct {
	// Secret is the shared secret gating every privileged event. The SECRET
	// environment variable overrides it.
	Secret string `json:"secret"`
	// SecretHash is a bcrypt hash used when Secret is empty.
	SecretHash    string              `json:"secretHash"`
	JWTSecret     string              `json:"jwtSecret"`
	LogDir        string              `json:"logDir"`
	LogLevel      string              `json:"logLevel"`
	LogFormat     string              `json:"logFormat"` // "text" or "json"
	Tasks         relay.Catalog       `json:"tasks"`
	Notifications NotificationsConfig `json:"notifications"`
	Webserver     WebserverConfig     `json:"webserver"`
	Audit         AuditConfig         `json:"audit"`
}

func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pi-control")
}

func Defaults() Config {
	return Config{
		LogDir:    filepath.Join(Dir(), "logs"),
		LogLevel:  "info",
		LogFormat: "text",
		Tasks:     relay.DefaultCatalog(),
		Webserver: WebserverConfig{
			Port:     3000,
			Host:     "0.0.0.0",
			TokenTTL: "12h",
		},
		Audit: AuditConfig{
			Enabled:       true,
			Path:          filepath.Join(Dir(), "audit.db"),
			RetentionDays: 30,
		},
	}
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads the config file at path on top of Defaults, then applies
// environment overrides. A missing file is not an error. Comments and
// trailing commas are allowed.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	if err == nil {
		// A configured catalog replaces the default one instead of merging.
		cfg.Tasks = nil
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return Defaults(), fmt.Errorf("parse %s: %w", path, err)
		}
		if cfg.Tasks == nil {
			cfg.Tasks = relay.DefaultCatalog()
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv("PI_CONTROL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Webserver.Port = port
		}
	}
}

// Validate checks the settings the relay cannot start without.
func (c Config) Validate() error {
	if c.Secret == "" && c.SecretHash == "" {
		return ErrNoSecret
	}
	if len(c.Tasks) == 0 {
		return errors.New("task catalog is empty")
	}
	if err := c.Tasks.Validate(); err != nil {
		return err
	}
	switch c.Webserver.TLS.Mode {
	case "", "self-signed":
	case "autocert":
		if c.Webserver.TLS.Domain == "" {
			return errors.New("tls mode autocert requires a domain")
		}
	case "manual":
		if c.Webserver.TLS.CertFile == "" || c.Webserver.TLS.KeyFile == "" {
			return errors.New("tls mode manual requires certFile and keyFile")
		}
	default:
		return fmt.Errorf("unknown tls mode %q", c.Webserver.TLS.Mode)
	}
	return nil
}

// EnsureJWTSecret generates a random signing key if cfg has none and writes
// it back to the file at path so tokens survive restarts.
func EnsureJWTSecret(path string, cfg *Config) error {
	if cfg.JWTSecret != "" {
		return nil
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	cfg.JWTSecret = hex.EncodeToString(b)
	return setKey(path, "jwtSecret", cfg.JWTSecret)
}

// SetSecretHash stores a bcrypt hash in the config file at path.
func SetSecretHash(path, hash string) error {
	return setKey(path, "secretHash", hash)
}

// setKey updates one top-level key in the file, leaving the rest as written.
// Comments in the file are not preserved.
func setKey(path, key string, value any) error {
	raw := map[string]json.RawMessage{}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	raw[key] = v
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0600)
}
