// Package config provides configuration file support for parkaudit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/fsutil"
	"github.com/parkaudit/parkaudit/pkg/webhook"
)

// FileName is the configuration file inside the data directory.
const FileName = "config.yaml"

// Backend names a storage backend.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendBadger   Backend = "badger"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Config represents the parkaudit configuration.
type Config struct {
	// DataDir is the directory the config was loaded from. Relative store
	// paths resolve against it.
	DataDir string `yaml:"-"`

	Store    StoreConfig    `yaml:"store"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Anomaly  AnomalyConfig  `yaml:"anomaly"`
	Verify   VerifyConfig   `yaml:"verify"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Webhooks webhook.Config `yaml:"webhooks"`
}

// StoreConfig selects and locates the ledger store.
type StoreConfig struct {
	Backend Backend `yaml:"backend"`
	Path    string  `yaml:"path,omitempty"` // file and badger directory, sqlite file
	DSN     string  `yaml:"dsn,omitempty"`  // postgres
}

// LedgerConfig tunes the recorder.
type LedgerConfig struct {
	AppendRetries int           `yaml:"append_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	JournalPath   string        `yaml:"journal_path,omitempty"` // empty disables the operator journal
}

// AnomalyConfig sets the timestamp anomaly thresholds.
type AnomalyConfig struct {
	MaxGap     time.Duration `yaml:"max_gap"`
	FutureSkew time.Duration `yaml:"future_skew"`
}

// VerifyConfig configures integrity sweeps.
type VerifyConfig struct {
	Interval    time.Duration `yaml:"interval"` // 0 disables scheduled sweeps
	Concurrency int           `yaml:"concurrency"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// Default returns the default configuration.
func Default() *Config {
	hooks := webhook.DefaultConfig()
	hooks.Enabled = false
	return &Config{
		Store: StoreConfig{
			Backend: BackendFile,
			Path:    "ledger",
		},
		Ledger: LedgerConfig{
			AppendRetries: 5,
			RetryInterval: 20 * time.Millisecond,
			LockTimeout:   5 * time.Second,
			JournalPath:   "journal.jsonl",
		},
		Anomaly: AnomalyConfig{
			MaxGap:     24 * time.Hour,
			FutureSkew: 5 * time.Minute,
		},
		Verify: VerifyConfig{
			Interval:    0,
			Concurrency: 4,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Webhooks: *hooks,
	}
}

// Path returns the config file path for dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Load loads configuration from <dataDir>/config.yaml and applies
// PARKAUDIT_* environment overrides.
// Returns default config if the file doesn't exist.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	cfg.DataDir = dataDir

	data, err := os.ReadFile(Path(dataDir))
	switch {
	case os.IsNotExist(err):
		// No config file is OK, use defaults
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errclass.ErrConfigInvalid.WithMessagef("parse config: %v", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to <dataDir>/config.yaml.
func Save(dataDir string, cfg *Config) error {
	cfgPath := Path(dataDir)

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := fsutil.AtomicWrite(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile, BackendBadger, BackendSQLite:
		if c.Store.Path == "" {
			return errclass.ErrConfigInvalid.WithMessagef("store.path is required for backend %q", c.Store.Backend)
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			return errclass.ErrConfigInvalid.WithMessage("store.dsn is required for backend \"postgres\"")
		}
	default:
		return errclass.ErrBackendUnsupported.WithMessagef("unknown store backend %q", c.Store.Backend)
	}
	if c.Ledger.AppendRetries < 0 {
		return errclass.ErrConfigInvalid.WithMessage("ledger.append_retries must not be negative")
	}
	if c.Verify.Concurrency < 1 {
		return errclass.ErrConfigInvalid.WithMessage("verify.concurrency must be at least 1")
	}
	if c.Verify.Interval < 0 {
		return errclass.ErrConfigInvalid.WithMessage("verify.interval must not be negative")
	}
	if c.Anomaly.MaxGap < 0 || c.Anomaly.FutureSkew < 0 {
		return errclass.ErrConfigInvalid.WithMessage("anomaly thresholds must not be negative")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return errclass.ErrConfigInvalid.WithMessagef("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// StorePath resolves Store.Path against DataDir.
func (c *Config) StorePath() string {
	return c.resolve(c.Store.Path)
}

// JournalPath resolves Ledger.JournalPath against DataDir.
func (c *Config) JournalPath() string {
	return c.resolve(c.Ledger.JournalPath)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.DataDir == "" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PARKAUDIT_STORE_BACKEND"); ok && v != "" {
		c.Store.Backend = Backend(v)
	}
	if v, ok := lookup("PARKAUDIT_STORE_PATH"); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup("PARKAUDIT_STORE_DSN"); ok && v != "" {
		c.Store.DSN = v
	}
	if v, ok := lookup("PARKAUDIT_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("PARKAUDIT_HTTP_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("PARKAUDIT_VERIFY_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errclass.ErrConfigInvalid.WithMessagef("PARKAUDIT_VERIFY_INTERVAL: %v", err)
		}
		c.Verify.Interval = d
	}
	if v, ok := lookup("PARKAUDIT_METRICS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errclass.ErrConfigInvalid.WithMessagef("PARKAUDIT_METRICS_ENABLED: %v", err)
		}
		c.Metrics.Enabled = b
	}
	return nil
}
