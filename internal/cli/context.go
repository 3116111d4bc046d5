package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/parkaudit/parkaudit/internal/audit"
	"github.com/parkaudit/parkaudit/internal/doctor"
	"github.com/parkaudit/parkaudit/internal/ledger"
	"github.com/parkaudit/parkaudit/internal/lock"
	"github.com/parkaudit/parkaudit/internal/store"
	"github.com/parkaudit/parkaudit/internal/verify"
	"github.com/parkaudit/parkaudit/pkg/config"
	"github.com/parkaudit/parkaudit/pkg/logging"
	"github.com/parkaudit/parkaudit/pkg/metrics"
	"github.com/parkaudit/parkaudit/pkg/webhook"
)

// app holds the services a command works with.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	store    store.Store
	journal  *audit.Journal
	metrics  *metrics.Registry
	alerts   *webhook.Client
	recorder *ledger.Recorder
	verifier *verify.Verifier
	doctor   *doctor.Doctor
}

// requireConfig loads the configuration of an initialized data directory.
func requireConfig() (*config.Config, error) {
	if _, err := os.Stat(config.Path(dataDir)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s is not a parkaudit data directory (run 'parkaudit init')", dataDir)
		}
		return nil, err
	}
	return config.Load(dataDir)
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(level, logging.Format(cfg.Format), os.Stderr), nil
}

// openApp loads config from the data directory and wires every service.
func openApp() (*app, error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logging.SetGlobal(log)

	s, err := store.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, log: log, store: s}
	if p := cfg.JournalPath(); p != "" {
		a.journal = audit.NewJournal(p)
	}
	if cfg.Metrics.Enabled {
		metrics.Init()
		a.metrics = metrics.Default()
	}
	a.alerts = webhook.NewClient(&cfg.Webhooks, log)

	a.recorder = ledger.NewRecorder(s, ledger.Options{
		Locks:         lock.NewManager(cfg.Ledger.LockTimeout),
		Journal:       a.journal,
		Metrics:       a.metrics,
		Alerts:        a.alerts,
		Logger:        log,
		AppendRetries: cfg.Ledger.AppendRetries,
		RetryInterval: cfg.Ledger.RetryInterval,
	})
	a.verifier = verify.NewVerifier(s, verify.Options{
		MaxGap:      cfg.Anomaly.MaxGap,
		FutureSkew:  cfg.Anomaly.FutureSkew,
		Concurrency: cfg.Verify.Concurrency,
		Metrics:     a.metrics,
		Alerts:      a.alerts,
		Logger:      log,
	})
	a.doctor = doctor.NewDoctor(s, doctor.Options{
		MaxGap:     cfg.Anomaly.MaxGap,
		FutureSkew: cfg.Anomaly.FutureSkew,
		Journal:    a.journal,
	})
	return a, nil
}

// Close drains pending alerts and releases the store.
func (a *app) Close() {
	if err := a.alerts.Close(); err != nil {
		a.log.ErrorErr("close webhook client", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.ErrorErr("close store", err)
	}
	_ = a.log.Sync()
}
