package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parkaudit/parkaudit/internal/audit"
	"github.com/parkaudit/parkaudit/internal/store"
	"github.com/parkaudit/parkaudit/pkg/color"
	"github.com/parkaudit/parkaudit/pkg/config"
)

var (
	initBackend string
	initDSN     string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a parkaudit data directory",
	Long: `Initialize a parkaudit data directory.

This creates:
  - config.yaml with default settings
  - the ledger store for the selected backend
  - journal.jsonl, the operator journal

Examples:
  parkaudit init
  parkaudit init --backend badger
  parkaudit --data-dir /var/lib/parkaudit init --backend postgres --dsn "host=db user=audit"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(config.Path(dataDir)); err == nil {
			return fmt.Errorf("%s is already initialized", dataDir)
		}

		cfg := config.Default()
		cfg.DataDir = dataDir
		cfg.Store.Backend = config.Backend(initBackend)
		switch cfg.Store.Backend {
		case config.BackendSQLite:
			cfg.Store.Path = "ledger.db"
		case config.BackendPostgres:
			cfg.Store.Path = ""
			cfg.Store.DSN = initDSN
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		log, err := newLogger(cfg.Logging)
		if err != nil {
			return err
		}
		s, err := store.Open(cfg, log)
		if err != nil {
			return fmt.Errorf("create store: %w", err)
		}
		if err := s.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
		if err := config.Save(dataDir, cfg); err != nil {
			return err
		}
		if p := cfg.JournalPath(); p != "" {
			if err := audit.NewJournal(p).Append(audit.EventLedgerInit, "", "", map[string]any{
				"backend": string(cfg.Store.Backend),
			}); err != nil {
				return fmt.Errorf("start journal: %w", err)
			}
		}

		if jsonOutput {
			return outputJSON(map[string]any{
				"data_dir": dataDir,
				"config":   config.Path(dataDir),
				"backend":  cfg.Store.Backend,
			})
		}
		fmt.Printf("Initialized parkaudit data directory in %s\n", color.Success(dataDir))
		fmt.Printf("  Store backend: %s\n", color.Highlight(string(cfg.Store.Backend)))
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initBackend, "backend", string(config.BackendFile), "store backend (file, badger, sqlite, postgres)")
	initCmd.Flags().StringVar(&initDSN, "dsn", "", "postgres connection string")
	rootCmd.AddCommand(initCmd)
}
