package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/parkaudit/parkaudit/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Inspect parkaudit configuration",
	Long: `Inspect parkaudit configuration stored in <data-dir>/config.yaml.

PARKAUDIT_* environment variables override file values.

Available commands:
  show              - Show the effective configuration`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Show the configuration after applying environment overrides. Webhook secrets are redacted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		redacted := *cfg
		redacted.Webhooks.Hooks = append(redacted.Webhooks.Hooks[:0:0], cfg.Webhooks.Hooks...)
		for i := range redacted.Webhooks.Hooks {
			if redacted.Webhooks.Hooks[i].Secret != "" {
				redacted.Webhooks.Hooks[i].Secret = "********"
			}
		}
		if redacted.Store.DSN != "" {
			redacted.Store.DSN = "********"
		}

		if jsonOutput {
			return outputJSON(redacted)
		}
		out, err := yaml.Marshal(&redacted)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Println("# parkaudit configuration")
		fmt.Printf("# Location: %s\n\n", config.Path(dataDir))
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
