package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/parkaudit/parkaudit/pkg/color"
	"github.com/parkaudit/parkaudit/pkg/model"
)

var (
	enrichFee      string
	enrichDuration int
	enrichExitTime string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <entry-id>",
	Short: "Attach fee and duration to an exit entry",
	Long: `Attach fee and duration to an exit entry.

Enrichment fields are not part of the chain hash; the entry's hash and
position are unchanged.

Examples:
  parkaudit enrich 3f0c... --fee 12.50 --duration 95
  parkaudit enrich 3f0c... --fee 4 --duration 30 --exit-time 2024-01-15T10:05:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fee, err := decimal.NewFromString(enrichFee)
		if err != nil {
			return fmt.Errorf("invalid fee %q: %w", enrichFee, err)
		}
		exitTime := time.Now().UTC()
		if enrichExitTime != "" {
			exitTime, err = time.Parse(time.RFC3339, enrichExitTime)
			if err != nil {
				return fmt.Errorf("invalid exit time %q: %w", enrichExitTime, err)
			}
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		en := model.Enrichment{
			Fee:             fee,
			DurationMinutes: enrichDuration,
			ExitTime:        exitTime,
		}
		if err := a.recorder.Enrich(cmd.Context(), args[0], en); err != nil {
			return fmt.Errorf("enrich: %w", err)
		}

		if jsonOutput {
			return outputJSON(map[string]any{"entryId": args[0], "enrichment": en})
		}
		fmt.Printf("Enriched entry %s: fee %s, %d minutes\n",
			color.Info(args[0]), fee.StringFixed(2), enrichDuration)
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichFee, "fee", "0", "parking fee")
	enrichCmd.Flags().IntVar(&enrichDuration, "duration", 0, "parking duration in minutes")
	enrichCmd.Flags().StringVar(&enrichExitTime, "exit-time", "", "exit time in RFC 3339 (default now)")
	rootCmd.AddCommand(enrichCmd)
}
