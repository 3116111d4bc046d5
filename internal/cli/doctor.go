package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parkaudit/parkaudit/pkg/color"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check ledger health",
	Long: `Check ledger health.

Runs diagnostic checks over every lot: chain integrity, forked chains,
occupancy bookkeeping and over-capacity flags. Exits with status 1 when a
critical finding is reported.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.doctor.Check(cmd.Context())
		if err != nil {
			return fmt.Errorf("doctor: %w", err)
		}

		if jsonOutput {
			if err := outputJSON(result); err != nil {
				return err
			}
		} else if len(result.Findings) == 0 {
			fmt.Printf("Ledger is healthy (%d lots checked).\n", result.LotsChecked)
		} else {
			fmt.Printf("Findings (%d):\n", len(result.Findings))
			for _, f := range result.Findings {
				where := f.LotID
				if f.EntryID != "" {
					where += "/" + f.EntryID
				}
				fmt.Printf("  [%s] %s %s: %s\n", color.Severity(f.Severity), f.Category, color.Dim(where), f.Description)
			}
		}

		if !result.Healthy {
			return errReported
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
