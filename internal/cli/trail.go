package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/parkaudit/parkaudit/internal/verify"
	"github.com/parkaudit/parkaudit/pkg/color"
)

var (
	trailFrom string
	trailTo   string
)

var trailCmd = &cobra.Command{
	Use:   "trail <lot-id>",
	Short: "Show a lot's audit trail",
	Long: `Show a lot's audit trail in chain order.

Each row is marked linked when its previous hash matches the hash of the
entry before it in the full chain, so a window never hides a break at its
first row.

Examples:
  parkaudit trail LOT001
  parkaudit trail LOT001 --from 2024-01-15 --to 2024-01-16`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := verify.ParseBound("--from", trailFrom)
		if err != nil {
			return err
		}
		to, err := verify.ParseBound("--to", trailTo)
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		trail, err := a.verifier.AuditTrail(cmd.Context(), args[0], from, to)
		if err != nil {
			return fmt.Errorf("trail: %w", err)
		}

		if jsonOutput {
			return outputJSON(trail)
		}
		if len(trail.AuditTrail) == 0 {
			fmt.Println(color.Dim("No entries in range."))
			return nil
		}

		data := pterm.TableData{{"SEQ", "TIME", "ACTION", "OCCUPANCY", "BY", "HASH", "LINK"}}
		for _, e := range trail.AuditTrail {
			link := color.Success("linked")
			if !e.Verified {
				link = color.Error("BROKEN")
			}
			occupancy := fmt.Sprintf("%d/%d", e.Occupancy, e.Capacity)
			if e.IsViolation {
				occupancy = color.Warning(occupancy)
			}
			data = append(data, []string{
				strconv.FormatInt(e.Seq, 10),
				e.Timestamp.Format(time.RFC3339),
				string(e.Action),
				occupancy,
				e.PerformedBy,
				color.Hash(e.Hash.Short()),
				link,
			})
		}
		if err := printTable(data); err != nil {
			return err
		}
		fmt.Printf("%d entries\n", trail.TotalEntries)
		return nil
	},
}

func init() {
	trailCmd.Flags().StringVar(&trailFrom, "from", "", "only entries at or after this time (RFC 3339 or YYYY-MM-DD)")
	trailCmd.Flags().StringVar(&trailTo, "to", "", "only entries at or before this time (RFC 3339 or YYYY-MM-DD)")
	rootCmd.AddCommand(trailCmd)
}
