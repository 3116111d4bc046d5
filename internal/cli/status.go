package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parkaudit/parkaudit/pkg/color"
)

var statusCapacity int

var statusCmd = &cobra.Command{
	Use:   "status <lot-id>",
	Short: "Show a lot's current occupancy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.recorder.Status(cmd.Context(), args[0], statusCapacity)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}

		if jsonOutput {
			return outputJSON(st)
		}
		fmt.Printf("Lot:         %s\n", color.Info(st.LotID))
		if st.LotName != "" {
			fmt.Printf("Name:        %s\n", st.LotName)
		}
		occupancy := fmt.Sprintf("%d/%d (%d%%)", st.CurrentOccupancy, st.MaxCapacity, st.UtilizationPercent)
		if st.IsOverCapacity {
			occupancy = color.Warning(occupancy + " over capacity")
		}
		fmt.Printf("Occupancy:   %s\n", occupancy)
		if st.LastUpdated != nil {
			fmt.Printf("Last action: %s at %s\n", st.LastAction, st.LastUpdated.Format(time.RFC3339))
			fmt.Printf("Tail hash:   %s\n", color.Hash(st.TailHash))
		} else {
			fmt.Println(color.Dim("No entries recorded."))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusCapacity, "capacity", 0, "capacity to report against (defaults to the last recorded capacity)")
	rootCmd.AddCommand(statusCmd)
}
