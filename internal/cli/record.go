package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parkaudit/parkaudit/internal/ledger"
	"github.com/parkaudit/parkaudit/pkg/color"
	"github.com/parkaudit/parkaudit/pkg/model"
)

var (
	recordLot      string
	recordName     string
	recordCapacity int
	recordBy       string
)

var recordCmd = &cobra.Command{
	Use:   "record <entry|exit>",
	Short: "Append an entry or exit event to a lot's chain",
	Long: `Append an entry or exit event to a lot's chain.

Examples:
  parkaudit record entry --lot LOT001 --capacity 50 --by contractor@city.gov
  parkaudit record exit --lot LOT001 --by contractor@city.gov`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(model.ActionEntry), string(model.ActionExit)},
	RunE: func(cmd *cobra.Command, args []string) error {
		action := model.Action(args[0])
		if !action.Valid() {
			return fmt.Errorf("unknown action %q (want entry or exit)", args[0])
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		capacity := recordCapacity
		if capacity <= 0 {
			st, err := a.recorder.Status(cmd.Context(), recordLot, 0)
			if err != nil {
				return err
			}
			capacity = st.MaxCapacity
		}

		e, err := a.recorder.Record(cmd.Context(), ledger.RecordRequest{
			LotID:       recordLot,
			LotName:     recordName,
			Capacity:    capacity,
			Action:      action,
			PerformedBy: recordBy,
		})
		if err != nil {
			return fmt.Errorf("record %s: %w", action, err)
		}

		if jsonOutput {
			return outputJSON(e)
		}
		fmt.Printf("Recorded %s for lot %s\n", action, color.Info(e.LotID))
		fmt.Printf("  Entry:     %s\n", e.ID)
		fmt.Printf("  Occupancy: %d/%d\n", e.OccupancyAfter, e.Capacity)
		fmt.Printf("  Hash:      %s\n", color.Hash(e.Hash.Short()))
		if e.IsViolation {
			fmt.Println(color.Warningf("  Over capacity by %d", e.ViolationAmount))
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordLot, "lot", "", "parking lot ID")
	recordCmd.Flags().StringVar(&recordName, "name", "", "parking lot display name")
	recordCmd.Flags().IntVar(&recordCapacity, "capacity", 0, "lot capacity (defaults to the last recorded capacity)")
	recordCmd.Flags().StringVar(&recordBy, "by", "", "identity of the contractor performing the action")
	_ = recordCmd.MarkFlagRequired("lot")
	_ = recordCmd.MarkFlagRequired("by")
	rootCmd.AddCommand(recordCmd)
}
