package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/parkaudit/parkaudit/pkg/color"
	"github.com/parkaudit/parkaudit/pkg/model"
)

var verifyAll bool

var verifyCmd = &cobra.Command{
	Use:   "verify [<lot-id>]",
	Short: "Verify chain integrity",
	Long: `Verify chain integrity.

Recomputes every hash, checks every previous-hash link and scans for
timestamp anomalies. Exits with status 1 when tampering is detected;
anomalies alone are reported but do not fail verification.

Examples:
  parkaudit verify              # Verify all lots
  parkaudit verify LOT001       # Verify one lot
  parkaudit verify --all        # Verify all lots`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if verifyAll || len(args) == 0 {
			sum, err := a.verifier.VerifyAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			if jsonOutput {
				if err := outputJSON(sum); err != nil {
					return err
				}
			} else {
				data := pterm.TableData{{"LOT", "ENTRIES", "STATUS", "ANOMALIES"}}
				for _, r := range sum.Reports {
					data = append(data, []string{
						r.LotID,
						strconv.Itoa(r.TotalEntries),
						reportStatus(r),
						strconv.Itoa(len(r.TimestampAnomalies)),
					})
				}
				failed := make([]string, 0, len(sum.Failed))
				for lot := range sum.Failed {
					failed = append(failed, lot)
				}
				sort.Strings(failed)
				for _, lot := range failed {
					data = append(data, []string{lot, "-", color.Error("ERROR"), "-"})
				}
				if err := printTable(data); err != nil {
					return err
				}
				for _, lot := range failed {
					fmtErr("verify %s: %s", lot, sum.Failed[lot])
				}
				fmt.Printf("%d lots, %d entries, %d tampered\n", sum.TotalLots, sum.TotalEntries, sum.TamperedLots)
			}
			if !sum.Healthy {
				return errReported
			}
			return nil
		}

		report, err := a.verifier.VerifyLot(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if jsonOutput {
			if err := outputJSON(report); err != nil {
				return err
			}
		} else {
			printReport(report)
		}
		if report.Tampered() {
			return errReported
		}
		return nil
	},
}

func reportStatus(r *model.IntegrityReport) string {
	if r.Tampered() {
		return color.Error("TAMPERED")
	}
	return color.Success("OK")
}

func printReport(r *model.IntegrityReport) {
	fmt.Printf("Lot: %s\n", color.Info(r.LotID))
	fmt.Printf("  Entries: %d\n", r.TotalEntries)
	fmt.Printf("  Chain:   %s\n", reportStatus(r))
	ci := r.ChainIntegrity
	if !ci.Valid {
		fmt.Printf("  TAMPER DETECTED: %s\n", ci.Message)
		if idx, ok := ci.BrokenAt(); ok {
			fmt.Printf("    at index %d (%s)\n", idx, ci.Reason)
		}
		if ci.Expected != "" {
			fmt.Printf("    expected %s\n", color.Hash(string(ci.Expected)))
			fmt.Printf("    found    %s\n", color.Hash(string(ci.Found)))
		}
	}
	for _, g := range r.Gaps {
		fmt.Printf("  Gap at index %d: expected %s, found %s\n",
			g.Index, color.Hash(g.Expected.Short()), color.Hash(g.Found.Short()))
	}
	for _, an := range r.TimestampAnomalies {
		fmt.Printf("  [%s] %s: %s\n", color.Severity(string(an.Severity)), an.Type, an.Message)
	}
}

// printTable renders rows with a header through pterm.
func printTable(data pterm.TableData) error {
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "verify all lots")
	rootCmd.AddCommand(verifyCmd)
}
