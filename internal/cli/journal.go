package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/parkaudit/parkaudit/internal/audit"
	"github.com/parkaudit/parkaudit/pkg/color"
	"github.com/parkaudit/parkaudit/pkg/errclass"
)

var journalCmd = &cobra.Command{
	Use:   "journal <command>",
	Short: "Inspect the operator journal",
	Long: `Inspect the operator journal.

The journal is a hash-chained log of operator actions that change stored
data outside the ledger chain, such as enrichment.

Available commands:
  list              - List journal records
  verify            - Verify the journal hash chain`,
	DisableFlagsInUseLine: true,
}

// requireJournal returns the configured journal.
func requireJournal() (*audit.Journal, error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, err
	}
	p := cfg.JournalPath()
	if p == "" {
		return nil, errors.New("operator journal is disabled (ledger.journal_path is empty)")
	}
	return audit.NewJournal(p), nil
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journal records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := requireJournal()
		if err != nil {
			return err
		}
		records, err := j.Records()
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}

		if jsonOutput {
			if records == nil {
				records = []audit.Record{}
			}
			return outputJSON(records)
		}
		if len(records) == 0 {
			fmt.Println(color.Dim("Journal is empty."))
			return nil
		}
		data := pterm.TableData{{"SEQ", "TIME", "EVENT", "LOT", "ENTRY", "HASH"}}
		for _, r := range records {
			data = append(data, []string{
				strconv.FormatInt(r.Seq, 10),
				r.Timestamp.Format(time.RFC3339),
				string(r.Event),
				r.LotID,
				r.EntryID,
				color.Hash(r.RecordHash.Short()),
			})
		}
		return printTable(data)
	},
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the journal hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := requireJournal()
		if err != nil {
			return err
		}
		n, err := j.Verify()
		broken := errors.Is(err, errclass.ErrAuditChainBroken)
		if err != nil && !broken {
			return fmt.Errorf("journal: %w", err)
		}

		if jsonOutput {
			res := map[string]any{"valid": !broken, "records": n}
			if broken {
				res["brokenAtIndex"] = n
				res["message"] = err.Error()
			}
			if err := outputJSON(res); err != nil {
				return err
			}
		} else if broken {
			fmt.Printf("Journal: %s at index %d\n", color.Error("TAMPERED"), n)
			fmt.Printf("  %s\n", err.Error())
		} else {
			fmt.Printf("Journal: %s (%d records)\n", color.Success("OK"), n)
		}

		if broken {
			return errReported
		}
		return nil
	},
}

func init() {
	journalCmd.AddCommand(journalListCmd)
	journalCmd.AddCommand(journalVerifyCmd)
	rootCmd.AddCommand(journalCmd)
}
