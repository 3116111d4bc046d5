package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parkaudit/parkaudit/pkg/color"
)

// errReported is returned by commands that have already printed their
// failure, such as a verification that found tampering.
var errReported = errors.New("failure reported")

var (
	jsonOutput bool
	noColor    bool
	dataDir    string
	rootCmd    = &cobra.Command{
		Use:   "parkaudit",
		Short: "parkaudit - tamper-evident parking audit ledger",
		Long: `parkaudit records parking lot entry and exit events in a per-lot
SHA-256 hash chain and verifies that chain to detect modified, deleted
or reordered records.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "data directory holding config.yaml and the ledger")
}

func defaultDataDir() string {
	if dir := os.Getenv("PARKAUDIT_HOME"); dir != "" {
		return dir
	}
	return ".parkaudit"
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmtErr("%v", err)
		}
		os.Exit(1)
	}
}

// outputJSON prints v as indented JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, color.Error("parkaudit:")+" "+format+"\n", args...)
}
