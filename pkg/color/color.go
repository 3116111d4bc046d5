// Package color styles terminal output for the parkaudit CLI.
// It respects the NO_COLOR environment variable (https://no-color.org/).
package color

import (
	"fmt"
	"os"
	"sync"

	"github.com/pterm/pterm"
)

var initOnce sync.Once

// Init configures pterm from the environment and the --no-color flag.
func Init(noColorFlag bool) {
	initOnce.Do(func() {
		_, noColor := os.LookupEnv("NO_COLOR")
		if noColor || os.Getenv("TERM") == "dumb" || noColorFlag {
			Disable()
		}
	})
}

// Enabled reports whether styled output is on.
func Enabled() bool {
	return pterm.PrintColor
}

// Disable turns off styled output.
func Disable() {
	pterm.DisableStyling()
}

// Enable turns on styled output.
func Enable() {
	pterm.EnableStyling()
}

// Success formats text in green.
func Success(s string) string { return pterm.FgGreen.Sprint(s) }

// Successf is the printf form of Success.
func Successf(format string, args ...any) string { return Success(fmt.Sprintf(format, args...)) }

// Error formats text in red.
func Error(s string) string { return pterm.FgRed.Sprint(s) }

// Errorf is the printf form of Error.
func Errorf(format string, args ...any) string { return Error(fmt.Sprintf(format, args...)) }

// Warning formats text in yellow.
func Warning(s string) string { return pterm.FgYellow.Sprint(s) }

// Warningf is the printf form of Warning.
func Warningf(format string, args ...any) string { return Warning(fmt.Sprintf(format, args...)) }

// Info formats text in cyan.
func Info(s string) string { return pterm.FgCyan.Sprint(s) }

// Infof is the printf form of Info.
func Infof(format string, args ...any) string { return Info(fmt.Sprintf(format, args...)) }

// Hash formats a chain hash.
func Hash(s string) string { return pterm.FgLightCyan.Sprint(s) }

// Header formats a section header in bold.
func Header(s string) string { return pterm.Bold.Sprint(s) }

// Dim formats secondary information.
func Dim(s string) string { return pterm.FgGray.Sprint(s) }

// Highlight formats text that needs attention.
func Highlight(s string) string { return pterm.FgLightYellow.Sprint(s) }

// Severity colors a doctor or anomaly severity label.
func Severity(s string) string {
	switch s {
	case "critical", "HIGH":
		return Error(s)
	case "warning", "MEDIUM":
		return Warning(s)
	default:
		return Info(s)
	}
}
