package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nuslink",
		Short: "Nordic UART Service terminal for BLE peripherals",
		Long: `Connects to Bluetooth Low Energy peripherals exposing the Nordic UART Service (NUS):

- Scan for nearby NUS peripherals
- Hold a session open with automatic retry and reconnect
- Stream TX notifications to stdout and send bytes to RX
- Bridge a session to a PTY for serial tools`,
		Version: formatVersion(version),
		// main prints clean errors
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("nuslink %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("config", "", "Path to a YAML config file")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(newScanCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newBridgeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
