package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/nuslink/internal/device"
	"github.com/srg/nuslink/scanner"
)

type scanOptions struct {
	timeout   time.Duration
	all       bool
	services  []string
	allowList []string
	blockList []string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for Nordic UART Service peripherals",
		Long: `Scan for Bluetooth Low Energy peripherals advertising the Nordic UART Service.

Use --all to list every advertising peripheral, or --services to filter by
other service UUIDs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts)
		},
	}

	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 0, "Scan duration (defaults to scan_timeout from config)")
	cmd.Flags().BoolVar(&opts.all, "all", false, "Show all peripherals, not only NUS ones")
	cmd.Flags().StringSliceVarP(&opts.services, "services", "s", nil, "Filter by service UUIDs")
	cmd.Flags().StringSliceVar(&opts.allowList, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&opts.blockList, "block", nil, "Hide devices with these addresses")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	scanOpts := scanner.DefaultScanOptions()
	scanOpts.Duration = cfg.ScanTimeout
	if opts.timeout > 0 {
		scanOpts.Duration = opts.timeout
	}
	scanOpts.AllowList = opts.allowList
	scanOpts.BlockList = opts.blockList
	switch {
	case len(opts.services) > 0:
		uuids, err := device.ValidateUUID(opts.services...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		scanOpts.ServiceUUIDs = uuids
	case opts.all:
		scanOpts.ServiceUUIDs = nil
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", scanOpts.Duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	results, err := scanner.NewScanner(logger).Scan(ctx, scanOpts, progress.Callback())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	progress.Stop()

	return displayResults(cmd.OutOrStdout(), results)
}

func displayResults(out io.Writer, results []scanner.Result) error {
	if len(results) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tRSSI\tNAME\tSERVICES")
	for _, r := range results {
		name := r.Name
		if name == "" {
			name = "-"
		} else if len(name) > 20 {
			name = name[:17] + "..."
		}

		short := make([]string, 0, len(r.Services))
		for _, s := range r.Services {
			short = append(short, device.ShortenUUID(s))
		}

		fmt.Fprintf(w, "%s\t%d dBm\t%s\t%s\n", r.Address, r.RSSI, name, strings.Join(short, ","))
	}
	return w.Flush()
}

// commandContext returns the context the command was executed with.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
