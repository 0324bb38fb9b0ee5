package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/nuslink/bridge"
	"github.com/srg/nuslink/internal/device"
)

type bridgeOptions struct {
	retryFlags
	name         string
	symlink      string
	outputBuffer int
	inputBuffer  int
}

func newBridgeCmd() *cobra.Command {
	opts := &bridgeOptions{}
	cmd := &cobra.Command{
		Use:   "bridge <device-address>",
		Short: "Expose a Nordic UART session as a PTY",
		Long: `Creates a pseudo-terminal (e.g. /dev/pts/5) bridged to a Nordic UART Service
peripheral, so that serial terminals and tools can talk to it.

Every TX notification is written to the PTY as is, and whatever is written to
the PTY is sent to RX. Input arriving while the session is not ready is
dropped. The session reconnects on link loss unless --auto-reconnect=false.

Examples:
  nuslink bridge AA:BB:CC:DD:EE:FF
  nuslink bridge AA:BB:CC:DD:EE:FF --symlink /tmp/nus0
  picocom /tmp/nus0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "Display name of the peripheral")
	cmd.Flags().StringVar(&opts.symlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/nus0)")
	cmd.Flags().IntVar(&opts.outputBuffer, "output-buffer", bridge.DefaultOutputBufferSize, "Bytes buffered towards the PTY")
	cmd.Flags().IntVar(&opts.inputBuffer, "input-buffer", bridge.DefaultInputBufferSize, "Bytes buffered from the PTY")
	opts.retryFlags.register(cmd)
	return cmd
}

func runBridge(cmd *cobra.Command, address string, opts *bridgeOptions) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	policy, err := opts.retryPolicy(cmd, cfg.Retry)
	if err != nil {
		return err
	}
	if opts.outputBuffer <= 0 || opts.inputBuffer <= 0 {
		return fmt.Errorf("buffer sizes must be positive")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bridge.Open(newTransport(logger), &bridge.Options{
		Identity:         device.Identity{Address: address, Name: opts.name},
		Policy:           policy,
		Logger:           logger,
		OutputBufferSize: opts.outputBuffer,
		InputBufferSize:  opts.inputBuffer,
		TTYSymlinkPath:   opts.symlink,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close bridge")
		}
		if n := b.DroppedInput(); n > 0 {
			logger.WithField("bytes", n).Warn("PTY input dropped while the session was not ready")
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "PTY: %s\n", b.TTYName())
	if link := b.TTYSymlink(); link != "" {
		fmt.Fprintf(out, "Symlink: %s -> %s\n", link, b.TTYName())
	}

	updates, unwatch := b.Controller().Watch()
	defer unwatch()

	if err := b.Connect(); err != nil {
		return err
	}
	return followSession(ctx, b.Controller(), updates, newStateRenderer(cmd.ErrOrStderr()), policy, nil)
}
