package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/nuslink/internal/device"
	goble "github.com/srg/nuslink/internal/device/go-ble"
	"github.com/srg/nuslink/internal/logsink"
	"github.com/srg/nuslink/internal/notifyq"
	"github.com/srg/nuslink/internal/session"
	"github.com/srg/nuslink/pkg/config"
)

// newTransport creates the BLE transport (can be overridden in tests)
var newTransport = func(logger *logrus.Logger) device.Transport {
	return goble.NewTransport(logger)
}

// retryFlags override the configured retry policy when set explicitly.
type retryFlags struct {
	retries       int
	retryDelay    time.Duration
	autoReconnect bool
	timeout       time.Duration
}

func (f *retryFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.retries, "retries", 0, "Connection attempts per connect request (default from config)")
	cmd.Flags().DurationVar(&f.retryDelay, "retry-delay", 0, "Delay between connection attempts (default from config)")
	cmd.Flags().BoolVar(&f.autoReconnect, "auto-reconnect", true, "Reconnect when an established link drops")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Timeout of a single connection attempt (default from config)")
}

type connectOptions struct {
	retryFlags
	name string
	hex  bool
	raw  bool
	send string
}

func newConnectCmd() *cobra.Command {
	opts := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect <device-address>",
		Short: "Open a Nordic UART session and stream notifications",
		Long: `Connects to a Nordic UART Service peripheral and keeps the session open
until interrupted.

Session transitions are printed to stderr. Every TX notification is written to
stdout, as hex by default or as raw bytes with --raw. With --send, the given hex
bytes are written to the RX characteristic each time the session becomes ready.

Examples:
  nuslink connect AA:BB:CC:DD:EE:FF
  nuslink connect AA:BB:CC:DD:EE:FF --send 01-02-ff --retries 10 --retry-delay 500ms
  nuslink connect AA:BB:CC:DD:EE:FF --raw --auto-reconnect=false > capture.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "Display name of the peripheral")
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Print payloads as hex (default unless output_format is raw)")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "Write payloads to stdout as raw bytes")
	cmd.Flags().StringVar(&opts.send, "send", "", "Hex bytes to write once the session is ready (e.g. 0102ff or 01-02-FF)")
	opts.retryFlags.register(cmd)
	return cmd
}

// retryPolicy applies explicitly set flags over the configured policy.
func (f *retryFlags) retryPolicy(cmd *cobra.Command, base device.RetryPolicy) (device.RetryPolicy, error) {
	p := base
	flags := cmd.Flags()
	if flags.Changed("retries") {
		if f.retries < 1 {
			return p, fmt.Errorf("--retries must be >= 1")
		}
		p.MaxAttempts = f.retries
	}
	if flags.Changed("retry-delay") {
		if f.retryDelay < 0 {
			return p, fmt.Errorf("--retry-delay must not be negative")
		}
		p.Backoff = f.retryDelay
	}
	if flags.Changed("auto-reconnect") {
		p.AutoReconnect = f.autoReconnect
	}
	if flags.Changed("timeout") {
		p.AttemptTimeout = f.timeout
	}
	return p, nil
}

func (o *connectOptions) format(cfg *config.Config) (string, error) {
	switch {
	case o.hex && o.raw:
		return "", fmt.Errorf("--hex and --raw are mutually exclusive")
	case o.hex:
		return config.FormatHex, nil
	case o.raw:
		return config.FormatRaw, nil
	default:
		return cfg.OutputFormat, nil
	}
}

// parseHexPayload accepts "0102ff", "01 02 FF", "01-02-ff", "01:02:ff" and an optional 0x prefix.
func parseHexPayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", "-", "", ":", "").Replace(s)
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return data, nil
}

func runConnect(cmd *cobra.Command, address string, opts *connectOptions) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	policy, err := opts.retryPolicy(cmd, cfg.Retry)
	if err != nil {
		return err
	}
	format, err := opts.format(cfg)
	if err != nil {
		return err
	}
	var payload []byte
	if opts.send != "" {
		if payload, err = parseHexPayload(opts.send); err != nil {
			return err
		}
	}
	id := device.Identity{Address: address, Name: opts.name}
	if id.IsZero() {
		return fmt.Errorf("device address is required")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	queue, err := notifyq.New(cfg.NotificationBuffer)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := queue.Run(consumerCtx, payloadWriter(cmd.OutOrStdout(), format))
	defer func() {
		stopConsumer()
		<-consumerDone
		if m := queue.Metrics(); m.Overwritten > 0 {
			logger.WithField("overwritten", m.Overwritten).Warn("Output fell behind, notifications were dropped")
		}
	}()

	ctrl := session.NewController(newTransport(logger),
		session.WithLogger(logger),
		session.WithRetryPolicy(policy),
		session.WithSinkFactory(logsink.Factory(logger, logsink.WithForward(queue.Push))),
	)
	defer func() { _ = ctrl.Dispose() }()

	updates, unwatch := ctrl.Watch()
	defer unwatch()

	if err := ctrl.Connect(id); err != nil {
		return err
	}

	return followSession(ctx, ctrl, updates, newStateRenderer(cmd.ErrOrStderr()), policy, payload)
}

// followSession renders transitions until ctx is done or the session fails for good.
func followSession(ctx context.Context, ctrl *session.Controller, updates <-chan session.Status,
	render *stateRenderer, policy device.RetryPolicy, payload []byte) error {
	var sent uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if payload != nil {
				if err := sendOnReady(ctrl, payload, &sent); err != nil {
					return err
				}
			}
			if st.State == session.Idle && st.Err == nil {
				continue
			}
			render.Render(st)

			if st.State == session.Idle && st.Err != nil {
				if errors.Is(st.Err, session.ErrLinkLost) && policy.AutoReconnect {
					continue
				}
				return st.Err
			}
		}
	}
}

// sendOnReady writes payload once per link generation. Readiness is read from the
// controller, not from the update, since a lagging watcher may miss Ready.
func sendOnReady(ctrl *session.Controller, payload []byte, sent *uint64) error {
	if ctrl.Status().State != session.Ready {
		return nil
	}
	gen := ctrl.Validator().Generation()
	if gen == *sent {
		return nil
	}
	*sent = gen

	if err := ctrl.Write(payload); err != nil {
		if errors.Is(err, session.ErrNotReady) {
			// link went away after the check; the next generation sends again
			return nil
		}
		return fmt.Errorf("failed to send payload: %w", err)
	}
	return nil
}

// payloadWriter renders queued notifications to out.
func payloadWriter(out io.Writer, format string) func(notifyq.Record) {
	if format == config.FormatRaw {
		return func(rec notifyq.Record) {
			_, _ = out.Write(rec.Data)
		}
	}
	return func(rec notifyq.Record) {
		fmt.Fprintln(out, session.FormatPayload(rec.Data))
	}
}
