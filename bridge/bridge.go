// Package bridge exposes a Nordic UART session as a pseudo-terminal: TX notifications
// are written to the terminal and whatever a program writes to the terminal is sent
// to RX. The bridge carries raw bytes only.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
	"github.com/srg/nuslink/internal/logsink"
	"github.com/srg/nuslink/internal/ptyio"
	"github.com/srg/nuslink/internal/session"
)

const (
	// DefaultOutputBufferSize is the default size, in bytes, of the notification ring towards the terminal.
	DefaultOutputBufferSize = 4096

	// DefaultInputBufferSize is the default size, in bytes, of the ring holding terminal input.
	DefaultInputBufferSize = 1024
)

// Port is the terminal side of a bridge.
type Port interface {
	io.Writer
	Name() string
	SetInputHandler(ptyio.InputHandler)
	Close() error
}

// OpenPort creates the terminal side (can be overridden in tests)
var OpenPort = func(opts *ptyio.Options) (Port, error) {
	p, err := ptyio.Open(opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Options contains all the configuration for opening a bridge
type Options struct {
	Identity         device.Identity    // Peripheral to bridge
	Policy           device.RetryPolicy // Connect and reconnect policy
	Logger           *logrus.Logger     // Logger instance
	OutputBufferSize int                // Terminal output ring size in bytes (0 = use default)
	InputBufferSize  int                // Terminal input ring size in bytes (0 = use default)
	TTYSymlinkPath   string             // Optional symlink to the PTY slave (e.g., /tmp/nus-device)
}

// Bridge couples one session controller with one terminal.
type Bridge struct {
	opts    Options
	logger  *logrus.Logger
	ctrl    *session.Controller
	port    Port
	symlink string

	droppedInput atomic.Uint64
	closeOnce    sync.Once
	closeErr     error
}

// Open creates the terminal and the session controller. The session is not
// connected until Connect is called.
func Open(transport device.Transport, opts *Options) (*Bridge, error) {
	if opts == nil {
		return nil, fmt.Errorf("failed to open bridge: options are required")
	}
	if opts.Identity.IsZero() {
		return nil, fmt.Errorf("failed to open bridge: device address is required")
	}

	o := *opts
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.OutputBufferSize == 0 {
		o.OutputBufferSize = DefaultOutputBufferSize
	}
	if o.InputBufferSize == 0 {
		o.InputBufferSize = DefaultInputBufferSize
	}

	port, err := OpenPort(&ptyio.Options{
		OutputCap: o.OutputBufferSize,
		InputCap:  o.InputBufferSize,
		Logger:    o.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge: %w", err)
	}

	b := &Bridge{opts: o, logger: o.Logger, port: port}
	o.Logger.WithField("tty", port.Name()).Info("Created PTY device")

	if o.TTYSymlinkPath != "" {
		if err := os.Symlink(port.Name(), o.TTYSymlinkPath); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("failed to create tty symlink %s -> %s: %w", o.TTYSymlinkPath, port.Name(), err)
		}
		b.symlink = o.TTYSymlinkPath
		o.Logger.WithFields(logrus.Fields{
			"ttySymlink": b.symlink,
			"target":     port.Name(),
		}).Info("Created PTY symlink")
	}

	b.ctrl = session.NewController(transport,
		session.WithLogger(o.Logger),
		session.WithRetryPolicy(o.Policy),
		session.WithSinkFactory(logsink.Factory(o.Logger, logsink.WithForward(b.toTerminal))),
	)
	port.SetInputHandler(b.fromTerminal)
	return b, nil
}

// Connect starts the session for the configured peripheral.
func (b *Bridge) Connect() error {
	return b.ctrl.Connect(b.opts.Identity)
}

// Controller returns the session controller driving the bridge.
func (b *Bridge) Controller() *session.Controller {
	return b.ctrl
}

// TTYName returns the PTY slave path.
func (b *Bridge) TTYName() string {
	return b.port.Name()
}

// TTYSymlink returns the symlink path, empty if none was created.
func (b *Bridge) TTYSymlink() string {
	return b.symlink
}

// DroppedInput returns how many terminal bytes were discarded because the
// session was not ready.
func (b *Bridge) DroppedInput() uint64 {
	return b.droppedInput.Load()
}

func (b *Bridge) toTerminal(data []byte) {
	if _, err := b.port.Write(data); err != nil {
		b.logger.WithError(err).Debug("Failed to write notification to PTY")
	}
}

func (b *Bridge) fromTerminal(data []byte) {
	err := b.ctrl.Write(data)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotReady):
		b.droppedInput.Add(uint64(len(data)))
		b.logger.WithField("bytes", len(data)).Debug("Session not ready, dropping PTY input")
	default:
		b.logger.WithError(err).Warn("Failed to send PTY input")
	}
}

// Close disposes the session, removes the symlink and closes the terminal.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		var errs []error
		b.port.SetInputHandler(nil)
		if err := b.ctrl.Dispose(); err != nil {
			errs = append(errs, err)
		}

		// symlink goes before the PTY it points to
		if b.symlink != "" {
			if err := os.Remove(b.symlink); err != nil {
				b.logger.WithError(err).WithField("ttySymlink", b.symlink).Warn("Failed to remove tty symlink")
			} else {
				b.logger.WithField("ttySymlink", b.symlink).Debug("Removed tty symlink")
			}
		}
		if err := b.port.Close(); err != nil {
			errs = append(errs, err)
		}
		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}
