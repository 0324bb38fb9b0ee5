// Package ptyio exposes a byte stream as a pseudo-terminal. Bytes written to a Port
// come out of the slave side; bytes an external program writes to the slave are
// handed to the input handler. Both directions are buffered in ring buffers so that
// neither a slow terminal nor a slow peripheral blocks the other side; when a buffer
// is full the excess is dropped and counted.
package ptyio

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBufferSize  = 4096
	DefaultPollTimeout = 50 * time.Millisecond
)

// ErrUnsupported is returned on platforms without PTY support.
var ErrUnsupported = errors.New("pseudo-terminals are not supported on this platform")

// InputHandler receives bytes written to the slave side. It runs on the dispatcher
// goroutine and must not retain data.
type InputHandler func(data []byte)

// Options configures Open. Zero values use the defaults.
type Options struct {
	// OutputCap is the ring size for bytes on their way to the slave.
	OutputCap int
	// InputCap is the ring size for bytes read from the slave.
	InputCap int
	// PollTimeout bounds how long the I/O loops wait before checking for Close.
	PollTimeout time.Duration
	Logger      *logrus.Logger
	// OnError is called at most once per loop when it exits on an unexpected error.
	OnError func(error)
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.OutputCap <= 0 {
		out.OutputCap = DefaultBufferSize
	}
	if out.InputCap <= 0 {
		out.InputCap = DefaultBufferSize
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = DefaultPollTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return out
}

// Stats provides runtime counters.
type Stats struct {
	OutputQueued  int
	InputQueued   int
	OutputDropped uint64
	InputDropped  uint64
	OutputBytes   uint64
	InputBytes    uint64
	HandlerPanics uint64
}
