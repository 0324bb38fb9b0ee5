package session

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
)

// Sink receives the session's log lines and raw notification payloads.
// Implementations must not call back into the Controller or Validator.
type Sink interface {
	Log(level logrus.Level, msg string)
	Data(data []byte)
}

// SinkFactory opens a sink for a newly bound identity.
type SinkFactory func(id device.Identity) Sink

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Log(logrus.Level, string) {}
func (NopSink) Data([]byte)              {}

func nopSinkFactory(device.Identity) Sink {
	return NopSink{}
}
