// Package logsink provides the per-session log sink: every line and payload of one
// bound peripheral is written through a logrus entry tagged with a session id.
package logsink

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
	"github.com/srg/nuslink/internal/session"
)

// Option configures a Session
type Option func(*Session)

// WithForward passes every payload to fn after it has been logged. fn must not block.
func WithForward(fn func(data []byte)) Option {
	return func(s *Session) {
		s.forward = fn
	}
}

// Session is a session.Sink backed by logrus.
type Session struct {
	id      string
	entry   *logrus.Entry
	forward func([]byte)

	payloads atomic.Uint64
	bytes    atomic.Uint64
}

// New opens a log session for id.
func New(logger *logrus.Logger, id device.Identity, opts ...Option) *Session {
	if logger == nil {
		logger = logrus.New()
	}

	sid := uuid.NewString()
	fields := logrus.Fields{
		"session": sid,
		"address": id.Address,
	}
	if id.Name != "" {
		fields["name"] = id.Name
	}

	s := &Session{
		id:    sid,
		entry: logger.WithFields(fields),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Factory returns a session.SinkFactory opening a new Session per bound identity.
func Factory(logger *logrus.Logger, opts ...Option) session.SinkFactory {
	return func(id device.Identity) session.Sink {
		return New(logger, id, opts...)
	}
}

// ID returns the session id attached to every entry.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) Log(level logrus.Level, msg string) {
	s.entry.Log(level, msg)
}

func (s *Session) Data(data []byte) {
	s.payloads.Add(1)
	s.bytes.Add(uint64(len(data)))

	s.entry.WithField("bytes", len(data)).Debug("Notification payload")
	if s.forward != nil {
		s.forward(data)
	}
}

// Stats returns how many payloads and bytes went through the sink.
func (s *Session) Stats() (payloads, bytes uint64) {
	return s.payloads.Load(), s.bytes.Load()
}
