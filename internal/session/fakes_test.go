package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
)

// callLog records transport calls in order across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

// fakeAttempt completes only when the test says so.
type fakeAttempt struct {
	id        device.Identity
	policy    device.RetryPolicy
	mu        sync.Mutex
	then      func(device.Link, error)
	cancelled atomic.Bool
	completed atomic.Bool
}

func (a *fakeAttempt) Enqueue(then func(device.Link, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.then = then
}

func (a *fakeAttempt) Cancel() {
	a.cancelled.Store(true)
}

// complete delivers the outcome on the calling goroutine.
func (a *fakeAttempt) complete(link device.Link, err error) {
	a.mu.Lock()
	then := a.then
	a.mu.Unlock()
	a.completed.Store(true)
	if then != nil {
		then(link, err)
	}
}

// outstanding reports an attempt that is neither cancelled nor completed.
func (a *fakeAttempt) outstanding() bool {
	return !a.cancelled.Load() && !a.completed.Load()
}

type fakeTransport struct {
	mu       sync.Mutex
	attempts []*fakeAttempt
}

func (t *fakeTransport) Connect(id device.Identity, policy device.RetryPolicy) device.Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := &fakeAttempt{id: id, policy: policy}
	t.attempts = append(t.attempts, a)
	return a
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts)
}

func (t *fakeTransport) last() *fakeAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.attempts) == 0 {
		return nil
	}
	return t.attempts[len(t.attempts)-1]
}

func (t *fakeTransport) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.attempts {
		if a.outstanding() {
			n++
		}
	}
	return n
}

// fakeLink is a scripted device.Link.
type fakeLink struct {
	id       device.Identity
	log      *callLog
	services device.ServiceSet

	discoverErr error
	enableErr   error
	writeErr    error
	// notifyOnEnable is delivered from inside EnableNotifications, the way a
	// peripheral may start streaming as soon as the CCCD is written.
	notifyOnEnable []byte

	mu       sync.Mutex
	handlers map[string]func([]byte)
	writes   [][]byte

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeLink(id device.Identity, services device.ServiceSet) *fakeLink {
	return &fakeLink{
		id:       id,
		log:      &callLog{},
		services: services,
		handlers: make(map[string]func([]byte)),
		done:     make(chan struct{}),
	}
}

func (l *fakeLink) Identity() device.Identity { return l.id }

func (l *fakeLink) DiscoverServices() (device.ServiceSet, error) {
	l.log.add("DiscoverServices")
	if l.discoverErr != nil {
		return nil, l.discoverErr
	}
	return l.services, nil
}

func (l *fakeLink) SetNotificationHandler(c device.Characteristic, h func([]byte)) {
	l.log.add("SetNotificationHandler")
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[device.Key(c)] = h
}

func (l *fakeLink) EnableNotifications(c device.Characteristic) error {
	l.log.add("EnableNotifications")
	if l.enableErr != nil {
		return l.enableErr
	}
	if l.notifyOnEnable != nil {
		l.mu.Lock()
		h := l.handlers[device.Key(c)]
		l.mu.Unlock()
		if h != nil {
			h(l.notifyOnEnable)
		}
	}
	return nil
}

func (l *fakeLink) Write(c device.Characteristic, data []byte, withResponse bool) error {
	l.log.add("Write(%t)", withResponse)
	if l.writeErr != nil {
		return l.writeErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, append([]byte(nil), data...))
	return nil
}

func (l *fakeLink) Disconnect(clearCache bool) error {
	l.log.add("Disconnect(%t)", clearCache)
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *fakeLink) Done() <-chan struct{} { return l.done }

// drop simulates the peripheral going away.
func (l *fakeLink) drop() {
	l.closeOnce.Do(func() { close(l.done) })
}

// notify delivers data through the handler registered for the notify characteristic.
func (l *fakeLink) notify(data []byte) bool {
	l.mu.Lock()
	h := l.handlers[device.NormalizeUUID(ServiceUUID)+"/"+device.NormalizeUUID(NotifyCharUUID)]
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

func (l *fakeLink) handler() func([]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers[device.NormalizeUUID(ServiceUUID)+"/"+device.NormalizeUUID(NotifyCharUUID)]
}

type sinkEntry struct {
	level logrus.Level
	msg   string
}

// recordingSink keeps everything it receives.
type recordingSink struct {
	mu      sync.Mutex
	entries []sinkEntry
	data    [][]byte
}

func (s *recordingSink) Log(level logrus.Level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{level, msg})
}

func (s *recordingSink) Data(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, append([]byte(nil), data...))
}

func (s *recordingSink) payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.data...)
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.msg)
	}
	return out
}
