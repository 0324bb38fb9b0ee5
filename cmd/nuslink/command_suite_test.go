package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
	"github.com/srg/nuslink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	testDeviceAddress = "AA:BB:CC:DD:EE:FF"
	testTimeout       = 2 * time.Second
	testTick          = 5 * time.Millisecond
)

// syncBuffer is a bytes.Buffer safe for the command goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// scriptedAttempt resolves as soon as it is enqueued.
type scriptedAttempt struct {
	link device.Link
	err  error
}

func (a *scriptedAttempt) Enqueue(then func(device.Link, error)) {
	go then(a.link, a.err)
}

func (a *scriptedAttempt) Cancel() {}

// scriptedTransport hands out one outcome per Connect; the last one repeats.
type scriptedTransport struct {
	mu       sync.Mutex
	outcomes []scriptedAttempt
	policies []device.RetryPolicy
}

func (t *scriptedTransport) Connect(_ device.Identity, policy device.RetryPolicy) device.Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policies = append(t.policies, policy)
	a := t.outcomes[0]
	if len(t.outcomes) > 1 {
		t.outcomes = t.outcomes[1:]
	}
	return &a
}

func (t *scriptedTransport) lastPolicy() device.RetryPolicy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policies[len(t.policies)-1]
}

// echoLink is a NUS peripheral that notifies back whatever it is sent.
type echoLink struct {
	services device.ServiceSet

	mu      sync.Mutex
	handler func([]byte)
	writes  [][]byte

	done     chan struct{}
	doneOnce sync.Once
}

func newEchoLink(services device.ServiceSet) *echoLink {
	return &echoLink{services: services, done: make(chan struct{})}
}

func (l *echoLink) Identity() device.Identity { return device.Identity{Address: testDeviceAddress} }

func (l *echoLink) DiscoverServices() (device.ServiceSet, error) { return l.services, nil }

func (l *echoLink) SetNotificationHandler(_ device.Characteristic, h func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *echoLink) EnableNotifications(device.Characteristic) error { return nil }

func (l *echoLink) Write(_ device.Characteristic, data []byte, _ bool) error {
	l.mu.Lock()
	l.writes = append(l.writes, append([]byte(nil), data...))
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(data)
	}
	return nil
}

func (l *echoLink) Disconnect(bool) error {
	l.doneOnce.Do(func() { close(l.done) })
	return nil
}

func (l *echoLink) Done() <-chan struct{} { return l.done }

func (l *echoLink) sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.writes...)
}

// CommandTestSuite runs commands against a scripted transport.
type CommandTestSuite struct {
	suite.Suite
	transport    *scriptedTransport
	origFactory  func(*logrus.Logger) device.Transport
	stdout       *syncBuffer
	stderr       *syncBuffer
	cancel       context.CancelFunc
	commandError chan error
}

func (s *CommandTestSuite) SetupTest() {
	s.transport = &scriptedTransport{}
	s.origFactory = newTransport
	newTransport = func(*logrus.Logger) device.Transport { return s.transport }
	s.stdout = &syncBuffer{}
	s.stderr = &syncBuffer{}
}

func (s *CommandTestSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	newTransport = s.origFactory
}

// exhausted is an attempt that gave up after the default five tries.
func (s *CommandTestSuite) exhausted() scriptedAttempt {
	return scriptedAttempt{err: &device.ExhaustedError{Address: testDeviceAddress, Attempts: 5, Last: device.ErrTimeout}}
}

func (s *CommandTestSuite) supportedLink() *echoLink {
	return newEchoLink(testutils.CreateNUSProfile("write", "notify").Build())
}

// Start executes the root command with args in the background.
func (s *CommandTestSuite) Start(args ...string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.commandError = make(chan error, 1)

	root := newRootCmd()
	root.SetOut(s.stdout)
	root.SetErr(s.stderr)
	root.SetArgs(args)
	go func() {
		s.commandError <- root.ExecuteContext(ctx)
	}()
}

// Wait returns the command's error once it has exited.
func (s *CommandTestSuite) Wait() error {
	select {
	case err := <-s.commandError:
		return err
	case <-time.After(testTimeout):
		s.FailNow("command did not exit")
		return nil
	}
}

// Interrupt stands in for Ctrl+C and waits for the command to exit.
func (s *CommandTestSuite) Interrupt() error {
	s.cancel()
	return s.Wait()
}

func (s *CommandTestSuite) awaitOutput(buf *syncBuffer, want string) {
	s.Eventually(func() bool { return strings.Contains(buf.String(), want) },
		testTimeout, testTick, "output MUST contain %q, got:\n%s", want, buf.String())
}
