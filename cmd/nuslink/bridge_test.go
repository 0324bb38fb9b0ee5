package main

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/srg/nuslink/bridge"
	"github.com/srg/nuslink/internal/ptyio"
	"github.com/stretchr/testify/suite"
)

// memoryPort is an in-memory bridge.Port.
type memoryPort struct {
	mu      sync.Mutex
	out     []byte
	handler ptyio.InputHandler
	opts    *ptyio.Options
	closed  bool
}

func (p *memoryPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, data...)
	return len(data), nil
}

func (p *memoryPort) Name() string { return "/dev/pts/test" }

func (p *memoryPort) SetInputHandler(h ptyio.InputHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *memoryPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *memoryPort) input(data []byte) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(data)
	}
}

func (p *memoryPort) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.out)
}

func (p *memoryPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type BridgeTestSuite struct {
	CommandTestSuite
	port     *memoryPort
	origOpen func(*ptyio.Options) (bridge.Port, error)
}

func (s *BridgeTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.port = &memoryPort{}
	s.origOpen = bridge.OpenPort
	bridge.OpenPort = func(opts *ptyio.Options) (bridge.Port, error) {
		s.port.opts = opts
		return s.port, nil
	}
}

func (s *BridgeTestSuite) TearDownTest() {
	s.CommandTestSuite.TearDownTest()
	bridge.OpenPort = s.origOpen
}

func (s *BridgeTestSuite) TestBridgesBothDirections() {
	// GOAL: The PTY and the NUS session exchange raw bytes both ways
	//
	// TEST SCENARIO: bridge → PTY name printed → Ready → PTY input "AT\r" → sent to RX → echo written to the PTY

	link := s.supportedLink()
	s.transport.outcomes = []scriptedAttempt{{link: link}}

	s.Start("bridge", testDeviceAddress)

	s.awaitOutput(s.stdout, "PTY: /dev/pts/test\n")
	s.awaitOutput(s.stderr, "[Ready]")

	s.port.input([]byte("AT\r"))
	s.Equal("AT\r", s.port.output())
	s.Equal([][]byte{[]byte("AT\r")}, link.sent())

	s.Require().NoError(s.Interrupt())
	s.True(s.port.isClosed(), "PTY MUST be closed on exit")
}

func (s *BridgeTestSuite) TestBufferFlags() {
	s.transport.outcomes = []scriptedAttempt{{link: s.supportedLink()}}

	s.Start("bridge", testDeviceAddress, "--output-buffer", "128", "--input-buffer", "32")
	s.awaitOutput(s.stderr, "[Ready]")
	s.Require().NoError(s.Interrupt())

	s.Equal(128, s.port.opts.OutputCap)
	s.Equal(32, s.port.opts.InputCap)
}

func (s *BridgeTestSuite) TestSymlink() {
	path := filepath.Join(s.T().TempDir(), "nus0")
	s.transport.outcomes = []scriptedAttempt{{link: s.supportedLink()}}

	s.Start("bridge", testDeviceAddress, "--symlink", path)
	s.awaitOutput(s.stdout, "Symlink: "+path+" -> /dev/pts/test\n")

	target, err := os.Readlink(path)
	s.Require().NoError(err)
	s.Equal("/dev/pts/test", target)

	s.Require().NoError(s.Interrupt())
	_, err = os.Lstat(path)
	s.True(os.IsNotExist(err), "symlink MUST be removed on exit")
}

func (s *BridgeTestSuite) TestExhaustionFails() {
	s.transport.outcomes = []scriptedAttempt{s.exhausted()}

	s.Start("bridge", testDeviceAddress)

	err := s.Wait()
	s.Require().Error(err)
	s.Contains(FormatUserError(err), "could not connect to "+testDeviceAddress)
}

func (s *BridgeTestSuite) TestInvalidBufferSize() {
	s.Start("bridge", testDeviceAddress, "--input-buffer", "0")
	s.ErrorContains(s.Wait(), "buffer sizes must be positive")
}

func (s *BridgeTestSuite) TestPTYUnavailable() {
	bridge.OpenPort = func(*ptyio.Options) (bridge.Port, error) { return nil, ptyio.ErrUnsupported }

	s.Start("bridge", testDeviceAddress)
	s.ErrorIs(s.Wait(), ptyio.ErrUnsupported)
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
