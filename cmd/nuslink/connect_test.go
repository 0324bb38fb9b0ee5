package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srg/nuslink/internal/device"
	"github.com/srg/nuslink/internal/session"
	"github.com/srg/nuslink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ConnectTestSuite struct {
	CommandTestSuite
}

func (s *ConnectTestSuite) TestStreamsNotificationsAndSendsOnReady() {
	// GOAL: A ready session writes --send and prints every notification as hex
	//
	// TEST SCENARIO: connect --send 01-02-ff → Ready → echo notification → "(0x) 01-02-FF" on stdout → Ctrl+C exits cleanly

	link := s.supportedLink()
	s.transport.outcomes = []scriptedAttempt{{link: link}}

	s.Start("connect", testDeviceAddress, "--send", "01-02-ff")

	s.awaitOutput(s.stdout, "(0x) 01-02-FF\n")
	s.NoError(s.Interrupt(), "Ctrl+C MUST be a clean exit")

	s.Equal([][]byte{{0x01, 0x02, 0xFF}}, link.sent())
	stderr := s.stderr.String()
	s.Less(strings.Index(stderr, "[Connecting]"), strings.Index(stderr, "[Ready]"), "transitions MUST be printed in order:\n%s", stderr)
	s.Contains(stderr, "[Subscribing]")
}

func (s *ConnectTestSuite) TestRawOutput() {
	s.transport.outcomes = []scriptedAttempt{{link: s.supportedLink()}}

	s.Start("connect", testDeviceAddress, "--raw", "--send", "48690a")

	s.awaitOutput(s.stdout, "Hi\n")
	s.Require().NoError(s.Interrupt())
	s.Equal("Hi\n", s.stdout.String())
}

func (s *ConnectTestSuite) TestUnsupportedDeviceFails() {
	link := newEchoLink(testutils.CreateNUSProfile("write-without-response", "notify").Build())
	s.transport.outcomes = []scriptedAttempt{{link: link}}

	s.Start("connect", testDeviceAddress, "--send", "01")
	err := s.Wait()

	s.ErrorIs(err, session.ErrUnsupportedDevice)
	s.Empty(link.sent(), "MUST NOT write to an unsupported device")
	s.Contains(s.stderr.String(), "[Idle] device does not expose the Nordic UART Service")
}

func (s *ConnectTestSuite) TestExhaustedAttemptFails() {
	s.transport.outcomes = []scriptedAttempt{s.exhausted()}

	s.Start("connect", testDeviceAddress)
	err := s.Wait()

	s.ErrorIs(err, session.ErrConnectionExhausted)
	s.Equal("could not connect to AA:BB:CC:DD:EE:FF after 5 attempt(s): timeout", FormatUserError(err))
}

func (s *ConnectTestSuite) TestFlagsOverrideRetryPolicy() {
	s.transport.outcomes = []scriptedAttempt{s.exhausted()}

	s.Start("connect", testDeviceAddress,
		"--retries", "3", "--retry-delay", "250ms", "--auto-reconnect=false", "--timeout", "5s")
	_ = s.Wait()

	s.Equal(device.RetryPolicy{
		MaxAttempts:    3,
		Backoff:        250 * time.Millisecond,
		AutoReconnect:  false,
		AttemptTimeout: 5 * time.Second,
	}, s.transport.lastPolicy())
}

func (s *ConnectTestSuite) TestDefaultRetryPolicy() {
	s.transport.outcomes = []scriptedAttempt{s.exhausted()}

	s.Start("connect", testDeviceAddress)
	_ = s.Wait()

	s.Equal(device.DefaultRetryPolicy(), s.transport.lastPolicy(), "MUST default to 5 attempts, 100ms apart, auto-reconnect")
}

func (s *ConnectTestSuite) TestConfigFileAppliesRetryPolicy() {
	path := filepath.Join(s.T().TempDir(), "nuslink.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("retry:\n  max_attempts: 7\n"), 0o600))
	s.transport.outcomes = []scriptedAttempt{s.exhausted()}

	s.Start("connect", testDeviceAddress, "--config", path)
	_ = s.Wait()

	policy := s.transport.lastPolicy()
	s.Equal(7, policy.MaxAttempts)
	s.Equal(100*time.Millisecond, policy.Backoff)
}

func (s *ConnectTestSuite) TestLinkLossReconnects() {
	// GOAL: With auto-reconnect a dropped link is re-established instead of ending the command
	//
	// TEST SCENARIO: Ready → first link drops → "[Idle] connection lost" → second link → Ready again

	first, second := s.supportedLink(), s.supportedLink()
	s.transport.outcomes = []scriptedAttempt{{link: first}, {link: second}}

	s.Start("connect", testDeviceAddress)
	s.awaitOutput(s.stderr, "[Ready]")

	_ = first.Disconnect(false)

	s.awaitOutput(s.stderr, "[Idle] connection lost")
	s.Eventually(func() bool { return strings.Count(s.stderr.String(), "[Ready]") == 2 }, testTimeout, testTick)
	s.NoError(s.Interrupt())
}

func (s *ConnectTestSuite) TestLinkLossWithoutAutoReconnectFails() {
	link := s.supportedLink()
	s.transport.outcomes = []scriptedAttempt{{link: link}}

	s.Start("connect", testDeviceAddress, "--auto-reconnect=false")
	s.awaitOutput(s.stderr, "[Ready]")
	_ = link.Disconnect(false)

	s.ErrorIs(s.Wait(), session.ErrLinkLost)
}

func (s *ConnectTestSuite) TestSendDoesNotDependOnSeeingReady() {
	// GOAL: --send fires once per ready link even when the watcher never saw the Ready update
	//
	// TEST SCENARIO: session already Ready → watcher only delivers older updates → payload written once

	link := s.supportedLink()
	s.transport.outcomes = []scriptedAttempt{{link: link}}

	ctrl := session.NewController(s.transport, session.WithLogger(testutils.QuietLogger()))
	defer func() { _ = ctrl.Dispose() }()
	s.Require().NoError(ctrl.Connect(device.Identity{Address: testDeviceAddress}))
	s.Require().Eventually(func() bool { return ctrl.Status().State == session.Ready }, testTimeout, testTick)

	updates := make(chan session.Status, 2)
	updates <- session.Status{State: session.Subscribing}
	updates <- session.Status{State: session.Validating}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- followSession(ctx, ctrl, updates, newStateRenderer(&syncBuffer{}), device.DefaultRetryPolicy(), []byte{0x42})
	}()

	s.Eventually(func() bool { return len(link.sent()) > 0 }, testTimeout, testTick, "payload MUST be sent to a ready session")
	cancel()
	s.Require().NoError(<-done)
	s.Equal([][]byte{{0x42}}, link.sent(), "payload MUST be sent once per link")
}

func (s *ConnectTestSuite) TestArgumentValidation() {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing address", []string{"connect"}, "accepts 1 arg(s)"},
		{"hex and raw", []string{"connect", testDeviceAddress, "--hex", "--raw"}, "mutually exclusive"},
		{"bad payload", []string{"connect", testDeviceAddress, "--send", "zz"}, "invalid hex payload"},
		{"zero retries", []string{"connect", testDeviceAddress, "--retries", "0"}, "--retries must be >= 1"},
		{"bad log level", []string{"connect", testDeviceAddress, "--log-level", "loud"}, "invalid log level"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Start(tt.args...)
			s.ErrorContains(s.Wait(), tt.wantErr)
		})
	}
}

func TestConnectTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectTestSuite))
}

func TestParseHexPayload(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{"0102ff", []byte{0x01, 0x02, 0xFF}, false},
		{"01-02-FF", []byte{0x01, 0x02, 0xFF}, false},
		{"01 02 ff", []byte{0x01, 0x02, 0xFF}, false},
		{"0x0a:0b", []byte{0x0A, 0x0B}, false},
		{"", nil, true},
		{"abc", nil, true},
		{"gg", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseHexPayload(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{device.ErrBluetoothOff, "Bluetooth is turned off"},
		{device.ErrUnsupported, "BLE is not supported on this platform"},
		{session.ErrLinkLost, "connection lost"},
		{errors.New("boom"), "boom"},
		{nil, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUserError(tt.err))
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
}
