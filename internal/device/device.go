package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff, Msg: "bluetooth is turned off"}
)

// Operation errors
var (
	ErrTimeout             = errors.New("timeout")
	ErrUnsupported         = errors.New("unsupported")
	ErrConnectionExhausted = errors.New("connection attempts exhausted")
)

// ExhaustedError reports a connect request that used up its retry budget.
// It matches ErrConnectionExhausted with errors.Is and unwraps to the last dial error.
type ExhaustedError struct {
	Address  string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed to connect to %q after %d attempt(s): %v", e.Address, e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrConnectionExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Identity is the stable identity of a remote peripheral. It is a value type and is
// never mutated after it has been bound to a session.
type Identity struct {
	Address string
	Name    string
}

// String returns "name (address)" or just the address when no name is known.
func (id Identity) String() string {
	if strings.TrimSpace(id.Name) == "" {
		return id.Address
	}
	return fmt.Sprintf("%s (%s)", id.Name, id.Address)
}

// IsZero reports whether the identity carries no address.
func (id Identity) IsZero() bool {
	return strings.TrimSpace(id.Address) == ""
}

// RetryPolicy configures a connect request.
//
//nolint:revive // field tags are consumed by pkg/config
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts" default:"5"`
	Backoff        time.Duration `yaml:"backoff" default:"100ms"`
	AutoReconnect  bool          `yaml:"auto_reconnect" default:"true"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" default:"30s"`
}

// DefaultRetryPolicy returns five attempts, 100ms apart, with auto-reconnect enabled.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		Backoff:        100 * time.Millisecond,
		AutoReconnect:  true,
		AttemptTimeout: 30 * time.Second,
	}
}

// Attempt is an in-flight connect operation. Enqueue starts it; then is invoked exactly
// once with the established link or the terminal error. Cancel aborts it.
type Attempt interface {
	Enqueue(then func(Link, error))
	Cancel()
}

// Transport is the BLE stack seen from a session.
type Transport interface {
	Connect(id Identity, policy RetryPolicy) Attempt
}

// Link is one established physical connection. Once Done is closed the link is gone
// and every characteristic obtained from it is stale.
type Link interface {
	Identity() Identity
	DiscoverServices() (ServiceSet, error)

	// SetNotificationHandler registers h for c locally; it does not touch the peripheral.
	SetNotificationHandler(c Characteristic, h func(data []byte))
	// EnableNotifications writes the CCCD of c. Payloads for c without a registered
	// handler are dropped.
	EnableNotifications(c Characteristic) error

	Write(c Characteristic, data []byte, withResponse bool) error

	// Disconnect tears the link down. clearCache drops any cached service map for the
	// peripheral so the next connection rediscovers it. Safe to call more than once.
	Disconnect(clearCache bool) error
	Done() <-chan struct{}
}

// ServiceSet is a discovered GATT profile snapshot
type ServiceSet interface {
	Services() []Service
	GetService(uuid string) (Service, error)
}

// Service represents a GATT service
type Service interface {
	UUID() string
	GetCharacteristics() []Characteristic
	GetCharacteristic(uuid string) (Characteristic, error)
}

// Characteristic represents characteristic metadata. Characteristics are only meaningful
// for the link that discovered them.
type Characteristic interface {
	UUID() string
	ServiceUUID() string
	Properties() Properties
}

// ScanningDevice represents a BLE device capable of scanning for advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Advertisement is the subset of advertising data the scanner uses
type Advertisement interface {
	LocalName() string
	Services() []string
	Connectable() bool
	RSSI() int
	Addr() string
}
