package session

import (
	"errors"
	"fmt"

	"github.com/srg/nuslink/internal/device"
)

var (
	// ErrPrecondition marks a contract violation by the caller.
	ErrPrecondition = errors.New("precondition violated")

	// ErrAttemptPending is returned by Reconnect while a connection attempt is outstanding.
	ErrAttemptPending = fmt.Errorf("%w: a connection attempt is already pending", ErrPrecondition)

	// ErrUnsupportedDevice means the peripheral lacks a usable Nordic UART Service.
	ErrUnsupportedDevice = errors.New("device does not expose a usable Nordic UART Service")

	// ErrConnectionExhausted means the retry budget was used up.
	ErrConnectionExhausted = device.ErrConnectionExhausted

	// ErrLinkLost means an established link dropped without a local disconnect.
	ErrLinkLost = errors.New("link lost")

	ErrNotReady = errors.New("session not ready")
	ErrDisposed = errors.New("session disposed")
)
