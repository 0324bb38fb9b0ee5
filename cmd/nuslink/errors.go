package main

import (
	"errors"
	"fmt"

	"github.com/srg/nuslink/internal/device"
	"github.com/srg/nuslink/internal/session"
)

// FormatUserError turns an error into a message for the terminal.
func FormatUserError(err error) string {
	var exhausted *device.ExhaustedError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off"
	case errors.Is(err, device.ErrUnsupported):
		return "BLE is not supported on this platform"
	case errors.Is(err, device.ErrNotInitialized):
		return fmt.Sprintf("Bluetooth adapter is not available (%v)", err)
	case errors.Is(err, session.ErrUnsupportedDevice):
		return "device does not expose the Nordic UART Service with write and notify characteristics"
	case errors.As(err, &exhausted):
		return fmt.Sprintf("could not connect to %s after %d attempt(s): %v", exhausted.Address, exhausted.Attempts, exhausted.Last)
	case errors.Is(err, session.ErrLinkLost):
		return "connection lost"
	default:
		return err.Error()
	}
}
