//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// CoreBluetooth keeps its own attribute cache and invalidates handles between
// connections, so discovered profiles are not reused.
const reuseProfilesByDefault = false

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}
