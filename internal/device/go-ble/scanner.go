package goble

import (
	"context"
	"errors"

	"github.com/go-ble/ble"
	"github.com/srg/nuslink/internal/device"
)

// bleScanner wraps ble.Device to implement device.ScanningDevice
type bleScanner struct {
	dev ble.Device
}

// Scan converts ble.Advertisement to device.Advertisement. A scan stopped by ctx is not an error.
func (s *bleScanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	err := s.dev.Scan(ctx, allowDup, bleHandler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return nil
}

// NewScanningDevice creates a device.ScanningDevice backed by DeviceFactory.
func NewScanningDevice() (device.ScanningDevice, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &bleScanner{dev: dev}, nil
}
