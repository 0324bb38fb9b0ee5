package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/nuslink/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *BLEAdvertisement) Connectable() bool { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int         { return a.adv.RSSI() }

func (a *BLEAdvertisement) Addr() string {
	if a.adv.Addr() == nil {
		return ""
	}
	return a.adv.Addr().String()
}

// Services returns advertised service UUIDs, including overflow-area entries.
func (a *BLEAdvertisement) Services() []string {
	primary, overflow := a.adv.Services(), a.adv.OverflowService()
	result := make([]string, 0, len(primary)+len(overflow))
	for _, svc := range primary {
		result = append(result, svc.String())
	}
	for _, svc := range overflow {
		result = append(result, svc.String())
	}
	return result
}
