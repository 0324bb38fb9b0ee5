package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/nuslink/internal/device"
)

var propertyBits = []struct {
	native ble.Property
	prop   device.Properties
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropSignedWrite},
	{ble.CharExtended, device.PropExtended},
}

// NewProperties converts go-ble characteristic property flags.
func NewProperties(p ble.Property) device.Properties {
	var props device.Properties
	for _, b := range propertyBits {
		if p&b.native != 0 {
			props |= b.prop
		}
	}
	return props
}

// NativeProperties is the inverse of NewProperties.
func NativeProperties(p device.Properties) ble.Property {
	var native ble.Property
	for _, b := range propertyBits {
		if p&b.prop != 0 {
			native |= b.native
		}
	}
	return native
}
