package testutils

import (
	"encoding/json"
	"fmt"

	blelib "github.com/go-ble/ble"
	"github.com/srg/nuslink/internal/device"
)

// CharacteristicConfig represents a BLE characteristic in a test profile
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
}

// ServiceConfig represents a BLE service in a test profile
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig represents the complete GATT profile of a test peripheral
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ProfileBuilder builds GATT profiles both as device.Profile and as go-ble's ble.Profile
type ProfileBuilder struct {
	profile ProfileConfig
}

// NewProfileBuilder creates an empty profile builder
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{profile: ProfileConfig{Services: []ServiceConfig{}}}
}

// WithService adds a service to the profile
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string) *ProfileBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// FromJSON replaces the profile with the one described by JSON
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config ProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// Build returns the profile as a device.Profile
func (b *ProfileBuilder) Build() *device.Profile {
	p := device.NewProfile()
	for _, svcConfig := range b.profile.Services {
		svc := p.AddService(svcConfig.UUID)
		for _, charConfig := range svcConfig.Characteristics {
			svc.AddCharacteristic(charConfig.UUID, device.ParseProperties(charConfig.Properties))
		}
	}
	return p
}

// BuildBLE returns the profile as go-ble would report it from DiscoverProfile
func (b *ProfileBuilder) BuildBLE() *blelib.Profile {
	var services []*blelib.Service
	for _, svcConfig := range b.profile.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &blelib.Characteristic{
				UUID:     blelib.MustParse(charConfig.UUID),
				Property: nativeProperties(device.ParseProperties(charConfig.Properties)),
			})
		}
		services = append(services, svc)
	}
	return &blelib.Profile{Services: services}
}

// device.Properties uses the GATT bit layout, as does ble.Property.
func nativeProperties(p device.Properties) blelib.Property {
	return blelib.Property(p)
}
