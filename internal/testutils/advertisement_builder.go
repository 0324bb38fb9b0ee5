package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/nuslink/internal/device"
)

// Advertisement is a plain device.Advertisement for tests
type Advertisement struct {
	Name          string   `json:"name"`
	Address       string   `json:"address"`
	Signal        int      `json:"rssi"`
	ServiceUUIDs  []string `json:"services,omitempty"`
	IsConnectable bool     `json:"connectable"`
}

func (a *Advertisement) LocalName() string  { return a.Name }
func (a *Advertisement) Services() []string { return a.ServiceUUIDs }
func (a *Advertisement) Connectable() bool  { return a.IsConnectable }
func (a *Advertisement) RSSI() int          { return a.Signal }
func (a *Advertisement) Addr() string       { return a.Address }

// AdvertisementBuilder builds advertisements with a fluent API.
// Advertisements start connectable.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{IsConnectable: true}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Signal = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

// WithConnectable sets whether the advertisement is connectable.
func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.IsConnectable = connectable
	return b
}

// FromJSON fills the advertisement from JSON
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	adv := Advertisement{IsConnectable: true}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &adv); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.adv = adv
	return b
}

// Build returns a copy of the configured advertisement
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.ServiceUUIDs = append([]string(nil), b.adv.ServiceUUIDs...)
	return &adv
}
