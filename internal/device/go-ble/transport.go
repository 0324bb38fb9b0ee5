package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
)

// gattClient is the part of ble.Client a link uses.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// dialClient opens one GATT connection (can be overridden in tests)
var dialClient = func(ctx context.Context, dev ble.Device, address string) (gattClient, error) {
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Option configures a Transport
type Option func(*Transport)

// WithProfileCache controls whether a discovered profile is reused by the next
// connection to the same address.
func WithProfileCache(enabled bool) Option {
	return func(t *Transport) {
		t.reuseProfiles = enabled
	}
}

// Transport implements device.Transport on top of go-ble.
type Transport struct {
	logger        *logrus.Logger
	reuseProfiles bool

	// discovered profiles by normalized address
	profiles *hashmap.Map[string, *ble.Profile]

	devMu sync.Mutex
	dev   ble.Device
}

// NewTransport creates a go-ble transport. The host device is opened lazily on first use.
func NewTransport(logger *logrus.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transport{
		logger:        logger,
		reuseProfiles: reuseProfilesByDefault,
		profiles:      hashmap.New[string, *ble.Profile](),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect returns a retrying attempt; nothing happens until it is enqueued.
func (t *Transport) Connect(id device.Identity, policy device.RetryPolicy) device.Attempt {
	return device.NewConnectRequest(t.dial, id, policy, t.logger)
}

// CachedProfile reports whether a profile is cached for address.
func (t *Transport) CachedProfile(address string) bool {
	_, ok := t.profiles.Get(addressKey(address))
	return ok
}

func (t *Transport) dial(ctx context.Context, id device.Identity) (device.Link, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	t.logger.WithField("address", id.Address).Debug("Dialing BLE device...")
	client, err := dialClient(ctx, dev, id.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", id.Address, NormalizeError(err))
	}

	return newLink(t, id, client), nil
}

func (t *Transport) device() (ble.Device, error) {
	t.devMu.Lock()
	defer t.devMu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	t.dev = dev
	return dev, nil
}

func (t *Transport) cachedProfile(address string) (*ble.Profile, bool) {
	if !t.reuseProfiles {
		return nil, false
	}
	return t.profiles.Get(addressKey(address))
}

func (t *Transport) storeProfile(address string, p *ble.Profile) {
	if t.reuseProfiles {
		t.profiles.Set(addressKey(address), p)
	}
}

func (t *Transport) forgetProfile(address string) {
	if t.profiles.Del(addressKey(address)) {
		t.logger.WithField("address", address).Debug("Dropped cached service map")
	}
}

func addressKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
