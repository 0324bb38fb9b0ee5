package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
	"github.com/srg/nuslink/internal/groutine"
)

const (
	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	DefaultBLEWriteDelay = 10 * time.Millisecond
)

// bleLink is one established go-ble connection.
type bleLink struct {
	transport *Transport
	id        device.Identity
	client    gattClient
	logger    *logrus.Entry

	writeMutex sync.Mutex

	mu         sync.RWMutex
	native     map[string]*ble.Characteristic // device.Key -> discovered handle
	handlers   map[string]func([]byte)
	subscribed map[string]*ble.Characteristic
	released   bool
	lost       bool

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(t *Transport, id device.Identity, client gattClient) *bleLink {
	l := &bleLink{
		transport:  t,
		id:         id,
		client:     client,
		logger:     t.logger.WithField("address", id.Address),
		native:     make(map[string]*ble.Characteristic),
		handlers:   make(map[string]func([]byte)),
		subscribed: make(map[string]*ble.Characteristic),
		done:       make(chan struct{}),
	}

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(_ context.Context) {
			select {
			case <-dc.Disconnected():
				l.logger.Warn("BLE stack reported disconnection")
				l.markLost()
			case <-l.done:
			}
		})
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}

	return l
}

func (l *bleLink) Identity() device.Identity {
	return l.id
}

func (l *bleLink) Done() <-chan struct{} {
	return l.done
}

// DiscoverServices returns the cached profile for the address when allowed, otherwise
// runs a full discovery.
func (l *bleLink) DiscoverServices() (device.ServiceSet, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}

	profile, cached := l.transport.cachedProfile(l.id.Address)
	if cached {
		l.logger.Debug("Using cached service map")
	} else {
		l.logger.Debug("Discovering services and characteristics...")
		var err error
		profile, err = l.client.DiscoverProfile(true)
		if err != nil {
			return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
		}
		l.transport.storeProfile(l.id.Address, profile)
	}

	result := device.NewProfile()
	native := make(map[string]*ble.Characteristic)
	for _, bleSvc := range profile.Services {
		svc := result.AddService(bleSvc.UUID.String())
		for _, bleChar := range bleSvc.Characteristics {
			svc.AddCharacteristic(bleChar.UUID.String(), NewProperties(bleChar.Property))
			native[svc.UUID()+"/"+device.NormalizeUUID(bleChar.UUID.String())] = bleChar
		}
	}

	l.mu.Lock()
	l.native = native
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"services":        len(profile.Services),
		"characteristics": result.CharacteristicCount(),
		"cached":          cached,
	}).Debug("Profile discovered successfully")

	return result, nil
}

func (l *bleLink) SetNotificationHandler(c device.Characteristic, h func(data []byte)) {
	key := device.Key(c)

	l.mu.Lock()
	defer l.mu.Unlock()

	if h == nil {
		delete(l.handlers, key)
		return
	}
	l.handlers[key] = h
}

// EnableNotifications writes the CCCD through go-ble. Payloads are dispatched to the
// handler registered for c at delivery time.
func (l *bleLink) EnableNotifications(c device.Characteristic) error {
	if !c.Properties().CanNotify() {
		return fmt.Errorf("characteristic %s does not support notifications: %w", c.UUID(), device.ErrUnsupported)
	}

	key := device.Key(c)
	native, err := l.lookup(key, c)
	if err != nil {
		return err
	}

	err = NormalizeError(l.client.Subscribe(native, false, func(data []byte) {
		l.dispatch(key, data)
	}))
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"serviceUUID": c.ServiceUUID(),
			"charUUID":    c.UUID(),
			"error":       err,
		}).Error("Failed to subscribe to characteristic notifications")
		return fmt.Errorf("failed to enable notifications on %s: %w", c.UUID(), err)
	}

	l.mu.Lock()
	l.subscribed[key] = native
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"serviceUUID": c.ServiceUUID(),
		"charUUID":    c.UUID(),
	}).Info("Successfully subscribed to characteristic notifications")
	return nil
}

func (l *bleLink) dispatch(key string, data []byte) {
	l.mu.RLock()
	h := l.handlers[key]
	released := l.released
	l.mu.RUnlock()

	if h == nil || released {
		l.logger.WithField("char", key).Debug("Dropping notification without handler")
		return
	}

	// go-ble reuses its receive buffer
	payload := make([]byte, len(data))
	copy(payload, data)
	h(payload)
}

// Write sends data in DefaultBLEWriteChunkSize chunks, serialised per link.
func (l *bleLink) Write(c device.Characteristic, data []byte, withResponse bool) error {
	native, err := l.lookup(device.Key(c), c)
	if err != nil {
		return err
	}

	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()

	for len(data) > 0 {
		n := len(data)
		if n > DefaultBLEWriteChunkSize {
			n = DefaultBLEWriteChunkSize
		}
		if err := l.client.WriteCharacteristic(native, data[:n], !withResponse); err != nil {
			return fmt.Errorf("failed to write to characteristic %s in service %s: %w", c.UUID(), c.ServiceUUID(), NormalizeError(err))
		}
		data = data[n:]
		if len(data) > 0 {
			time.Sleep(DefaultBLEWriteDelay)
		}
	}
	return nil
}

// Disconnect unsubscribes, cancels the connection and closes Done. When clearCache is
// set the cached profile for the address is dropped even if the link is already gone.
func (l *bleLink) Disconnect(clearCache bool) error {
	if clearCache {
		l.transport.forgetProfile(l.id.Address)
	}

	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		l.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	l.released = true
	lost := l.lost
	subscribed := l.subscribed
	l.subscribed = make(map[string]*ble.Characteristic)
	l.handlers = make(map[string]func([]byte))
	l.native = make(map[string]*ble.Characteristic)
	l.mu.Unlock()

	var disconnectErr error
	if !lost {
		l.logger.WithField("clear_cache", clearCache).Info("Disconnecting BLE device...")

		var failures []string
		for key, native := range subscribed {
			if err := NormalizeError(l.client.Unsubscribe(native, false)); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", key, err))
			}
		}
		if len(failures) > 0 {
			l.logger.WithField("errors", strings.Join(failures, "; ")).Warn("Failed to unsubscribe from some characteristics during disconnect")
		}

		disconnectErr = NormalizeError(l.client.CancelConnection())
	}

	l.closeOnce.Do(func() { close(l.done) })

	if disconnectErr != nil {
		l.logger.WithField("error", disconnectErr).Warn("BLE device disconnected with errors")
	} else {
		l.logger.Info("BLE device disconnected")
	}
	return disconnectErr
}

// markLost records a remote disconnection and closes Done. Resources are released by
// the owner's Disconnect call.
func (l *bleLink) markLost() {
	l.mu.Lock()
	l.lost = true
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *bleLink) checkOpen() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.released || l.lost {
		return device.ErrNotConnected
	}
	return nil
}

func (l *bleLink) lookup(key string, c device.Characteristic) (*ble.Characteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.released || l.lost {
		return nil, device.ErrNotConnected
	}
	native, ok := l.native[key]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{c.ServiceUUID(), c.UUID()}}
	}
	return native, nil
}
