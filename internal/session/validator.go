package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
)

// CharacteristicSet is the resolved NUS characteristic pair. Both fields are always set.
type CharacteristicSet struct {
	Write  device.Characteristic
	Notify device.Characteristic
}

// Validator checks discovered services for the Nordic UART Service and manages the
// notification subscription of the current link.
//
// Every OnLinkEstablished starts a new link generation. Notifications carry the
// generation they were registered for and are dropped once that generation has been
// invalidated or superseded.
type Validator struct {
	logger *logrus.Logger

	mu         sync.RWMutex
	chars      *CharacteristicSet
	supported  bool
	generation uint64
	live       bool

	dropped atomic.Uint64
}

// NewValidator creates a Validator with no characteristics resolved.
func NewValidator(logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Validator{logger: logger}
}

// Validate resolves the NUS characteristics from services and reports whether the
// device is supported: both characteristics present, Write on the write
// characteristic and Notify on the notify characteristic. The characteristic set is
// populated only when supported. Validate ends any live generation.
func (v *Validator) Validate(services device.ServiceSet) (bool, error) {
	if services == nil {
		return false, fmt.Errorf("%w: validate called before services were discovered", ErrPrecondition)
	}

	write, notify := resolveNUS(services)
	supported := write != nil && notify != nil &&
		write.Properties().CanWrite() && notify.Properties().CanNotify()

	v.mu.Lock()
	v.live = false
	v.supported = supported
	if supported {
		v.chars = &CharacteristicSet{Write: write, Notify: notify}
	} else {
		v.chars = nil
	}
	v.mu.Unlock()

	fields := logrus.Fields{"supported": supported}
	if write != nil {
		fields["write_props"] = write.Properties().String()
	}
	if notify != nil {
		fields["notify_props"] = notify.Properties().String()
	}
	v.logger.WithFields(fields).Debug("Nordic UART Service validated")

	return supported, nil
}

func resolveNUS(services device.ServiceSet) (write, notify device.Characteristic) {
	svc, err := services.GetService(ServiceUUID)
	if err != nil {
		return nil, nil
	}
	// a missing characteristic is a normal outcome here, not an error
	write, _ = svc.GetCharacteristic(WriteCharUUID)
	notify, _ = svc.GetCharacteristic(NotifyCharUUID)
	return write, notify
}

// OnLinkEstablished subscribes to the notify characteristic of link. The handler is
// registered before notifications are enabled so that no early payload is lost.
// Payloads of the new generation are forwarded to sink.
func (v *Validator) OnLinkEstablished(link device.Link, sink Sink) error {
	if link == nil {
		return fmt.Errorf("%w: no link", ErrPrecondition)
	}
	if sink == nil {
		sink = NopSink{}
	}

	v.mu.Lock()
	if !v.supported || v.chars == nil {
		v.mu.Unlock()
		return fmt.Errorf("%w: link established on an unsupported device", ErrPrecondition)
	}
	v.generation++
	v.live = true
	gen := v.generation
	notify := v.chars.Notify
	v.mu.Unlock()

	link.SetNotificationHandler(notify, func(data []byte) {
		v.deliver(gen, sink, data)
	})

	if err := link.EnableNotifications(notify); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}

	v.logger.WithField("generation", gen).Debug("Notifications enabled")
	return nil
}

// deliver holds the read lock while calling sink, so OnLinkInvalidated cannot return
// while a payload of the invalidated generation is being attributed.
func (v *Validator) deliver(gen uint64, sink Sink, data []byte) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.live || gen != v.generation {
		n := v.dropped.Add(1)
		v.logger.WithFields(logrus.Fields{
			"generation": gen,
			"current":    v.generation,
			"dropped":    n,
		}).Debug("Dropping notification from stale link")
		return
	}

	sink.Log(logrus.InfoLevel, "nusTx Received: "+FormatPayload(data))
	sink.Data(data)
}

// OnLinkInvalidated clears the characteristic set and ends the current generation,
// whatever the supported flag says.
func (v *Validator) OnLinkInvalidated() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.chars = nil
	v.live = false
}

// Supported reports the result of the last Validate.
func (v *Validator) Supported() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.supported
}

// ShouldClearCache reports whether the transport should drop its cached service map
// on disconnect. Only unsupported devices lose it.
func (v *Validator) ShouldClearCache() bool {
	return !v.Supported()
}

// Generation returns the number of links established so far.
func (v *Validator) Generation() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.generation
}

// Characteristics returns a copy of the current set, or nil when absent.
func (v *Validator) Characteristics() *CharacteristicSet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.chars == nil {
		return nil
	}
	cs := *v.chars
	return &cs
}

// Dropped returns how many stale notifications were discarded.
func (v *Validator) Dropped() uint64 {
	return v.dropped.Load()
}

// Write sends data to the write characteristic of the current set.
func (v *Validator) Write(link device.Link, data []byte) error {
	chars := v.Characteristics()
	if chars == nil || link == nil {
		return ErrNotReady
	}
	if err := link.Write(chars.Write, data, true); err != nil {
		if errors.Is(err, device.ErrNotConnected) {
			return fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		return err
	}
	return nil
}

// FormatPayload renders data as "(0x) 01-02-FF".
func FormatPayload(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("(0x) ")
	for i, x := range data {
		if i > 0 {
			b.WriteByte('-')
		}
		fmt.Fprintf(&b, "%02X", x)
	}
	return b.String()
}
