package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
	goble "github.com/srg/nuslink/internal/device/go-ble"
	"github.com/srg/nuslink/internal/ringchan"
	"github.com/srg/nuslink/internal/session"
)

// DefaultEventBuffer is how many discovery events a slow reader may lag behind.
const DefaultEventBuffer = 100

// DeviceFactory opens the scanning device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = goble.NewScanningDevice

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// Result is the latest known state of one advertising peripheral.
type Result struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	Services    []string
	LastSeen    time.Time
}

// Identity returns what a session needs to connect to the peripheral.
func (r Result) Identity() device.Identity {
	return device.Identity{Address: r.Address, Name: r.Name}
}

type DeviceEvent struct {
	Type   DeviceEventType
	Result Result
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// ServiceUUIDs keeps only peripherals advertising at least one of them.
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options: ten seconds, looking for
// the Nordic UART Service.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
		ServiceUUIDs:    []string{session.ServiceUUID},
	}
}

// Scanner handles BLE device discovery
type Scanner struct {
	devices *hashmap.Map[string, Result]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
	now     func() time.Time
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		devices: hashmap.New[string, Result](),
		events:  ringchan.New[DeviceEvent](DefaultEventBuffer),
		logger:  logger,
		now:     time.Now,
	}
}

// Scan performs BLE discovery with provided options. Results are sorted by RSSI,
// strongest first, then by address.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]Result, error) {
	s.devices = hashmap.New[string, Result]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	filter := newFilter(opts)

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	err = dev.Scan(ctx, !opts.DuplicateFilter, func(adv device.Advertisement) {
		s.handleAdvertisement(adv, filter)
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	return s.Results(), nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement, f *filter) {
	addr := strings.ToUpper(adv.Addr())
	if addr == "" {
		return
	}

	prev, existing := s.devices.Get(addr)
	if !existing && !f.include(addr, adv.Services()) {
		return
	}

	res := Result{
		Address:     addr,
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		Services:    device.NormalizeUUIDs(adv.Services()),
		LastSeen:    s.now(),
	}
	if existing {
		// scan responses often omit what the primary advertisement carried
		if res.Name == "" {
			res.Name = prev.Name
		}
		if len(res.Services) == 0 {
			res.Services = prev.Services
		}
	}
	s.devices.Set(addr, res)

	event := DeviceEvent{Type: EventUpdated, Result: res}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  res.Name,
			"address": res.Address,
			"rssi":    res.RSSI,
		}).Info("Discovered new device")
	}

	if s.events.Send(event) {
		s.logger.Debug("Scan event reader lagging, oldest event overwritten")
	}
}

// Results returns a sorted snapshot of discovered devices
func (s *Scanner) Results() []Result {
	out := make([]Result, 0, s.devices.Len())
	s.devices.Range(func(_ string, r Result) bool {
		out = append(out, r)
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// filter applies allow/block/service filters
type filter struct {
	allow    map[string]struct{}
	block    map[string]struct{}
	services []string
}

func newFilter(opts *ScanOptions) *filter {
	f := &filter{
		block:    make(map[string]struct{}, len(opts.BlockList)),
		services: device.NormalizeUUIDs(opts.ServiceUUIDs),
	}
	for _, a := range opts.BlockList {
		f.block[strings.ToUpper(a)] = struct{}{}
	}
	if len(opts.AllowList) > 0 {
		f.allow = make(map[string]struct{}, len(opts.AllowList))
		for _, a := range opts.AllowList {
			f.allow[strings.ToUpper(a)] = struct{}{}
		}
	}
	return f
}

func (f *filter) include(addr string, advertised []string) bool {
	if _, blocked := f.block[addr]; blocked {
		return false
	}
	if f.allow != nil {
		if _, allowed := f.allow[addr]; !allowed {
			return false
		}
	}
	if len(f.services) == 0 {
		return true
	}
	for _, required := range f.services {
		for _, u := range advertised {
			if device.NormalizeUUID(u) == required {
				return true
			}
		}
	}
	return false
}
