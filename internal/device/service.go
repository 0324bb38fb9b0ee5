package device

import (
	"sort"
)

// ----------------------------
// In-memory GATT profile
// ----------------------------

// Profile is an immutable-after-build ServiceSet. Transports convert their native
// discovery result into a Profile so sessions never see library types.
type Profile struct {
	services map[string]*BLEService
}

// NewProfile creates an empty profile
func NewProfile() *Profile {
	return &Profile{services: make(map[string]*BLEService)}
}

// AddService adds (or returns the existing) service with the given UUID
func (p *Profile) AddService(uuid string) *BLEService {
	key := NormalizeUUID(uuid)
	if svc, ok := p.services[key]; ok {
		return svc
	}
	svc := &BLEService{
		uuid:            key,
		characteristics: make(map[string]*BLECharacteristic),
	}
	p.services[key] = svc
	return svc
}

// Services returns all services sorted by UUID for consistent ordering
func (p *Profile) Services() []Service {
	result := make([]Service, 0, len(p.services))
	for _, svc := range p.services {
		result = append(result, svc)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UUID() < result[j].UUID()
	})
	return result
}

// GetService looks a service up by UUID in any accepted notation
func (p *Profile) GetService(uuid string) (Service, error) {
	svc, ok := p.services[NormalizeUUID(uuid)]
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// CharacteristicCount returns the number of characteristics across all services
func (p *Profile) CharacteristicCount() int {
	n := 0
	for _, svc := range p.services {
		n += len(svc.characteristics)
	}
	return n
}

// ----------------------------
// BLE Service
// ----------------------------

// BLEService represents a GATT service and its characteristics
type BLEService struct {
	uuid            string
	characteristics map[string]*BLECharacteristic
}

func (s *BLEService) UUID() string {
	return s.uuid
}

// AddCharacteristic adds a characteristic to the service and returns the service for chaining
func (s *BLEService) AddCharacteristic(uuid string, props Properties) *BLEService {
	key := NormalizeUUID(uuid)
	s.characteristics[key] = &BLECharacteristic{
		uuid:        key,
		serviceUUID: s.uuid,
		props:       props,
	}
	return s
}

func (s *BLEService) GetCharacteristics() []Characteristic {
	result := make([]Characteristic, 0, len(s.characteristics))
	for _, char := range s.characteristics {
		result = append(result, char)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UUID() < result[j].UUID()
	})
	return result
}

func (s *BLEService) GetCharacteristic(uuid string) (Characteristic, error) {
	char, ok := s.characteristics[NormalizeUUID(uuid)]
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid, uuid}}
	}
	return char, nil
}

// ----------------------------
// BLE Characteristic
// ----------------------------

// BLECharacteristic is characteristic metadata within a Profile
type BLECharacteristic struct {
	uuid        string
	serviceUUID string
	props       Properties
}

func (c *BLECharacteristic) UUID() string {
	return c.uuid
}

func (c *BLECharacteristic) ServiceUUID() string {
	return c.serviceUUID
}

func (c *BLECharacteristic) Properties() Properties {
	return c.props
}

// Key identifies a characteristic within a profile as "service/characteristic"
// in normalized form.
func Key(c Characteristic) string {
	return NormalizeUUID(c.ServiceUUID()) + "/" + NormalizeUUID(c.UUID())
}
