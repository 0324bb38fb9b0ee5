package device

import "strings"

// Properties is the GATT characteristic properties bit field (Core Spec Vol 3, Part G, 3.3.1.1).
type Properties uint8

const (
	PropBroadcast            Properties = 0x01
	PropRead                 Properties = 0x02
	PropWriteWithoutResponse Properties = 0x04
	PropWrite                Properties = 0x08
	PropNotify               Properties = 0x10
	PropIndicate             Properties = 0x20
	PropSignedWrite          Properties = 0x40
	PropExtended             Properties = 0x80
)

var propertyNames = []struct {
	bit  Properties
	name string
}{
	{PropBroadcast, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteWithoutResponse, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropSignedWrite, "AuthenticatedSignedWrites"},
	{PropExtended, "ExtendedProperties"},
}

// Has reports whether every bit of q is set in p.
func (p Properties) Has(q Properties) bool {
	return q != 0 && p&q == q
}

// CanWrite reports the Write (with response) bit. Write-without-response alone does not count.
func (p Properties) CanWrite() bool {
	return p.Has(PropWrite)
}

// CanNotify reports the Notify bit. Indicate alone does not count.
func (p Properties) CanNotify() bool {
	return p.Has(PropNotify)
}

// Names returns the known names of the set bits in bit order.
func (p Properties) Names() []string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p&pn.bit != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Properties) String() string {
	if p == 0 {
		return "None"
	}
	return strings.Join(p.Names(), "|")
}

// ParseProperties parses a comma-separated list such as "read,write,notify".
// Unknown tokens are ignored.
func ParseProperties(s string) Properties {
	var p Properties
	for _, tok := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "broadcast":
			p |= PropBroadcast
		case "read":
			p |= PropRead
		case "write-without-response", "writewithoutresponse", "write_nr":
			p |= PropWriteWithoutResponse
		case "write":
			p |= PropWrite
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		case "signed-write":
			p |= PropSignedWrite
		case "extended":
			p |= PropExtended
		}
	}
	return p
}
