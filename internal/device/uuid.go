package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// sigBaseSuffix is the Bluetooth SIG base UUID tail (xxxxxxxx-0000-1000-8000-00805f9b34fb)
// in normalized form.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal lookup form: lowercase, no dashes,
// no 0x prefix. Full 128-bit UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb)
// are shortened to their 16-bit form (xxxx). This matches the go-ble UUID.String() output.
func NormalizeUUID(u string) string {
	s := strings.ToLower(strings.TrimSpace(u))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	result := make([]string, len(uuids))
	for i, u := range uuids {
		result[i] = NormalizeUUID(u)
	}
	return result
}

// SameUUID reports whether a and b name the same UUID after normalization.
func SameUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
func ShortenUUID(u string) string {
	if len(u) > 8 {
		return u[:8]
	}
	return u
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// 16- and 32-bit forms must be hex; 128-bit forms must parse as RFC 4122 text.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, u := range uuids {
		if u == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}

		raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(u)), "0x")
		switch len(strings.ReplaceAll(raw, "-", "")) {
		case 4, 8:
			if !isHex(raw) {
				return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, u)
			}
		case 32:
			if _, err := uuid.Parse(raw); err != nil {
				if _, err := uuid.Parse(strings.ReplaceAll(raw, "-", "")); err != nil {
					return nil, fmt.Errorf("invalid UUID format at index %d: %s: %w", i, u, err)
				}
			}
		default:
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, u)
		}

		result = append(result, NormalizeUUID(u))
	}
	return result, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return s != ""
}
