package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit UUID", input: "2902", expected: "2902"},
		{name: "16-bit UUID uppercase", input: "2A37", expected: "2a37"},
		{name: "16-bit UUID with 0x prefix", input: "0x2902", expected: "2902"},
		{name: "16-bit UUID with 0X prefix", input: "0X2902", expected: "2902"},
		{name: "SIG base UUID with dashes", input: "0000180d-0000-1000-8000-00805f9b34fb", expected: "180d"},
		{name: "SIG base UUID without dashes", input: "0000290200001000800000805f9b34fb", expected: "2902"},
		{name: "SIG base UUID uppercase", input: "00002902-0000-1000-8000-00805F9B34FB", expected: "2902"},
		{name: "NUS service", input: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", expected: "6e400001b5a3f393e0a9e50e24dcca9e"},
		{name: "NUS write characteristic", input: "6e400002-b5a3-f393-e0a9-e50e24dcca9e", expected: "6e400002b5a3f393e0a9e50e24dcca9e"},
		{name: "custom UUID with SIG-like suffix but wrong prefix", input: "AA002902-0000-1000-8000-00805f9b34fb", expected: "aa00290200001000800000805f9b34fb"},
		{name: "32-bit UUID", input: "12345678", expected: "12345678"},
		{name: "surrounding whitespace", input: "  2a19 ", expected: "2a19"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	input := []string{"2902", "0x180d", "0000-2a37-0000-1000-8000-00805f9b34fb", "6e400003-b5a3-f393-e0a9-e50e24dcca9e"}
	expected := []string{"2902", "180d", "2a37", "6e400003b5a3f393e0a9e50e24dcca9e"}

	assert.Equal(t, expected, NormalizeUUIDs(input))
}

func TestNormalizeUUID_NoShortening(t *testing.T) {
	inputs := []string{
		"AA002902-0000-1000-8000-00805f9b34fb",
		"00002902-1234-5678-9abc-def012345678",
		"0000290200001000800000805f9b34fb00",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			result := NormalizeUUID(in)
			assert.NotEqual(t, "2902", result, "MUST NOT shorten non-SIG UUID")
			assert.Equal(t, strings.ToLower(strings.ReplaceAll(in, "-", "")), result)
		})
	}
}

func TestSameUUID(t *testing.T) {
	assert.True(t, SameUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"))
	assert.True(t, SameUUID("180F", "0000180f-0000-1000-8000-00805f9b34fb"))
	assert.False(t, SameUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e", "6e400003-b5a3-f393-e0a9-e50e24dcca9e"))
	assert.False(t, SameUUID("", ""), "empty UUIDs MUST never match")
}

func TestValidateUUID(t *testing.T) {
	t.Run("accepts short and full forms", func(t *testing.T) {
		got, err := ValidateUUID("180d", "0x2A37", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400003b5a3f393e0a9e50e24dcca9e")
		require.NoError(t, err)
		assert.Equal(t, []string{"180d", "2a37", "6e400001b5a3f393e0a9e50e24dcca9e", "6e400003b5a3f393e0a9e50e24dcca9e"}, got)
	})

	t.Run("rejects empty input list", func(t *testing.T) {
		_, err := ValidateUUID()
		assert.EqualError(t, err, "at least one UUID is required")
	})

	t.Run("rejects empty UUID", func(t *testing.T) {
		_, err := ValidateUUID("180d", "")
		assert.EqualError(t, err, "UUID at index 1 cannot be empty")
	})

	t.Run("rejects non-hex short UUID", func(t *testing.T) {
		_, err := ValidateUUID("zz0d")
		assert.ErrorContains(t, err, "invalid UUID format at index 0")
	})

	t.Run("rejects malformed long UUID", func(t *testing.T) {
		_, err := ValidateUUID("6e400001-b5a3-f393-e0a9-e50e24dccaXX")
		assert.ErrorContains(t, err, "invalid UUID format at index 0")
	})

	t.Run("rejects odd length", func(t *testing.T) {
		_, err := ValidateUUID("123")
		assert.ErrorContains(t, err, "invalid UUID format")
	})
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "6e400003", ShortenUUID("6e400003b5a3f393e0a9e50e24dcca9e"))
	assert.Equal(t, "2a37", ShortenUUID("2a37"))
}
