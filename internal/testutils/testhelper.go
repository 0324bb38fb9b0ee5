package testutils

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper whose logger writes debug output through t.Log.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(testWriter{t: t})
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// QuietLogger returns a logger that discards everything.
func QuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func CreateProfile() *ProfileBuilder {
	return NewProfileBuilder()
}

func CreateProfileFromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	return NewProfileBuilder().FromJSON(jsonStrFmt, args...)
}

func CreateAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

// NUSProfileJSON describes a conforming Nordic UART peripheral. Format arguments are
// the write and notify characteristic properties.
const NUSProfileJSON = `{
	"services": [
		{ "uuid": "180F", "characteristics": [ { "uuid": "2A19", "properties": "read,notify" } ] },
		{
			"uuid": "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
			"characteristics": [
				{ "uuid": "6E400002-B5A3-F393-E0A9-E50E24DCCA9E", "properties": "%s" },
				{ "uuid": "6E400003-B5A3-F393-E0A9-E50E24DCCA9E", "properties": "%s" }
			]
		}
	]
}`

// CreateNUSProfile builds a NUS profile with the given write and notify properties.
func CreateNUSProfile(writeProps, notifyProps string) *ProfileBuilder {
	return CreateProfileFromJSON(NUSProfileJSON, writeProps, notifyProps)
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
