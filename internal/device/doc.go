// Package device defines the transport-neutral BLE contracts used by sessions:
// peripheral identity, connect attempts with a retry policy, established links,
// discovered GATT service snapshots and characteristic property flags.
//
// Concrete transports live in sub-packages (see go-ble). The package also ships
// ConnectRequest, the retrying Attempt implementation shared by transports, and
// an in-memory Profile used for cached service maps and tests.
package device
