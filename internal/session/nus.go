package session

// Nordic UART Service identifiers.
const (
	ServiceUUID    = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	WriteCharUUID  = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E" // host to device
	NotifyCharUUID = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E" // device to host
)
