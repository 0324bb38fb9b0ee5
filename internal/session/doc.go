// Package session implements the device-session state machine for a Nordic UART
// Service peripheral.
//
// A Controller binds one device.Identity, drives connect attempts through a
// device.Transport and publishes its State. Each established link is handed to a
// Validator, which checks the remote services for NUS, subscribes to the notify
// characteristic and forwards payloads to a Sink. A link generation counter ensures
// notifications from a link that has been invalidated are dropped.
//
//	ctrl := session.NewController(goble.NewTransport(logger), session.WithLogger(logger))
//	updates, stop := ctrl.Watch()
//	defer stop()
//	_ = ctrl.Connect(device.Identity{Address: addr})
//	for st := range updates {
//	    fmt.Println(st)
//	}
package session
