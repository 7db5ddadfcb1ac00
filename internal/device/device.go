// Package device models the remote audio peers the gateway can target and
// the registry collaborator that resolves them. The registry owns the
// device objects; sessions hold only non-owning references.
package device

import "btaudio/internal/engine"

// Audio service interface names used in resolution requests.
const (
	SinkInterface    = "org.bluez.AudioSink"
	SourceInterface  = "org.bluez.AudioSource"
	HeadsetInterface = "org.bluez.Headset"
)

// Device is a remote Bluetooth audio peer.
type Device interface {
	LocalAddress() string
	RemoteAddress() string
	ObjectPath() string

	// Role predicates for service-type resolution.
	HasSink() bool
	HasSource() bool
	HasHeadset() bool
	SinkConnected() bool
	HeadsetActive() bool

	// Headset returns the SCO control surface, or nil when the device
	// exposes no controllable headset role.
	Headset() engine.Headset
}

// Registry resolves a device from the identity triple carried in requests.
// Empty strings act as wildcards. When connected is true the named
// interface must currently be up on the device.
type Registry interface {
	Find(objectPath, local, remote, iface string, connected bool) (Device, bool)
}
