package bluez

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"btaudio/internal/device"
	"btaudio/internal/engine"
	"btaudio/internal/logging"
)

// Registry resolves audio devices from the Bluetooth stack's object tree.
// It keeps a snapshot of adapters and devices that is refreshed lazily
// whenever a bus signal has invalidated it.
type Registry struct {
	bus     *Bus
	log     *slog.Logger
	adapter string // restrict to one local adapter address, empty for any

	mu       sync.Mutex
	dirty    bool
	adapters map[dbus.ObjectPath]string // path -> address
	devices  []*busDevice
}

// NewRegistry builds a registry and takes the initial snapshot.
func NewRegistry(bus *Bus, adapterAddress string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		bus:     bus,
		log:     logger.With(logging.String("component", "bluez")),
		adapter: adapterAddress,
		dirty:   true,
	}
	if err := r.refresh(); err != nil {
		return nil, err
	}
	go r.watch()
	return r, nil
}

// watch marks the snapshot dirty on any signal from the Bluetooth service.
func (r *Registry) watch() {
	if err := r.bus.conn.AddMatchSignal(dbus.WithMatchSender(busName)); err != nil {
		r.log.Warn("unable to watch bus signals", logging.Error(err))
		return
	}
	ch := make(chan *dbus.Signal, 16)
	r.bus.conn.Signal(ch)
	for range ch {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
	}
}

func (r *Registry) refresh() error {
	objects, err := r.bus.managedObjects()
	if err != nil {
		return err
	}

	adapters := make(map[dbus.ObjectPath]string)
	for path, ifaces := range objects {
		if props, ok := ifaces[adapterIface]; ok {
			adapters[path] = variantString(props, "Address")
		}
	}

	var devices []*busDevice
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		var adapterPath dbus.ObjectPath
		if v, ok := props["Adapter"]; ok {
			adapterPath, _ = v.Value().(dbus.ObjectPath)
		}
		if r.adapter != "" && !strings.EqualFold(r.adapter, adapters[adapterPath]) {
			continue
		}
		d := &busDevice{
			path:      path,
			local:     adapters[adapterPath],
			remote:    variantString(props, "Address"),
			connected: variantBool(props, "Connected"),
		}
		for _, u := range variantStrings(props, "UUIDs") {
			switch strings.ToLower(u) {
			case uuidAudioSink:
				d.sink = true
			case uuidAudioSource:
				d.source = true
			case uuidHeadset, uuidHandsfree:
				d.headset = true
			}
		}
		devices = append(devices, d)
	}

	r.mu.Lock()
	r.adapters = adapters
	r.devices = devices
	r.dirty = false
	r.mu.Unlock()
	return nil
}

// Find resolves a device from the identity triple. Empty fields act as
// wildcards; when connected is true the requested service must currently be
// up on the device.
func (r *Registry) Find(objectPath, local, remote, iface string, connected bool) (device.Device, bool) {
	r.mu.Lock()
	dirty := r.dirty
	r.mu.Unlock()
	if dirty {
		if err := r.refresh(); err != nil {
			r.log.Warn("device snapshot refresh failed", logging.Error(err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if objectPath != "" && objectPath != string(d.path) {
			continue
		}
		if local != "" && !strings.EqualFold(local, d.local) {
			continue
		}
		if remote != "" && !strings.EqualFold(remote, d.remote) {
			continue
		}
		if !d.matches(iface, connected) {
			continue
		}
		return d, true
	}
	return nil, false
}

// busDevice is an immutable snapshot of one remote device.
type busDevice struct {
	path      dbus.ObjectPath
	local     string
	remote    string
	connected bool
	sink      bool
	source    bool
	headset   bool
}

func (d *busDevice) matches(iface string, connected bool) bool {
	switch iface {
	case "":
	case device.SinkInterface:
		if !d.sink {
			return false
		}
	case device.SourceInterface:
		if !d.source {
			return false
		}
	case device.HeadsetInterface:
		if !d.headset {
			return false
		}
	default:
		return false
	}
	return !connected || d.connected
}

func (d *busDevice) LocalAddress() string  { return d.local }
func (d *busDevice) RemoteAddress() string { return d.remote }
func (d *busDevice) ObjectPath() string    { return string(d.path) }
func (d *busDevice) HasSink() bool         { return d.sink }
func (d *busDevice) HasSource() bool       { return d.source }
func (d *busDevice) HasHeadset() bool      { return d.headset }
func (d *busDevice) SinkConnected() bool   { return d.sink && d.connected }
func (d *busDevice) HeadsetActive() bool   { return d.headset && d.connected }

// Headset returns nil: the modern stack exposes no synchronous-channel
// control object, so headset sessions against bus-backed devices fail at
// open time.
func (d *busDevice) Headset() engine.Headset { return nil }
