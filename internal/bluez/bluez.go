// Package bluez backs the gateway's device registry and transport engine
// with the system D-Bus interface of the Bluetooth stack.
package bluez

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	busName = "org.bluez"

	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	propertiesIface    = "org.freedesktop.DBus.Properties"

	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	transportIface = "org.bluez.MediaTransport1"
)

// Service class UUIDs used for role detection.
const (
	uuidAudioSink   = "0000110b-0000-1000-8000-00805f9b34fb"
	uuidAudioSource = "0000110a-0000-1000-8000-00805f9b34fb"
	uuidHeadset     = "00001108-0000-1000-8000-00805f9b34fb"
	uuidHandsfree   = "0000111e-0000-1000-8000-00805f9b34fb"
)

// managedObjects is the ObjectManager listing shape.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Bus wraps one system bus connection shared by the registry and the
// transport adapter. Calls are bounded by the configured timeout.
type Bus struct {
	conn    *dbus.Conn
	timeout time.Duration
}

// Connect opens the system bus.
func Connect(timeout time.Duration) (*Bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bus{conn: conn, timeout: timeout}, nil
}

// Close releases the bus connection.
func (b *Bus) Close() error { return b.conn.Close() }

func (b *Bus) call(path dbus.ObjectPath, method string, out interface{}, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	call := b.conn.Object(busName, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return call.Err
	}
	if out == nil {
		return nil
	}
	return call.Store(out)
}

func (b *Bus) managedObjects() (managedObjects, error) {
	var objects managedObjects
	if err := b.call("/", objectManagerIface+".GetManagedObjects", &objects); err != nil {
		return nil, fmt.Errorf("listing managed objects: %w", err)
	}
	return objects, nil
}

func (b *Bus) property(path dbus.ObjectPath, iface, name string, out interface{}) error {
	var v dbus.Variant
	if err := b.call(path, propertiesIface+".Get", &v, iface, name); err != nil {
		return err
	}
	return v.Store(out)
}

func variantString(props map[string]dbus.Variant, name string) string {
	if v, ok := props[name]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func variantBool(props map[string]dbus.Variant, name string) bool {
	if v, ok := props[name]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

func variantStrings(props map[string]dbus.Variant, name string) []string {
	if v, ok := props[name]; ok {
		if ss, ok := v.Value().([]string); ok {
			return ss
		}
	}
	return nil
}
