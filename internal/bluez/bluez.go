// Package bluez talks to the BlueZ daemon on the system D-Bus: it watches
// device and call objects, invokes Call1 and MediaPlayer1 methods, and wraps
// the bluetoothctl and dbus-send command line tools used when the bus cannot
// be reached directly.
package bluez

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName         = "org.bluez"
	deviceIface     = "org.bluez.Device1"
	callIface       = "org.bluez.Call1"
	mediaCtlIface   = "org.bluez.MediaControl1"
	mediaPlayIface  = "org.bluez.MediaPlayer1"
	propsIface      = "org.freedesktop.DBus.Properties"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"

	propsChangedSignal = propsIface + ".PropertiesChanged"
	ifacesAddedSignal  = objManagerIface + ".InterfacesAdded"
	ifacesRemovedSig   = objManagerIface + ".InterfacesRemoved"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// macFromPath extracts a MAC address from a BlueZ device object path such as
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF. Call objects below a device path
// resolve to the device's MAC.
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+len("/dev_"):]
	if slash := strings.IndexByte(mac, '/'); slash >= 0 {
		mac = mac[:slash]
	}
	return strings.ReplaceAll(mac, "_", ":")
}

// Bus wraps a system D-Bus connection on which org.bluez is present.
type Bus struct {
	conn *dbus.Conn
}

// Connect opens the system bus and checks that BlueZ owns its name.
func Connect() (*Bus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	for _, n := range names {
		if n == busName {
			return &Bus{conn: conn}, nil
		}
	}
	conn.Close()
	return nil, fmt.Errorf("%s not found on system bus, is bluetooth.service running?", busName)
}

// Close closes the underlying connection.
func (b *Bus) Close() error {
	return b.conn.Close()
}

func (b *Bus) getProp(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := b.conn.Object(busName, path).CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *Bus) getString(ctx context.Context, path dbus.ObjectPath, iface, prop string) (string, error) {
	v, err := b.getProp(ctx, path, iface, prop)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("property %s is not a string", prop)
	}
	return s, nil
}

func (b *Bus) managedObjects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects
	call := b.conn.Object(busName, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// deviceInfo reads the Address and Name of a Device1 object.
func (b *Bus) deviceInfo(ctx context.Context, path dbus.ObjectPath) (addr, name string, err error) {
	addr, err = b.getString(ctx, path, deviceIface, "Address")
	if err != nil {
		return "", "", fmt.Errorf("read Address of %s: %w", path, err)
	}
	// Name is optional on Device1; Alias is always present.
	name, err = b.getString(ctx, path, deviceIface, "Name")
	if err != nil {
		name, _ = b.getString(ctx, path, deviceIface, "Alias")
	}
	return addr, name, nil
}

// sortedPaths returns the object paths with the given interface, sorted.
func (o managedObjects) sortedPaths(iface string) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range o {
		if _, ok := ifaces[iface]; ok {
			out = append(out, path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func variantString(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	switch val := v.Value().(type) {
	case string:
		return val, true
	case dbus.ObjectPath:
		return string(val), true
	default:
		return fmt.Sprint(val), true
	}
}

func variantBool(props map[string]dbus.Variant, key string) (bool, bool) {
	v, ok := props[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}
