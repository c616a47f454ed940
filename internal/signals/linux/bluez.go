package linux

import (
	"fmt"
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"github.com/nerrad567/ams-agent/internal/signals"
)

const (
	bluezService    = "org.bluez"
	bluezRoot       = "/org/bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"

	defaultAdapter = "hci0"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluez reads adapter power and paired devices from BlueZ.
type bluez struct {
	conn    *dbus.Conn
	adapter string
}

func (b *bluez) state() (signals.BluetoothState, error) {
	var objs managedObjects
	obj := b.conn.Object(bluezService, "/")
	if err := obj.Call(objManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return signals.BluetoothState{}, fmt.Errorf("bluez GetManagedObjects: %w", err)
	}
	return bluetoothFromObjects(objs, b.adapter), nil
}

// bluetoothFromObjects derives the state of adapter from a BlueZ object tree.
// A missing adapter reads as disabled with no devices.
func bluetoothFromObjects(objs managedObjects, adapter string) signals.BluetoothState {
	if adapter == "" {
		adapter = defaultAdapter
	}
	adapterPath := dbus.ObjectPath(bluezRoot + "/" + adapter)

	var st signals.BluetoothState
	if ifaces, ok := objs[adapterPath]; ok {
		if props, ok := ifaces[adapterIface]; ok {
			st.Enabled = boolProp(props, "Powered")
		}
	}

	prefix := string(adapterPath) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if boolProp(props, "Paired") {
			st.PairedDevices++
		}
	}
	return st
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

// isBluezSignal reports whether sig concerns the BlueZ object tree.
func isBluezSignal(sig *dbus.Signal) bool {
	return strings.HasPrefix(string(sig.Path), bluezRoot) || (sig.Path == "/" && strings.HasPrefix(sig.Name, objManagerIface))
}
