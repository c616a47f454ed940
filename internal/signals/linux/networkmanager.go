package linux

import (
	"fmt"
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"github.com/nerrad567/ams-agent/internal/signals"
)

const (
	nmService     = "org.freedesktop.NetworkManager"
	nmPath        = "/org/freedesktop/NetworkManager"
	nmDeviceIface = nmService + ".Device"
	nmWifiIface   = nmService + ".Device.Wireless"
	nmAPIface     = nmService + ".AccessPoint"

	nmDeviceTypeWifi = 2
)

// NetworkManager global states (NMState).
const (
	nmStateConnectedLocal  = 50
	nmStateConnectedGlobal = 70
)

// networkManager reads wireless and connectivity state.
type networkManager struct {
	conn *dbus.Conn
}

func (n *networkManager) wifi() (signals.WifiState, error) {
	obj := n.conn.Object(nmService, nmPath)

	enabled, err := obj.GetProperty(nmService + ".WirelessEnabled")
	if err != nil {
		return signals.WifiState{}, fmt.Errorf("networkmanager WirelessEnabled: %w", err)
	}
	st := signals.WifiState{SSID: signals.DefaultSSID}
	st.Enabled, _ = enabled.Value().(bool)
	if !st.Enabled {
		return st, nil
	}

	var devices []dbus.ObjectPath
	if err := obj.Call(nmService+".GetDevices", 0).Store(&devices); err != nil {
		return st, fmt.Errorf("networkmanager GetDevices: %w", err)
	}
	for _, dev := range devices {
		if ssid := n.activeSSID(dev); ssid != "" {
			st.SSID = ssid
			break
		}
	}
	return st, nil
}

// activeSSID returns the SSID dev is associated with, or "".
func (n *networkManager) activeSSID(dev dbus.ObjectPath) string {
	d := n.conn.Object(nmService, dev)
	typ, err := d.GetProperty(nmDeviceIface + ".DeviceType")
	if err != nil {
		return ""
	}
	if t, _ := typ.Value().(uint32); t != nmDeviceTypeWifi {
		return ""
	}
	ap, err := d.GetProperty(nmWifiIface + ".ActiveAccessPoint")
	if err != nil {
		return ""
	}
	apPath, _ := ap.Value().(dbus.ObjectPath)
	if apPath == "" || apPath == "/" {
		return ""
	}
	ssid, err := n.conn.Object(nmService, apPath).GetProperty(nmAPIface + ".Ssid")
	if err != nil {
		return ""
	}
	raw, _ := ssid.Value().([]byte)
	return string(raw)
}

func (n *networkManager) connectivity() (signals.Connectivity, error) {
	v, err := n.conn.Object(nmService, nmPath).GetProperty(nmService + ".State")
	if err != nil {
		return signals.Connectivity{}, fmt.Errorf("networkmanager State: %w", err)
	}
	state, _ := v.Value().(uint32)
	return connectivityFromState(state), nil
}

// connectivityFromState maps an NMState onto reachability.
func connectivityFromState(state uint32) signals.Connectivity {
	return signals.Connectivity{
		Available:   state >= nmStateConnectedLocal,
		HasInternet: state == nmStateConnectedGlobal,
	}
}

func isNetworkManagerSignal(sig *dbus.Signal) bool {
	return strings.HasPrefix(string(sig.Path), nmPath)
}

// isStateChanged reports whether sig is the global StateChanged signal.
func isStateChanged(sig *dbus.Signal) (uint32, bool) {
	if sig.Name != nmService+".StateChanged" || len(sig.Body) == 0 {
		return 0, false
	}
	s, ok := sig.Body[0].(uint32)
	return s, ok
}
