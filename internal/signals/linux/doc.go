// Package linux implements signals.Source on a Linux host.
//
//   - Bluetooth: BlueZ org.bluez.Adapter1 Powered, and the number of
//     org.bluez.Device1 objects with Paired set.
//   - Wireless: NetworkManager WirelessEnabled and the SSID of the active
//     access point ("Not connected" when none).
//   - Connectivity: NetworkManager global State and its StateChanged signal.
//   - Brightness: /sys/class/backlight/<device>, normalised as raw*100/max.
//
// Writing brightness usually needs root or a udev rule granting write access
// to the brightness attribute.
package linux
