// Package signals defines the device signal sources consumed by the reporter.
//
// Three read-only signals are reported: wireless state, bluetooth state and
// screen brightness. A fourth, connectivity, drives the network watcher.
// Sources publish Change values through a Hub; each consumer takes its own
// Watch subscription.
//
// Static is an in-memory implementation. Package signals/linux reads the
// same signals from BlueZ and NetworkManager over D-Bus and from the sysfs
// backlight class.
package signals
