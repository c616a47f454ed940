package signals

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultSSID is reported when no wireless network is associated.
const DefaultSSID = "Not connected"

// ErrInvalidBrightness is returned for a brightness outside 0..100.
var ErrInvalidBrightness = errors.New("signals: brightness must be between 0 and 100")

// WifiState is the wireless radio and association state.
type WifiState struct {
	Enabled bool
	SSID    string
}

// BluetoothState is the adapter power state and paired device count.
type BluetoothState struct {
	Enabled       bool
	PairedDevices int
}

// Connectivity is OS-level network reachability.
type Connectivity struct {
	Available   bool
	HasInternet bool
}

// Snapshot is a point-in-time aggregate of all device signals.
type Snapshot struct {
	Wifi       WifiState
	Bluetooth  BluetoothState
	Brightness int // percent, 0..100
	At         time.Time
}

// Kind identifies which signal a Change carries.
type Kind int

const (
	KindWifi Kind = iota + 1
	KindBluetooth
	KindBrightness
	KindConnectivity
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindWifi:
		return "wifi"
	case KindBluetooth:
		return "bluetooth"
	case KindBrightness:
		return "brightness"
	case KindConnectivity:
		return "connectivity"
	default:
		return "unknown"
	}
}

// Change is a single signal update. Only the field matching Kind is meaningful.
type Change struct {
	Kind         Kind
	Wifi         WifiState
	Bluetooth    BluetoothState
	Brightness   int
	Connectivity Connectivity
	At           time.Time
}

// WifiSource reads the wireless state.
type WifiSource interface {
	Wifi(ctx context.Context) (WifiState, error)
}

// BluetoothSource reads the bluetooth state.
type BluetoothSource interface {
	Bluetooth(ctx context.Context) (BluetoothState, error)
}

// BrightnessSource reads the screen brightness in percent.
type BrightnessSource interface {
	Brightness(ctx context.Context) (int, error)
}

// BrightnessSetter applies a brightness in percent.
type BrightnessSetter interface {
	SetBrightness(ctx context.Context, pct int) error
}

// Watcher delivers signal changes to subscribers.
type Watcher interface {
	Watch(buffer int) (<-chan Change, func())
}

// Source is everything the reporter consumes.
type Source interface {
	WifiSource
	BluetoothSource
	BrightnessSource
	BrightnessSetter
	Watcher
}

// Collect reads all three signals into one snapshot.
func Collect(ctx context.Context, src Source, now time.Time) (Snapshot, error) {
	wifi, err := src.Wifi(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading wifi: %w", err)
	}
	bt, err := src.Bluetooth(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading bluetooth: %w", err)
	}
	br, err := src.Brightness(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading brightness: %w", err)
	}
	return Snapshot{Wifi: wifi, Bluetooth: bt, Brightness: ClampPercent(br), At: now}, nil
}

// ClampPercent limits v to 0..100.
func ClampPercent(v int) int {
	return min(max(v, 0), 100)
}

// ValidatePercent returns ErrInvalidBrightness unless 0 <= v <= 100.
func ValidatePercent(v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidBrightness, v)
	}
	return nil
}
