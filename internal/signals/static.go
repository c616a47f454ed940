package signals

import (
	"context"
	"sync"
	"time"
)

// Static is an in-memory Source. Setters record the value and publish a
// change when it differs from the current one.
type Static struct {
	*Hub

	mu           sync.Mutex
	wifi         WifiState
	bluetooth    BluetoothState
	brightness   int
	connectivity Connectivity
	now          func() time.Time
}

// NewStatic creates a source holding initial.
func NewStatic(initial Snapshot) *Static {
	if initial.Wifi.SSID == "" {
		initial.Wifi.SSID = DefaultSSID
	}
	return &Static{
		Hub:          NewHub(nil),
		wifi:         initial.Wifi,
		bluetooth:    initial.Bluetooth,
		brightness:   ClampPercent(initial.Brightness),
		connectivity: Connectivity{Available: true, HasInternet: true},
		now:          time.Now,
	}
}

func (s *Static) Wifi(context.Context) (WifiState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wifi, nil
}

func (s *Static) Bluetooth(context.Context) (BluetoothState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bluetooth, nil
}

func (s *Static) Brightness(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brightness, nil
}

// Connectivity returns the current reachability.
func (s *Static) Connectivity() Connectivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectivity
}

// SetBrightness implements BrightnessSetter.
func (s *Static) SetBrightness(_ context.Context, pct int) error {
	if err := ValidatePercent(pct); err != nil {
		return err
	}
	s.mu.Lock()
	changed := s.brightness != pct
	s.brightness = pct
	s.mu.Unlock()
	if changed {
		s.Publish(Change{Kind: KindBrightness, Brightness: pct, At: s.now()})
	}
	return nil
}

// SetWifi updates the wireless state. An empty SSID becomes DefaultSSID.
func (s *Static) SetWifi(enabled bool, ssid string) {
	if ssid == "" {
		ssid = DefaultSSID
	}
	w := WifiState{Enabled: enabled, SSID: ssid}
	s.mu.Lock()
	changed := s.wifi != w
	s.wifi = w
	s.mu.Unlock()
	if changed {
		s.Publish(Change{Kind: KindWifi, Wifi: w, At: s.now()})
	}
}

// SetBluetooth updates the bluetooth state.
func (s *Static) SetBluetooth(enabled bool, paired int) {
	b := BluetoothState{Enabled: enabled, PairedDevices: max(paired, 0)}
	s.mu.Lock()
	changed := s.bluetooth != b
	s.bluetooth = b
	s.mu.Unlock()
	if changed {
		s.Publish(Change{Kind: KindBluetooth, Bluetooth: b, At: s.now()})
	}
}

// SetConnectivity updates reachability. Every call publishes so that
// repeated availability callbacks reach the network watcher.
func (s *Static) SetConnectivity(c Connectivity) {
	s.mu.Lock()
	s.connectivity = c
	s.mu.Unlock()
	s.Publish(Change{Kind: KindConnectivity, Connectivity: c, At: s.now()})
}
