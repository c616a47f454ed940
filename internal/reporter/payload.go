package reporter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/ams-agent/internal/signals"
)

// Radio status strings.
const (
	StatusOn  = "ON"
	StatusOff = "OFF"
)

// Payload is implemented by every message the reporter publishes.
type Payload interface {
	payload()
}

// StatusPayload is the aggregate device status.
type StatusPayload struct {
	WifiStatus         string `json:"wifiStatus"`
	ConnectedSSID      string `json:"connectedSSID"`
	BluetoothStatus    string `json:"bluetoothStatus"`
	PairedDevicesCount int    `json:"pairedDevicesCount"`
	ScreenBrightness   int    `json:"screenBrightness"`
	Timestamp          int64  `json:"timestamp"`
	IsInitialStatus    bool   `json:"isInitialStatus,omitempty"`
}

// WifiPayload is published on the wifi topic.
type WifiPayload struct {
	WifiStatus    string `json:"wifiStatus"`
	ConnectedSSID string `json:"connectedSSID"`
	Timestamp     int64  `json:"timestamp"`
}

// BluetoothPayload is published on the bluetooth topic.
type BluetoothPayload struct {
	BluetoothStatus    string `json:"bluetoothStatus"`
	PairedDevicesCount int    `json:"pairedDevicesCount"`
	Timestamp          int64  `json:"timestamp"`
}

// BrightnessPayload is published on the brightness topic.
type BrightnessPayload struct {
	ScreenBrightness int   `json:"screenBrightness"`
	Timestamp        int64 `json:"timestamp"`
}

// OnlinePayload is the retained presence message and last will.
type OnlinePayload struct {
	Online bool `json:"online"`
}

// ControlPayload is the inbound brightness command.
type ControlPayload struct {
	ScreenBrightness *int `json:"screenBrightness"`
}

func (StatusPayload) payload()     {}
func (WifiPayload) payload()       {}
func (BluetoothPayload) payload()  {}
func (BrightnessPayload) payload() {}
func (OnlinePayload) payload()     {}

// Encode serializes p. All outbound messages go through here.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", p, err)
	}
	return data, nil
}

// NewStatusPayload builds the aggregate payload from a snapshot.
func NewStatusPayload(s signals.Snapshot) StatusPayload {
	return StatusPayload{
		WifiStatus:         onOff(s.Wifi.Enabled),
		ConnectedSSID:      ssid(s.Wifi.SSID),
		BluetoothStatus:    onOff(s.Bluetooth.Enabled),
		PairedDevicesCount: max(s.Bluetooth.PairedDevices, 0),
		ScreenBrightness:   signals.ClampPercent(s.Brightness),
		Timestamp:          millis(s.At),
	}
}

// NewWifiPayload builds the wifi payload.
func NewWifiPayload(w signals.WifiState, at time.Time) WifiPayload {
	return WifiPayload{
		WifiStatus:    onOff(w.Enabled),
		ConnectedSSID: ssid(w.SSID),
		Timestamp:     millis(at),
	}
}

// NewBluetoothPayload builds the bluetooth payload.
func NewBluetoothPayload(b signals.BluetoothState, at time.Time) BluetoothPayload {
	return BluetoothPayload{
		BluetoothStatus:    onOff(b.Enabled),
		PairedDevicesCount: max(b.PairedDevices, 0),
		Timestamp:          millis(at),
	}
}

// NewBrightnessPayload builds the brightness payload. value is clamped to 0..100.
func NewBrightnessPayload(value int, at time.Time) BrightnessPayload {
	return BrightnessPayload{
		ScreenBrightness: signals.ClampPercent(value),
		Timestamp:        millis(at),
	}
}

// ParseControl decodes and validates an inbound brightness command.
func ParseControl(data []byte) (int, error) {
	var c ControlPayload
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidControl, err)
	}
	if c.ScreenBrightness == nil {
		return 0, fmt.Errorf("%w: missing screenBrightness", ErrInvalidControl)
	}
	if err := signals.ValidatePercent(*c.ScreenBrightness); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidControl, err)
	}
	return *c.ScreenBrightness, nil
}

func onOff(b bool) string {
	if b {
		return StatusOn
	}
	return StatusOff
}

func ssid(s string) string {
	if s == "" {
		return signals.DefaultSSID
	}
	return s
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
