package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/signals"
)

// Measurement names.
const (
	MeasurementSignals    = "device_signals"
	MeasurementConnection = "mqtt_connection"
)

// WriteSnapshot records every signal value as one point.
func (c *Client) WriteSnapshot(s signals.Snapshot) {
	c.write(MeasurementSignals, nil, map[string]any{
		"wifi_enabled":      s.Wifi.Enabled,
		"ssid":              s.Wifi.SSID,
		"bluetooth_enabled": s.Bluetooth.Enabled,
		"paired_devices":    s.Bluetooth.PairedDevices,
		"brightness":        s.Brightness,
	}, s.At)
}

// WriteChange records the fields carried by a single signal change.
func (c *Client) WriteChange(ch signals.Change) {
	var fields map[string]any
	switch ch.Kind {
	case signals.KindWifi:
		fields = map[string]any{"wifi_enabled": ch.Wifi.Enabled, "ssid": ch.Wifi.SSID}
	case signals.KindBluetooth:
		fields = map[string]any{"bluetooth_enabled": ch.Bluetooth.Enabled, "paired_devices": ch.Bluetooth.PairedDevices}
	case signals.KindBrightness:
		fields = map[string]any{"brightness": ch.Brightness}
	case signals.KindConnectivity:
		fields = map[string]any{"network_available": ch.Connectivity.Available, "has_internet": ch.Connectivity.HasInternet}
	default:
		return
	}
	c.write(MeasurementSignals, nil, fields, ch.At)
}

// WriteConnectionEvent records a connection state transition. Other event
// kinds are ignored.
func (c *Client) WriteConnectionEvent(ev connection.Event) {
	if ev.Kind != connection.EventStateChanged {
		return
	}
	c.write(MeasurementConnection,
		map[string]string{"state": string(ev.To)},
		map[string]any{
			"connected": ev.To == connection.StateConnected,
			"attempt":   ev.Attempt,
			"delay_ms":  ev.Delay.Milliseconds(),
		},
		ev.At,
	)
}

// Run writes events and changes until ctx is done or both channels close.
func (c *Client) Run(ctx context.Context, events <-chan connection.Event, changes <-chan signals.Change) error {
	for events != nil || changes != nil {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.WriteConnectionEvent(ev)
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			c.WriteChange(ch)
		}
	}
	return nil
}

func (c *Client) write(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	p := write.NewPoint(measurement, map[string]string{"device_id": c.deviceID}, fields, at)
	for k, v := range tags {
		p.AddTag(k, v)
	}
	c.writeAPI.WritePoint(p)
}
