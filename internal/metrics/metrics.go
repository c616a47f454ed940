package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/signals"
	"github.com/nerrad567/ams-agent/internal/throttle"
)

const namespace = "ams"

// states lists every connection state so the state gauge always exports
// one series per state.
var states = []connection.State{
	connection.StateDisconnected,
	connection.StateConnecting,
	connection.StateConnected,
	connection.StateReconnecting,
	connection.StateFailed,
}

// AgentMetrics holds the agent's Prometheus collectors.
type AgentMetrics struct {
	ConnectionState   *prometheus.GaugeVec
	Transitions       *prometheus.CounterVec
	ReconnectAttempt  prometheus.Gauge
	ReconnectDelay    prometheus.Histogram
	SubscribeFailures *prometheus.CounterVec
	Reports           *prometheus.CounterVec
	WifiEnabled       prometheus.Gauge
	BluetoothEnabled  prometheus.Gauge
	PairedDevices     prometheus.Gauge
	Brightness        prometheus.Gauge
	NetworkAvailable  prometheus.Gauge
	registry          *prometheus.Registry
}

// New creates the collectors and registers them with registry.
func New(registry *prometheus.Registry) (*AgentMetrics, error) {
	m := &AgentMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register agent metrics: %w", err)
	}
	m.Seed(connection.StateDisconnected, true)
	return m, nil
}

// Seed sets the connection state and network gauges before the first event
// arrives. The network starts reachable, as the watcher does.
func (m *AgentMetrics) Seed(state connection.State, reachable bool) {
	m.setState(state)
	m.NetworkAvailable.Set(boolToFloat(reachable))
}

func (m *AgentMetrics) initMetrics() {
	m.ConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mqtt_connection_state",
		Help:      "Current MQTT connection state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	m.Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_state_transitions_total",
		Help:      "Total number of connection state transitions",
	}, []string{"from", "to"})

	m.ReconnectAttempt = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mqtt_reconnect_attempt",
		Help:      "Current reconnect attempt, reset to 0 on connect",
	})

	m.ReconnectDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "mqtt_reconnect_delay_seconds",
		Help:      "Scheduled reconnect backoff delays",
		Buckets:   prometheus.LinearBuckets(1, 1, 12),
	})

	m.SubscribeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_subscribe_failures_total",
		Help:      "Total number of subscriptions that failed after their retry",
	}, []string{"topic"})

	m.Reports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_total",
		Help:      "Total number of report attempts by topic and outcome",
	}, []string{"topic", "result"})

	m.WifiEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "wifi_enabled",
		Help:      "Whether the wireless radio is enabled",
	})

	m.BluetoothEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bluetooth_enabled",
		Help:      "Whether the bluetooth adapter is powered",
	})

	m.PairedDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bluetooth_paired_devices",
		Help:      "Number of paired bluetooth devices",
	})

	m.Brightness = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "screen_brightness_percent",
		Help:      "Screen brightness in percent",
	})

	m.NetworkAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "network_available",
		Help:      "Whether the network is reachable",
	})
}

// ObserveEvent updates connection metrics from a manager event.
func (m *AgentMetrics) ObserveEvent(ev connection.Event) {
	switch ev.Kind {
	case connection.EventStateChanged:
		m.Transitions.WithLabelValues(string(ev.From), string(ev.To)).Inc()
		m.setState(ev.To)
		m.ReconnectAttempt.Set(float64(ev.Attempt))
		if ev.To == connection.StateReconnecting && ev.Delay > 0 {
			m.ReconnectDelay.Observe(ev.Delay.Seconds())
		}
	case connection.EventSubscribeFailed:
		m.SubscribeFailures.WithLabelValues(ev.Topic).Inc()
	}
}

// ObserveReport counts a report attempt. It satisfies reporter.Observer.
func (m *AgentMetrics) ObserveReport(topic string, res throttle.Result) {
	result := "sent"
	if !res.Sent() {
		result = strings.ReplaceAll(res.Reason.String(), " ", "_")
	}
	m.Reports.WithLabelValues(topic, result).Inc()
}

// ObserveSnapshot sets every signal gauge.
func (m *AgentMetrics) ObserveSnapshot(s signals.Snapshot) {
	m.WifiEnabled.Set(boolToFloat(s.Wifi.Enabled))
	m.BluetoothEnabled.Set(boolToFloat(s.Bluetooth.Enabled))
	m.PairedDevices.Set(float64(s.Bluetooth.PairedDevices))
	m.Brightness.Set(float64(s.Brightness))
}

// ObserveChange updates the gauge matching a signal change.
func (m *AgentMetrics) ObserveChange(c signals.Change) {
	switch c.Kind {
	case signals.KindWifi:
		m.WifiEnabled.Set(boolToFloat(c.Wifi.Enabled))
	case signals.KindBluetooth:
		m.BluetoothEnabled.Set(boolToFloat(c.Bluetooth.Enabled))
		m.PairedDevices.Set(float64(c.Bluetooth.PairedDevices))
	case signals.KindBrightness:
		m.Brightness.Set(float64(c.Brightness))
	case signals.KindConnectivity:
		m.NetworkAvailable.Set(boolToFloat(c.Connectivity.Available))
	}
}

// Run feeds events and changes into the collectors until ctx is done or
// both channels are closed. A nil channel is never read.
func (m *AgentMetrics) Run(ctx context.Context, events <-chan connection.Event, changes <-chan signals.Change) error {
	for events != nil || changes != nil {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.ObserveEvent(ev)
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			m.ObserveChange(c)
		}
	}
	return nil
}

func (m *AgentMetrics) setState(current connection.State) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collect implements the prometheus.Collector interface.
func (m *AgentMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ConnectionState.Collect(ch)
	m.Transitions.Collect(ch)
	ch <- m.ReconnectAttempt
	ch <- m.ReconnectDelay
	m.SubscribeFailures.Collect(ch)
	m.Reports.Collect(ch)
	ch <- m.WifiEnabled
	ch <- m.BluetoothEnabled
	ch <- m.PairedDevices
	ch <- m.Brightness
	ch <- m.NetworkAvailable
}

// Describe implements the prometheus.Collector interface.
func (m *AgentMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ConnectionState.Describe(ch)
	m.Transitions.Describe(ch)
	ch <- m.ReconnectAttempt.Desc()
	ch <- m.ReconnectDelay.Desc()
	m.SubscribeFailures.Describe(ch)
	m.Reports.Describe(ch)
	ch <- m.WifiEnabled.Desc()
	ch <- m.BluetoothEnabled.Desc()
	ch <- m.PairedDevices.Desc()
	ch <- m.Brightness.Desc()
	ch <- m.NetworkAvailable.Desc()
}
