package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/signals"
	"github.com/nerrad567/ams-agent/internal/throttle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeGate struct{ connected atomic.Bool }

func (g *fakeGate) IsConnected() bool { return g.connected.Load() }

type message struct {
	topic   string
	payload []byte
	qos     byte
}

type fakePublisher struct {
	msgs chan message
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte, qos byte) error {
	p.msgs <- message{topic, payload, qos}
	return nil
}

func (p *fakePublisher) next(t *testing.T) message {
	t.Helper()
	select {
	case m := <-p.msgs:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message published")
		return message{}
	}
}

func (p *fakePublisher) expectNone(t *testing.T) {
	t.Helper()
	select {
	case m := <-p.msgs:
		t.Fatalf("unexpected publish on %s: %s", m.topic, m.payload)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	r     *Reporter
	src   *signals.Static
	gate  *fakeGate
	pub   *fakePublisher
	clock *clocktesting.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	src := signals.NewStatic(signals.Snapshot{
		Wifi:       signals.WifiState{Enabled: true, SSID: "office"},
		Bluetooth:  signals.BluetoothState{Enabled: false, PairedDevices: 3},
		Brightness: 64,
	})
	t.Cleanup(src.Close)

	gate := &fakeGate{}
	gate.connected.Store(true)
	pub := &fakePublisher{msgs: make(chan message, 16)}
	clk := clocktesting.NewFakeClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))

	cfg := Config{Topics: DefaultTopics(), QoS: 1, Cooldown: 2 * time.Second, InitialDelay: 2 * time.Second}
	r := New(cfg, src, gate, pub, WithClock(clk))
	return &harness{r: r, src: src, gate: gate, pub: pub, clock: clk}
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	return m
}

func TestReportAll(t *testing.T) {
	h := newHarness(t)

	if res := h.r.ReportAll(context.Background()); !res.Sent() {
		t.Fatalf("ReportAll() = %v, want sent", res)
	}

	msg := h.pub.next(t)
	if msg.topic != "AMS/device/status" || msg.qos != 1 {
		t.Errorf("published to %s qos %d", msg.topic, msg.qos)
	}

	got := decode(t, msg.payload)
	want := map[string]any{
		"wifiStatus":         "ON",
		"connectedSSID":      "office",
		"bluetoothStatus":    "OFF",
		"pairedDevicesCount": float64(3),
		"screenBrightness":   float64(64),
		"timestamp":          float64(h.clock.Now().UnixMilli()),
	}
	if len(got) != len(want) {
		t.Errorf("payload has %d fields, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v (%T), want %v", k, got[k], got[k], v)
		}
	}
}

func TestReportAll_NotConnected(t *testing.T) {
	h := newHarness(t)
	h.gate.connected.Store(false)

	if res := h.r.ReportAll(context.Background()); res.Reason != throttle.NotConnected {
		t.Errorf("ReportAll() = %v, want NotConnected", res)
	}
	h.pub.expectNone(t)
}

func TestSingleFieldReports(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		call  func() throttle.Result
		topic string
		want  map[string]any
	}{
		{
			name:  "wifi",
			call:  func() throttle.Result { return h.r.ReportWifiChange(ctx, false, "") },
			topic: "AMS/wifi",
			want:  map[string]any{"wifiStatus": "OFF", "connectedSSID": signals.DefaultSSID},
		},
		{
			name:  "bluetooth",
			call:  func() throttle.Result { return h.r.ReportBluetoothChange(ctx, true, 1) },
			topic: "AMS/bluetooth",
			want:  map[string]any{"bluetoothStatus": "ON", "pairedDevicesCount": float64(1)},
		},
		{
			name:  "brightness clamped",
			call:  func() throttle.Result { return h.r.ReportBrightnessChange(ctx, 140) },
			topic: "AMS/brightness",
			want:  map[string]any{"screenBrightness": float64(100)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := tt.call(); !res.Sent() {
				t.Fatalf("report = %v, want sent", res)
			}
			msg := h.pub.next(t)
			if msg.topic != tt.topic {
				t.Errorf("topic = %s, want %s", msg.topic, tt.topic)
			}
			got := decode(t, msg.payload)
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
			if _, ok := got["timestamp"]; !ok {
				t.Error("timestamp missing")
			}
		})
	}
}

func TestThrottlesArePerTopic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if !h.r.ReportWifiChange(ctx, true, "a").Sent() {
		t.Fatal("first wifi report should be sent")
	}
	if !h.r.ReportBrightnessChange(ctx, 10).Sent() {
		t.Fatal("brightness report should not share the wifi cooldown")
	}
	if res := h.r.ReportWifiChange(ctx, true, "b"); res.Reason != throttle.RateLimited {
		t.Errorf("second wifi report = %v, want RateLimited", res)
	}

	h.clock.Step(2 * time.Second)
	if !h.r.ReportWifiChange(ctx, true, "c").Sent() {
		t.Error("wifi report after cooldown should be sent")
	}
}

type outcome struct {
	topic string
	res   throttle.Result
}

type recordingObserver struct{ got []outcome }

func (o *recordingObserver) ObserveReport(topic string, res throttle.Result) {
	o.got = append(o.got, outcome{topic, res})
}

func TestObserverSeesEveryOutcome(t *testing.T) {
	src := signals.NewStatic(signals.Snapshot{Brightness: 10})
	t.Cleanup(src.Close)
	gate := &fakeGate{}
	gate.connected.Store(true)
	pub := &fakePublisher{msgs: make(chan message, 4)}
	clk := clocktesting.NewFakeClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	obs := &recordingObserver{}

	r := New(Config{Topics: DefaultTopics()}, src, gate, pub, WithClock(clk), WithObserver(obs))
	ctx := context.Background()

	r.ReportBrightnessChange(ctx, 20)
	r.ReportBrightnessChange(ctx, 30)
	gate.connected.Store(false)
	r.ReportWifiChange(ctx, true, "office")

	want := []outcome{
		{"AMS/brightness", throttle.Result{}},
		{"AMS/brightness", throttle.Result{Reason: throttle.RateLimited}},
		{"AMS/wifi", throttle.Result{Reason: throttle.NotConnected}},
	}
	if len(obs.got) != len(want) {
		t.Fatalf("observed %d outcomes, want %d: %+v", len(obs.got), len(want), obs.got)
	}
	for i, w := range want {
		if obs.got[i].topic != w.topic || obs.got[i].res.Reason != w.res.Reason {
			t.Errorf("outcome[%d] = %s %v, want %s %v", i, obs.got[i].topic, obs.got[i].res, w.topic, w.res)
		}
	}
}

func TestReportInitial(t *testing.T) {
	h := newHarness(t)

	h.gate.connected.Store(false)
	if res := h.r.ReportInitial(context.Background()); res.Reason != throttle.NotConnected {
		t.Fatalf("ReportInitial() while disconnected = %v, want NotConnected", res)
	}

	h.gate.connected.Store(true)
	if res := h.r.ReportInitial(context.Background()); !res.Sent() {
		t.Fatalf("ReportInitial() = %v, want sent", res)
	}
	msg := h.pub.next(t)
	if msg.topic != "AMS/device/init" {
		t.Errorf("topic = %s, want AMS/device/init", msg.topic)
	}
	if got := decode(t, msg.payload); got["isInitialStatus"] != true {
		t.Errorf("isInitialStatus = %v, want true", got["isInitialStatus"])
	}
}

func TestHandleControl(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
		want    int
	}{
		{"valid", `{"screenBrightness":30}`, false, 30},
		{"zero", `{"screenBrightness":0}`, false, 0},
		{"above range", `{"screenBrightness":101}`, true, 64},
		{"negative", `{"screenBrightness":-1}`, true, 64},
		{"missing field", `{"brightness":50}`, true, 64},
		{"wrong type", `{"screenBrightness":"50"}`, true, 64},
		{"malformed", `{`, true, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.r.HandleControl(context.Background(), []byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleControl() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidControl) {
				t.Errorf("error = %v, want ErrInvalidControl", err)
			}
			got, _ := h.src.Brightness(context.Background())
			if got != tt.want {
				t.Errorf("brightness = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEncode_OmitsInitialFlag(t *testing.T) {
	data, err := Encode(StatusPayload{WifiStatus: StatusOn})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if _, ok := decode(t, data)["isInitialStatus"]; ok {
		t.Error("isInitialStatus should be omitted when false")
	}

	data, err = Encode(OnlinePayload{Online: false})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(data) != `{"online":false}` {
		t.Errorf("Encode(OnlinePayload) = %s", data)
	}
}

func TestRun(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	changes, stop := h.src.Watch(8)
	defer stop()
	events := make(chan connection.Event, 4)

	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx, changes, events) }()

	// Signal change produces a single-field report.
	h.src.SetBluetooth(true, 4)
	if msg := h.pub.next(t); msg.topic != "AMS/bluetooth" {
		t.Errorf("topic = %s, want AMS/bluetooth", msg.topic)
	}

	// Connected schedules the initial report after the delay.
	events <- connection.Event{Kind: connection.EventStateChanged, To: connection.StateConnected}
	waitForTimer(t, h.clock)
	h.pub.expectNone(t)
	h.clock.Step(2 * time.Second)
	if msg := h.pub.next(t); msg.topic != "AMS/device/init" {
		t.Errorf("topic = %s, want AMS/device/init", msg.topic)
	}

	// Losing the connection before the delay cancels the pending report.
	events <- connection.Event{Kind: connection.EventStateChanged, To: connection.StateConnected}
	waitForTimer(t, h.clock)
	events <- connection.Event{Kind: connection.EventStateChanged, To: connection.StateReconnecting}
	waitForNoTimer(t, h.clock)
	h.clock.Step(5 * time.Second)
	h.pub.expectNone(t)

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func waitForTimer(t *testing.T, clk *clocktesting.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !clk.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("timer never registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForNoTimer(t *testing.T, clk *clocktesting.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for clk.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("timer never cancelled")
		}
		time.Sleep(time.Millisecond)
	}
}
