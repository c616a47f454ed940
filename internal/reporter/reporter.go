package reporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/signals"
	"github.com/nerrad567/ams-agent/internal/throttle"
)

// Default timings.
const (
	DefaultInitialDelay = 2 * time.Second
	controlTimeout      = 5 * time.Second
)

// Topics names the reporter's MQTT topics.
type Topics struct {
	Wifi              string
	Bluetooth         string
	Brightness        string
	Status            string
	Init              string
	BrightnessControl string
	Online            string
}

// DefaultTopics returns the stock AMS topic set.
func DefaultTopics() Topics {
	return Topics{
		Wifi:              "AMS/wifi",
		Bluetooth:         "AMS/bluetooth",
		Brightness:        "AMS/brightness",
		Status:            "AMS/device/status",
		Init:              "AMS/device/init",
		BrightnessControl: "AMS/brightness/control",
		Online:            "AMS/device/online",
	}
}

// Config configures a Reporter.
type Config struct {
	Topics       Topics
	QoS          byte
	Cooldown     time.Duration // per topic; zero uses throttle.DefaultCooldown
	InitialDelay time.Duration // after each Connected transition
	Interval     time.Duration // periodic ReportAll; zero disables
}

// Logger is the logging interface used by Reporter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Option configures a Reporter.
type Option func(*Reporter)

// Clock is the time source a Reporter needs.
type Clock interface {
	clock.WithTicker
	clock.WithDelayedExecution
}

// WithClock sets the time source for timestamps and timers.
func WithClock(c Clock) Option {
	return func(r *Reporter) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// Observer is told the outcome of every report attempt. It is called on
// the reporting goroutine and must not block.
type Observer interface {
	ObserveReport(topic string, res throttle.Result)
}

// WithObserver adds an outcome observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(r *Reporter) { r.observers = append(r.observers, o) }
}

// Reporter turns signal snapshots into status messages.
//
// Every topic has its own throttle, so a wifi change does not consume the
// brightness cooldown.
type Reporter struct {
	cfg    Config
	src    signals.Source
	clock  Clock
	logger Logger

	throttles map[string]*throttle.Throttle
	observers []Observer

	initMu    sync.Mutex
	initTimer clock.Timer
	initDue   chan struct{}
}

// New creates a reporter that publishes through pub, gated by gate.
func New(cfg Config, src signals.Source, gate throttle.Gate, pub throttle.Publisher, opts ...Option) *Reporter {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	r := &Reporter{
		cfg:     cfg,
		src:     src,
		clock:   clock.RealClock{},
		logger:  noopLogger{},
		initDue: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.throttles = make(map[string]*throttle.Throttle)
	for _, topic := range []string{cfg.Topics.Wifi, cfg.Topics.Bluetooth, cfg.Topics.Brightness, cfg.Topics.Status, cfg.Topics.Init} {
		r.throttles[topic] = throttle.New(gate, pub, cfg.Cooldown, throttle.WithClock(r.clock))
	}
	return r
}

// ReportAll publishes the aggregate status.
func (r *Reporter) ReportAll(ctx context.Context) throttle.Result {
	snap, err := signals.Collect(ctx, r.src, r.clock.Now())
	if err != nil {
		return r.readFailed(r.cfg.Topics.Status, err)
	}
	return r.send(ctx, r.cfg.Topics.Status, NewStatusPayload(snap))
}

// ReportWifiChange publishes a wireless state change.
func (r *Reporter) ReportWifiChange(ctx context.Context, enabled bool, ssid string) throttle.Result {
	w := signals.WifiState{Enabled: enabled, SSID: ssid}
	return r.send(ctx, r.cfg.Topics.Wifi, NewWifiPayload(w, r.clock.Now()))
}

// ReportBluetoothChange publishes a bluetooth state change.
func (r *Reporter) ReportBluetoothChange(ctx context.Context, enabled bool, paired int) throttle.Result {
	b := signals.BluetoothState{Enabled: enabled, PairedDevices: paired}
	return r.send(ctx, r.cfg.Topics.Bluetooth, NewBluetoothPayload(b, r.clock.Now()))
}

// ReportBrightnessChange publishes a brightness change.
func (r *Reporter) ReportBrightnessChange(ctx context.Context, value int) throttle.Result {
	return r.send(ctx, r.cfg.Topics.Brightness, NewBrightnessPayload(value, r.clock.Now()))
}

// ReportInitial publishes the aggregate status flagged as initial. When not
// connected the report is dropped; the next Connected transition schedules
// another.
func (r *Reporter) ReportInitial(ctx context.Context) throttle.Result {
	snap, err := signals.Collect(ctx, r.src, r.clock.Now())
	if err != nil {
		return r.readFailed(r.cfg.Topics.Init, err)
	}
	p := NewStatusPayload(snap)
	p.IsInitialStatus = true
	return r.send(ctx, r.cfg.Topics.Init, p)
}

// HandleControl applies an inbound brightness command.
func (r *Reporter) HandleControl(ctx context.Context, payload []byte) error {
	pct, err := ParseControl(payload)
	if err != nil {
		return err
	}
	if err := r.src.SetBrightness(ctx, pct); err != nil {
		return fmt.Errorf("applying brightness %d: %w", pct, err)
	}
	r.logger.Info("brightness set by control message", "brightness", pct)
	return nil
}

// ControlHandler adapts HandleControl to a subscription handler.
func (r *Reporter) ControlHandler() connection.MessageHandler {
	return func(topic string, payload []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		if err := r.HandleControl(ctx, payload); err != nil {
			r.logger.Warn("control message rejected", "topic", topic, "error", err)
		}
	}
}

// Run reacts to signal changes and connection events until ctx is done.
// A nil channel is simply never read.
func (r *Reporter) Run(ctx context.Context, changes <-chan signals.Change, events <-chan connection.Event) error {
	var tick <-chan time.Time
	if r.cfg.Interval > 0 {
		ticker := r.clock.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C()
	}
	defer r.cancelInitial()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			r.handleChange(ctx, c)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.handleEvent(ev)

		case <-r.initDue:
			r.log("initial", r.ReportInitial(ctx))

		case <-tick:
			r.log("periodic", r.ReportAll(ctx))
		}
	}
}

func (r *Reporter) handleChange(ctx context.Context, c signals.Change) {
	switch c.Kind {
	case signals.KindWifi:
		r.log("wifi", r.ReportWifiChange(ctx, c.Wifi.Enabled, c.Wifi.SSID))
	case signals.KindBluetooth:
		r.log("bluetooth", r.ReportBluetoothChange(ctx, c.Bluetooth.Enabled, c.Bluetooth.PairedDevices))
	case signals.KindBrightness:
		r.log("brightness", r.ReportBrightnessChange(ctx, c.Brightness))
	}
}

func (r *Reporter) handleEvent(ev connection.Event) {
	if ev.Kind != connection.EventStateChanged {
		return
	}
	if ev.To == connection.StateConnected {
		r.scheduleInitial()
		return
	}
	r.cancelInitial()
}

// scheduleInitial arms the initial report, replacing a pending one.
func (r *Reporter) scheduleInitial() {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initTimer != nil {
		r.initTimer.Stop()
	}
	r.initTimer = r.clock.AfterFunc(r.cfg.InitialDelay, func() {
		select {
		case r.initDue <- struct{}{}:
		default:
		}
	})
}

func (r *Reporter) cancelInitial() {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initTimer != nil {
		r.initTimer.Stop()
		r.initTimer = nil
	}
	// Drop a report that fired but was not yet handled.
	select {
	case <-r.initDue:
	default:
	}
}

func (r *Reporter) send(ctx context.Context, topic string, p Payload) throttle.Result {
	data, err := Encode(p)
	if err != nil {
		return r.observe(topic, throttle.Result{Reason: throttle.PublishFailed, Err: err})
	}
	return r.observe(topic, r.throttles[topic].TrySend(ctx, topic, data, r.cfg.QoS))
}

func (r *Reporter) readFailed(topic string, err error) throttle.Result {
	r.logger.Warn("reading device signals", "topic", topic, "error", err)
	return r.observe(topic, throttle.Result{Reason: throttle.PublishFailed, Err: fmt.Errorf("%w: %w", ErrSignalRead, err)})
}

func (r *Reporter) observe(topic string, res throttle.Result) throttle.Result {
	for _, o := range r.observers {
		o.ObserveReport(topic, res)
	}
	return res
}

func (r *Reporter) log(report string, res throttle.Result) {
	switch {
	case res.Sent():
		r.logger.Debug("report sent", "report", report)
	case res.Reason == throttle.PublishFailed:
		r.logger.Warn("report failed", "report", report, "error", res.Err)
	default:
		r.logger.Debug("report skipped", "report", report, "reason", res.Reason.String())
	}
}
