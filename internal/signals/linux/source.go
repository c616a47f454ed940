package linux

import (
	"context"
	"fmt"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"k8s.io/utils/clock"

	"github.com/nerrad567/ams-agent/internal/signals"
)

const (
	defaultBacklightPoll = time.Second
	signalBuffer         = 32
)

// Logger is the logging interface used by Source.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Options configures a Source.
type Options struct {
	BluetoothAdapter string        // default hci0
	BacklightRoot    string        // default /sys/class/backlight
	BacklightDevice  string        // default first device
	BacklightPoll    time.Duration // default 1s
	Clock            clock.WithTicker
	Logger           Logger
}

// Source reads device signals from the running Linux system.
//
// Wireless and connectivity come from NetworkManager, bluetooth from BlueZ,
// both over the system D-Bus. Brightness is polled from sysfs because the
// backlight class has no change notification.
type Source struct {
	*signals.Hub

	conn      *dbus.Conn
	bt        *bluez
	nm        *networkManager
	backlight *Backlight

	clock  clock.WithTicker
	poll   time.Duration
	logger Logger

	mu         sync.Mutex
	wifi       signals.WifiState
	bluetooth  signals.BluetoothState
	brightness int
	nmState    uint32
	primed     bool
}

// New connects to the system bus and opens the backlight device.
func New(opts Options) (*Source, error) {
	backlight, err := OpenBacklight(opts.BacklightRoot, opts.BacklightDevice)
	if err != nil {
		return nil, err
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting system bus: %w", err)
	}
	return newSource(conn, backlight, opts), nil
}

func newSource(conn *dbus.Conn, backlight *Backlight, opts Options) *Source {
	s := &Source{
		conn:      conn,
		backlight: backlight,
		clock:     opts.Clock,
		poll:      opts.BacklightPoll,
		logger:    opts.Logger,
	}
	if conn != nil {
		s.bt = &bluez{conn: conn, adapter: opts.BluetoothAdapter}
		s.nm = &networkManager{conn: conn}
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.poll <= 0 {
		s.poll = defaultBacklightPoll
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	s.Hub = signals.NewHub(func(c signals.Change) {
		s.logger.Warn("signal change dropped, watcher full", "kind", c.Kind.String())
	})
	return s
}

// Wifi implements signals.WifiSource.
func (s *Source) Wifi(context.Context) (signals.WifiState, error) {
	return s.nm.wifi()
}

// Bluetooth implements signals.BluetoothSource.
func (s *Source) Bluetooth(context.Context) (signals.BluetoothState, error) {
	return s.bt.state()
}

// Brightness implements signals.BrightnessSource.
func (s *Source) Brightness(ctx context.Context) (int, error) {
	return s.backlight.Brightness(ctx)
}

// SetBrightness implements signals.BrightnessSetter. The change is
// published by the next poll.
func (s *Source) SetBrightness(ctx context.Context, pct int) error {
	return s.backlight.SetBrightness(ctx, pct)
}

// Connectivity returns the current NetworkManager reachability.
func (s *Source) Connectivity() (signals.Connectivity, error) {
	return s.nm.connectivity()
}

// Run watches D-Bus signals and polls the backlight until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(bluezRoot)},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
		{dbus.WithMatchInterface(nmService), dbus.WithMatchMember("StateChanged")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(nmPath)},
	}
	for _, m := range matches {
		if err := s.conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("adding D-Bus match: %w", err)
		}
		defer func(m []dbus.MatchOption) { _ = s.conn.RemoveMatchSignal(m...) }(m)
	}

	sigCh := make(chan *dbus.Signal, signalBuffer)
	s.conn.Signal(sigCh)
	defer s.conn.RemoveSignal(sigCh)

	// Prime the cached state so the first real change is detected.
	s.refreshWifi()
	s.refreshBluetooth()
	s.refreshConnectivity()
	s.pollBrightness(ctx)
	s.mu.Lock()
	s.primed = true
	s.mu.Unlock()

	ticker := s.clock.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sigCh:
			if !ok {
				return nil
			}
			s.handleSignal(sig)
		case <-ticker.C():
			s.pollBrightness(ctx)
		}
	}
}

// Close releases the bus connection and closes all watchers.
func (s *Source) Close() error {
	s.Hub.Close()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Source) handleSignal(sig *dbus.Signal) {
	switch {
	case isBluezSignal(sig):
		s.refreshBluetooth()
	case isNetworkManagerSignal(sig):
		if state, ok := isStateChanged(sig); ok {
			s.applyConnectivity(state)
		}
		s.refreshWifi()
	}
}

func (s *Source) refreshWifi() {
	w, err := s.nm.wifi()
	if err != nil {
		s.logger.Debug("reading wifi state", "error", err)
		return
	}
	s.mu.Lock()
	changed := s.wifi != w && s.primed
	s.wifi = w
	s.mu.Unlock()
	if changed {
		s.Publish(signals.Change{Kind: signals.KindWifi, Wifi: w, At: s.clock.Now()})
	}
}

func (s *Source) refreshBluetooth() {
	b, err := s.bt.state()
	if err != nil {
		s.logger.Debug("reading bluetooth state", "error", err)
		return
	}
	s.mu.Lock()
	changed := s.bluetooth != b && s.primed
	s.bluetooth = b
	s.mu.Unlock()
	if changed {
		s.Publish(signals.Change{Kind: signals.KindBluetooth, Bluetooth: b, At: s.clock.Now()})
	}
}

func (s *Source) refreshConnectivity() {
	v, err := s.conn.Object(nmService, nmPath).GetProperty(nmService + ".State")
	if err != nil {
		s.logger.Debug("reading connectivity", "error", err)
		return
	}
	state, _ := v.Value().(uint32)
	s.applyConnectivity(state)
}

// applyConnectivity publishes a connectivity change when reachability flips.
func (s *Source) applyConnectivity(state uint32) {
	s.mu.Lock()
	prev := connectivityFromState(s.nmState)
	s.nmState = state
	primed := s.primed
	s.mu.Unlock()

	next := connectivityFromState(state)
	if next != prev && primed {
		s.Publish(signals.Change{Kind: signals.KindConnectivity, Connectivity: next, At: s.clock.Now()})
	}
}

func (s *Source) pollBrightness(ctx context.Context) {
	v, err := s.backlight.Brightness(ctx)
	if err != nil {
		s.logger.Debug("reading backlight", "error", err)
		return
	}
	s.mu.Lock()
	changed := s.brightness != v && s.primed
	s.brightness = v
	s.mu.Unlock()
	if changed {
		s.Publish(signals.Change{Kind: signals.KindBrightness, Brightness: v, At: s.clock.Now()})
	}
}
