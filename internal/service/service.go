package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/nerrad567/ams-agent/internal/api"
	"github.com/nerrad567/ams-agent/internal/certstore"
	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/history"
	"github.com/nerrad567/ams-agent/internal/infrastructure/config"
	"github.com/nerrad567/ams-agent/internal/infrastructure/database"
	"github.com/nerrad567/ams-agent/internal/infrastructure/influxdb"
	"github.com/nerrad567/ams-agent/internal/infrastructure/logging"
	"github.com/nerrad567/ams-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/ams-agent/internal/metrics"
	"github.com/nerrad567/ams-agent/internal/network"
	"github.com/nerrad567/ams-agent/internal/reporter"
	"github.com/nerrad567/ams-agent/internal/signals"
	"github.com/nerrad567/ams-agent/internal/signals/linux"
	"github.com/nerrad567/ams-agent/migrations"
)

const (
	watchBuffer = 32

	// presenceQoS is used for the retained online message and the last will.
	presenceQoS = 1
)

// Service owns one instance of every agent component and their goroutines.
//
// Thread Safety:
//   - Start and Stop are serialized and idempotent.
//   - A stopped Service can be started again; components are rebuilt.
type Service struct {
	cfg     *config.Config
	logger  *logging.Logger
	version string

	dialer          connection.Dialer
	source          SignalSource
	clock           Clock
	registry        *prometheus.Registry
	loadCredentials CredentialLoader
	metrics         *metrics.AgentMetrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closers []func()
	checks  map[string]api.HealthChecker

	manager *connection.Manager
	watcher *network.Watcher
	api     *api.Server
}

// New validates dependencies and registers the agent's metrics. Nothing
// is started until Start.
func New(cfg *config.Config, logger *logging.Logger, version string, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Service{
		cfg:             cfg,
		logger:          logger,
		version:         version,
		clock:           clock.RealClock{},
		loadCredentials: certstore.Load,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = mqtt.NewDialer(logger.Component("mqtt"))
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}

	m, err := metrics.New(s.registry)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	return s, nil
}

// Start loads credentials, starts every loop, registers the control
// subscription and begins connecting. It returns once the connection
// attempt is queued; the outcome is visible through Status.
//
// ctx bounds startup only. The components run until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	bundle, err := s.loadCredentials(s.credentialPaths())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	s.logger.Info("credentials loaded", "not_after", bundle.NotAfter())

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.closers = nil
	s.checks = make(map[string]api.HealthChecker)

	if err := s.build(ctx, runCtx, bundle); err != nil {
		s.shutdown(ctx) //nolint:errcheck // startup error takes precedence
		return err
	}

	s.running = true
	s.logger.Info("agent started",
		"broker", s.cfg.BrokerAddress(),
		"client_id", s.cfg.MQTT.Broker.ClientID,
	)
	return nil
}

func (s *Service) build(ctx, runCtx context.Context, bundle *certstore.Bundle) error {
	src := s.source
	if src == nil {
		owned, err := s.openSource()
		if err != nil {
			return err
		}
		s.onStop(func() { closeSource(owned) })
		if r, ok := owned.(runnable); ok {
			s.goRun("signals", func() error { return r.Run(runCtx) })
		}
		src = owned
	}

	s.manager = connection.New(s.connectionConfig(), s.dialer,
		connection.WithClock(s.clock),
		connection.WithLogger(s.logger.Component("connection")),
	)
	mgr := s.manager
	s.goRun("connection", func() error { return mgr.Run(runCtx) })

	s.watcher = network.New(mgr, s.cfg.GetNetworkStabilizationDelay(),
		network.WithClock(s.clock),
		network.WithLogger(s.logger.Component("network")),
	)
	watcher := s.watcher
	if s.cfg.Network.Watch {
		feed := s.watchSignals(src)
		s.goRun("network", func() error { return watcher.Run(runCtx, feed) })
	}

	reporterOpts := []reporter.Option{
		reporter.WithClock(s.clock),
		reporter.WithLogger(s.logger.Component("reporter")),
		reporter.WithObserver(s.metrics),
	}

	var historyReader api.HistoryReader
	if s.cfg.Database.Enabled {
		journal, repo, err := s.openJournal(ctx)
		if err != nil {
			return err
		}
		historyReader = repo
		reporterOpts = append(reporterOpts, reporter.WithObserver(journal))
		events := s.watchConnection()
		s.goRun("history", func() error { return journal.Run(runCtx, events) })
	}

	var influx *influxdb.Client
	if s.cfg.InfluxDB.Enabled {
		var err error
		influx, err = s.openInflux(ctx)
		if err != nil {
			return err
		}
		events, changes := s.watchConnection(), s.watchSignals(src)
		s.goRun("influxdb", func() error { return influx.Run(runCtx, events, changes) })
	}

	rep := reporter.New(s.reporterConfig(), src, watcher, mgr, reporterOpts...)
	repEvents, repChanges := s.watchConnection(), s.watchSignals(src)
	s.goRun("reporter", func() error { return rep.Run(runCtx, repChanges, repEvents) })

	metricEvents, metricChanges := s.watchConnection(), s.watchSignals(src)
	s.metrics.Seed(mgr.State(), watcher.Reachable())
	s.goRun("metrics", func() error { return s.metrics.Run(runCtx, metricEvents, metricChanges) })

	presence := s.watchConnection()
	s.goRun("presence", func() error { return s.announce(runCtx, mgr, presence) })

	if snap, err := signals.Collect(ctx, src, s.clock.Now()); err != nil {
		s.logger.Warn("reading initial signals", "error", err)
	} else {
		s.metrics.ObserveSnapshot(snap)
		if influx != nil {
			influx.WriteSnapshot(snap)
		}
	}

	if s.cfg.API.Enabled {
		if err := s.startAPI(ctx, src, rep, historyReader); err != nil {
			return err
		}
	}

	if err := mgr.Subscribe(ctx, s.cfg.MQTT.Topics.BrightnessControl, byte(s.cfg.MQTT.ControlQoS), rep.ControlHandler()); err != nil {
		return fmt.Errorf("registering control subscription: %w", err)
	}

	target := connection.Target{
		Endpoint:    s.cfg.BrokerAddress(),
		ClientID:    s.cfg.MQTT.Broker.ClientID,
		Credentials: bundle,
		ServerName:  s.cfg.MQTT.TLS.ServerName,
	}
	if err := mgr.Connect(ctx, target); err != nil {
		return fmt.Errorf("starting connection: %w", err)
	}
	return nil
}

// Stop announces the device offline, disconnects and waits for every
// goroutine. If ctx expires first, resources are still released and
// ctx's error is returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	err := s.shutdown(ctx)
	s.logger.Info("agent stopped")
	return err
}

func (s *Service) shutdown(ctx context.Context) error {
	if s.manager != nil {
		if s.manager.IsConnected() {
			s.publishPresence(ctx, s.manager, false)
		}
		if err := s.manager.Disconnect(ctx); err != nil {
			s.logger.Warn("disconnecting from broker", "error", err)
		}
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for agent goroutines: %w", ctx.Err())
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	s.manager, s.watcher, s.api, s.cancel = nil, nil, nil, nil
	return err
}

// Status returns the broker session state, or Disconnected when stopped.
func (s *Service) Status() connection.Status {
	s.mu.Lock()
	m := s.manager
	s.mu.Unlock()
	if m == nil {
		return connection.Status{State: connection.StateDisconnected}
	}
	return m.Status()
}

// Running reports whether Start has succeeded and Stop has not been called.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Registry returns the Prometheus registry holding the agent's metrics.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// APIAddr returns the bound HTTP address, or "" when the API is off.
func (s *Service) APIAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api == nil {
		return ""
	}
	return s.api.Addr()
}

// announce publishes the retained online message after every connect.
func (s *Service) announce(ctx context.Context, m *connection.Manager, events <-chan connection.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == connection.EventStateChanged && ev.To == connection.StateConnected {
				s.publishPresence(ctx, m, true)
			}
		}
	}
}

func (s *Service) publishPresence(ctx context.Context, m *connection.Manager, online bool) {
	payload, err := reporter.Encode(reporter.OnlinePayload{Online: online})
	if err != nil {
		s.logger.Error("encoding presence", "error", err)
		return
	}
	if err := m.PublishRetained(ctx, s.cfg.MQTT.Topics.Online, payload, presenceQoS); err != nil {
		s.logger.Warn("publishing presence", "online", online, "error", err)
	}
}

func (s *Service) startAPI(ctx context.Context, src signals.Source, rep *reporter.Reporter, hist api.HistoryReader) error {
	deps := api.Deps{
		Config:     s.cfg.API,
		Logger:     s.logger.Component("api"),
		Connection: s.manager,
		Network:    s.watcher,
		Signals:    src,
		Control:    rep,
		History:    hist,
		Gatherer:   s.registry,
		Version:    s.version,
		Checks:     s.checks,
	}
	srv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	s.api = srv
	s.onStop(func() {
		if err := srv.Close(); err != nil {
			s.logger.Warn("closing API server", "error", err)
		}
	})
	return nil
}

func (s *Service) openJournal(ctx context.Context) (*history.Journal, *history.SQLiteRepository, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        s.cfg.Database.Path,
		WALMode:     s.cfg.Database.WALMode,
		BusyTimeout: s.cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	s.onStop(func() {
		if err := db.Close(); err != nil {
			s.logger.Error("closing database", "error", err)
		}
	})
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	s.checks["database"] = db
	s.logger.Info("connection history enabled", "path", db.Path())

	repo := history.NewSQLiteRepository(db.DB)
	journal := history.NewJournal(repo, s.cfg.GetRetention(),
		history.WithClock(s.clock),
		history.WithLogger(s.logger.Component("history")),
	)
	return journal, repo, nil
}

func (s *Service) openInflux(ctx context.Context) (*influxdb.Client, error) {
	client, err := influxdb.Connect(ctx, s.cfg.InfluxDB, s.cfg.Device.ID)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	log := s.logger.Component("influxdb")
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	s.onStop(func() {
		if err := client.Close(); err != nil {
			log.Error("closing InfluxDB", "error", err)
		}
	})
	s.checks["influxdb"] = client
	log.Info("InfluxDB connected", "url", s.cfg.InfluxDB.URL, "bucket", s.cfg.InfluxDB.Bucket)
	return client, nil
}

func (s *Service) openSource() (SignalSource, error) {
	switch s.cfg.Signals.Source {
	case config.SignalSourceStatic:
		return signals.NewStatic(signals.Snapshot{}), nil
	case config.SignalSourceLinux:
		src, err := linux.New(linux.Options{
			BluetoothAdapter: s.cfg.Signals.BluetoothAdapter,
			BacklightDevice:  s.cfg.Signals.BacklightDevice,
			BacklightPoll:    s.cfg.GetBacklightPollInterval(),
			Clock:            s.clock,
			Logger:           s.logger.Component("signals"),
		})
		if err != nil {
			return nil, fmt.Errorf("opening linux signal source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignalSource, s.cfg.Signals.Source)
	}
}

func closeSource(src SignalSource) {
	switch c := src.(type) {
	case interface{ Close() error }:
		c.Close() //nolint:errcheck // shutdown path
	case interface{ Close() }:
		c.Close()
	}
}

func (s *Service) watchConnection() <-chan connection.Event {
	ch, cancel := s.manager.Watch(watchBuffer)
	s.onStop(cancel)
	return ch
}

func (s *Service) watchSignals(src signals.Source) <-chan signals.Change {
	ch, cancel := src.Watch(watchBuffer)
	s.onStop(cancel)
	return ch
}

// goRun starts fn on a tracked goroutine.
func (s *Service) goRun(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.logger.Error("agent loop exited", "loop", name, "error", err)
		}
	}()
}

// onStop registers cleanup run in reverse order by shutdown.
func (s *Service) onStop(fn func()) {
	s.closers = append(s.closers, fn)
}

func (s *Service) credentialPaths() certstore.Paths {
	return certstore.Paths{
		CertFile:   s.cfg.MQTT.TLS.CertFile,
		KeyFile:    s.cfg.MQTT.TLS.KeyFile,
		RootCAFile: s.cfg.MQTT.TLS.RootCAFile,
	}
}

func (s *Service) connectionConfig() connection.Config {
	will, err := reporter.Encode(reporter.OnlinePayload{Online: false})
	if err != nil {
		will = []byte(`{"online":false}`)
	}
	return connection.Config{
		BaseDelay:           s.cfg.GetReconnectBaseDelay(),
		UnitDelay:           s.cfg.GetReconnectUnitDelay(),
		CapAttempts:         s.cfg.MQTT.Reconnect.CapAttempts,
		MaxAttempts:         s.cfg.MQTT.Reconnect.MaxAttempts,
		StabilizationDelay:  s.cfg.GetSubscribeStabilizationDelay(),
		SubscribeRetryDelay: s.cfg.GetSubscribeRetryDelay(),
		KeepAlive:           s.cfg.GetKeepAlive(),
		CleanSession:        s.cfg.MQTT.Session.CleanSession,
		ConnectTimeout:      s.cfg.GetConnectTimeout(),
		Will: &connection.Will{
			Topic:    s.cfg.MQTT.Topics.Online,
			Payload:  will,
			QoS:      presenceQoS,
			Retained: true,
		},
	}
}

func (s *Service) reporterConfig() reporter.Config {
	t := s.cfg.MQTT.Topics
	return reporter.Config{
		Topics: reporter.Topics{
			Wifi:              t.Wifi,
			Bluetooth:         t.Bluetooth,
			Brightness:        t.Brightness,
			Status:            t.Status,
			Init:              t.Init,
			BrightnessControl: t.BrightnessControl,
			Online:            t.Online,
		},
		QoS:          byte(s.cfg.MQTT.QoS),
		Cooldown:     s.cfg.GetPublishCooldown(),
		InitialDelay: s.cfg.GetInitialReportDelay(),
		Interval:     s.cfg.GetReportInterval(),
	}
}
