package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nerrad567/ams-agent/internal/certstore"
	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/infrastructure/config"
	"github.com/nerrad567/ams-agent/internal/infrastructure/logging"
	"github.com/nerrad567/ams-agent/internal/signals"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 3 * time.Second

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakeSession struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]connection.MessageHandler
	closed    bool
}

func (s *fakeSession) Publish(topic string, _ byte, retained bool, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, published{topic: topic, retained: retained, payload: string(payload)})
	return nil
}

func (s *fakeSession) Subscribe(_ context.Context, topic string, _ byte, h connection.MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[topic] = h
	return nil
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) handler(topic string) connection.MessageHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[topic]
}

// last returns the most recent message on topic.
func (s *fakeSession) last(topic string) (published, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.published) - 1; i >= 0; i-- {
		if s.published[i].topic == topic {
			return s.published[i], true
		}
	}
	return published{}, false
}

type fakeDialer struct {
	mu       sync.Mutex
	params   []connection.DialParams
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(_ context.Context, p connection.DialParams, _ func(error)) (connection.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSession{handlers: make(map[string]connection.MessageHandler)}
	d.params = append(d.params, p)
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) session() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.params)
}

// testBundle issues a throwaway client certificate.
func testBundle(t *testing.T) *certstore.Bundle {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "panel-7"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() error = %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	b, err := certstore.Parse(certPEM, keyPEM, certPEM)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return b
}

func loadConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
device:
  id: "panel-7"
mqtt:
  broker:
    host: "broker.example.com"
` + extra
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

type harness struct {
	svc    *Service
	dialer *fakeDialer
	src    *signals.Static
	clock  *clocktesting.FakeClock
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		dialer: &fakeDialer{},
		src:    signals.NewStatic(signals.Snapshot{Brightness: 50}),
		clock:  clocktesting.NewFakeClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)),
	}
	t.Cleanup(h.src.Close)

	bundle := testBundle(t)
	base := []Option{
		WithDialer(h.dialer),
		WithSignalSource(h.src),
		WithClock(h.clock),
		WithCredentialLoader(func(certstore.Paths) (*certstore.Bundle, error) { return bundle, nil }),
	}
	logger := logging.NewWithWriter(cfg.Logging, "test", io.Discard)

	svc, err := New(cfg, logger, "test", append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := h.svc.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
}

// eventually advances the fake clock in small steps until cond holds.
func (h *harness) eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		h.clock.Step(100 * time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) connected(t *testing.T) *fakeSession {
	t.Helper()
	h.eventually(t, "connected", func() bool { return h.svc.Status().State == connection.StateConnected })
	return h.dialer.session()
}

func TestService_StartConnectsAndAnnouncesOnline(t *testing.T) {
	cfg := loadConfig(t, "")
	h := newHarness(t, cfg)
	h.start(t)

	sess := h.connected(t)

	h.dialer.mu.Lock()
	p := h.dialer.params[0]
	h.dialer.mu.Unlock()
	if p.Endpoint != "broker.example.com:8883" {
		t.Errorf("Endpoint = %q, want %q", p.Endpoint, "broker.example.com:8883")
	}
	if p.ClientID != cfg.MQTT.Broker.ClientID {
		t.Errorf("ClientID = %q, want %q", p.ClientID, cfg.MQTT.Broker.ClientID)
	}
	if p.Will == nil || p.Will.Topic != "AMS/device/online" || !p.Will.Retained || string(p.Will.Payload) != `{"online":false}` {
		t.Errorf("Will = %+v, want retained offline message on the online topic", p.Will)
	}

	h.eventually(t, "online message", func() bool {
		msg, ok := sess.last("AMS/device/online")
		return ok && msg.retained && msg.payload == `{"online":true}`
	})
	h.eventually(t, "initial report", func() bool {
		_, ok := sess.last("AMS/device/init")
		return ok
	})
}

func TestService_ControlMessageSetsBrightness(t *testing.T) {
	h := newHarness(t, loadConfig(t, ""))
	h.start(t)
	sess := h.connected(t)

	h.eventually(t, "control subscription", func() bool {
		return sess.handler("AMS/brightness/control") != nil
	})
	sess.handler("AMS/brightness/control")("AMS/brightness/control", []byte(`{"screenBrightness":35}`))

	got, err := h.src.Brightness(context.Background())
	if err != nil {
		t.Fatalf("Brightness() error = %v", err)
	}
	if got != 35 {
		t.Errorf("Brightness() = %d, want 35", got)
	}
	h.eventually(t, "brightness report", func() bool {
		msg, ok := sess.last("AMS/brightness")
		return ok && msg.payload != ""
	})
}

func TestService_StopAnnouncesOfflineAndDisconnects(t *testing.T) {
	h := newHarness(t, loadConfig(t, ""))
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess := h.connected(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	msg, ok := sess.last("AMS/device/online")
	if !ok || !msg.retained || msg.payload != `{"online":false}` {
		t.Errorf("last online message = %+v, want retained offline", msg)
	}
	if !sess.isClosed() {
		t.Error("session not closed after Stop()")
	}
	if h.svc.Running() {
		t.Error("Running() = true after Stop()")
	}
	if got := h.svc.Status().State; got != connection.StateDisconnected {
		t.Errorf("Status().State = %s, want %s", got, connection.StateDisconnected)
	}

	// Stop is idempotent.
	if err := h.svc.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestService_RestartAfterStop(t *testing.T) {
	h := newHarness(t, loadConfig(t, ""))
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.connected(t)

	// A second Start while running is a no-op.
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if h.dialer.dials() != 1 {
		t.Errorf("dials = %d, want 1", h.dialer.dials())
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	h.start(t)
	h.connected(t)
	if h.dialer.dials() != 2 {
		t.Errorf("dials = %d, want 2", h.dialer.dials())
	}
}

func TestService_StartFailures(t *testing.T) {
	t.Run("credentials", func(t *testing.T) {
		h := newHarness(t, loadConfig(t, ""), WithCredentialLoader(func(certstore.Paths) (*certstore.Bundle, error) {
			return nil, errors.New("key file missing")
		}))
		err := h.svc.Start(context.Background())
		if !errors.Is(err, ErrCredentials) {
			t.Fatalf("Start() error = %v, want ErrCredentials", err)
		}
		if h.dialer.dials() != 0 {
			t.Errorf("dials = %d, want 0", h.dialer.dials())
		}
		if h.svc.Running() {
			t.Error("Running() = true after failed Start()")
		}
	})

	t.Run("unknown signal source", func(t *testing.T) {
		cfg := loadConfig(t, "")
		cfg.Signals.Source = "android"
		logger := logging.NewWithWriter(cfg.Logging, "test", io.Discard)
		bundle := testBundle(t)
		svc, err := New(cfg, logger, "test",
			WithDialer(&fakeDialer{}),
			WithCredentialLoader(func(certstore.Paths) (*certstore.Bundle, error) { return bundle, nil }),
		)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := svc.Start(context.Background()); !errors.Is(err, ErrUnknownSignalSource) {
			t.Fatalf("Start() error = %v, want ErrUnknownSignalSource", err)
		}
	})
}

func TestNew_RequiresConfigAndLogger(t *testing.T) {
	if _, err := New(nil, logging.Default(), "test"); err == nil {
		t.Error("New(nil config) error = nil, want error")
	}
	if _, err := New(loadConfig(t, ""), nil, "test"); err == nil {
		t.Error("New(nil logger) error = nil, want error")
	}
}

func TestService_HistoryThroughAPI(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ams.db")
	cfg := loadConfig(t, `
database:
  enabled: true
  path: "`+dbPath+`"
api:
  enabled: true
  listen: "127.0.0.1:0"
`)
	h := newHarness(t, cfg)
	h.start(t)
	h.connected(t)

	addr := h.svc.APIAddr()
	if addr == "" {
		t.Fatal("APIAddr() is empty with the API enabled")
	}
	client := &http.Client{Timeout: time.Second}
	defer client.CloseIdleConnections()

	var status struct {
		Connection struct {
			State string `json:"state"`
		} `json:"connection"`
	}
	getJSON(t, client, "http://"+addr+"/api/v1/status", &status)
	if status.Connection.State != string(connection.StateConnected) {
		t.Errorf("status state = %q, want %q", status.Connection.State, connection.StateConnected)
	}

	var health struct {
		Checks map[string]string `json:"checks"`
	}
	getJSON(t, client, "http://"+addr+"/healthz", &health)
	if health.Checks["database"] != "ok" {
		t.Errorf("healthz checks = %v, want database ok", health.Checks)
	}

	h.eventually(t, "journaled transitions", func() bool {
		var hist struct {
			Count int `json:"count"`
		}
		getJSON(t, client, "http://"+addr+"/api/v1/history/?kind=state_changed", &hist)
		// Disconnected->Connecting and Connecting->Connected.
		return hist.Count >= 2
	})

	resp, err := client.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	exposition, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("reading /metrics: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(exposition), "ams_network_available 1") {
		t.Error("/metrics should report the network as available from startup")
	}
}

func getJSON(t *testing.T, client *http.Client, url string, v any) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d, want 200", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding %s: %v", url, err)
	}
}
