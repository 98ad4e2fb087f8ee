package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/hub/memhub"
	"github.com/danmuck/edgehub/internal/session"
	"github.com/danmuck/edgehub/internal/signup"
	"github.com/danmuck/edgehub/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

var errLinkDown = errors.New("link down")

func testConfig(t *testing.T, deviceID string) (ServiceConfig, *memhub.Hub) {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "-")
	cfg := DefaultServiceConfig()
	cfg.ConnectionString = "HostName=mem://" + name + ";SharedAccessKeyName=registry;SharedAccessKey=k"
	cfg.DeviceID = deviceID
	cfg.Session.HeartbeatInterval = 20 * time.Millisecond
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	return cfg, MemHub(name)
}

type running struct {
	svc    *Service
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg ServiceConfig, opts ...Option) *running {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	svc := NewService(cfg, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{svc: svc, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- svc.RunContext(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(3 * time.Second):
			t.Errorf("service did not stop")
		}
	})
	waitFor(t, "bootstrap", func() bool { return svc.Helper() != nil })
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceBootstrapErrors(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	if err := NewService(DefaultServiceConfig(), WithLogger(zerolog.Nop())).RunContext(ctx); !errors.Is(err, ErrConnectionStringRequired) {
		t.Fatalf("expected ErrConnectionStringRequired, got %v", err)
	}

	cfg := DefaultServiceConfig()
	cfg.ConnectionString = "HostName=amqps://hub.example"
	cfg.DeviceID = "d"
	if err := NewService(cfg, WithLogger(zerolog.Nop())).RunContext(ctx); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}

	cfg, h := testConfig(t, "boot-dev")
	h.FailNextAdd(errors.New("registry offline"))
	if err := NewService(cfg, WithLogger(zerolog.Nop())).RunContext(ctx); !errors.Is(err, signup.ErrRegistrationFailed) {
		t.Fatalf("expected ErrRegistrationFailed, got %v", err)
	}
}

func TestServiceDeliversAndAcknowledges(t *testing.T) {
	testlog.Start(t)
	cfg, h := testConfig(t, "svc-dev")
	start(t, cfg)

	if err := h.SendToDevice(context.Background(), "svc-dev", []byte("ping"), map[string]string{"k": "v"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "ack", func() bool { return len(h.Finalized("svc-dev")) == 1 })
	if f := h.Finalized("svc-dev")[0]; f.Outcome != memhub.OutcomeAcknowledged {
		t.Fatalf("unexpected finalization %+v", f)
	}
}

func TestServiceReconnectKeepsRecordAndSubscribers(t *testing.T) {
	testlog.Start(t)
	cfg, h := testConfig(t, "flaky-dev")
	r := start(t, cfg)
	helper := r.svc.Helper()
	rec := helper.Record()

	var mu sync.Mutex
	var seen []string
	helper.OnMessageReceived(func(msg hub.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(msg.Payload()))
		return nil
	})

	h.FailNextOpen(errors.New("hub busy"))
	h.Disconnect("flaky-dev", errLinkDown)
	waitFor(t, "reconnect", func() bool { return r.svc.Reconnects() == 1 })

	if r.svc.Helper() != helper || helper.Restarts() != 1 {
		t.Fatalf("reconnect replaced the helper")
	}
	if helper.Record().Auth != rec.Auth || h.DeviceCount() != 1 {
		t.Fatalf("reconnect changed the device registration")
	}

	if err := h.SendToDevice(context.Background(), "flaky-dev", []byte("after"), nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "ack", func() bool { return len(h.Finalized("flaky-dev")) == 1 })
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "after" {
		t.Fatalf("subscriber missed the message after reconnect: %v", seen)
	}
}

func TestServiceWithoutReconnectReturnsSessionLost(t *testing.T) {
	testlog.Start(t)
	cfg, h := testConfig(t, "once-dev")
	cfg.Reconnect = false
	r := start(t, cfg)

	h.Disconnect("once-dev", errLinkDown)
	select {
	case err := <-r.done:
		if !errors.Is(err, ErrSessionLost) || !errors.Is(err, errLinkDown) {
			t.Fatalf("expected session lost wrapping transport error, got %v", err)
		}
		r.done <- err
	case <-time.After(3 * time.Second):
		t.Fatalf("service kept running after session loss")
	}
}

func TestServiceReconnectExhausted(t *testing.T) {
	testlog.Start(t)
	cfg, h := testConfig(t, "dead-dev")
	cfg.MaxReconnectAttempts = 1
	r := start(t, cfg)

	h.FailNextOpen(errors.New("hub busy"))
	h.Disconnect("dead-dev", errLinkDown)
	select {
	case err := <-r.done:
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Fatalf("expected ErrReconnectExhausted, got %v", err)
		}
		r.done <- err
	case <-time.After(3 * time.Second):
		t.Fatalf("service did not give up")
	}
}

func TestStatusServer(t *testing.T) {
	testlog.Start(t)
	cfg, _ := testConfig(t, "status-dev")
	cfg.StatusAddr = "127.0.0.1:0"
	cfg.CorsOrigins = []string{"http://localhost:3000"}
	r := start(t, cfg)
	waitFor(t, "status server", func() bool { return r.svc.StatusAddr() != "" })
	base := "http://" + r.svc.StatusAddr()

	resp, err := http.Get(base + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var st Status
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.DeviceID != "status-dev" || !st.Connected || st.Session != "open" {
		t.Fatalf("unexpected status %+v", st)
	}

	resp, err = http.Get(base + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected health code %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "edgehub_session_opens_total") {
		t.Fatalf("metrics missing session counter")
	}
}
