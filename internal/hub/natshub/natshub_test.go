package natshub_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgehub/internal/auth"
	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/hub/natshub"
	"github.com/danmuck/edgehub/internal/session"
	"github.com/danmuck/edgehub/internal/signup"
	"github.com/danmuck/edgehub/internal/testutil/natstest"
	"github.com/danmuck/edgehub/internal/testutil/testlog"
	"github.com/danmuck/edgehub/internal/testutil/tlstest"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testOptions(reject natshub.RejectPolicy) natshub.Options {
	return natshub.Options{
		Session: session.Config{PullWait: 200 * time.Millisecond, AckWait: 5 * time.Second, MaxDeliver: 3},
		Reject:  reject,
		Storage: jetstream.MemoryStorage,
	}
}

func newHub(t *testing.T, reject natshub.RejectPolicy) (*natshub.Hub, *nats.Conn) {
	t.Helper()
	_, nc := natstest.StartEmbeddedNATS(t)
	h, err := natshub.New(context.Background(), nc, testOptions(reject))
	require.NoError(t, err)
	return h, nc
}

func openFor(t *testing.T, h *natshub.Hub, rec hub.DeviceRecord) hub.Session {
	t.Helper()
	s, err := h.OpenSession(context.Background(), hub.DeviceConnectionInfo{DeviceID: rec.ID, DeviceKey: rec.Auth.PrimaryKey})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pullOne(t *testing.T, s hub.Session) hub.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := s.Pull()
		require.NoError(t, err)
		if msg != nil {
			return msg
		}
	}
	t.Fatalf("no message within deadline")
	return nil
}

func TestRegistryCreateThenFetch(t *testing.T) {
	testlog.Start(t)
	h, _ := newHub(t, natshub.RejectRedeliver)
	ctx := context.Background()

	rec, err := h.AddDevice(ctx, "device-42")
	require.NoError(t, err)
	require.Equal(t, "device-42", rec.ID)
	require.NotEmpty(t, rec.Auth.PrimaryKey)
	require.NotEqual(t, rec.Auth.PrimaryKey, rec.Auth.SecondaryKey)

	_, err = h.AddDevice(ctx, "device-42")
	require.ErrorIs(t, err, hub.ErrDeviceExists)

	got, err := h.GetDevice(ctx, "device-42")
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Auth, got.Auth)
	require.Equal(t, hub.DeviceEnabled, got.Status)
	require.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	_, err = h.GetDevice(ctx, "missing")
	require.ErrorIs(t, err, hub.ErrDeviceNotFound)

	_, err = h.AddDevice(ctx, "bad id")
	require.ErrorIs(t, err, hub.ErrInvalidDeviceID)
}

func TestSessionAcknowledge(t *testing.T) {
	testlog.Start(t)
	h, _ := newHub(t, natshub.RejectRedeliver)
	ctx := context.Background()
	rec, err := h.AddDevice(ctx, "device-1")
	require.NoError(t, err)

	require.NoError(t, h.SendToDevice(ctx, "device-1", []byte("reboot"), map[string]string{"kind": "power"}))
	s := openFor(t, h, rec)

	msg := pullOne(t, s)
	require.Equal(t, []byte("reboot"), msg.Payload())
	require.Equal(t, "power", msg.Properties()["kind"])
	require.NotEmpty(t, msg.ID())
	require.Equal(t, uint64(1), msg.(*natshub.Message).Delivery())

	require.NoError(t, s.Acknowledge(msg))
	require.ErrorIs(t, s.Acknowledge(msg), hub.ErrAlreadyFinalized)
	require.ErrorIs(t, s.Reject(msg), hub.ErrAlreadyFinalized)

	next, err := s.Pull()
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestSessionRejectRedelivers(t *testing.T) {
	testlog.Start(t)
	h, _ := newHub(t, natshub.RejectRedeliver)
	ctx := context.Background()
	rec, err := h.AddDevice(ctx, "device-2")
	require.NoError(t, err)
	_, err = h.Publish(ctx, "device-2", "cmd-1", []byte("x"), nil)
	require.NoError(t, err)

	s := openFor(t, h, rec)
	first := pullOne(t, s)
	require.Equal(t, "cmd-1", first.ID())
	require.NoError(t, s.Reject(first))

	again := pullOne(t, s)
	require.Equal(t, "cmd-1", again.ID())
	require.Equal(t, uint64(2), again.(*natshub.Message).Delivery())
	require.NoError(t, s.Acknowledge(again))
}

func TestSessionRejectDiscard(t *testing.T) {
	testlog.Start(t)
	h, _ := newHub(t, natshub.RejectDiscard)
	ctx := context.Background()
	rec, err := h.AddDevice(ctx, "device-3")
	require.NoError(t, err)
	require.NoError(t, h.SendToDevice(ctx, "device-3", []byte("x"), nil))

	s := openFor(t, h, rec)
	require.NoError(t, s.Reject(pullOne(t, s)))

	msg, err := s.Pull()
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestPublishDeduplicatesByMessageID(t *testing.T) {
	testlog.Start(t)
	h, _ := newHub(t, natshub.RejectRedeliver)
	ctx := context.Background()
	rec, err := h.AddDevice(ctx, "device-4")
	require.NoError(t, err)

	seq1, err := h.Publish(ctx, "device-4", "same", []byte("a"), nil)
	require.NoError(t, err)
	seq2, err := h.Publish(ctx, "device-4", "same", []byte("a"), nil)
	require.NoError(t, err)
	require.Equal(t, seq1, seq2)

	s := openFor(t, h, rec)
	require.NoError(t, s.Acknowledge(pullOne(t, s)))
	msg, err := s.Pull()
	require.NoError(t, err)
	require.Nil(t, msg)

	require.ErrorIs(t, h.SendToDevice(ctx, "nobody", []byte("a"), nil), hub.ErrDeviceNotFound)
}

func TestOpenSessionRefusals(t *testing.T) {
	testlog.Start(t)
	h, _ := newHub(t, natshub.RejectRedeliver)
	ctx := context.Background()
	rec, err := h.AddDevice(ctx, "device-5")
	require.NoError(t, err)

	_, err = h.OpenSession(ctx, hub.DeviceConnectionInfo{DeviceID: rec.ID, DeviceKey: "wrong"})
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	s, err := h.OpenSession(ctx, hub.DeviceConnectionInfo{DeviceID: rec.ID, DeviceKey: rec.Auth.SecondaryKey})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = h.SetStatus(ctx, rec.ID, hub.DeviceDisabled)
	require.NoError(t, err)
	_, err = h.OpenSession(ctx, hub.DeviceConnectionInfo{DeviceID: rec.ID, DeviceKey: rec.Auth.PrimaryKey})
	require.ErrorIs(t, err, hub.ErrDeviceDisabled)

	_, err = h.OpenSession(ctx, hub.DeviceConnectionInfo{DeviceID: "absent-device", DeviceKey: "k"})
	require.ErrorIs(t, err, hub.ErrDeviceNotFound)
}

func TestSessionCloseAndTransportLoss(t *testing.T) {
	testlog.Start(t)
	h, nc := newHub(t, natshub.RejectRedeliver)
	ctx := context.Background()
	rec, err := h.AddDevice(ctx, "device-6")
	require.NoError(t, err)

	closed := openFor(t, h, rec)
	require.NoError(t, closed.Close())
	require.NoError(t, closed.Close())
	_, err = closed.Pull()
	require.ErrorIs(t, err, hub.ErrSessionClosed)

	live := openFor(t, h, rec)
	nc.Close()
	_, err = live.Pull()
	require.Error(t, err)
	require.NotErrorIs(t, err, hub.ErrSessionClosed)
	require.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestDialWithCredentials(t *testing.T) {
	testlog.Start(t)
	ns := natstest.StartServer(t, func(o *server.Options) {
		o.Users = []*server.User{{Username: "registry", Password: "s3cret"}}
	})
	ctx := context.Background()

	info, err := hub.ParseConnectionString("HostName=" + ns.ClientURL() + ";SharedAccessKeyName=registry;SharedAccessKey=s3cret")
	require.NoError(t, err)
	h, err := natshub.Dial(ctx, info, testOptions(natshub.RejectRedeliver))
	require.NoError(t, err)
	defer h.Close()
	_, err = h.AddDevice(ctx, "device-7")
	require.NoError(t, err)

	info.Key = "wrong"
	_, err = natshub.Dial(ctx, info, testOptions(natshub.RejectRedeliver))
	require.Error(t, err)
}

func TestDialMutualTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "edgehub-test-ca")
	srv := ca.IssueServer(t, "nats-server")
	client := ca.IssueClient(t, "edge-01")
	ns := natstest.StartServer(t, func(o *server.Options) {
		tc, err := server.GenTLSConfig(&server.TLSConfigOpts{
			CertFile: srv.CertFile,
			KeyFile:  srv.KeyFile,
			CaFile:   ca.CAFile(),
			Verify:   true,
		})
		require.NoError(t, err)
		o.TLSConfig = tc
		o.TLS = true
		o.TLSVerify = true
		o.TLSTimeout = 2
	})
	ctx := context.Background()
	info, err := hub.ParseConnectionString("HostName=" + ns.ClientURL())
	require.NoError(t, err)

	opts := testOptions(natshub.RejectRedeliver)
	opts.Session.SecurityMode = session.SecurityModeProduction
	opts.Session.TLS = session.TLSConfig{
		Enabled:    true,
		CAFile:     ca.CAFile(),
		CertFile:   client.CertFile,
		KeyFile:    client.KeyFile,
		ServerName: "localhost",
	}
	h, err := natshub.Dial(ctx, info, opts)
	require.NoError(t, err)
	defer h.Close()
	_, err = h.AddDevice(ctx, "tls-device")
	require.NoError(t, err)

	opts.Session.TLS.CertFile, opts.Session.TLS.KeyFile = "", ""
	_, err = natshub.Dial(ctx, info, opts)
	require.Error(t, err)

	plain := testOptions(natshub.RejectRedeliver)
	plain.Session.SecurityMode = session.SecurityModeProduction
	_, err = natshub.Dial(ctx, info, plain)
	require.ErrorIs(t, err, session.ErrTLSRequired)
}

func TestHelperOverJetStream(t *testing.T) {
	testlog.Start(t)
	h, _ := newHub(t, natshub.RejectRedeliver)
	ctx := context.Background()

	got := make(chan string, 4)
	helper, err := signup.New(ctx,
		signup.Config{ConnectionString: "HostName=nats://embedded;SharedAccessKeyName=registry;SharedAccessKey=k", DeviceID: "device-8"},
		signup.WithClient(h),
		signup.WithLogger(zerolog.Nop()),
		signup.WithHandler(func(msg hub.Message) error {
			got <- string(msg.Payload())
			return nil
		}),
	)
	require.NoError(t, err)

	require.NoError(t, h.SendToDevice(ctx, "device-8", []byte("hello"), nil))
	select {
	case p := <-got:
		require.Equal(t, "hello", p)
	case <-time.After(5 * time.Second):
		t.Fatalf("handler not invoked")
	}
	require.NoError(t, helper.Close())
	require.NoError(t, helper.Err())

	again, err := signup.New(ctx,
		signup.Config{ConnectionString: "HostName=nats://embedded", DeviceID: "device-8"},
		signup.WithClient(h),
		signup.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	defer again.Close()
	require.Equal(t, helper.Record().Auth, again.Record().Auth)
}

func TestConsumerName(t *testing.T) {
	a := natshub.ConsumerName("site.a")
	b := natshub.ConsumerName("site_a")
	require.NotEqual(t, a, b)
	require.True(t, strings.HasPrefix(a, "device-site_a-"))
	require.NotContains(t, a, ".")
	require.Equal(t, a, natshub.ConsumerName("site.a"))
	require.Equal(t, "edgehub.devices.site.a.commands", natshub.DeviceSubject("site.a"))
}

func TestParseRejectPolicy(t *testing.T) {
	p, err := natshub.ParseRejectPolicy("")
	require.NoError(t, err)
	require.Equal(t, natshub.RejectRedeliver, p)
	p, err = natshub.ParseRejectPolicy(" Discard ")
	require.NoError(t, err)
	require.Equal(t, natshub.RejectDiscard, p)
	_, err = natshub.ParseRejectPolicy("drop")
	require.ErrorIs(t, err, natshub.ErrUnknownRejectPolicy)
}
