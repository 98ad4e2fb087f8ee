package signup

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/identity"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is a hub client able to register devices and open sessions.
type Client interface {
	hub.Registry
	hub.Connector
}

// Dialer builds a Client from parsed connection info.
type Dialer func(ctx context.Context, info hub.ConnectionInfo) (Client, error)

// Config holds the construction parameters of a Helper.
type Config struct {
	// ConnectionString is the hub registry connection string (required).
	ConnectionString string
	// DeviceID overrides the identity provider when non-empty.
	DeviceID string
}

type options struct {
	identity  identity.Provider
	registry  hub.Registry
	connector hub.Connector
	dialer    Dialer
	logger    *zerolog.Logger
	handlers  []Handler
}

type Option func(*options)

func WithIdentityProvider(p identity.Provider) Option {
	return func(o *options) { o.identity = p }
}

// WithClient uses c for both registration and sessions.
func WithClient(c Client) Option {
	return func(o *options) {
		o.registry = c
		o.connector = c
	}
}

func WithRegistry(r hub.Registry) Option {
	return func(o *options) { o.registry = r }
}

func WithConnector(c hub.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithDialer dials a client the Helper owns and closes on Close.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithHandler subscribes h before the receive loop starts.
func WithHandler(h Handler) Option {
	return func(o *options) { o.handlers = append(o.handlers, h) }
}

// Helper registers one device on the hub and keeps its command session.
type Helper struct {
	info     hub.ConnectionInfo
	record   hub.DeviceRecord
	notifier *Notifier
	sessions *SessionManager
	dialer   Dialer
	logger   zerolog.Logger

	// lifecycle serializes Restart and Close.
	lifecycle sync.Mutex
	closed    bool
	closeErr  error

	mu       sync.RWMutex
	loop     *ReceiveLoop
	owned    io.Closer
	restarts int
}

// connectivity is implemented by dialed clients whose transport can die.
type connectivity interface {
	IsConnected() bool
}

// New resolves the device identifier, registers it, opens the session and
// starts the receive loop. Registration and open failures are returned.
func New(ctx context.Context, cfg Config, opts ...Option) (*Helper, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.Logger
	if o.logger != nil {
		logger = *o.logger
	}

	raw := strings.TrimSpace(cfg.ConnectionString)
	if raw == "" {
		return nil, ErrConnectionString
	}
	info, err := hub.ParseConnectionString(raw)
	if err != nil {
		return nil, err
	}

	deviceID, err := resolveDeviceID(cfg.DeviceID, info, o.identity)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("device_id", deviceID).Logger()

	var owned io.Closer
	dialedConnector := false
	if o.registry == nil || o.connector == nil {
		if o.dialer == nil {
			return nil, ErrNoHubClient
		}
		client, err := o.dialer(ctx, info)
		if err != nil {
			return nil, err
		}
		if c, ok := client.(io.Closer); ok {
			owned = c
		}
		if o.registry == nil {
			o.registry = client
		}
		if o.connector == nil {
			o.connector = client
			dialedConnector = true
		}
	}
	closeOwned := func() {
		if owned != nil {
			_ = owned.Close()
		}
	}

	rec, err := NewRegistrar(o.registry, logger).EnsureRegistered(ctx, deviceID)
	if err != nil {
		closeOwned()
		return nil, err
	}

	notifier := NewNotifier()
	for _, h := range o.handlers {
		notifier.Subscribe(h)
	}

	sessions := NewSessionManager(o.connector, info, logger)
	s, err := sessions.Open(ctx, rec)
	if err != nil {
		closeOwned()
		return nil, err
	}

	h := &Helper{
		info:     info,
		record:   rec,
		notifier: notifier,
		sessions: sessions,
		loop:     NewReceiveLoop(s, notifier, rec.ID, logger),
		owned:    owned,
		logger:   logger,
	}
	if owned != nil && dialedConnector {
		h.dialer = o.dialer
	}
	h.loop.Start()
	return h, nil
}

func resolveDeviceID(explicit string, info hub.ConnectionInfo, p identity.Provider) (string, error) {
	if id := strings.TrimSpace(explicit); id != "" {
		return id, nil
	}
	if info.DeviceID != "" {
		return info.DeviceID, nil
	}
	if p == nil {
		p = identity.NewHostProvider()
	}
	return p.ComputeStableID()
}

// OnMessageReceived subscribes h to inbound messages and returns its unsubscribe func.
func (h *Helper) OnMessageReceived(fn Handler) func() {
	return h.notifier.Subscribe(fn)
}

func (h *Helper) DeviceID() string { return h.record.ID }

// Record returns the registered device record.
func (h *Helper) Record() hub.DeviceRecord { return h.record }

// DeviceConnectionInfo returns the per-device session descriptor.
func (h *Helper) DeviceConnectionInfo() hub.DeviceConnectionInfo {
	return h.info.ForDevice(h.record)
}

// Done is closed when the current receive loop has stopped. After a Restart
// it refers to the new loop.
func (h *Helper) Done() <-chan struct{} { return h.current().Done() }

// Err reports the transport error that stopped the current receive loop, if any.
func (h *Helper) Err() error { return h.current().Err() }

func (h *Helper) LoopState() LoopState { return h.current().State() }

func (h *Helper) SessionState() SessionState { return h.sessions.State() }

// Restarts counts successful Restart calls.
func (h *Helper) Restarts() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.restarts
}

func (h *Helper) current() *ReceiveLoop {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loop
}

// Restart rebuilds the session after the receive loop stopped. It reuses the
// registered record and the subscribed handlers: the current session is
// closed, the loop joined, the session reopened on the same SessionManager
// and a new loop started. A dialed client that lost its transport is dialed
// again first. Open failures are returned and the helper stays stopped, so
// Restart may be called again.
func (h *Helper) Restart(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.closed {
		return ErrHelperClosed
	}

	_ = h.sessions.Close()
	h.current().Wait()

	if err := h.redialIfDisconnected(ctx); err != nil {
		return err
	}
	s, err := h.sessions.Open(ctx, h.record)
	if err != nil {
		return err
	}

	loop := NewReceiveLoop(s, h.notifier, h.record.ID, h.logger)
	h.mu.Lock()
	h.loop = loop
	h.restarts++
	h.mu.Unlock()
	loop.Start()
	h.logger.Info().Int("handlers", h.notifier.Len()).Msg("signup.Helper.Restart")
	return nil
}

func (h *Helper) redialIfDisconnected(ctx context.Context) error {
	h.mu.RLock()
	owned := h.owned
	h.mu.RUnlock()
	c, ok := owned.(connectivity)
	if !ok || c.IsConnected() || h.dialer == nil {
		return nil
	}
	client, err := h.dialer(ctx, h.info)
	if err != nil {
		return err
	}
	_ = owned.Close()
	h.sessions.setConnector(client)
	h.mu.Lock()
	h.owned, _ = client.(io.Closer)
	h.mu.Unlock()
	h.logger.Info().Str("host", h.info.HostName).Msg("signup.Helper redialed hub")
	return nil
}

// Close closes the session, waits for the receive loop to exit and releases
// a dialed hub client. It is safe to call more than once.
func (h *Helper) Close() error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.closed {
		return h.closeErr
	}
	h.closed = true
	errs := []error{h.sessions.Close()}
	h.current().Wait()
	h.mu.RLock()
	owned := h.owned
	h.mu.RUnlock()
	if owned != nil {
		errs = append(errs, owned.Close())
	}
	h.closeErr = errors.Join(errs...)
	h.logger.Info().Msg("signup.Helper.Close")
	return h.closeErr
}
