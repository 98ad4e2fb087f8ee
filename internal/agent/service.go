package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/hub/natshub"
	"github.com/danmuck/edgehub/internal/observability"
	"github.com/danmuck/edgehub/internal/session"
	"github.com/danmuck/edgehub/internal/signup"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionStringRequired = errors.New("agent: connection string required")
	ErrReconnectExhausted       = errors.New("agent: reconnect attempts exhausted")
	ErrSessionLost              = errors.New("agent: hub session lost")
)

// ServiceConfig configures the device agent runtime.
type ServiceConfig struct {
	ConnectionString string
	// DeviceID overrides the connection string and host-derived identity.
	DeviceID string
	Session  session.Config
	// Reconnect rebuilds the helper with backoff after a transport failure.
	Reconnect bool
	// MaxReconnectAttempts bounds consecutive rebuild attempts; 0 is unbounded.
	MaxReconnectAttempts int
	// StatusAddr serves /health, /status and /metrics when set.
	StatusAddr  string
	CorsOrigins []string
	Reject      natshub.RejectPolicy
}

// DefaultServiceConfig returns agent defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Session:   session.DefaultConfig(),
		Reconnect: true,
		Reject:    natshub.RejectRedeliver,
	}
}

// Service keeps one signup.Helper alive for the process lifetime.
type Service struct {
	cfg        ServiceConfig
	dialer     signup.Dialer
	helperOpts []signup.Option
	logger     zerolog.Logger
	rng        *rand.Rand
	started    time.Time

	mu         sync.RWMutex
	helper     *signup.Helper
	reconnects int
	statusAddr string
}

type Option func(*Service)

// WithDialer replaces the scheme-based hub dialer.
func WithDialer(d signup.Dialer) Option {
	return func(s *Service) { s.dialer = d }
}

// WithHelperOptions appends options to every helper the service builds.
func WithHelperOptions(opts ...signup.Option) Option {
	return func(s *Service) { s.helperOpts = append(s.helperOpts, opts...) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(cfg ServiceConfig, opts ...Option) *Service {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Reject == "" {
		cfg.Reject = natshub.RejectRedeliver
	}
	s := &Service{
		cfg:    cfg,
		logger: log.With().Str("component", "agent").Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.dialer = HubDialer(cfg.Session, cfg.Reject)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext blocks until ctx is done or the hub session is lost for good.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	return s.serve(ctx)
}

// bootstrap validates config and performs first registration and open.
// Failures here are returned to the caller rather than retried.
func (s *Service) bootstrap(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.ConnectionString) == "" {
		return ErrConnectionStringRequired
	}
	if err := s.cfg.Session.Validate(); err != nil {
		return err
	}
	observability.RegisterMetrics()
	s.started = time.Now()

	h, err := s.startHelper(ctx)
	if err != nil {
		return err
	}
	s.setHelper(h)
	s.logger.Info().
		Str("device_id", h.DeviceID()).
		Str("host", h.DeviceConnectionInfo().HostName).
		Msg("agent.Service.bootstrap ready")
	return nil
}

func (s *Service) startHelper(ctx context.Context) (*signup.Helper, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.OperationTimeout)
	defer cancel()
	opts := []signup.Option{
		signup.WithDialer(s.dialer),
		signup.WithLogger(s.logger),
		signup.WithHandler(s.logMessage),
	}
	opts = append(opts, s.helperOpts...)
	return signup.New(opCtx, signup.Config{
		ConnectionString: s.cfg.ConnectionString,
		DeviceID:         s.cfg.DeviceID,
	}, opts...)
}

// serve logs heartbeats, runs the status server and supervises the helper.
func (s *Service) serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()
	defer s.closeHelper()

	statusErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.StatusAddr) != "" {
		srv, err := newStatusServer(s, s.cfg.StatusAddr)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.statusAddr = srv.Addr()
		s.mu.Unlock()
		go func() {
			statusErr <- srv.Serve()
		}()
		defer srv.Shutdown()
	}

	for {
		h := s.Helper()
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("agent.Service.serve shutdown")
			return nil
		case err := <-statusErr:
			if err != nil {
				return err
			}
		case <-h.Done():
			cause := h.Err()
			if cause == nil {
				return nil
			}
			s.logger.Warn().Err(cause).Str("device_id", h.DeviceID()).Msg("agent.Service.serve session lost")
			if !s.cfg.Reconnect {
				return fmt.Errorf("%w: %w", ErrSessionLost, cause)
			}
			if err := s.reconnect(ctx, h); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-ticker.C:
			s.logger.Info().
				Str("device_id", h.DeviceID()).
				Stringer("loop", h.LoopState()).
				Stringer("session", h.SessionState()).
				Int("reconnects", s.Reconnects()).
				Msg("agent.Service.heartbeat")
		}
	}
}

// reconnect restarts the helper's session with backoff. The helper keeps its
// registered record and subscribed handlers across restarts.
func (s *Service) reconnect(ctx context.Context, h *signup.Helper) error {
	deviceID := h.DeviceID()
	for attempt := 1; ; attempt++ {
		if s.cfg.MaxReconnectAttempts > 0 && attempt > s.cfg.MaxReconnectAttempts {
			return fmt.Errorf("%w: device_id=%q attempts=%d", ErrReconnectExhausted, deviceID, attempt-1)
		}
		if err := session.SleepBackoff(ctx, s.cfg.Session.Backoff, attempt, s.rng); err != nil {
			return err
		}
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.OperationTimeout)
		err := h.Restart(opCtx)
		cancel()
		observability.RecordReconnect(deviceID, err == nil)
		if err == nil {
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			s.logger.Info().Str("device_id", deviceID).Int("attempt", attempt).Msg("agent.Service.reconnect ok")
			return nil
		}
		if errors.Is(err, signup.ErrHelperClosed) {
			return err
		}
		s.logger.Warn().Err(err).Str("device_id", deviceID).Int("attempt", attempt).Msg("agent.Service.reconnect failed")
	}
}

// logMessage is the default handler: it records receipt without
// interpreting the payload.
func (s *Service) logMessage(msg hub.Message) error {
	s.logger.Info().
		Str("message_id", msg.ID()).
		Int("bytes", len(msg.Payload())).
		Int("properties", len(msg.Properties())).
		Msg("agent.Service message")
	return nil
}

func (s *Service) setHelper(h *signup.Helper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.helper = h
}

func (s *Service) closeHelper() {
	s.mu.Lock()
	h := s.helper
	s.mu.Unlock()
	if h != nil {
		_ = h.Close()
	}
}

// Helper returns the current helper, or nil before bootstrap.
func (s *Service) Helper() *signup.Helper {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.helper
}

// Reconnects counts successful helper rebuilds.
func (s *Service) Reconnects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnects
}

// StatusAddr is the bound status server address once serving.
func (s *Service) StatusAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusAddr
}
