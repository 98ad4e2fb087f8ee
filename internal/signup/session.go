package signup

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/observability"
	"github.com/rs/zerolog"
)

// SessionState is the SessionManager lifecycle.
type SessionState int

const (
	SessionUnopened SessionState = iota
	SessionOpen
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionUnopened:
		return "unopened"
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SessionManager owns the single hub session of one helper. It is the only
// component that opens or closes it.
type SessionManager struct {
	connector hub.Connector
	info      hub.ConnectionInfo
	logger    zerolog.Logger

	mu       sync.Mutex
	state    SessionState
	session  hub.Session
	deviceID string
}

// NewSessionManager returns an unopened manager that opens sessions through connector.
func NewSessionManager(connector hub.Connector, info hub.ConnectionInfo, logger zerolog.Logger) *SessionManager {
	return &SessionManager{connector: connector, info: info, logger: logger}
}

// Open establishes the session for rec. It is legal from SessionUnopened and,
// to rebuild a lost session, from SessionClosed. Opening an open manager is
// refused. Failures are returned, not retried, and leave the state unchanged.
func (m *SessionManager) Open(ctx context.Context, rec hub.DeviceRecord) (hub.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == SessionOpen {
		return nil, fmt.Errorf("%w: open from %s", ErrSessionState, m.state)
	}

	s, err := m.connector.OpenSession(ctx, m.info.ForDevice(rec))
	observability.RecordSessionOpen(rec.ID, err == nil)
	if err != nil {
		m.logger.Error().Err(err).Str("device_id", rec.ID).Msg("signup.SessionManager.Open failed")
		return nil, fmt.Errorf("%w: device_id=%q: %w", ErrSessionOpen, rec.ID, err)
	}
	m.session = s
	m.deviceID = rec.ID
	m.state = SessionOpen
	m.logger.Info().Str("device_id", rec.ID).Str("host", m.info.HostName).Msg("signup.SessionManager.Open")
	return s, nil
}

// Close closes the active session. Closing an unopened or closed manager is a no-op.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != SessionOpen {
		m.state = SessionClosed
		return nil
	}
	err := m.session.Close()
	m.state = SessionClosed
	m.logger.Info().Str("device_id", m.deviceID).Msg("signup.SessionManager.Close")
	return err
}

// setConnector replaces the connector used by later opens.
func (m *SessionManager) setConnector(c hub.Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connector = c
}

// Active returns the open session, or nil.
func (m *SessionManager) Active() hub.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != SessionOpen {
		return nil
	}
	return m.session
}

func (m *SessionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
