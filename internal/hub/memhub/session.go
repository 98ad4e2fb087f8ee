package memhub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgehub/internal/hub"
)

// Message is one delivery of a queued hub message.
type Message struct {
	id        string
	payload   []byte
	props     map[string]string
	delivery  int
	owner     *Session
	finalized atomic.Bool
}

func (m *Message) ID() string                    { return m.id }
func (m *Message) Payload() []byte               { return m.payload }
func (m *Message) Properties() map[string]string { return m.props }

// Delivery is 1 for the first delivery and grows on redelivery.
func (m *Message) Delivery() int { return m.delivery }

type Session struct {
	hub      *Hub
	deviceID string
	queue    chan *Message
	wait     time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	breakOnce sync.Once
	broken    chan struct{}
	breakErr  error

	// mu guards the unfinalized deliveries; release requeues them.
	mu         sync.Mutex
	inflight   map[*Message]struct{}
	released   bool
	releaseErr error
}

var _ hub.Session = (*Session)(nil)

func (s *Session) Pull() (hub.Message, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case <-s.closed:
		return nil, hub.ErrSessionClosed
	case <-s.broken:
		return nil, s.breakErr
	case msg := <-s.queue:
		if err := s.track(msg); err != nil {
			_ = s.hub.enqueue(s.deviceID, msg)
			return nil, err
		}
		return msg, nil
	case <-timer.C:
		return nil, nil
	}
}

func (s *Session) Acknowledge(msg hub.Message) error {
	m, err := s.claim(msg)
	if err != nil {
		return err
	}
	s.hub.record(s.deviceID, Finalization{MessageID: m.id, Outcome: OutcomeAcknowledged, Delivery: m.delivery, At: time.Now()})
	return nil
}

func (s *Session) Reject(msg hub.Message) error {
	m, err := s.claim(msg)
	if err != nil {
		return err
	}
	s.hub.record(s.deviceID, Finalization{MessageID: m.id, Outcome: OutcomeRejected, Delivery: m.delivery, At: time.Now()})
	if s.hub.opts.Redeliver {
		return s.hub.enqueue(s.deviceID, &Message{
			id:       m.id,
			payload:  m.payload,
			props:    m.props,
			delivery: m.delivery + 1,
		})
	}
	return nil
}

// Close ends the session. Messages pulled but not finalized go back to the
// device queue.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.release(hub.ErrSessionClosed)
		close(s.closed)
	})
	return nil
}

func (s *Session) track(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return s.releaseErr
	}
	msg.owner = s
	s.inflight[msg] = struct{}{}
	return nil
}

func (s *Session) claim(msg hub.Message) (*Message, error) {
	m, ok := msg.(*Message)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, s.releaseErr
	}
	if !ok || m.owner != s {
		return nil, hub.ErrForeignMessage
	}
	if err := s.hub.takeFault(&s.hub.failFinalize); err != nil {
		return nil, err
	}
	if !m.finalized.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", hub.ErrAlreadyFinalized, m.id)
	}
	delete(s.inflight, m)
	return m, nil
}

// release stops finalization on s and redelivers its unfinalized messages.
func (s *Session) release(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.releaseErr = err
	for m := range s.inflight {
		if m.finalized.CompareAndSwap(false, true) {
			_ = s.hub.enqueue(s.deviceID, &Message{
				id:       m.id,
				payload:  m.payload,
				props:    m.props,
				delivery: m.delivery + 1,
			})
		}
	}
	s.inflight = nil
}

func (s *Session) check() error {
	select {
	case <-s.closed:
		return hub.ErrSessionClosed
	case <-s.broken:
		return s.breakErr
	default:
		return nil
	}
}

func (s *Session) breakWith(err error) {
	if err == nil {
		err = hub.ErrSessionClosed
	}
	s.breakOnce.Do(func() {
		s.breakErr = err
		s.release(err)
		close(s.broken)
	})
}
