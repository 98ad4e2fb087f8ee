package natshub

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/nats-io/nuid"
)

// Message wraps one JetStream delivery.
type Message struct {
	msg       jetstream.Msg
	id        string
	props     map[string]string
	delivery  uint64
	owner     *Session
	finalized atomic.Bool
}

func (m *Message) ID() string                    { return m.id }
func (m *Message) Payload() []byte               { return m.msg.Data() }
func (m *Message) Properties() map[string]string { return m.props }

// Delivery is the JetStream delivery count, 1 on first delivery.
func (m *Message) Delivery() uint64 { return m.delivery }

// Session pulls one device's commands from its durable consumer.
type Session struct {
	hub      *Hub
	deviceID string
	consumer jetstream.Consumer
	wait     time.Duration
	reject   RejectPolicy

	closeOnce sync.Once
	closed    chan struct{}
}

var _ hub.Session = (*Session)(nil)

func newSession(h *Hub, deviceID string, consumer jetstream.Consumer) *Session {
	return &Session{
		hub:      h,
		deviceID: deviceID,
		consumer: consumer,
		wait:     h.opts.Session.PullWait,
		reject:   h.opts.Reject,
		closed:   make(chan struct{}),
	}
}

// Pull waits up to the session pull window for one message. Close takes
// effect when the in-flight fetch returns.
func (s *Session) Pull() (hub.Message, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	batch, err := s.consumer.Fetch(1, jetstream.FetchMaxWait(s.wait))
	if err != nil {
		if s.isClosed() {
			return nil, hub.ErrSessionClosed
		}
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("natshub: fetch %s: %w", s.deviceID, err)
	}

	var out *Message
	for msg := range batch.Messages() {
		if out != nil {
			// Fetch(1) yields at most one; return extras to the stream.
			_ = msg.Nak()
			continue
		}
		out = s.wrap(msg)
	}
	if s.isClosed() {
		if out != nil {
			_ = out.msg.Nak()
		}
		return nil, hub.ErrSessionClosed
	}
	if out != nil {
		return out, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("natshub: fetch %s: %w", s.deviceID, err)
	}
	return nil, nil
}

func (s *Session) wrap(msg jetstream.Msg) *Message {
	m := &Message{msg: msg, owner: s, props: make(map[string]string)}
	for k, vals := range msg.Headers() {
		if strings.HasPrefix(k, "Nats-") || len(vals) == 0 {
			continue
		}
		m.props[k] = vals[0]
	}
	meta, err := msg.Metadata()
	if err != nil {
		meta = nil
	}
	if meta != nil {
		m.delivery = meta.NumDelivered
	}
	m.id = messageID(msg.Headers(), meta)
	return m
}

// messageID prefers the publisher's Nats-Msg-Id, then the stream sequence.
// Without either a fresh nuid keeps log and metric ids non-empty.
func messageID(header nats.Header, meta *jetstream.MsgMetadata) string {
	if id := header.Get(jetstream.MsgIDHeader); id != "" {
		return id
	}
	if meta != nil && meta.Sequence.Stream > 0 {
		return strconv.FormatUint(meta.Sequence.Stream, 10)
	}
	return nuid.Next()
}

func (s *Session) Acknowledge(msg hub.Message) error {
	m, err := s.claim(msg)
	if err != nil {
		return err
	}
	if err := m.msg.Ack(); err != nil {
		return fmt.Errorf("natshub: ack %s: %w", m.id, err)
	}
	return nil
}

func (s *Session) Reject(msg hub.Message) error {
	m, err := s.claim(msg)
	if err != nil {
		return err
	}
	if s.reject == RejectDiscard {
		err = m.msg.Term()
	} else {
		err = m.msg.Nak()
	}
	if err != nil {
		return fmt.Errorf("natshub: reject %s: %w", m.id, err)
	}
	return nil
}

// Close stops the session. The durable consumer stays on the server so
// unacknowledged messages are delivered to the next session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

func (s *Session) claim(msg hub.Message) (*Message, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	m, ok := msg.(*Message)
	if !ok || m.owner != s {
		return nil, hub.ErrForeignMessage
	}
	if !m.finalized.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", hub.ErrAlreadyFinalized, m.id)
	}
	return m, nil
}

func (s *Session) check() error {
	if s.isClosed() {
		return hub.ErrSessionClosed
	}
	if s.hub.nc.IsClosed() {
		return fmt.Errorf("natshub: %s: %w", s.deviceID, nats.ErrConnectionClosed)
	}
	return nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
