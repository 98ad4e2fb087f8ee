package signup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/edgehub/internal/hub"
)

var errLinkDown = errors.New("link down")

type fakeMsg struct {
	id string
}

func (m *fakeMsg) ID() string                    { return m.id }
func (m *fakeMsg) Payload() []byte               { return []byte(m.id) }
func (m *fakeMsg) Properties() map[string]string { return nil }

func script(ids ...string) []hub.Message {
	out := make([]hub.Message, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			out = append(out, nil)
			continue
		}
		out = append(out, &fakeMsg{id: id})
	}
	return out
}

// scriptedSession yields a fixed message script, then returns endErr.
type scriptedSession struct {
	mu        sync.Mutex
	script    []hub.Message
	endErr    error
	ackErr    error
	rejectErr error
	events    []string
	inFlight  map[string]bool
	finals    map[string]int
	overlap   bool
	closes    int
}

func newScriptedSession(msgs []hub.Message, endErr error) *scriptedSession {
	return &scriptedSession{
		script:   msgs,
		endErr:   endErr,
		inFlight: make(map[string]bool),
		finals:   make(map[string]int),
	}
}

func (s *scriptedSession) Pull() (hub.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "pull")
	if len(s.inFlight) > 0 {
		s.overlap = true
	}
	if len(s.script) == 0 {
		return nil, s.endErr
	}
	msg := s.script[0]
	s.script = s.script[1:]
	if msg != nil {
		s.inFlight[msg.ID()] = true
	}
	return msg, nil
}

func (s *scriptedSession) Acknowledge(msg hub.Message) error {
	return s.finalize("ack", msg, s.ackErr)
}

func (s *scriptedSession) Reject(msg hub.Message) error {
	return s.finalize("reject", msg, s.rejectErr)
}

func (s *scriptedSession) finalize(kind string, msg hub.Message, fail error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fail != nil {
		return fail
	}
	s.events = append(s.events, fmt.Sprintf("%s:%s", kind, msg.ID()))
	s.finals[msg.ID()]++
	delete(s.inFlight, msg.ID())
	return nil
}

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *scriptedSession) snapshot() ([]string, map[string]int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := append([]string(nil), s.events...)
	finals := make(map[string]int, len(s.finals))
	for k, v := range s.finals {
		finals[k] = v
	}
	return events, finals, s.overlap
}

// fakeConnector hands out a fixed session or error.
type fakeConnector struct {
	session hub.Session
	err     error
	opens   int
	last    hub.DeviceConnectionInfo
}

func (c *fakeConnector) OpenSession(_ context.Context, info hub.DeviceConnectionInfo) (hub.Session, error) {
	c.opens++
	c.last = info
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

// staticRegistry returns a fixed record for every call.
type staticRegistry struct {
	rec hub.DeviceRecord
}

func (r staticRegistry) AddDevice(context.Context, string) (hub.DeviceRecord, error) {
	return r.rec, nil
}

func (r staticRegistry) GetDevice(context.Context, string) (hub.DeviceRecord, error) {
	return r.rec, nil
}
