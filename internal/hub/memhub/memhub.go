// Package memhub is an in-process hub used for local runs and tests.
package memhub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgehub/internal/auth"
	"github.com/danmuck/edgehub/internal/hub"
	"github.com/puzpuzpuz/xsync/v4"
)

var ErrQueueFull = errors.New("memhub: device queue full")

const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeRejected     = "rejected"
)

type Options struct {
	// PullWait bounds one Pull; zero means 100ms.
	PullWait time.Duration
	// Redeliver requeues rejected messages.
	Redeliver  bool
	QueueDepth int
}

// Finalization records one acknowledge or reject.
type Finalization struct {
	MessageID string
	Outcome   string
	Delivery  int
	At        time.Time
}

type Hub struct {
	opts     Options
	devices  *xsync.Map[string, hub.DeviceRecord]
	queues   *xsync.Map[string, chan *Message]
	sessions *xsync.Map[string, *Session]
	seq      atomic.Uint64

	addCalls atomic.Int64
	getCalls atomic.Int64

	mu           sync.Mutex
	finalized    map[string][]Finalization
	failAdd      error
	failGet      error
	failOpen     error
	failFinalize error
}

var (
	_ hub.Registry  = (*Hub)(nil)
	_ hub.Connector = (*Hub)(nil)
	_ hub.Sender    = (*Hub)(nil)
)

func New(opts Options) *Hub {
	if opts.PullWait <= 0 {
		opts.PullWait = 100 * time.Millisecond
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	return &Hub{
		opts:      opts,
		devices:   xsync.NewMap[string, hub.DeviceRecord](),
		queues:    xsync.NewMap[string, chan *Message](),
		sessions:  xsync.NewMap[string, *Session](),
		finalized: make(map[string][]Finalization),
	}
}

func (h *Hub) AddDevice(_ context.Context, id string) (hub.DeviceRecord, error) {
	h.addCalls.Add(1)
	if err := h.takeFault(&h.failAdd); err != nil {
		return hub.DeviceRecord{}, err
	}
	if err := hub.ValidateDeviceID(id); err != nil {
		return hub.DeviceRecord{}, err
	}
	if _, ok := h.devices.Load(id); ok {
		return hub.DeviceRecord{}, fmt.Errorf("%w: %s", hub.ErrDeviceExists, id)
	}
	primary, err := auth.GenerateKey()
	if err != nil {
		return hub.DeviceRecord{}, err
	}
	secondary, err := auth.GenerateKey()
	if err != nil {
		return hub.DeviceRecord{}, err
	}
	rec := hub.DeviceRecord{
		ID:        id,
		Auth:      hub.Authentication{PrimaryKey: primary, SecondaryKey: secondary},
		Status:    hub.DeviceEnabled,
		CreatedAt: time.Now().UTC(),
	}
	if _, loaded := h.devices.LoadOrStore(id, rec); loaded {
		return hub.DeviceRecord{}, fmt.Errorf("%w: %s", hub.ErrDeviceExists, id)
	}
	return rec, nil
}

func (h *Hub) GetDevice(_ context.Context, id string) (hub.DeviceRecord, error) {
	h.getCalls.Add(1)
	if err := h.takeFault(&h.failGet); err != nil {
		return hub.DeviceRecord{}, err
	}
	rec, ok := h.devices.Load(id)
	if !ok {
		return hub.DeviceRecord{}, fmt.Errorf("%w: %s", hub.ErrDeviceNotFound, id)
	}
	return rec, nil
}

// SetStatus flips a registered device between enabled and disabled.
func (h *Hub) SetStatus(id string, status hub.DeviceStatus) error {
	rec, ok := h.devices.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", hub.ErrDeviceNotFound, id)
	}
	rec.Status = status
	h.devices.Store(id, rec)
	return nil
}

func (h *Hub) OpenSession(_ context.Context, info hub.DeviceConnectionInfo) (hub.Session, error) {
	if err := h.takeFault(&h.failOpen); err != nil {
		return nil, err
	}
	rec, ok := h.devices.Load(info.DeviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", hub.ErrDeviceNotFound, info.DeviceID)
	}
	if rec.Status == hub.DeviceDisabled {
		return nil, fmt.Errorf("%w: %s", hub.ErrDeviceDisabled, info.DeviceID)
	}
	if err := (auth.DeviceKey{Key: rec.Auth.PrimaryKey}).Validate(info.DeviceKey); err != nil {
		if (auth.DeviceKey{Key: rec.Auth.SecondaryKey}).Validate(info.DeviceKey) != nil {
			return nil, err
		}
	}
	s := &Session{
		hub:      h,
		deviceID: info.DeviceID,
		queue:    h.queue(info.DeviceID),
		wait:     h.opts.PullWait,
		closed:   make(chan struct{}),
		broken:   make(chan struct{}),
		inflight: make(map[*Message]struct{}),
	}
	h.sessions.Store(info.DeviceID, s)
	return s, nil
}

// SendToDevice enqueues a message for id. The device need not be connected.
func (h *Hub) SendToDevice(_ context.Context, id string, payload []byte, props map[string]string) error {
	if _, ok := h.devices.Load(id); !ok {
		return fmt.Errorf("%w: %s", hub.ErrDeviceNotFound, id)
	}
	msg := &Message{
		id:       strconv.FormatUint(h.seq.Add(1), 10),
		payload:  append([]byte(nil), payload...),
		props:    copyProps(props),
		delivery: 1,
	}
	return h.enqueue(id, msg)
}

// Disconnect breaks the device's current session; its next Pull returns err.
func (h *Hub) Disconnect(id string, err error) {
	s, ok := h.sessions.Load(id)
	if !ok {
		return
	}
	s.breakWith(err)
}

// Finalized returns the acknowledge/reject history for id.
func (h *Hub) Finalized(id string) []Finalization {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Finalization, len(h.finalized[id]))
	copy(out, h.finalized[id])
	return out
}

// Pending reports queued, undelivered messages for id.
func (h *Hub) Pending(id string) int {
	q, ok := h.queues.Load(id)
	if !ok {
		return 0
	}
	return len(q)
}

func (h *Hub) AddCalls() int64 { return h.addCalls.Load() }
func (h *Hub) GetCalls() int64 { return h.getCalls.Load() }
func (h *Hub) DeviceCount() int {
	return h.devices.Size()
}

// FailNextAdd makes the next AddDevice return err.
func (h *Hub) FailNextAdd(err error) { h.setFault(&h.failAdd, err) }

// FailNextGet makes the next GetDevice return err.
func (h *Hub) FailNextGet(err error) { h.setFault(&h.failGet, err) }

// FailNextOpen makes the next OpenSession return err.
func (h *Hub) FailNextOpen(err error) { h.setFault(&h.failOpen, err) }

// FailNextFinalize makes the next Acknowledge or Reject return err.
func (h *Hub) FailNextFinalize(err error) { h.setFault(&h.failFinalize, err) }

func (h *Hub) setFault(slot *error, err error) {
	h.mu.Lock()
	*slot = err
	h.mu.Unlock()
}

func (h *Hub) takeFault(slot *error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := *slot
	*slot = nil
	return err
}

func (h *Hub) queue(id string) chan *Message {
	if q, ok := h.queues.Load(id); ok {
		return q
	}
	q, _ := h.queues.LoadOrStore(id, make(chan *Message, h.opts.QueueDepth))
	return q
}

func (h *Hub) enqueue(id string, msg *Message) error {
	select {
	case h.queue(id) <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, id)
	}
}

func (h *Hub) record(id string, f Finalization) {
	h.mu.Lock()
	h.finalized[id] = append(h.finalized[id], f)
	h.mu.Unlock()
}

func copyProps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
