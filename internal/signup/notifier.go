package signup

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/edgehub/internal/hub"
)

// Handler consumes one inbound message. A non-nil error rejects the message.
type Handler func(msg hub.Message) error

type subscription struct {
	id uint64
	fn Handler
}

// Notifier is the subscription point for inbound messages. Handlers run
// synchronously, in registration order, on the dispatching goroutine.
type Notifier struct {
	mu   sync.RWMutex
	next uint64
	subs []subscription
}

// NewNotifier returns a Notifier with no handlers.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers fn and returns a func that removes it.
func (n *Notifier) Subscribe(fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	n.mu.Lock()
	n.next++
	id := n.next
	n.subs = append(n.subs, subscription{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return
		}
	}
}

func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Dispatch invokes every handler with msg. It returns nil when all succeed,
// otherwise the joined handler failures. Later handlers still run after an
// earlier one fails.
func (n *Notifier) Dispatch(msg hub.Message) error {
	n.mu.RLock()
	subs := n.subs
	n.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := invoke(s.fn, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invoke(fn Handler, msg hub.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn(msg)
}
