package signup

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgehub/internal/hub"
	"github.com/danmuck/edgehub/internal/observability"
	"github.com/rs/zerolog"
)

// LoopState is the ReceiveLoop state machine.
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopWaiting
	LoopDispatching
	LoopFinalizing
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopWaiting:
		return "waiting"
	case LoopDispatching:
		return "dispatching"
	case LoopFinalizing:
		return "finalizing"
	case LoopStopped:
		return "stopped"
	default:
		return fmt.Sprintf("LoopState(%d)", int32(s))
	}
}

// ReceiveLoop pulls messages from one session, dispatches each to the
// notifier and finalizes it before pulling the next one.
type ReceiveLoop struct {
	session  hub.Session
	notifier *Notifier
	deviceID string
	logger   zerolog.Logger

	state     atomic.Int32
	startOnce sync.Once
	done      chan struct{}
	err       error
}

// NewReceiveLoop returns an idle loop over s. Start launches it.
func NewReceiveLoop(s hub.Session, notifier *Notifier, deviceID string, logger zerolog.Logger) *ReceiveLoop {
	return &ReceiveLoop{
		session:  s,
		notifier: notifier,
		deviceID: deviceID,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the receive worker. Later calls are no-ops.
func (l *ReceiveLoop) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Done is closed when the worker has exited.
func (l *ReceiveLoop) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the worker exits and returns Err.
func (l *ReceiveLoop) Wait() error {
	<-l.done
	return l.err
}

// Err reports why the loop stopped: nil while running or after a deliberate
// session close, otherwise the transport error.
func (l *ReceiveLoop) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *ReceiveLoop) State() LoopState {
	return LoopState(l.state.Load())
}

func (l *ReceiveLoop) run() {
	defer close(l.done)
	l.logger.Debug().Str("device_id", l.deviceID).Msg("signup.ReceiveLoop.run start")
	for {
		l.state.Store(int32(LoopWaiting))
		msg, err := l.session.Pull()
		if err != nil {
			l.stop("pull", err)
			return
		}
		if msg == nil {
			continue
		}
		if err := l.handle(msg); err != nil {
			l.stop("finalize", err)
			return
		}
	}
}

// handle dispatches msg and finalizes it exactly once.
func (l *ReceiveLoop) handle(msg hub.Message) error {
	l.state.Store(int32(LoopDispatching))
	start := time.Now()
	dispatchErr := l.notifier.Dispatch(msg)
	elapsed := time.Since(start)

	l.state.Store(int32(LoopFinalizing))
	if dispatchErr != nil {
		l.logger.Warn().
			Err(dispatchErr).
			Str("device_id", l.deviceID).
			Str("message_id", msg.ID()).
			Msg("signup.ReceiveLoop handler failed, rejecting")
		if err := l.session.Reject(msg); err != nil {
			return err
		}
		observability.RecordMessage(l.deviceID, observability.OutcomeRejected, elapsed)
		return nil
	}
	if err := l.session.Acknowledge(msg); err != nil {
		return err
	}
	observability.RecordMessage(l.deviceID, observability.OutcomeAcked, elapsed)
	l.logger.Debug().
		Str("device_id", l.deviceID).
		Str("message_id", msg.ID()).
		Dur("dispatch", elapsed).
		Msg("signup.ReceiveLoop acknowledged")
	return nil
}

func (l *ReceiveLoop) stop(op string, err error) {
	l.state.Store(int32(LoopStopped))
	if errors.Is(err, hub.ErrSessionClosed) {
		observability.RecordLoopStop(l.deviceID, observability.StopClosed)
		l.logger.Info().Str("device_id", l.deviceID).Msg("signup.ReceiveLoop stopped: session closed")
		return
	}
	l.err = fmt.Errorf("signup: receive %s: %w", op, err)
	observability.RecordLoopStop(l.deviceID, observability.StopTransport)
	l.logger.Warn().Err(err).Str("device_id", l.deviceID).Str("op", op).Msg("signup.ReceiveLoop stopped")
}
