package typing

import (
	"context"
	"sync"
	"time"

	"solarchat/pkg/chat/types"

	"github.com/qmuntal/stateless"
	"github.com/sirupsen/logrus"
)

// Composer states
const (
	StateIdle           = "Idle"
	StateComposerActive = "ComposerActive"
)

// Composer triggers
const (
	TriggerKeystroke       = "Keystroke"
	TriggerCleared         = "Cleared"
	TriggerDebounceElapsed = "DebounceElapsed"
)

// Signaler receives the start and stop signals of the local composer.
// Signal is called with the notifier's lock held and must not block.
type Signaler interface {
	Signal(status types.TypingStatus)
}

// SignalerFunc adapts a function to Signaler
type SignalerFunc func(status types.TypingStatus)

func (f SignalerFunc) Signal(status types.TypingStatus) { f(status) }

// Notifier turns composer input into at most one start and one stop signal per
// typing burst. A burst ends when the text is cleared, the message is sent or
// no keystroke arrives within the debounce window.
type Notifier struct {
	mu       sync.Mutex
	fsm      *stateless.StateMachine
	debounce time.Duration
	sink     Signaler
	timer    *time.Timer
	seq      uint64
	logger   *logrus.Logger
}

func NewNotifier(debounce time.Duration, sink Signaler, logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if debounce <= 0 {
		debounce = time.Second
	}

	n := &Notifier{
		debounce: debounce,
		sink:     sink,
		logger:   logger,
	}

	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerKeystroke, StateComposerActive).
		Ignore(TriggerCleared).
		Ignore(TriggerDebounceElapsed)

	fsm.Configure(StateComposerActive).
		OnEntry(func(_ context.Context, _ ...any) error {
			n.emit(types.TypingStart)
			n.armLocked()
			return nil
		}).
		OnExit(func(_ context.Context, _ ...any) error {
			n.disarmLocked()
			n.emit(types.TypingStop)
			return nil
		}).
		InternalTransition(TriggerKeystroke, func(_ context.Context, _ ...any) error {
			n.armLocked()
			return nil
		}).
		Permit(TriggerCleared, StateIdle).
		Permit(TriggerDebounceElapsed, StateIdle)

	n.fsm = fsm
	return n
}

// Input reports the current composer text
func (n *Notifier) Input(text string) {
	if text == "" {
		n.fire(TriggerCleared)
		return
	}
	n.fire(TriggerKeystroke)
}

// Sent ends the burst after a message went out
func (n *Notifier) Sent() {
	n.fire(TriggerCleared)
}

// Reset ends the burst, e.g. on a peer switch or unmount
func (n *Notifier) Reset() {
	n.fire(TriggerCleared)
}

// Active reports whether the composer is in a typing burst
func (n *Notifier) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fsm.MustState() == StateComposerActive
}

func (n *Notifier) fire(trigger string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fireLocked(trigger)
}

func (n *Notifier) fireLocked(trigger string) {
	if err := n.fsm.Fire(trigger); err != nil {
		n.logger.WithError(err).WithField("trigger", trigger).Warn("Typing state transition failed")
	}
}

// armLocked (re)starts the debounce timer. Callbacks of replaced timers see a
// different sequence number and do nothing.
func (n *Notifier) armLocked() {
	n.disarmLocked()
	seq := n.seq
	n.timer = time.AfterFunc(n.debounce, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if seq != n.seq {
			return
		}
		n.fireLocked(TriggerDebounceElapsed)
	})
}

func (n *Notifier) disarmLocked() {
	n.seq++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Notifier) emit(status types.TypingStatus) {
	if n.sink != nil {
		n.sink.Signal(status)
	}
}
