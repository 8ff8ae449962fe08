package qk

import (
	"context"
	"sync"
	"time"
)

// Mode is the connectivity state of a DatabaseManager.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// TransitionFunc observes a mode change. It runs synchronously on the
// goroutine that caused the transition.
type TransitionFunc func(ctx context.Context, from, to Mode)

// Transition records one mode change.
type Transition struct {
	From   Mode
	To     Mode
	Reason string
	At     time.Time
}

const transitionHistorySize = 20

// modeMachine is the two-state machine behind DatabaseManager.
// transition is the only way the mode changes.
type modeMachine struct {
	mu        sync.RWMutex
	mode      Mode
	history   []Transition
	observers []TransitionFunc
}

func newModeMachine(initial Mode) *modeMachine {
	return &modeMachine{mode: initial}
}

func (m *modeMachine) current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

func (m *modeMachine) observe(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// transition moves to the target mode. When the mode actually changes it
// records the change and returns the observers to notify; the caller runs
// them after the lock is released.
func (m *modeMachine) transition(to Mode, reason string, at time.Time) (Transition, []TransitionFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == to {
		return Transition{}, nil, false
	}

	t := Transition{From: m.mode, To: to, Reason: reason, At: at}
	m.mode = to
	m.history = append(m.history, t)
	if len(m.history) > transitionHistorySize {
		m.history = m.history[len(m.history)-transitionHistorySize:]
	}

	observers := make([]TransitionFunc, len(m.observers))
	copy(observers, m.observers)
	return t, observers, true
}

func (m *modeMachine) transitions() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
