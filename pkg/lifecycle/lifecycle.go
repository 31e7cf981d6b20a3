// Package lifecycle tracks which of the four node states is current and lets
// goroutines wait for a state to become current.
package lifecycle

import (
	"context"
	"sync"
)

type State uint8

const (
	Initializing State = iota
	Listening
	Coordinating
	Terminating
)

var states = [...]State{Initializing, Listening, Coordinating, Terminating}

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Listening:
		return "listening"
	case Coordinating:
		return "coordinating"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Tracker holds one open signal per state. The signal of the current state is
// closed (raised); all others are open. Terminating is absorbing.
type Tracker struct {
	mu       sync.Mutex
	current  State
	signals  [len(states)]chan struct{}
	onChange func(State)
}

func New() *Tracker {
	t := &Tracker{}
	for i := range t.signals {
		t.signals[i] = make(chan struct{})
	}
	close(t.signals[Initializing])
	return t
}

// OnChange registers a callback run after every accepted transition.
func (t *Tracker) OnChange(fn func(State)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Tracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Set makes s current. It reports false when the tracker is already
// Terminating, in which case nothing changes.
func (t *Tracker) Set(s State) bool {
	t.mu.Lock()
	if t.current == Terminating {
		t.mu.Unlock()
		return false
	}
	if t.current != s {
		t.signals[t.current] = make(chan struct{})
		t.current = s
		close(t.signals[s])
	}
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
	return true
}

// Signal returns a channel closed while s is current. A channel obtained for
// a state that is later cleared stays open; callers re-fetch after waking.
func (t *Tracker) Signal(s State) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signals[s]
}

// Done is closed once the node is Terminating.
func (t *Tracker) Done() <-chan struct{} {
	return t.Signal(Terminating)
}

func (t *Tracker) IsTerminating() bool {
	return t.Current() == Terminating
}

// Wait blocks until s is current. It races against Terminating and ctx so
// shutdown never leaves a waiter stuck; the returned error is ErrTerminating
// or the context error in those cases.
func (t *Tracker) Wait(ctx context.Context, s State) error {
	for {
		t.mu.Lock()
		if t.current == s {
			t.mu.Unlock()
			return nil
		}
		if t.current == Terminating {
			t.mu.Unlock()
			return ErrTerminating
		}
		sig := t.signals[s]
		done := t.signals[Terminating]
		t.mu.Unlock()

		select {
		case <-sig:
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
