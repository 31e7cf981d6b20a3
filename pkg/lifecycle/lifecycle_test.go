package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raised(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestExactlyOneSignalRaised(t *testing.T) {
	tr := New()
	assert.Equal(t, Initializing, tr.Current())

	for _, s := range []State{Listening, Coordinating, Listening} {
		require.True(t, tr.Set(s))
		for _, other := range states {
			assert.Equal(t, other == s, raised(tr.Signal(other)), "state %s while %s current", other, s)
		}
	}
}

func TestTerminatingIsAbsorbing(t *testing.T) {
	tr := New()
	require.True(t, tr.Set(Terminating))
	assert.False(t, tr.Set(Listening))
	assert.Equal(t, Terminating, tr.Current())
	assert.True(t, raised(tr.Done()))
}

func TestWaitWakesOnTransition(t *testing.T) {
	tr := New()
	errc := make(chan error, 1)
	go func() { errc <- tr.Wait(context.Background(), Listening) }()

	time.Sleep(10 * time.Millisecond)
	tr.Set(Listening)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestWaitRacesTerminating(t *testing.T) {
	tr := New()
	errc := make(chan error, 1)
	go func() { errc <- tr.Wait(context.Background(), Coordinating) }()

	tr.Set(Terminating)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTerminating)
	case <-time.After(time.Second):
		t.Fatal("waiter blocked past Terminating")
	}
}

func TestOnChangeObservesTransitions(t *testing.T) {
	tr := New()
	var seen []State
	tr.OnChange(func(s State) { seen = append(seen, s) })
	tr.Set(Listening)
	tr.Set(Terminating)
	tr.Set(Listening)
	assert.Equal(t, []State{Listening, Terminating}, seen)
}
