package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrBridgeClosed = errors.New("taskqueue: bridge closed")

type job struct {
	fn  func() (any, error)
	out chan result
}

type result struct {
	val any
	err error
}

// Bridge runs blocking calls on a fixed pool of worker goroutines. Each call
// gets its own single-assignment result channel that the caller awaits.
type Bridge struct {
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
	closed chan struct{}
}

func NewBridge(workers int) *Bridge {
	if workers <= 0 {
		workers = 1
	}
	b := &Bridge{
		jobs:   make(chan job),
		closed: make(chan struct{}),
	}
	for range workers {
		b.wg.Add(1)
		go b.work()
	}
	return b
}

func (b *Bridge) work() {
	defer b.wg.Done()
	for {
		select {
		case j := <-b.jobs:
			j.out <- call(j.fn)
		case <-b.closed:
			return
		}
	}
}

func call(fn func() (any, error)) (r result) {
	defer func() {
		if p := recover(); p != nil {
			r = result{err: fmt.Errorf("taskqueue: blocking call panicked: %v", p)}
		}
	}()
	v, err := fn()
	return result{val: v, err: err}
}

// Close stops the workers after in-flight calls finish.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.closed) })
	b.wg.Wait()
}

// Offload runs fn on b and waits for its result. If ctx ends first the call
// keeps running on its worker but its result is discarded.
func Offload[T any](ctx context.Context, b *Bridge, fn func() (T, error)) (T, error) {
	var zero T
	j := job{
		fn:  func() (any, error) { return fn() },
		out: make(chan result, 1),
	}
	select {
	case b.jobs <- j:
	case <-b.closed:
		return zero, ErrBridgeClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-j.out:
		if r.err != nil {
			return zero, r.err
		}
		v, _ := r.val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
