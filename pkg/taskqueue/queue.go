// Package taskqueue defers units of work onto background goroutines without
// the caller caring whether the driver is already running.
//
// Enqueue never blocks. A single driver goroutine drains the pending list each
// time the work-available signal is raised and starts every drained task on its
// own goroutine. The driver exits once the node lifecycle reaches Terminating.
package taskqueue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cerebrate/internal/telemetry"
	"github.com/ryandielhenn/cerebrate/pkg/lifecycle"
)

// Task is one deferred unit of work. The context is cancelled when the queue
// driver stops.
type Task func(ctx context.Context)

type Queue struct {
	mu      sync.Mutex
	pending []Task
	ready   chan struct{} // work-available, capacity 1
	log     *zap.Logger
	wg      sync.WaitGroup
}

func New(log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		ready: make(chan struct{}, 1),
		log:   log,
	}
}

// Enqueue appends task and raises the work-available signal. Nil tasks are ignored.
func (q *Queue) Enqueue(task Task) {
	if task == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, task)
	telemetry.TaskQueuePending.Set(float64(len(q.pending)))
	q.mu.Unlock()
	q.raise()
}

func (q *Queue) raise() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len reports tasks waiting to be submitted.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run drives the queue until lc reaches Terminating or ctx is done. Tasks still
// pending at that point are dropped. Run waits for started tasks to return.
func (q *Queue) Run(ctx context.Context, lc *lifecycle.Tracker) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		q.wg.Wait()
	}()

	// Watcher: raise the signal one last time so the driver observes Terminating.
	go func() {
		select {
		case <-lc.Done():
			q.raise()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-q.ready:
		case <-ctx.Done():
			return
		}
		if lc.IsTerminating() {
			q.log.Debug("task queue stopping", zap.Int("dropped", q.Len()))
			return
		}
		for _, task := range q.drain() {
			q.submit(ctx, task)
		}
	}
}

// drain takes the pending snapshot under the lock. Tasks enqueued afterwards
// land in a fresh slice and re-raise the signal, so none are lost.
func (q *Queue) drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	telemetry.TaskQueuePending.Set(0)
	return batch
}

func (q *Queue) submit(ctx context.Context, task Task) {
	q.wg.Add(1)
	telemetry.TasksSubmitted.Inc()
	go func() {
		defer q.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("task panicked", zap.String("panic", fmt.Sprint(r)))
			}
		}()
		task(ctx)
	}()
}
