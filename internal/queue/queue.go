// Package queue serializes task execution per conversation key.
//
// Each key owns a FIFO chain drained by a single worker goroutine, so at most one
// task per key runs at a time while different keys run concurrently. A key's
// chain (and its worker) disappears as soon as the chain is empty.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by handles of tasks submitted after Shutdown.
var ErrClosed = errors.New("queue closed")

// Task is a unit of work. The context is cancelled only when Shutdown gives up
// waiting for in-flight work.
type Task func(ctx context.Context) error

// Handle resolves with the outcome of one enqueued task.
type Handle struct {
	ID   string
	done chan struct{}
	err  error
}

// Done is closed once the task has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task outcome. Only meaningful after Done is closed.
func (h *Handle) Err() error { return h.err }

// Wait blocks until the task settles or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) settle(err error) {
	h.err = err
	close(h.done)
}

type job struct {
	task   Task
	handle *Handle
}

type chain struct {
	jobs []*job
}

// Queue is a set of per-key FIFO chains. Safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	chains map[string]*chain
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty queue.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		chains: make(map[string]*chain),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue appends task to the chain for key and returns its handle.
// The key is busy from this call until its chain drains.
func (q *Queue) Enqueue(key string, task Task) *Handle {
	h := &Handle{ID: uuid.NewString(), done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		h.settle(ErrClosed)
		return h
	}
	c, exists := q.chains[key]
	if !exists {
		c = &chain{}
		q.chains[key] = c
	}
	c.jobs = append(c.jobs, &job{task: task, handle: h})
	if !exists {
		q.wg.Add(1)
		go q.drain(key, c)
	}
	depth := len(c.jobs)
	q.mu.Unlock()

	slog.Debug("queue: task enqueued", "chat_id", key, "task_id", h.ID, "depth", depth)
	return h
}

// IsBusy reports whether key has a pending or running task.
// Advisory only: a concurrent Enqueue may change the answer immediately.
func (q *Queue) IsBusy(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.chains[key]
	return ok
}

// Pending returns the number of tasks waiting (not running) for key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.chains[key]; ok {
		return len(c.jobs)
	}
	return 0
}

// Active returns the number of keys with a live chain.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chains)
}

// Shutdown stops accepting tasks and waits for in-flight chains to drain.
// If ctx ends first, running tasks see their context cancelled and ctx.Err()
// is returned without waiting further.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		slog.Warn("queue: shutdown deadline reached, cancelling in-flight tasks")
		return ctx.Err()
	}
}

func (q *Queue) drain(key string, c *chain) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(c.jobs) == 0 {
			delete(q.chains, key)
			q.mu.Unlock()
			return
		}
		j := c.jobs[0]
		c.jobs[0] = nil
		c.jobs = c.jobs[1:]
		q.mu.Unlock()

		err := q.run(key, j)
		if err != nil {
			slog.Debug("queue: task failed", "chat_id", key, "task_id", j.handle.ID, "error", err)
		}
		j.handle.settle(err)
	}
}

func (q *Queue) run(key string, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue: task panicked", "chat_id", key, "task_id", j.handle.ID, "panic", r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return j.task(q.ctx)
}
