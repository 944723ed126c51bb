// Package lanes provides a fixed pool of serial execution lanes.
//
// Each lane runs submitted tasks one at a time on its own goroutine, in
// submission order. A task receives a context carrying its lane, so work that
// completes elsewhere can be posted back to the lane it started on:
//
//	rt := lanes.New(runtime.NumCPU(), logger)
//	defer rt.Close(context.Background())
//	rt.Next().Submit(func(ctx context.Context) {
//		lane := lanes.FromContext(ctx)
//		go func() {
//			result := work()
//			_ = lane.Submit(func(context.Context) { deliver(result) })
//		}()
//	})
package lanes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when submitting to a lane that has been stopped.
var ErrClosed = errors.New("lane closed")

// Task is a unit of work run on a lane.
type Task func(ctx context.Context)

// Lane executes tasks serially. The queue is unbounded so a task may submit
// to its own lane without blocking.
type Lane struct {
	id     int
	base   context.Context
	logger *slog.Logger

	mu     sync.Mutex
	queue  []Task
	closed bool

	notify  chan struct{}
	stopped chan struct{}
}

func newLane(id int, logger *slog.Logger) *Lane {
	l := &Lane{
		id:      id,
		logger:  logger,
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	l.base = NewContext(context.Background(), l)
	go l.run()
	return l
}

// ID returns the lane's stable identifier within its Runtime.
func (l *Lane) ID() int {
	return l.id
}

func (l *Lane) String() string {
	return fmt.Sprintf("lane-%d", l.id)
}

// Submit queues task for execution on the lane.
func (l *Lane) Submit(task Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	l.wake()
	return nil
}

// Pending returns the number of queued tasks not yet started.
func (l *Lane) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Lane) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Lane) run() {
	defer close(l.stopped)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.notify
			l.mu.Lock()
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(task)
	}
}

func (l *Lane) exec(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("lane task panicked", "lane", l.id, "panic", r)
		}
	}()
	task(l.base)
}

// stop rejects new tasks; queued tasks still run.
func (l *Lane) stop() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wake()
}

// Runtime owns a fixed set of lanes.
type Runtime struct {
	lanes     []*Lane
	next      atomic.Uint64
	closeOnce sync.Once
}

// New starts a runtime with n lanes. A non-positive n selects runtime.NumCPU().
func New(n int, logger *slog.Logger) *Runtime {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{lanes: make([]*Lane, n)}
	for i := range rt.lanes {
		rt.lanes[i] = newLane(i, logger)
	}
	return rt
}

// Len returns the number of lanes.
func (r *Runtime) Len() int {
	return len(r.lanes)
}

// Lane returns the lane with the given id, or nil if out of range.
func (r *Runtime) Lane(id int) *Lane {
	if id < 0 || id >= len(r.lanes) {
		return nil
	}
	return r.lanes[id]
}

// Next picks a lane round-robin.
func (r *Runtime) Next() *Lane {
	n := r.next.Add(1) - 1
	return r.lanes[n%uint64(len(r.lanes))]
}

// Submit queues task on the next lane.
func (r *Runtime) Submit(task Task) error {
	return r.Next().Submit(task)
}

// Close stops accepting tasks, lets queued tasks drain and waits for every
// lane to exit or ctx to end.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		for _, l := range r.lanes {
			l.stop()
		}
	})
	for _, l := range r.lanes {
		select {
		case <-l.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type contextKey struct{}

var laneKey = contextKey{}

// FromContext returns the lane the current task runs on, or nil.
func FromContext(ctx context.Context) *Lane {
	if ctx == nil {
		return nil
	}
	if l, ok := ctx.Value(laneKey).(*Lane); ok {
		return l
	}
	return nil
}

// NewContext returns a context carrying lane.
func NewContext(ctx context.Context, lane *Lane) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, laneKey, lane)
}
