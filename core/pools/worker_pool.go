package pools

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrFullyLoaded = errors.New("pools: worker queue fully loaded")
	ErrPoolClosed  = errors.New("pools: worker pool closed")
)

const (
	defaultPopTimeout    = 100 * time.Millisecond
	defaultOverloadRatio = 0.9
)

// WorkerConfig configures a WorkerPool
type WorkerConfig[T any] struct {
	// Workers is the number of worker goroutines (default NumCPU)
	Workers int
	// Backlog is the capacity of the receive queue
	Backlog int
	// SendBacklog is the capacity of the result queue (default Backlog)
	SendBacklog int
	// Handle runs the business logic for one item
	Handle func(T)
	// Overload runs instead of Handle while the receive queue is at least
	// OverloadRatio full (default Handle)
	Overload      func(T)
	OverloadRatio float64
	// Wake is called after a result was queued
	Wake func()
	// Done aborts blocked result pushes once closed
	Done <-chan struct{}
	// PopTimeout bounds each wait on the receive queue
	PopTimeout time.Duration
	Logger     *slog.Logger
}

// WorkerPool runs business handlers off the I/O thread. One producer feeds
// the bounded receive queue; handled items come back on the result queue.
type WorkerPool[T any] struct {
	cfg  WorkerConfig[T]
	recv chan T
	send chan T

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	wg      sync.WaitGroup

	// Statistics
	stats struct {
		submitted  atomic.Uint64
		rejected   atomic.Uint64
		completed  atomic.Uint64
		overloaded atomic.Uint64
		panics     atomic.Uint64
		alive      atomic.Int64
	}
}

// NewWorkerPool creates a pool; workers run after Start
func NewWorkerPool[T any](cfg WorkerConfig[T]) *WorkerPool[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 1024
	}
	if cfg.SendBacklog <= 0 {
		cfg.SendBacklog = cfg.Backlog
	}
	if cfg.Overload == nil {
		cfg.Overload = cfg.Handle
	}
	if cfg.OverloadRatio <= 0 || cfg.OverloadRatio > 1 {
		cfg.OverloadRatio = defaultOverloadRatio
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &WorkerPool[T]{
		cfg:  cfg,
		recv: make(chan T, cfg.Backlog),
		send: make(chan T, cfg.SendBacklog),
	}
}

// Start launches the workers
func (p *WorkerPool[T]) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		p.stats.alive.Add(1)
		go p.run(i)
	}
}

// Submit enqueues item without blocking. A full queue rejects it with
// ErrFullyLoaded.
func (p *WorkerPool[T]) Submit(item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.recv <- item:
		p.stats.submitted.Add(1)
		return nil
	default:
		p.stats.rejected.Add(1)
		return ErrFullyLoaded
	}
}

// Pending returns the number of queued items
func (p *WorkerPool[T]) Pending() int {
	return len(p.recv)
}

// Capacity returns the receive queue capacity
func (p *WorkerPool[T]) Capacity() int {
	return cap(p.recv)
}

// FullyLoaded reports whether the receive queue is at capacity
func (p *WorkerPool[T]) FullyLoaded() bool {
	return len(p.recv) >= cap(p.recv)
}

// Overloaded reports whether the receive queue is past the overload ratio
func (p *WorkerPool[T]) Overloaded() bool {
	return p.overloaded(0)
}

// overloaded counts inFlight popped items as still queued
func (p *WorkerPool[T]) overloaded(inFlight int) bool {
	return float64(len(p.recv)+inFlight) >= p.cfg.OverloadRatio*float64(cap(p.recv))
}

// Drain hands every queued result to fn without blocking and returns how
// many were drained.
func (p *WorkerPool[T]) Drain(fn func(T)) int {
	n := 0
	for {
		select {
		case item := <-p.send:
			fn(item)
			n++
		default:
			return n
		}
	}
}

func (p *WorkerPool[T]) run(id int) {
	defer p.wg.Done()
	defer p.stats.alive.Add(-1)

	timer := time.NewTimer(p.cfg.PopTimeout)
	defer timer.Stop()

	for {
		select {
		case item, ok := <-p.recv:
			if !ok {
				return
			}
			if !p.process(id, item) {
				return
			}
		case <-timer.C:
		}
		timer.Reset(p.cfg.PopTimeout)
	}
}

// process runs one item and reports whether the worker may continue
func (p *WorkerPool[T]) process(id int, item T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			p.cfg.Logger.Error("worker panicked, stopping worker",
				slog.Int("worker", id), slog.Any("panic", r))
			ok = false
		}
	}()

	if p.overloaded(1) {
		p.stats.overloaded.Add(1)
		p.cfg.Overload(item)
	} else {
		p.cfg.Handle(item)
	}
	p.stats.completed.Add(1)
	p.push(item)
	return true
}

func (p *WorkerPool[T]) push(item T) {
	for {
		select {
		case p.send <- item:
			if p.cfg.Wake != nil {
				p.cfg.Wake()
			}
			return
		case <-p.cfg.Done:
			return
		case <-time.After(p.cfg.PopTimeout):
			// The owner drains on every loop turn; wake it again.
			if p.cfg.Wake != nil {
				p.cfg.Wake()
			}
		}
	}
}

// Close marks the receive queue terminated and waits until workers have
// drained it.
func (p *WorkerPool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.recv)
	p.mu.Unlock()

	if !p.started.Load() {
		return
	}
	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool[T]) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		NumWorkers:     int(p.stats.alive.Load()),
		TasksSubmitted: p.stats.submitted.Load(),
		TasksRejected:  p.stats.rejected.Load(),
		TasksCompleted: p.stats.completed.Load(),
		TasksPending:   uint64(len(p.recv)),
		Overloaded:     p.stats.overloaded.Load(),
		Panics:         p.stats.panics.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int
	TasksSubmitted uint64
	TasksRejected  uint64
	TasksCompleted uint64
	TasksPending   uint64
	Overloaded     uint64
	Panics         uint64
}
