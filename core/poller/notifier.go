package poller

import (
	"sync"
	"sync/atomic"
)

// Signal is a bitmask of cross-thread notifications
type Signal uint32

const (
	// SignalFlush asks the owning thread to drain its send queue.
	SignalFlush Signal = 1 << iota
	// SignalStop asks the owning thread to shut down.
	SignalStop
)

// Notifier wakes a thread blocked in Poller.Wait from any goroutine.
// Signals accumulate until the owner calls Drain.
type Notifier struct {
	fd       int
	pending  atomic.Uint32
	done     chan struct{}
	stopOnce sync.Once

	// mu keeps Close from releasing fd under a concurrent Notify
	mu     sync.RWMutex
	closed bool
}

// NewNotifier creates a notifier backed by an OS wake descriptor
func NewNotifier() (*Notifier, error) {
	fd, err := openWakeFd()
	if err != nil {
		return nil, err
	}
	return &Notifier{fd: fd, done: make(chan struct{})}, nil
}

// Fd returns the descriptor to register with a Poller
func (n *Notifier) Fd() int {
	return n.fd
}

// Notify records sig and wakes the owner
func (n *Notifier) Notify(sig Signal) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	n.pending.Or(uint32(sig))
	if sig&SignalStop != 0 {
		n.stopOnce.Do(func() { close(n.done) })
	}
	wake(n.fd)
}

// Drain consumes the wake token and returns the accumulated signals
func (n *Notifier) Drain() Signal {
	consume(n.fd)
	return Signal(n.pending.Swap(0))
}

// Done is closed once SignalStop has been raised. Goroutines blocked on
// queue operations select on it alongside their channels.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

// Stopped reports whether SignalStop has been raised
func (n *Notifier) Stopped() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// Close releases the descriptor
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return closeWakeFd(n.fd)
}
