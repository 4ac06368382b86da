// Package poller wraps OS readiness multiplexing for the net threads.
package poller

import "errors"

// Interest is the set of readiness kinds a registration waits for
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	// EdgeTriggered reports a readiness change once; the owner must drain
	// the descriptor until EAGAIN before waiting again.
	EdgeTriggered
)

// EventKind classifies a ready event
type EventKind uint8

const (
	EventAccept EventKind = iota + 1
	EventNotify
	EventReadable
	EventWritable
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "accept"
	case EventNotify:
		return "notify"
	case EventReadable:
		return "readable"
	case EventWritable:
		return "writable"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one classified readiness notification. Tag is the value supplied
// at registration time (the connection uid for connections).
type Event struct {
	Kind EventKind
	Tag  uint64
}

// MaxInterruptRetries bounds how often Wait restarts after EINTR
const MaxInterruptRetries = 3

var (
	ErrUnsupported = errors.New("poller: platform not supported")
	ErrClosed      = errors.New("poller: closed")
)

// Poller is the I/O multiplexing interface
type Poller interface {
	// AddListener registers a listening socket; its readiness is reported as EventAccept.
	AddListener(fd int) error
	// AddNotifier registers a notifier; its readiness is reported as EventNotify.
	AddNotifier(n *Notifier) error
	Register(fd int, interest Interest, tag uint64) error
	Modify(fd int, interest Interest, tag uint64) error
	Remove(fd int) error
	// Wait blocks at most timeoutMs milliseconds. The returned slice is
	// reused by the next call.
	Wait(timeoutMs int) ([]Event, error)
	Close() error
}
