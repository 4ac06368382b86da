//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

const (
	listenerTag = ^uint64(0)
	notifierTag = ^uint64(0) - 1
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
	ready  []Event
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	return NewEpollPoller(1024)
}

// NewEpollPoller creates an epoll instance reporting at most size events per Wait
func NewEpollPoller(size int) (*EpollPoller, error) {
	if size <= 0 {
		size = 1024
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, size),
		ready:  make([]Event, 0, size*2),
	}, nil
}

func epollEvent(interest Interest, tag uint64) unix.EpollEvent {
	ev := unix.EpollEvent{Events: unix.EPOLLRDHUP}
	if interest&Readable != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	if interest&EdgeTriggered != 0 {
		ev.Events |= unix.EPOLLET
	}
	// The 64-bit user data is split across Fd and Pad.
	ev.Fd = int32(uint32(tag))
	ev.Pad = int32(uint32(tag >> 32))
	return ev
}

func eventTag(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

// AddListener registers a listening socket (level-triggered)
func (p *EpollPoller) AddListener(fd int) error {
	ev := epollEvent(Readable, listenerTag)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// AddNotifier registers the eventfd of n (level-triggered)
func (p *EpollPoller) AddNotifier(n *Notifier) error {
	ev := epollEvent(Readable, notifierTag)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, n.Fd(), &ev)
}

// Register adds fd with the given interest and tag
func (p *EpollPoller) Register(fd int, interest Interest, tag uint64) error {
	ev := epollEvent(interest, tag)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify replaces the interest and tag of a registered fd
func (p *EpollPoller) Modify(fd int, interest Interest, tag uint64) error {
	ev := epollEvent(interest, tag)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events. EINTR is retried MaxInterruptRetries times,
// after which an empty batch is returned.
func (p *EpollPoller) Wait(timeoutMs int) ([]Event, error) {
	p.ready = p.ready[:0]
	if p.epfd < 0 {
		return p.ready, ErrClosed
	}

	var n int
	var err error
	for i := 0; i <= MaxInterruptRetries; i++ {
		n, err = unix.EpollWait(p.epfd, p.events, timeoutMs)
		if err != unix.EINTR {
			break
		}
	}
	if err == unix.EINTR {
		return p.ready, nil
	}
	if err != nil {
		return p.ready, err
	}

	for i := 0; i < n; i++ {
		ev := &p.events[i]
		tag := eventTag(ev)
		switch tag {
		case listenerTag:
			p.ready = append(p.ready, Event{Kind: EventAccept})
			continue
		case notifierTag:
			p.ready = append(p.ready, Event{Kind: EventNotify})
			continue
		}

		if ev.Events&unix.EPOLLERR != 0 {
			p.ready = append(p.ready, Event{Kind: EventError, Tag: tag})
			continue
		}
		// HUP and RDHUP are surfaced as readable so the read path observes EOF.
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			p.ready = append(p.ready, Event{Kind: EventReadable, Tag: tag})
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			p.ready = append(p.ready, Event{Kind: EventWritable, Tag: tag})
		}
	}

	return p.ready, nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}
