package conn

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/searchktools/fast-reactor/core/pools"
	"github.com/searchktools/fast-reactor/core/protocol"
	"github.com/searchktools/fast-reactor/core/socket"
)

// Status is the outcome of one Receive call
type Status uint8

const (
	// WouldBlock means no complete message is available yet.
	WouldBlock Status = iota
	// Closed is terminal: peer closed, read failed or the message was
	// malformed. The owner must remove the connection.
	Closed
	// Done means a complete message was parsed.
	Done
)

func (s Status) String() string {
	switch s {
	case WouldBlock:
		return "would-block"
	case Closed:
		return "closed"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

const (
	defaultReadSize = 2048
	// DefaultMaxBuffer bounds the bytes held for a single message
	DefaultMaxBuffer = 8 << 20
)

var (
	ErrNoProtocol         = errors.New("conn: no protocol configured")
	ErrUpgradeNotSignaled = errors.New("conn: protocol change without upgrade")
	ErrMessageTooLarge    = errors.New("conn: message exceeds buffer limit")
)

// Profile is the per-connection state owned by a Manager
type Profile struct {
	uid        UID
	fd         int
	RemoteIP   string
	RemotePort int
	Direction  Direction
	CreatedAt  time.Time

	parser      protocol.Parser
	buf         []byte
	unparsed    bool
	readSize    int
	maxBuffer   int
	idleTimeout time.Duration
	deadline    time.Time
	pending     []*SendContext
	closed      bool
}

// NewProfile wraps a connected descriptor. idleTimeout <= 0 disables the
// idle deadline.
func NewProfile(fd int, ip string, port int, dir Direction, idleTimeout time.Duration) *Profile {
	now := time.Now()
	p := &Profile{
		fd:          fd,
		RemoteIP:    ip,
		RemotePort:  port,
		Direction:   dir,
		CreatedAt:   now,
		readSize:    defaultReadSize,
		maxBuffer:   DefaultMaxBuffer,
		idleTimeout: idleTimeout,
	}
	p.touch(now)
	return p
}

func (p *Profile) UID() UID                { return p.uid }
func (p *Profile) Fd() int                 { return p.fd }
func (p *Profile) Parser() protocol.Parser { return p.parser }
func (p *Profile) Deadline() time.Time     { return p.deadline }

// SetDeadline overrides the idle deadline
func (p *Profile) SetDeadline(t time.Time) { p.deadline = t }

// SetMaxBuffer bounds the bytes held for one message
func (p *Profile) SetMaxBuffer(n int) { p.maxBuffer = n }

// LongLived reports whether the active protocol is exempt from idle sweeps
func (p *Profile) LongLived() bool {
	return p.parser != nil && p.parser.LongLived()
}

func (p *Profile) touch(now time.Time) {
	if p.idleTimeout > 0 {
		p.deadline = now.Add(p.idleTimeout)
	}
}

// ConfigureProtocol installs next as the connection parser. It is legal
// only for the first configuration or when the current parser signals an
// upgrade; on upgrade unconsumed bytes are discarded.
func (p *Profile) ConfigureProtocol(next protocol.Parser) error {
	if p.parser != nil && !p.parser.WantsUpgrade() {
		return fmt.Errorf("%w: %s to %s", ErrUpgradeNotSignaled, p.parser.Kind(), next.Kind())
	}
	if p.parser != nil {
		p.buf = p.buf[:0]
		p.unparsed = false
	}
	p.parser = next
	return nil
}

func (p *Profile) grow() error {
	if cap(p.buf)-len(p.buf) >= p.readSize/2 && p.buf != nil {
		return nil
	}
	size := 2 * cap(p.buf)
	if size < p.readSize {
		size = p.readSize
	}
	if size > p.maxBuffer {
		if cap(p.buf) >= p.maxBuffer {
			return ErrMessageTooLarge
		}
		size = p.maxBuffer
	}
	nb := pools.GetBytes(size)[:len(p.buf)]
	copy(nb, p.buf)
	if p.buf != nil {
		pools.PutBytes(p.buf)
	}
	p.buf = nb
	return nil
}

// Receive reads until a message completes or the socket would block.
// Edge-triggered owners call it repeatedly until it stops returning Done.
func (p *Profile) Receive() (Status, *RecvContext, error) {
	if p.parser == nil {
		return Closed, nil, ErrNoProtocol
	}

	if p.unparsed {
		p.unparsed = false
		switch p.parser.Feed(p.buf) {
		case protocol.StateEnd:
			return Done, p.complete(), nil
		case protocol.StateError:
			return Closed, nil, p.parser.Err()
		}
	}

	for {
		if err := p.grow(); err != nil {
			return Closed, nil, err
		}
		n, err := socket.Read(p.fd, p.buf[len(p.buf):cap(p.buf)])
		if err != nil {
			if socket.IsWouldBlock(err) {
				return WouldBlock, nil, nil
			}
			if err == io.EOF {
				return Closed, nil, io.EOF
			}
			return Closed, nil, fmt.Errorf("read: %w", err)
		}
		p.buf = p.buf[:len(p.buf)+n]
		p.touch(time.Now())

		switch p.parser.Feed(p.buf) {
		case protocol.StateEnd:
			return Done, p.complete(), nil
		case protocol.StateError:
			return Closed, nil, p.parser.Err()
		}
	}
}

// complete hands the message bytes to a RecvContext and carries leftover
// bytes into a fresh buffer for the next message.
func (p *Profile) complete() *RecvContext {
	consumed := p.parser.Consumed()
	rc := &RecvContext{
		Fd:         p.fd,
		UID:        p.uid,
		FromIP:     p.RemoteIP,
		FromPort:   p.RemotePort,
		Direction:  p.Direction,
		Protocol:   p.parser.Kind(),
		Packet:     p.parser.Packet(),
		Raw:        p.buf[:consumed],
		ReceivedAt: time.Now(),
		buf:        p.buf,
	}
	if rr, ok := p.parser.(protocol.RequestResponse); ok && rr.ExpectsReply() {
		rc.Send = NewSendContext(p.uid, p.fd)
	}

	leftover := p.buf[consumed:]
	size := p.readSize
	if len(leftover) > size {
		size = len(leftover)
	}
	p.buf = append(pools.GetBytes(size)[:0], leftover...)
	p.unparsed = len(p.buf) > 0

	if p.parser.WantsUpgrade() {
		if up, ok := p.parser.(protocol.Upgrader); ok {
			if next, err := up.Upgrade(); err == nil {
				// the current parser asked for the upgrade, so this cannot fail
				_ = p.ConfigureProtocol(next)
				rc.Upgraded = true
				return rc
			}
		}
	}
	p.parser.Reset()
	return rc
}

// HasPending reports whether writes are waiting for a writable event
func (p *Profile) HasPending() bool {
	return len(p.pending) > 0
}

// Send writes sc, or queues it behind earlier pending writes. done is
// true when sc was fully written. A nil error with done false means the
// rest waits for Flush.
func (p *Profile) Send(sc *SendContext) (done bool, err error) {
	if len(p.pending) > 0 {
		sc.Pending = true
		p.pending = append(p.pending, sc)
		return false, nil
	}
	done, err = p.write(sc)
	if !done && err == nil {
		sc.Pending = true
		p.pending = append(p.pending, sc)
	}
	return done, err
}

func (p *Profile) write(sc *SendContext) (bool, error) {
	for !sc.Flushed() {
		n, err := socket.Write(p.fd, sc.Remaining())
		sc.Cursor += n
		if err != nil {
			if socket.IsWouldBlock(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// Flush continues pending writes in order and returns the contexts that
// completed. It stops at the first write that would block.
func (p *Profile) Flush() ([]*SendContext, error) {
	var flushed []*SendContext
	for len(p.pending) > 0 {
		sc := p.pending[0]
		done, err := p.write(sc)
		if err != nil {
			return flushed, err
		}
		if !done {
			return flushed, nil
		}
		sc.Pending = false
		p.pending[0] = nil
		p.pending = p.pending[1:]
		flushed = append(flushed, sc)
	}
	p.pending = nil
	return flushed, nil
}

// PendingCloseAfter reports whether a queued write would close the
// connection once flushed, and the linked connections closing with it.
func (p *Profile) PendingCloseAfter() (closeAfter bool, linked []UID) {
	for _, sc := range p.pending {
		if !sc.CloseAfter {
			continue
		}
		closeAfter = true
		if sc.Linked != 0 {
			linked = append(linked, sc.Linked)
		}
	}
	return closeAfter, linked
}

// DiscardPending drops queued writes
func (p *Profile) DiscardPending() {
	for _, sc := range p.pending {
		sc.Release()
	}
	p.pending = nil
}

func (p *Profile) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.DiscardPending()
	if p.buf != nil {
		pools.PutBytes(p.buf)
		p.buf = nil
	}
	return socket.Close(p.fd)
}
