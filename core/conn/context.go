package conn

import (
	"time"

	"github.com/google/uuid"

	"github.com/searchktools/fast-reactor/core/pools"
	"github.com/searchktools/fast-reactor/core/protocol"
)

// Direction tells whether a connection was accepted or dialed
type Direction uint8

const (
	AcceptedFrom Direction = iota + 1
	ConnectedTo
)

func (d Direction) String() string {
	switch d {
	case AcceptedFrom:
		return "accepted"
	case ConnectedTo:
		return "connected"
	default:
		return "unknown"
	}
}

// SendContext is one outbound buffer on its way to a connection. It is
// written from Cursor until fully flushed or the connection goes away.
type SendContext struct {
	UID    UID
	Fd     int
	Buf    []byte
	Cursor int
	// Pending is set once a write hit EAGAIN and the rest waits for a
	// writable event.
	Pending bool
	// CloseAfter removes the connection once Buf is flushed.
	CloseAfter bool
	// Linked names a second connection removed together with this one.
	Linked UID

	release func()
}

// NewSendContext creates a send context addressed to uid
func NewSendContext(uid UID, fd int) *SendContext {
	return &SendContext{UID: uid, Fd: fd}
}

// SetBuffer installs buf; release, if not nil, runs once the buffer is
// no longer needed.
func (s *SendContext) SetBuffer(buf []byte, release func()) {
	s.Release()
	s.Buf = buf
	s.Cursor = 0
	s.release = release
}

// Remaining returns the unwritten bytes
func (s *SendContext) Remaining() []byte {
	return s.Buf[s.Cursor:]
}

// Flushed reports whether every byte has been written
func (s *SendContext) Flushed() bool {
	return s.Cursor >= len(s.Buf)
}

// Release returns the buffer to its pool
func (s *SendContext) Release() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// RecvContext carries one parsed message from a net thread to its handler.
// Ownership moves with it; the receiver calls Release when done.
type RecvContext struct {
	Fd        int
	UID       UID
	FromIP    string
	FromPort  int
	Direction Direction
	Protocol  protocol.Kind
	Packet    protocol.Packet
	// Raw is the complete message as received. It aliases the receive
	// buffer.
	Raw []byte
	// Send is pre-allocated for request/response protocols.
	Send  *SendContext
	Extra []*SendContext

	// Upgraded is set when this message switched the connection protocol.
	Upgraded   bool
	ReceivedAt time.Time
	TraceID    uuid.UUID

	buf []byte
}

// Reply queues buf for the sender of this message
func (r *RecvContext) Reply(buf []byte, release func(), closeAfter bool) *SendContext {
	sc := r.Send
	if sc == nil || sc.Buf != nil {
		sc = NewSendContext(r.UID, r.Fd)
		r.Extra = append(r.Extra, sc)
	}
	sc.SetBuffer(buf, release)
	sc.CloseAfter = closeAfter
	return sc
}

// Responses returns every send context holding data, in write order
func (r *RecvContext) Responses() []*SendContext {
	out := make([]*SendContext, 0, 1+len(r.Extra))
	if r.Send != nil && r.Send.Buf != nil {
		out = append(out, r.Send)
	}
	for _, sc := range r.Extra {
		if sc.Buf != nil {
			out = append(out, sc)
		}
	}
	return out
}

// Release returns the receive buffer and pooled packet. Raw and any
// packet field aliasing it are invalid afterwards.
func (r *RecvContext) Release() {
	if r.buf != nil {
		pools.PutBytes(r.buf)
		r.buf = nil
	}
	if rel, ok := r.Packet.(interface{ Release() }); ok {
		rel.Release()
	}
	r.Packet = nil
	r.Raw = nil
}
