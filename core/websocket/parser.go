package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/searchktools/fast-reactor/core/protocol"
)

var (
	ErrHandshakeRequired = errors.New("websocket: handshake key missing or invalid")
	ErrReservedBits      = errors.New("websocket: reserved bits set")
	ErrUnknownOpCode     = errors.New("websocket: unknown opcode")
	ErrUnmaskedFrame     = errors.New("websocket: client frame not masked")
	ErrControlFrame      = errors.New("websocket: fragmented or oversized control frame")
	ErrFrameTooLarge     = errors.New("websocket: frame too large")
)

// Message is one parsed frame. Payload is unmasked in place and aliases
// the connection buffer.
type Message struct {
	Fin     bool
	OpCode  OpCode
	Payload []byte
}

// Protocol implements protocol.Packet
func (m *Message) Protocol() protocol.Kind { return protocol.WebSocket }

// CloseCode returns the status code of a close frame, or 1005 when absent
func (m *Message) CloseCode() int {
	if m.OpCode != OpClose || len(m.Payload) < 2 {
		return closeStatusNoPayload
	}
	return int(binary.BigEndian.Uint16(m.Payload))
}

// Parser incrementally parses client frames. One Feed cycle yields one
// frame; trailing bytes of the next frame are reported through Consumed.
type Parser struct {
	key          string
	MaxFrameSize int

	state      protocol.State
	err        error
	headerLen  int
	payloadLen int
	consumed   int
	msg        *Message
}

// NewParser creates a frame parser for a connection whose handshake
// carried key. Frames are rejected until a valid key is supplied.
func NewParser(key string) *Parser {
	p := &Parser{key: key, MaxFrameSize: DefaultMaxFrameSize, msg: &Message{}}
	if !ValidKey(key) {
		p.fail(ErrHandshakeRequired)
	}
	return p
}

// Key returns the handshake key
func (p *Parser) Key() string { return p.key }

func (p *Parser) Kind() protocol.Kind   { return protocol.WebSocket }
func (p *Parser) State() protocol.State { return p.state }
func (p *Parser) Done() bool            { return p.state == protocol.StateEnd }
func (p *Parser) Failed() bool          { return p.state == protocol.StateError }
func (p *Parser) Err() error            { return p.err }
func (p *Parser) LongLived() bool       { return true }
func (p *Parser) WantsUpgrade() bool    { return false }
func (p *Parser) Consumed() int         { return p.consumed }

// Packet returns the parsed *Message
func (p *Parser) Packet() protocol.Packet { return p.msg }

func (p *Parser) Reset() {
	if p.state == protocol.StateError {
		return
	}
	p.state = protocol.StateNone
	p.headerLen = 0
	p.payloadLen = 0
	p.consumed = 0
	p.msg = &Message{}
}

func (p *Parser) fail(err error) protocol.State {
	p.state = protocol.StateError
	p.err = err
	return p.state
}

// Feed resolves as much of the frame at the start of buf as is available
func (p *Parser) Feed(buf []byte) protocol.State {
	if p.state.Terminal() {
		return p.state
	}
	if p.state == protocol.StateNone {
		p.state = protocol.StateFirstLine
	}

	for {
		switch p.state {
		case protocol.StateFirstLine:
			if len(buf) < 2 {
				return p.state
			}
			if err := p.resolveFirstBytes(buf[0], buf[1]); err != nil {
				return p.fail(err)
			}
			p.state = protocol.StateHeaders

		case protocol.StateHeaders:
			if len(buf) < p.headerLen {
				return p.state
			}
			if err := p.resolveLength(buf); err != nil {
				return p.fail(err)
			}
			p.state = protocol.StateBody

		case protocol.StateBody:
			end := p.headerLen + p.payloadLen
			if len(buf) < end {
				return p.state
			}
			var key [4]byte
			copy(key[:], buf[p.headerLen-4:p.headerLen])
			payload := buf[p.headerLen:end]
			maskBytes(payload, key)
			p.msg.Payload = payload
			p.consumed = end
			p.state = protocol.StateEnd
			return p.state

		default:
			return p.state
		}
	}
}

func (p *Parser) resolveFirstBytes(b0, b1 byte) error {
	if b0&rsvBits != 0 {
		return ErrReservedBits
	}
	op := OpCode(b0 & 0x0F)
	if !op.valid() {
		return fmt.Errorf("%w: %#x", ErrUnknownOpCode, byte(op))
	}
	if b1&maskBit == 0 {
		return ErrUnmaskedFrame
	}

	fin := b0&finBit != 0
	length := int(b1 & 0x7F)
	if op.IsControl() && (!fin || length > MaxControlPayload) {
		return ErrControlFrame
	}

	p.msg.Fin = fin
	p.msg.OpCode = op
	p.headerLen = 2 + 4
	switch length {
	case 126:
		p.headerLen += 2
	case 127:
		p.headerLen += 8
	default:
		p.payloadLen = length
	}
	return nil
}

func (p *Parser) resolveLength(buf []byte) error {
	var n uint64
	switch p.headerLen {
	case 2 + 2 + 4:
		n = uint64(binary.BigEndian.Uint16(buf[2:4]))
	case 2 + 8 + 4:
		n = binary.BigEndian.Uint64(buf[2:10])
	default:
		n = uint64(p.payloadLen)
	}
	if n > uint64(p.MaxFrameSize) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, p.MaxFrameSize)
	}
	p.payloadLen = int(n)
	return nil
}
