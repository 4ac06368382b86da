// Package protocol defines the contract between a connection and the
// incremental application-protocol parser installed on it.
package protocol

import "errors"

// Kind is the closed set of application protocols a connection can speak
type Kind uint8

const (
	KindNone Kind = iota
	HTTP11
	WebSocket
)

func (k Kind) String() string {
	switch k {
	case HTTP11:
		return "http/1.1"
	case WebSocket:
		return "websocket"
	default:
		return "none"
	}
}

// State is the parse progress of one message. It only moves forward,
// except into Error.
type State uint8

const (
	StateNone State = iota
	StateFirstLine
	StateHeaders
	StateBody
	StateEnd
	StateError
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateFirstLine:
		return "first-line"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateEnd:
		return "end"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further input can change the state
func (s State) Terminal() bool {
	return s == StateEnd || s == StateError
}

var ErrNotDone = errors.New("protocol: message not complete")

// Packet is a fully parsed message
type Packet interface {
	Protocol() Kind
}

// Parser incrementally parses one message at a time from a growing buffer.
//
// Feed is handed the whole accumulated buffer on every call; a parser only
// resolves bytes past the offset it has already consumed. Once Done, the
// message occupies buf[:Consumed()] and anything after it belongs to the
// next message.
type Parser interface {
	Kind() Kind
	Feed(buf []byte) State
	State() State
	Done() bool
	Failed() bool
	// Err describes why the parser entered StateError
	Err() error
	// LongLived connections are exempt from idle sweeps
	LongLived() bool
	// WantsUpgrade reports that the parsed message negotiated a protocol switch
	WantsUpgrade() bool
	Consumed() int
	// Packet returns the parsed message, valid until the next Reset
	Packet() Packet
	// Reset prepares the parser for the next message on the same connection
	Reset()
}

// Upgrader is implemented by parsers that can produce the parser for the
// protocol they negotiated.
type Upgrader interface {
	Upgrade() (Parser, error)
}

// RequestResponse is implemented by parsers whose messages each expect
// exactly one reply.
type RequestResponse interface {
	ExpectsReply() bool
}
