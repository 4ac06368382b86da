// Package websocket implements the RFC 6455 handshake and frame codec used
// after an HTTP/1.1 connection upgrades.
package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
)

// OpCode represents WebSocket operation codes
type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xA
)

// IsControl reports whether op is a control opcode (close, ping, pong)
func (op OpCode) IsControl() bool {
	return op&0x8 != 0
}

func (op OpCode) valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	// MaxControlPayload is the payload limit of control frames
	MaxControlPayload = 125
	// DefaultMaxFrameSize bounds a single frame payload
	DefaultMaxFrameSize = 1 << 20
)

// Close status codes
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseMessageTooBig   = 1009
	CloseTryAgainLater   = 1013
	closeStatusNoPayload = 1005
)

const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes Sec-WebSocket-Accept for a client key
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(magicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ValidKey reports whether key is a base64 encoded 16-byte nonce
func ValidKey(key string) bool {
	if len(key) != 24 {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(raw) == 16
}

// AppendHandshake appends the 101 response accepting key
func AppendHandshake(dst []byte, key string) []byte {
	dst = append(dst, "HTTP/1.1 101 Switching Protocols\r\n"...)
	dst = append(dst, "Upgrade: websocket\r\n"...)
	dst = append(dst, "Connection: Upgrade\r\n"...)
	dst = append(dst, "Sec-WebSocket-Accept: "...)
	dst = append(dst, AcceptKey(key)...)
	dst = append(dst, "\r\n\r\n"...)
	return dst
}

func appendHeader(dst []byte, fin bool, op OpCode, n int, masked bool) []byte {
	b0 := byte(op)
	if fin {
		b0 |= finBit
	}
	var b1 byte
	if masked {
		b1 = maskBit
	}

	switch {
	case n < 126:
		dst = append(dst, b0, b1|byte(n))
	case n < 65536:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return dst
}

// AppendFrame appends an unmasked (server to client) frame
func AppendFrame(dst []byte, fin bool, op OpCode, payload []byte) []byte {
	dst = appendHeader(dst, fin, op, len(payload), false)
	return append(dst, payload...)
}

// AppendMaskedFrame appends a client to server frame masked with key
func AppendMaskedFrame(dst []byte, fin bool, op OpCode, key [4]byte, payload []byte) []byte {
	dst = appendHeader(dst, fin, op, len(payload), true)
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	maskBytes(dst[start:], key)
	return dst
}

// AppendClose appends a close frame carrying code
func AppendClose(dst []byte, code int) []byte {
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], uint16(code))
	return AppendFrame(dst, true, OpClose, payload[:])
}

func maskBytes(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}
