package http

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/fast-reactor/core/protocol"
	"github.com/searchktools/fast-reactor/core/websocket"
)

// DefaultMaxHeaderBytes bounds the start line plus header block
const DefaultMaxHeaderBytes = 64 << 10

var (
	ErrMalformedRequestLine = errors.New("http: malformed request line")
	ErrMalformedStatusLine  = errors.New("http: malformed status line")
	ErrMalformedHeader      = errors.New("http: malformed header line")
	ErrHeaderTooLarge       = errors.New("http: header block too large")
	ErrInvalidContentLength = errors.New("http: invalid Content-Length")
	ErrMissingContentLength = errors.New("http: body-bearing request without Content-Length")
	ErrTransferEncoding     = errors.New("http: Transfer-Encoding not supported")
	ErrBodyTooLong          = errors.New("http: body exceeds Content-Length")
)

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

type messageHooks interface {
	firstLine(line []byte) error
	header(key, value string)
	// headersDone returns the declared body length, 0 for no body
	headersDone() (int64, error)
	body(b []byte)
}

// machine is the framing state machine shared by request and response
// parsing. off is the end of the resolved prefix and scanFrom the position
// a pending delimiter search resumes from, so no byte range is scanned
// twice.
type machine struct {
	state         protocol.State
	err           error
	off           int
	scanFrom      int
	headerStart   int
	contentLength int64
	consumed      int
	maxHeader     int
}

func (m *machine) reset() {
	m.state = protocol.StateNone
	m.err = nil
	m.off = 0
	m.scanFrom = 0
	m.headerStart = 0
	m.contentLength = 0
	m.consumed = 0
}

func (m *machine) fail(err error) protocol.State {
	m.state = protocol.StateError
	m.err = err
	return m.state
}

func (m *machine) limit() int {
	if m.maxHeader <= 0 {
		return DefaultMaxHeaderBytes
	}
	return m.maxHeader
}

func (m *machine) feed(buf []byte, h messageHooks) protocol.State {
	if m.state.Terminal() {
		return m.state
	}
	if m.state == protocol.StateNone {
		m.state = protocol.StateFirstLine
	}

	for {
		switch m.state {
		case protocol.StateFirstLine:
			i := bytes.Index(buf[m.scanFrom:], crlf)
			if i < 0 {
				if len(buf)-m.off > m.limit() {
					return m.fail(ErrHeaderTooLarge)
				}
				// Keep a trailing '\r' in the next search window.
				if len(buf)-1 > m.scanFrom {
					m.scanFrom = len(buf) - 1
				}
				return m.state
			}
			end := m.scanFrom + i
			if err := h.firstLine(buf[m.off:end]); err != nil {
				return m.fail(err)
			}
			m.headerStart = end
			m.scanFrom = end
			m.off = end + 2
			m.state = protocol.StateHeaders

		case protocol.StateHeaders:
			i := bytes.Index(buf[m.scanFrom:], crlfcrlf)
			if i < 0 {
				if len(buf)-m.headerStart > m.limit() {
					return m.fail(ErrHeaderTooLarge)
				}
				if len(buf)-3 > m.scanFrom {
					m.scanFrom = len(buf) - 3
				}
				return m.state
			}
			end := m.scanFrom + i
			if end-m.headerStart > m.limit() {
				return m.fail(ErrHeaderTooLarge)
			}
			if end > m.headerStart {
				if err := parseHeaderBlock(buf[m.off:end], h); err != nil {
					return m.fail(err)
				}
			}
			m.off = end + 4
			n, err := h.headersDone()
			if err != nil {
				return m.fail(err)
			}
			if n == 0 {
				m.consumed = m.off
				m.state = protocol.StateEnd
				return m.state
			}
			m.contentLength = n
			m.state = protocol.StateBody

		case protocol.StateBody:
			have := int64(len(buf) - m.off)
			if have > m.contentLength {
				return m.fail(fmt.Errorf("%w: have %d, declared %d", ErrBodyTooLong, have, m.contentLength))
			}
			if have < m.contentLength {
				return m.state
			}
			h.body(buf[int64(len(buf))-m.contentLength:])
			m.consumed = len(buf)
			m.state = protocol.StateEnd
			return m.state

		default:
			return m.state
		}
	}
}

func parseHeaderBlock(block []byte, h messageHooks) error {
	for len(block) > 0 {
		var line []byte
		if i := bytes.Index(block, crlf); i >= 0 {
			line, block = block[:i], block[i+2:]
		} else {
			line, block = block, nil
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		key := string(line[:colon])
		if !httpguts.ValidHeaderFieldName(key) {
			return fmt.Errorf("%w: invalid name %q", ErrMalformedHeader, key)
		}
		value := strings.Trim(string(line[colon+1:]), " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("%w: invalid value for %s", ErrMalformedHeader, key)
		}
		h.header(key, value)
	}
	return nil
}

// contentLength extracts the declared body length. Repeated headers must
// agree.
func contentLength(h Header) (n int64, present bool, err error) {
	for _, v := range h.Values("Content-Length") {
		v = strings.TrimSpace(v)
		cl, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || cl < 0 {
			return 0, true, fmt.Errorf("%w: %q", ErrInvalidContentLength, v)
		}
		if present && cl != n {
			return 0, true, fmt.Errorf("%w: conflicting values", ErrInvalidContentLength)
		}
		n, present = cl, true
	}
	return n, present, nil
}

// RequestParser incrementally parses HTTP/1.1 requests
type RequestParser struct {
	m   machine
	req *Request
}

// NewRequestParser creates a request parser. maxHeaderBytes <= 0 selects
// DefaultMaxHeaderBytes.
func NewRequestParser(maxHeaderBytes int) *RequestParser {
	p := &RequestParser{req: AcquireRequest()}
	p.m.maxHeader = maxHeaderBytes
	return p
}

func (p *RequestParser) Kind() protocol.Kind   { return protocol.HTTP11 }
func (p *RequestParser) State() protocol.State { return p.m.state }
func (p *RequestParser) Done() bool            { return p.m.state == protocol.StateEnd }
func (p *RequestParser) Failed() bool          { return p.m.state == protocol.StateError }
func (p *RequestParser) Err() error            { return p.m.err }
func (p *RequestParser) LongLived() bool       { return false }
func (p *RequestParser) Consumed() int         { return p.m.consumed }
func (p *RequestParser) ExpectsReply() bool    { return true }

// Request returns the request being parsed
func (p *RequestParser) Request() *Request { return p.req }

// Packet returns the parsed *Request. The caller owns it once the parser
// is Reset.
func (p *RequestParser) Packet() protocol.Packet { return p.req }

// Feed resolves buf from the last unresolved offset
func (p *RequestParser) Feed(buf []byte) protocol.State {
	return p.m.feed(buf, (*requestHooks)(p))
}

// Reset starts a new message with a fresh Request
func (p *RequestParser) Reset() {
	p.m.reset()
	p.req = AcquireRequest()
}

// WantsUpgrade reports a completed, well-formed WebSocket upgrade request
func (p *RequestParser) WantsUpgrade() bool {
	return p.Done() && p.req.IsWebSocketUpgrade() &&
		websocket.ValidKey(p.req.Header.Get("Sec-WebSocket-Key"))
}

// Upgrade returns the frame parser for the negotiated WebSocket session
func (p *RequestParser) Upgrade() (protocol.Parser, error) {
	ws := websocket.NewParser(p.req.Header.Get("Sec-WebSocket-Key"))
	if ws.Failed() {
		return nil, ws.Err()
	}
	return ws, nil
}

type requestHooks RequestParser

func (h *requestHooks) firstLine(line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return fmt.Errorf("%w: %q", ErrMalformedRequestLine, line)
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 <= 0 || sp2 == len(rest)-1 || bytes.IndexByte(rest[sp2+1:], ' ') >= 0 {
		return fmt.Errorf("%w: %q", ErrMalformedRequestLine, line)
	}

	req := h.req
	req.Method = string(line[:sp1])
	if !httpguts.ValidHeaderFieldName(req.Method) {
		return fmt.Errorf("%w: invalid method %q", ErrMalformedRequestLine, req.Method)
	}
	req.MethodKind = parseMethod(req.Method)
	req.URL = string(rest[:sp2])
	req.Path, req.RawQuery, _ = strings.Cut(req.URL, "?")
	req.Proto = string(rest[sp2+1:])
	req.Version = parseVersion(req.Proto)
	return nil
}

func (h *requestHooks) header(key, value string) {
	h.req.Header.Add(key, value)
}

func (h *requestHooks) headersDone() (int64, error) {
	req := h.req
	if req.Header.Has("Transfer-Encoding") {
		return 0, ErrTransferEncoding
	}
	n, present, err := contentLength(req.Header)
	if err != nil {
		return 0, err
	}
	if req.MethodKind == MethodPost && (!present || n == 0) {
		return 0, ErrMissingContentLength
	}
	req.ContentLength = n
	return n, nil
}

func (h *requestHooks) body(b []byte) {
	h.req.Body = b
}

// ResponseParser incrementally parses HTTP/1.1 responses
type ResponseParser struct {
	m    machine
	resp *Response
}

// NewResponseParser creates a response parser
func NewResponseParser(maxHeaderBytes int) *ResponseParser {
	p := &ResponseParser{resp: &Response{}}
	p.m.maxHeader = maxHeaderBytes
	return p
}

func (p *ResponseParser) Kind() protocol.Kind     { return protocol.HTTP11 }
func (p *ResponseParser) State() protocol.State   { return p.m.state }
func (p *ResponseParser) Done() bool              { return p.m.state == protocol.StateEnd }
func (p *ResponseParser) Failed() bool            { return p.m.state == protocol.StateError }
func (p *ResponseParser) Err() error              { return p.m.err }
func (p *ResponseParser) LongLived() bool         { return false }
func (p *ResponseParser) WantsUpgrade() bool      { return false }
func (p *ResponseParser) Consumed() int           { return p.m.consumed }
func (p *ResponseParser) ExpectsReply() bool      { return false }
func (p *ResponseParser) Packet() protocol.Packet { return p.resp }

// Response returns the response being parsed
func (p *ResponseParser) Response() *Response { return p.resp }

func (p *ResponseParser) Feed(buf []byte) protocol.State {
	return p.m.feed(buf, (*responseHooks)(p))
}

func (p *ResponseParser) Reset() {
	p.m.reset()
	p.resp = &Response{}
}

type responseHooks ResponseParser

func (h *responseHooks) firstLine(line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 || !bytes.HasPrefix(line, []byte("HTTP/")) {
		return fmt.Errorf("%w: %q", ErrMalformedStatusLine, line)
	}
	code, reason, _ := bytes.Cut(line[sp1+1:], []byte{' '})
	if len(code) != 3 {
		return fmt.Errorf("%w: %q", ErrMalformedStatusLine, line)
	}
	status, err := strconv.Atoi(string(code))
	if err != nil || status < 100 {
		return fmt.Errorf("%w: status %q", ErrMalformedStatusLine, code)
	}

	resp := h.resp
	resp.Proto = string(line[:sp1])
	resp.Version = parseVersion(resp.Proto)
	resp.Status = status
	resp.Reason = string(reason)
	return nil
}

func (h *responseHooks) header(key, value string) {
	h.resp.Header.Add(key, value)
}

func (h *responseHooks) headersDone() (int64, error) {
	resp := h.resp
	if resp.Status < 200 || resp.Status == 204 || resp.Status == 304 {
		return 0, nil
	}
	if resp.Header.Has("Transfer-Encoding") {
		return 0, ErrTransferEncoding
	}
	n, _, err := contentLength(resp.Header)
	if err != nil {
		return 0, err
	}
	resp.ContentLength = n
	return n, nil
}

func (h *responseHooks) body(b []byte) {
	h.resp.Body = b
}
