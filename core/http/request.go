package http

import (
	"net/url"
	"sync"

	"github.com/searchktools/fast-reactor/core/protocol"
)

// Method is the parsed request method. Methods other than the listed ones
// are tagged MethodUnknown and keep their text in Request.Method.
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodHead
	MethodPut
	MethodDelete
	MethodOptions
	MethodPatch
)

func parseMethod(s string) Method {
	switch s {
	case "GET":
		return MethodGet
	case "POST":
		return MethodPost
	case "HEAD":
		return MethodHead
	case "PUT":
		return MethodPut
	case "DELETE":
		return MethodDelete
	case "OPTIONS":
		return MethodOptions
	case "PATCH":
		return MethodPatch
	}
	return MethodUnknown
}

// Version is the protocol version of a message
type Version uint8

const (
	VersionUnknown Version = iota
	Version10
	Version11
)

func parseVersion(s string) Version {
	switch s {
	case "HTTP/1.1":
		return Version11
	case "HTTP/1.0":
		return Version10
	}
	return VersionUnknown
}

// Request is a parsed HTTP/1.1 request. Body aliases the connection buffer
// and is valid until the owning receive context is released.
type Request struct {
	Method     string
	MethodKind Method
	URL        string
	Path       string
	RawQuery   string
	Proto      string
	Version    Version
	Header     Header

	ContentLength int64
	Body          []byte

	query url.Values
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{
			Header: make(Header, 0, 16),
		}
	},
}

func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

// Reset resets the request for reuse (memory not freed, just reset)
func (r *Request) Reset() {
	r.Method = ""
	r.MethodKind = MethodUnknown
	r.URL = ""
	r.Path = ""
	r.RawQuery = ""
	r.Proto = ""
	r.Version = VersionUnknown
	r.Header = r.Header[:0]
	r.ContentLength = 0
	r.Body = nil
	r.query = nil
}

func ReleaseRequest(req *Request) {
	req.Reset()
	requestPool.Put(req)
}

// Protocol implements protocol.Packet
func (r *Request) Protocol() protocol.Kind { return protocol.HTTP11 }

// Release returns the request to its pool
func (r *Request) Release() { ReleaseRequest(r) }

// Query returns the first value of a query parameter
func (r *Request) Query(key string) string {
	if r.RawQuery == "" {
		return ""
	}
	if r.query == nil {
		r.query, _ = url.ParseQuery(r.RawQuery)
	}
	return r.query.Get(key)
}

// KeepAlive reports whether the connection may serve another request
func (r *Request) KeepAlive() bool {
	if r.Header.HasToken("Connection", "close") {
		return false
	}
	if r.Version == Version10 {
		return r.Header.HasToken("Connection", "keep-alive")
	}
	return true
}

// IsWebSocketUpgrade reports whether the request asks to switch to WebSocket
func (r *Request) IsWebSocketUpgrade() bool {
	return r.MethodKind == MethodGet &&
		r.Header.HasToken("Connection", "upgrade") &&
		r.Header.HasToken("Upgrade", "websocket")
}

// Response is a parsed HTTP/1.1 response
type Response struct {
	Proto   string
	Version Version
	Status  int
	Reason  string
	Header  Header

	ContentLength int64
	Body          []byte
}

// Protocol implements protocol.Packet
func (r *Response) Protocol() protocol.Kind { return protocol.HTTP11 }
