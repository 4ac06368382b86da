package http

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/valyala/bytebufferpool"

	"github.com/searchktools/fast-reactor/core/websocket"
)

// HandlerFunc handles one parsed request
type HandlerFunc func(c *Context)

// Context carries a request to its handler and collects the response.
// The response is serialized into a pooled buffer that the caller takes
// over with Finish.
type Context struct {
	Request    *Request
	RemoteIP   string
	RemotePort int
	TraceID    string

	header     Header
	statusCode int
	out        *bytebufferpool.ByteBuffer
	written    bool
	aborted    bool
	closeAfter bool
	upgraded   bool
}

var contextPool = sync.Pool{
	New: func() any {
		return &Context{statusCode: 200}
	},
}

// AcquireContext returns a pooled context for req
func AcquireContext(req *Request, ip string, port int) *Context {
	c := contextPool.Get().(*Context)
	c.Reset(req, ip, port)
	return c
}

// ReleaseContext returns c to the pool. A response buffer not taken with
// Finish is released too.
func ReleaseContext(c *Context) {
	if c.out != nil {
		bytebufferpool.Put(c.out)
		c.out = nil
	}
	c.Request = nil
	contextPool.Put(c)
}

// Reset resets the context for reuse (memory not freed, just reset)
func (c *Context) Reset(req *Request, ip string, port int) {
	c.Request = req
	c.RemoteIP = ip
	c.RemotePort = port
	c.TraceID = ""
	c.header = c.header[:0]
	c.statusCode = 200
	c.written = false
	c.aborted = false
	c.closeAfter = req != nil && !req.KeepAlive()
	c.upgraded = false
	if c.out != nil {
		c.out.Reset()
	}
}

// Request information methods
func (c *Context) Method() string {
	return c.Request.Method
}

func (c *Context) Path() string {
	return c.Request.Path
}

func (c *Context) Query(key string) string {
	return c.Request.Query(key)
}

func (c *Context) Header(key string) string {
	return c.Request.Header.Get(key)
}

func (c *Context) Body() []byte {
	return c.Request.Body
}

// Bind decodes the JSON request body into v
func (c *Context) Bind(v any) error {
	return json.Unmarshal(c.Request.Body, v)
}

// SetHeader sets a response header
func (c *Context) SetHeader(key, value string) {
	c.header.Set(key, value)
}

// Status sets the status code used by Write
func (c *Context) Status(code int) {
	c.statusCode = code
}

func (c *Context) IsAborted() bool {
	return c.aborted
}

// Abort stops further handling; the connection is closed after any
// response already written.
func (c *Context) Abort() {
	c.aborted = true
	c.closeAfter = true
}

// Written reports whether a response has been produced
func (c *Context) Written() bool {
	return c.written
}

// CloseAfter reports whether the connection must close once the response
// is flushed
func (c *Context) CloseAfter() bool {
	return c.closeAfter
}

// SetClose marks the connection for closing after the response
func (c *Context) SetClose() {
	c.closeAfter = true
}

// Upgraded reports whether the response switched the connection to WebSocket
func (c *Context) Upgraded() bool {
	return c.upgraded
}

func (c *Context) buffer() *bytebufferpool.ByteBuffer {
	if c.out == nil {
		c.out = bytebufferpool.Get()
	}
	c.out.Reset()
	return c.out
}

func (c *Context) respond(code int, contentType string, body []byte) {
	h := make(Header, 0, len(c.header)+2)
	if contentType != "" {
		h.Add("Content-Type", contentType)
	}
	h = append(h, c.header...)
	if c.closeAfter {
		h.Set("Connection", "close")
	}

	buf := c.buffer()
	buf.B = AppendResponse(buf.B, code, h, body)
	c.statusCode = code
	c.written = true
}

// String sends a plain text response
func (c *Context) String(code int, s string) {
	c.respond(code, "text/plain; charset=utf-8", []byte(s))
}

// JSON sends a JSON response
func (c *Context) JSON(code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.Error(500, "Failed to marshal JSON")
		return
	}
	c.respond(code, "application/json", data)
}

// Bytes sends a raw bytes response
func (c *Context) Bytes(code int, data []byte) {
	c.respond(code, "application/octet-stream", data)
}

// Data sends a response with custom content type
func (c *Context) Data(code int, contentType string, data []byte) {
	c.respond(code, contentType, data)
}

// Write sends body with the status set by Status
func (c *Context) Write(body []byte) {
	c.respond(c.statusCode, "", body)
}

// NoContent sends a response without a body
func (c *Context) NoContent(code int) {
	c.respond(code, "", nil)
}

// Error sends an error response
func (c *Context) Error(code int, message string) {
	c.JSON(code, map[string]any{
		"code":    code,
		"message": message,
	})
}

// Success sends a success response
func (c *Context) Success(data any) {
	c.JSON(200, map[string]any{
		"code":    0,
		"data":    data,
		"message": "success",
	})
}

// SwitchProtocols answers a WebSocket upgrade request with 101. Requests
// without a valid handshake get 400 and the connection is closed.
func (c *Context) SwitchProtocols() bool {
	key := c.Request.Header.Get("Sec-WebSocket-Key")
	if !c.Request.IsWebSocketUpgrade() || !websocket.ValidKey(key) {
		c.closeAfter = true
		c.Error(400, "invalid websocket handshake")
		return false
	}
	buf := c.buffer()
	buf.B = websocket.AppendHandshake(buf.B, key)
	c.statusCode = 101
	c.written = true
	c.upgraded = true
	c.closeAfter = false
	return true
}

// Finish hands the serialized response to the caller. release returns the
// buffer to its pool once the bytes have been written.
func (c *Context) Finish() (buf []byte, release func()) {
	if c.out == nil {
		return nil, func() {}
	}
	out := c.out
	c.out = nil
	return out.B, func() { bytebufferpool.Put(out) }
}

// StatusCode returns the status of the written response
func (c *Context) StatusCode() int {
	return c.statusCode
}
