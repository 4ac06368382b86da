package core

import (
	"log/slog"
	"time"

	"github.com/searchktools/fast-reactor/core/conn"
	"github.com/searchktools/fast-reactor/core/http"
	"github.com/searchktools/fast-reactor/core/observability"
	"github.com/searchktools/fast-reactor/core/pools"
	"github.com/searchktools/fast-reactor/core/websocket"
)

// MessageHandler turns a parsed message into responses queued on the
// RecvContext. Handle runs normally; Overload runs instead while the
// worker queue is nearly full.
type MessageHandler interface {
	Handle(rc *conn.RecvContext)
	Overload(rc *conn.RecvContext)
}

// WebSocketFunc appends the reply to msg onto dst. closeAfter tears the
// connection down once the reply is written.
type WebSocketFunc func(dst []byte, msg *websocket.Message) (out []byte, closeAfter bool)

// Handler is the default MessageHandler. HTTP requests go to HTTP (404 when
// nil); requests that upgraded the connection are answered with the
// handshake. WebSocket messages go to WebSocket (echo when nil).
type Handler struct {
	HTTP      http.HandlerFunc
	WebSocket WebSocketFunc
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

func (h *Handler) Handle(rc *conn.RecvContext) {
	start := time.Now()
	defer func() {
		h.Metrics.ObserveHandler(rc.Protocol.String(), time.Since(start))
	}()

	switch pkt := rc.Packet.(type) {
	case *http.Request:
		h.serveHTTP(rc, pkt)
	case *websocket.Message:
		h.serveWebSocket(rc, pkt)
	default:
		h.logger().Warn("dropping message of unknown type",
			slog.String("uid", rc.UID.String()), slog.String("protocol", rc.Protocol.String()))
	}
}

func (h *Handler) serveHTTP(rc *conn.RecvContext, req *http.Request) {
	ctx := http.AcquireContext(req, rc.FromIP, rc.FromPort)
	defer http.ReleaseContext(ctx)
	ctx.TraceID = rc.TraceID.String()

	switch {
	case rc.Upgraded:
		ctx.SwitchProtocols()
	case h.HTTP != nil:
		h.HTTP(ctx)
	default:
		ctx.Error(404, "not found")
	}
	if !ctx.Written() {
		ctx.NoContent(200)
	}

	buf, release := ctx.Finish()
	rc.Reply(buf, release, ctx.CloseAfter())
}

func (h *Handler) serveWebSocket(rc *conn.RecvContext, msg *websocket.Message) {
	fn := h.WebSocket
	if fn == nil {
		fn = websocket.Reply
	}
	out, closeAfter := fn(pools.GetBytes(len(msg.Payload) + 14)[:0], msg)
	if len(out) == 0 && !closeAfter {
		pools.PutBytes(out)
		return
	}
	rc.Reply(out, func() { pools.PutBytes(out) }, closeAfter)
}

// Overload answers with a fixed busy response. An upgrade request cannot
// be refused without breaking the stream, so it is closed after the 503.
func (h *Handler) Overload(rc *conn.RecvContext) {
	h.Metrics.BusyResponse()

	switch rc.Packet.(type) {
	case *websocket.Message:
		out := websocket.Busy(pools.GetBytes(16)[:0])
		rc.Reply(out, func() { pools.PutBytes(out) }, false)
	default:
		closeAfter := rc.Upgraded
		if req, ok := rc.Packet.(*http.Request); ok && !req.KeepAlive() {
			closeAfter = true
		}
		var hdr http.Header
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		if closeAfter {
			hdr.Set("Connection", "close")
		}
		rc.Reply(http.AppendResponse(nil, 503, hdr, []byte("busy")), nil, closeAfter)
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
