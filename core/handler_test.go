package core

import (
	"bytes"
	"testing"

	"github.com/searchktools/fast-reactor/core/conn"
	"github.com/searchktools/fast-reactor/core/http"
	"github.com/searchktools/fast-reactor/core/protocol"
	"github.com/searchktools/fast-reactor/core/websocket"
)

const testKey = "dGhlIHNhbXBsZSBub25jZQ=="

func httpRecv(t *testing.T, raw string) *conn.RecvContext {
	t.Helper()
	p := http.NewRequestParser(0)
	if st := p.Feed([]byte(raw)); st != protocol.StateEnd {
		t.Fatalf("parse %q: %v %v", raw, st, p.Err())
	}
	return &conn.RecvContext{
		UID:      1,
		Fd:       -1,
		Protocol: protocol.HTTP11,
		Packet:   p.Packet(),
		Send:     conn.NewSendContext(1, -1),
		Upgraded: p.WantsUpgrade(),
	}
}

func wsRecv(t *testing.T, op websocket.OpCode, payload string) *conn.RecvContext {
	t.Helper()
	p := websocket.NewParser(testKey)
	frame := websocket.AppendMaskedFrame(nil, true, op, [4]byte{1, 2, 3, 4}, []byte(payload))
	if st := p.Feed(frame); st != protocol.StateEnd {
		t.Fatalf("parse frame: %v %v", st, p.Err())
	}
	return &conn.RecvContext{UID: 1, Fd: -1, Protocol: protocol.WebSocket, Packet: p.Packet()}
}

func response(t *testing.T, rc *conn.RecvContext) *http.Response {
	t.Helper()
	out := rc.Responses()
	if len(out) != 1 {
		t.Fatalf("Expected one response, got %d", len(out))
	}
	p := http.NewResponseParser(0)
	if st := p.Feed(out[0].Buf); st != protocol.StateEnd {
		t.Fatalf("parse response %q: %v %v", out[0].Buf, st, p.Err())
	}
	return p.Response()
}

func TestHandlerHTTP(t *testing.T) {
	h := &Handler{HTTP: func(c *http.Context) {
		c.String(200, "hello "+c.Query("name"))
	}}

	rc := httpRecv(t, "GET /hello?name=reactor HTTP/1.1\r\nHost: x\r\n\r\n")
	h.Handle(rc)

	resp := response(t, rc)
	if resp.Status != 200 || string(resp.Body) != "hello reactor" {
		t.Errorf("Unexpected response %d %q", resp.Status, resp.Body)
	}
	if rc.Send.CloseAfter {
		t.Error("HTTP/1.1 response should keep the connection")
	}
}

func TestHandlerDefaults(t *testing.T) {
	h := &Handler{}
	rc := httpRecv(t, "GET /missing HTTP/1.0\r\n\r\n")
	h.Handle(rc)
	if resp := response(t, rc); resp.Status != 404 {
		t.Errorf("Expected 404, got %d", resp.Status)
	}
	if !rc.Send.CloseAfter {
		t.Error("HTTP/1.0 response should close the connection")
	}

	// a handler writing nothing still answers
	h = &Handler{HTTP: func(c *http.Context) {}}
	rc = httpRecv(t, "GET / HTTP/1.1\r\n\r\n")
	h.Handle(rc)
	if resp := response(t, rc); resp.Status != 200 || len(resp.Body) != 0 {
		t.Errorf("Expected empty 200, got %d %q", resp.Status, resp.Body)
	}
}

func TestHandlerUpgrade(t *testing.T) {
	called := false
	h := &Handler{HTTP: func(c *http.Context) { called = true }}

	rc := httpRecv(t, "GET /ws HTTP/1.1\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n"+
		"Sec-WebSocket-Key: "+testKey+"\r\n\r\n")
	if !rc.Upgraded {
		t.Fatal("Expected the request to upgrade")
	}
	h.Handle(rc)

	resp := response(t, rc)
	if resp.Status != 101 || resp.Header.Get("Sec-WebSocket-Accept") != websocket.AcceptKey(testKey) {
		t.Errorf("Unexpected handshake %d %+v", resp.Status, resp.Header)
	}
	if called {
		t.Error("Upgrade requests should not reach the HTTP handler")
	}
}

func TestHandlerWebSocket(t *testing.T) {
	h := &Handler{}

	rc := wsRecv(t, websocket.OpText, "hello")
	h.Handle(rc)
	out := rc.Responses()
	if len(out) != 1 || !bytes.Equal(out[0].Buf, websocket.AppendFrame(nil, true, websocket.OpText, []byte("hello"))) {
		t.Fatalf("Expected echo frame, got %+v", out)
	}
	out[0].Release()

	rc = wsRecv(t, websocket.OpClose, "")
	h.Handle(rc)
	out = rc.Responses()
	if len(out) != 1 || !out[0].CloseAfter {
		t.Fatalf("Expected close reply with CloseAfter, got %+v", out)
	}

	// pongs need no answer
	rc = wsRecv(t, websocket.OpPong, "")
	h.Handle(rc)
	if len(rc.Responses()) != 0 {
		t.Error("Expected no reply to a pong")
	}

	custom := &Handler{WebSocket: func(dst []byte, msg *websocket.Message) ([]byte, bool) {
		return websocket.AppendFrame(dst, true, websocket.OpText, bytes.ToUpper(msg.Payload)), false
	}}
	rc = wsRecv(t, websocket.OpText, "shout")
	custom.Handle(rc)
	if got := rc.Responses()[0].Buf; !bytes.HasSuffix(got, []byte("SHOUT")) {
		t.Errorf("Expected custom reply, got %q", got)
	}
}

func TestHandlerOverload(t *testing.T) {
	h := &Handler{}

	rc := httpRecv(t, "GET / HTTP/1.1\r\n\r\n")
	h.Overload(rc)
	resp := response(t, rc)
	if resp.Status != 503 || string(resp.Body) != "busy" || rc.Send.CloseAfter {
		t.Errorf("Unexpected busy response %d %q close=%v", resp.Status, resp.Body, rc.Send.CloseAfter)
	}

	rc = httpRecv(t, "GET /ws HTTP/1.1\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n"+
		"Sec-WebSocket-Key: "+testKey+"\r\n\r\n")
	h.Overload(rc)
	if resp := response(t, rc); resp.Status != 503 || !rc.Send.CloseAfter {
		t.Errorf("Upgrade under overload should be refused and closed, got %d", resp.Status)
	}

	rc = wsRecv(t, websocket.OpText, "hello")
	h.Overload(rc)
	out := rc.Responses()
	if len(out) != 1 || !bytes.Equal(out[0].Buf, websocket.Busy(nil)) {
		t.Errorf("Expected busy frame, got %+v", out)
	}
}

func BenchmarkHandlerHTTP(b *testing.B) {
	h := &Handler{HTTP: func(c *http.Context) { c.String(200, "Hello, World!") }}
	raw := []byte("GET / HTTP/1.1\r\nHost: bench\r\n\r\n")
	p := http.NewRequestParser(0)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Feed(raw)
		rc := &conn.RecvContext{Packet: p.Packet(), Protocol: protocol.HTTP11, Send: conn.NewSendContext(1, -1)}
		h.Handle(rc)
		rc.Send.Release()
		rc.Release()
		p.Reset()
	}
}
