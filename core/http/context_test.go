package http

import (
	"bytes"
	"strings"
	"testing"

	"github.com/searchktools/fast-reactor/core/protocol"
)

func parseRequest(t *testing.T, raw string) *Request {
	t.Helper()
	p := NewRequestParser(0)
	if st := p.Feed([]byte(raw)); st != protocol.StateEnd {
		t.Fatalf("parse %q: %v %v", raw, st, p.Err())
	}
	return p.Request()
}

func parseResponse(t *testing.T, raw []byte) *Response {
	t.Helper()
	p := NewResponseParser(0)
	if st := p.Feed(raw); st != protocol.StateEnd {
		t.Fatalf("parse response %q: %v %v", raw, st, p.Err())
	}
	return p.Response()
}

// TestContextBasic 测试基本功能
func TestContextBasic(t *testing.T) {
	req := parseRequest(t, "GET /test?q=go HTTP/1.1\r\nUser-Agent: TestAgent/1.0\r\n\r\n")
	ctx := AcquireContext(req, "10.0.0.1", 4321)
	defer ReleaseContext(ctx)

	if ctx.Method() != "GET" {
		t.Errorf("Expected method GET, got %s", ctx.Method())
	}
	if ctx.Path() != "/test" {
		t.Errorf("Expected path /test, got %s", ctx.Path())
	}
	if ctx.Query("q") != "go" {
		t.Errorf("Expected q=go, got %s", ctx.Query("q"))
	}
	if ctx.Header("User-Agent") != "TestAgent/1.0" {
		t.Errorf("Expected User-Agent=TestAgent/1.0, got %s", ctx.Header("User-Agent"))
	}
	if ctx.CloseAfter() {
		t.Error("HTTP/1.1 request should keep the connection alive")
	}
}

// TestContextString 测试文本响应
func TestContextString(t *testing.T) {
	req := parseRequest(t, "GET / HTTP/1.1\r\n\r\n")
	ctx := AcquireContext(req, "", 0)
	defer ReleaseContext(ctx)

	ctx.SetHeader("X-Custom", "test-value")
	ctx.String(200, "Hello")

	buf, release := ctx.Finish()
	defer release()

	resp := parseResponse(t, buf)
	if resp.Status != 200 || string(resp.Body) != "Hello" {
		t.Errorf("Unexpected response %d %q", resp.Status, resp.Body)
	}
	if resp.Header.Get("X-Custom") != "test-value" {
		t.Errorf("Expected X-Custom header, got %q", resp.Header.Get("X-Custom"))
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("Unexpected content type %q", resp.Header.Get("Content-Type"))
	}
}

// TestContextJSON 测试 JSON 响应与绑定
func TestContextJSON(t *testing.T) {
	req := parseRequest(t, "POST /users HTTP/1.1\r\nContent-Length: 16\r\n\r\n{\"name\":\"alice\"}")
	ctx := AcquireContext(req, "", 0)
	defer ReleaseContext(ctx)

	var in struct {
		Name string `json:"name"`
	}
	if err := ctx.Bind(&in); err != nil || in.Name != "alice" {
		t.Fatalf("Bind: %v %+v", err, in)
	}

	ctx.Success(in.Name)
	buf, release := ctx.Finish()
	defer release()

	resp := parseResponse(t, buf)
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected application/json, got %s", resp.Header.Get("Content-Type"))
	}
	if !bytes.Contains(resp.Body, []byte(`"data":"alice"`)) {
		t.Errorf("Unexpected body %s", resp.Body)
	}
}

// TestContextKeepAlive 测试连接保持
func TestContextKeepAlive(t *testing.T) {
	tests := []struct {
		raw   string
		close bool
	}{
		{"GET / HTTP/1.1\r\n\r\n", false},
		{"GET / HTTP/1.1\r\nConnection: close\r\n\r\n", true},
		{"GET / HTTP/1.0\r\n\r\n", true},
		{"GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", false},
	}

	for _, tt := range tests {
		ctx := AcquireContext(parseRequest(t, tt.raw), "", 0)
		ctx.String(200, "ok")
		if ctx.CloseAfter() != tt.close {
			t.Errorf("%q: expected closeAfter=%v", tt.raw, tt.close)
		}
		buf, release := ctx.Finish()
		if tt.close && parseResponse(t, buf).Header.Get("Connection") != "close" {
			t.Errorf("%q: expected Connection: close in response", tt.raw)
		}
		release()
		ReleaseContext(ctx)
	}
}

// TestContextAbort 测试终止功能
func TestContextAbort(t *testing.T) {
	ctx := AcquireContext(parseRequest(t, "GET / HTTP/1.1\r\n\r\n"), "", 0)
	defer ReleaseContext(ctx)

	if ctx.IsAborted() {
		t.Error("New context should not be aborted")
	}
	ctx.Abort()
	if !ctx.IsAborted() || !ctx.CloseAfter() {
		t.Error("Abort should mark the context aborted and closing")
	}
}

// TestContextSwitchProtocols 测试 WebSocket 升级
func TestContextSwitchProtocols(t *testing.T) {
	req := parseRequest(t, "GET /ws HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")
	ctx := AcquireContext(req, "", 0)
	defer ReleaseContext(ctx)

	if !ctx.SwitchProtocols() {
		t.Fatal("Expected handshake to succeed")
	}
	buf, release := ctx.Finish()
	defer release()

	resp := parseResponse(t, buf)
	if resp.Status != 101 || resp.Header.Get("Sec-WebSocket-Accept") != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("Unexpected handshake response %d %+v", resp.Status, resp.Header)
	}

	bad := AcquireContext(parseRequest(t, "GET /ws HTTP/1.1\r\n\r\n"), "", 0)
	defer ReleaseContext(bad)
	if bad.SwitchProtocols() || bad.StatusCode() != 400 || !bad.CloseAfter() {
		t.Errorf("Expected 400 for a plain request, got %d", bad.StatusCode())
	}
}

func BenchmarkContextString(b *testing.B) {
	req := &Request{Method: "GET", Path: "/", Version: Version11}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx := AcquireContext(req, "", 0)
		ctx.String(200, "Hello, World!")
		_, release := ctx.Finish()
		release()
		ReleaseContext(ctx)
	}
}
