package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics("test")

	m.ConnectionAccepted()
	m.ConnectionAccepted()
	m.AdmissionDropped()
	m.BusyResponse()
	m.TimeoutsSwept(3)
	m.TimeoutsSwept(0)
	m.MessageReceived("http/1.1")
	m.ParseError("http/1.1")
	m.UpstreamFailed("10.0.0.1:80")

	if got := testutil.ToFloat64(m.connectionsAccepted); got != 2 {
		t.Errorf("Expected 2 accepted connections, got %v", got)
	}
	if got := testutil.ToFloat64(m.admissionDrops); got != 1 {
		t.Errorf("Expected 1 admission drop, got %v", got)
	}
	if got := testutil.ToFloat64(m.timeoutsSwept); got != 3 {
		t.Errorf("Expected 3 swept, got %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("http/1.1")); got != 1 {
		t.Errorf("Expected 1 message, got %v", got)
	}
	if got := testutil.ToFloat64(m.upstreamFailures.WithLabelValues("10.0.0.1:80")); got != 1 {
		t.Errorf("Expected 1 upstream failure, got %v", got)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := NewMetrics("test")
	m.SetActiveConnections("0", 5)
	m.SetActiveConnections("0", 2)
	m.SetQueueDepth("1", 7)

	if got := testutil.ToFloat64(m.connectionsActive.WithLabelValues("0")); got != 2 {
		t.Errorf("Expected 2 active, got %v", got)
	}
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("1")); got != 7 {
		t.Errorf("Expected depth 7, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionAccepted()
	m.ObserveHandler("http/1.1", time.Millisecond)
	m.SetQueueDepth("0", 1)
	m.UpstreamSelected("x")
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveHandler("websocket", 2*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_handler_duration_seconds_count{protocol="websocket"} 1`) {
		t.Errorf("Histogram missing from exposition:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("Runtime collector missing from exposition")
	}
}
