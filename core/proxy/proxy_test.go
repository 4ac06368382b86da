//go:build linux

package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"strconv"
	"testing"
	"time"

	"github.com/searchktools/fast-reactor/core"
	"github.com/searchktools/fast-reactor/core/balancer"
	"github.com/searchktools/fast-reactor/core/http"
)

func serve(t *testing.T, cfg core.ServerConfig) *core.Server {
	t.Helper()
	cfg.IP = "127.0.0.1"
	cfg.Thread.WaitInterval = 10 * time.Millisecond
	s, err := core.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Stop()
		s.Wait()
	})
	return s
}

// upstream starts a web server answering every request with name
func upstream(t *testing.T, name string) int {
	t.Helper()
	s := serve(t, core.ServerConfig{Thread: core.ThreadConfig{
		Handler: &core.Handler{HTTP: func(c *http.Context) {
			c.String(200, name+" "+c.Path())
		}},
	}})
	return s.Port()
}

func startProxy(t *testing.T, lb *balancer.LoadBalancer) int {
	t.Helper()
	s := serve(t, core.ServerConfig{
		Threads: 2,
		Thread:  Configure(core.ThreadConfig{}, Config{Balancer: lb}),
	})
	return s.Port()
}

// closedPort returns a port nothing listens on
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func get(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	client := &nethttp.Client{
		Timeout:   5 * time.Second,
		Transport: &nethttp.Transport{DisableKeepAlives: true},
	}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestProxyForwardsRoundRobin(t *testing.T) {
	a, b := upstream(t, "A"), upstream(t, "B")
	lb := balancer.New(balancer.Poll, []balancer.WebServerProfile{
		{IP: "127.0.0.1", Port: a, Weight: 1},
		{IP: "127.0.0.1", Port: b, Weight: 1},
	}, 0)
	port := startProxy(t, lb)

	for i, want := range []string{"A /x", "B /x", "A /x", "B /x"} {
		status, body := get(t, port, "/x")
		if status != 200 || body != want {
			t.Errorf("request %d: expected 200 %q, got %d %q", i, want, status, body)
		}
	}
}

func TestProxyClosesAfterResponse(t *testing.T) {
	a := upstream(t, "A")
	lb := balancer.New(balancer.Poll, []balancer.WebServerProfile{{IP: "127.0.0.1", Port: a, Weight: 1}}, 0)
	port := startProxy(t, lb)

	c, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))

	c.Write([]byte("GET /raw HTTP/1.1\r\nHost: x\r\n\r\n"))
	r := bufio.NewReader(c)
	resp, err := nethttp.ReadResponse(r, nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "A /raw" {
		t.Errorf("Unexpected body %q", body)
	}
	if _, err := r.ReadByte(); err != io.EOF {
		t.Errorf("Expected the proxy to close the client, got %v", err)
	}
}

func TestProxyExhaustedUpstreams(t *testing.T) {
	dead := closedPort(t)
	lb := balancer.New(balancer.Poll, []balancer.WebServerProfile{{IP: "127.0.0.1", Port: dead, Weight: 1}}, 0)
	port := startProxy(t, lb)

	status, _ := get(t, port, "/")
	if status != 500 {
		t.Errorf("Expected 500, got %d", status)
	}
	if !lb.Candidates()[0].Down {
		t.Error("Expected the refusing upstream to be reported down")
	}
}

func TestProxyRetriesNextUpstream(t *testing.T) {
	dead, b := closedPort(t), upstream(t, "B")
	lb := balancer.New(balancer.Poll, []balancer.WebServerProfile{
		{IP: "127.0.0.1", Port: dead, Weight: 1},
		{IP: "127.0.0.1", Port: b, Weight: 1},
	}, 0)
	port := startProxy(t, lb)

	if status, body := get(t, port, "/y"); status != 200 || body != "B /y" {
		t.Errorf("Expected retry to reach B, got %d %q", status, body)
	}
}

func TestProxyUpstreamClosesEarly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Read(make([]byte, 1024))
		c.Close()
	}()

	lb := balancer.New(balancer.Poll, []balancer.WebServerProfile{
		{IP: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Weight: 1},
	}, 0)
	port := startProxy(t, lb)

	if status, _ := get(t, port, "/"); status != 502 {
		t.Errorf("Expected 502, got %d", status)
	}
}

func TestProxyClientGoneClosesUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	result := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			result <- err
			return
		}
		defer c.Close()
		c.SetDeadline(time.Now().Add(5 * time.Second))
		r := bufio.NewReader(c)
		if _, err := nethttp.ReadRequest(r); err != nil {
			result <- err
			return
		}
		// never answer; wait for the proxy to hang up
		_, err = r.ReadByte()
		result <- err
	}()

	lb := balancer.New(balancer.Poll, []balancer.WebServerProfile{
		{IP: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Weight: 1},
	}, 0)
	port := startProxy(t, lb)

	c, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatal(err)
	}
	c.Write([]byte("GET /slow HTTP/1.1\r\nHost: x\r\n\r\n"))
	time.Sleep(100 * time.Millisecond)
	c.Close()

	if err := <-result; err != io.EOF {
		t.Errorf("Expected upstream to see EOF, got %v", err)
	}
}

func TestProxyHeartbeat(t *testing.T) {
	lb := balancer.New(balancer.Poll, []balancer.WebServerProfile{{IP: "10.0.0.9", Port: 8080, Weight: 1}}, 5)
	port := startProxy(t, lb)

	body, err := balancer.EncodeHeartbeat(balancer.Heartbeat{IP: "10.0.0.9", Port: 8080, Backlog: 7})
	if err != nil {
		t.Fatal(err)
	}
	client := &nethttp.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, DefaultHeartbeatPath)

	resp, err := client.Post(url, "application/x-protobuf", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 204 {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}
	c := lb.Candidates()[0]
	if c.Backlog != 7 || !c.Overload || c.LastHeartbeat.IsZero() {
		t.Errorf("Heartbeat not applied: %+v", c)
	}

	unknown, _ := balancer.EncodeHeartbeat(balancer.Heartbeat{IP: "10.0.0.10", Port: 8080})
	resp, err = client.Post(url, "application/x-protobuf", bytes.NewReader(unknown))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("Expected 404 for an unknown upstream, got %d", resp.StatusCode)
	}

	resp, err = client.Post(url, "application/x-protobuf", bytes.NewReader([]byte{0xff, 0x01}))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("Expected 400 for a garbled heartbeat, got %d", resp.StatusCode)
	}
}
