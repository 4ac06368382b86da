//go:build linux

// Package tests drives whole servers with many concurrent clients.
package tests

import (
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/searchktools/fast-reactor/core"
	"github.com/searchktools/fast-reactor/core/balancer"
	"github.com/searchktools/fast-reactor/core/http"
	"github.com/searchktools/fast-reactor/core/proxy"
)

func start(t *testing.T, cfg core.ServerConfig) *core.Server {
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
		if err := s.Wait(); err != nil {
			t.Errorf("Wait: %v", err)
		}
	})
	return s
}

// hammer sends requests from clients goroutines and returns how many
// answered 200 with the expected body
func hammer(t *testing.T, url string, clients, requests int, keepAlive bool, want func(i int) string) int64 {
	t.Helper()
	var ok atomic.Int64
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			client := &nethttp.Client{
				Timeout:   10 * time.Second,
				Transport: &nethttp.Transport{DisableKeepAlives: !keepAlive},
			}
			for r := 0; r < requests; r++ {
				i := c*requests + r
				resp, err := client.Get(url + strconv.Itoa(i))
				if err != nil {
					t.Errorf("request %d: %v", i, err)
					return
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if resp.StatusCode == 200 && string(body) == want(i) {
					ok.Add(1)
				}
			}
		}(c)
	}
	wg.Wait()
	return ok.Load()
}

func TestStressServer(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	s := start(t, core.ServerConfig{
		Threads: 4,
		Thread: core.ThreadConfig{
			Workers: 4,
			Backlog: 4096,
			Handler: &core.Handler{HTTP: func(c *http.Context) {
				c.String(200, "n="+c.Query("n"))
			}},
		},
	})

	const clients, requests = 50, 40
	got := hammer(t, fmt.Sprintf("http://127.0.0.1:%d/?n=", s.Port()), clients, requests, true,
		func(i int) string { return "n=" + strconv.Itoa(i) })
	if got != clients*requests {
		t.Errorf("Expected %d successful requests, got %d", clients*requests, got)
	}

	stats := s.GetPoolStats()
	var completed uint64
	for _, th := range stats.Threads {
		if th.Workers != nil {
			completed += th.Workers.Completed
		}
	}
	if completed < clients*requests {
		t.Errorf("Expected workers to complete every request, got %d", completed)
	}
}

func TestStressProxy(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	var candidates []balancer.WebServerProfile
	for i := 0; i < 3; i++ {
		up := start(t, core.ServerConfig{Threads: 2, Thread: core.ThreadConfig{
			Handler: &core.Handler{HTTP: func(c *http.Context) {
				c.String(200, c.Query("n"))
			}},
		}})
		candidates = append(candidates, balancer.WebServerProfile{IP: "127.0.0.1", Port: up.Port(), Weight: i + 1})
	}
	lb := balancer.New(balancer.Weight, candidates, 0)
	p := start(t, core.ServerConfig{
		Threads: 4,
		Thread:  proxy.Configure(core.ThreadConfig{}, proxy.Config{Balancer: lb}),
	})

	const clients, requests = 20, 25
	got := hammer(t, fmt.Sprintf("http://127.0.0.1:%d/?n=", p.Port()), clients, requests, false,
		strconv.Itoa)
	if got != clients*requests {
		t.Errorf("Expected %d proxied requests, got %d", clients*requests, got)
	}
	for _, c := range lb.Candidates() {
		if c.Down {
			t.Errorf("Upstream %s reported down under load", c.Addr())
		}
	}
}
