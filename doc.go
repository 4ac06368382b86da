/*
Package fastreactor is a multi-threaded, event-driven network server runtime
for Linux, usable as an HTTP/1.1 and WebSocket server or as a load balancing
reverse proxy.

Architecture

  - NetThreads: a fixed set of goroutines locked to OS threads, each running
    its own edge-triggered epoll reactor with an eventfd notifier
  - Connection manager: generation-tagged UIDs, so a stale handle never
    reaches a reused slot
  - Pluggable parsers: incremental HTTP/1.1 request and response parsers,
    switching to WebSocket frames after an upgrade
  - Worker pools: bounded queues per NetThread; a fully loaded queue drops
    the connection and a nearly full one answers "busy"
  - Reverse proxy: poll, weight and ip-hash load balancing, upstream
    heartbeats and zero-copy forwarding

Quick Start

	package main

	import (
	    "log"

	    "github.com/searchktools/fast-reactor/app"
	    "github.com/searchktools/fast-reactor/config"
	    "github.com/searchktools/fast-reactor/core"
	    "github.com/searchktools/fast-reactor/core/http"
	)

	func main() {
	    cfg, err := config.New()
	    if err != nil {
	        log.Fatal(err)
	    }
	    a, err := app.New(cfg, &core.Handler{
	        HTTP: func(ctx *http.Context) {
	            ctx.String(200, "Hello, World!")
	        },
	    })
	    if err != nil {
	        log.Fatal(err)
	    }
	    log.Fatal(a.Run())
	}

Modules

  - app: process lifecycle, logging, admin endpoint
  - config: YAML file and FAST_REACTOR_* environment configuration
  - core: NetThread, Server, handlers and dispatchers
  - core/poller: epoll and the cross-thread notifier
  - core/socket: non-blocking socket helpers
  - core/conn: connection profiles, send/receive contexts, the manager
  - core/protocol: parser interface shared by all protocols
  - core/http: HTTP/1.1 parsing, packing and the handler context
  - core/websocket: handshake and frame codec
  - core/pools: worker pools, byte pools, GC tuning
  - core/balancer: load balancing rules and heartbeats
  - core/proxy: reverse proxy dispatcher
  - core/observability: Prometheus metrics
*/
package fastreactor
