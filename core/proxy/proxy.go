// Package proxy turns net threads into a reverse proxy: every client
// request is forwarded verbatim to an upstream picked by the load balancer
// and the upstream response is relayed back before both connections close.
package proxy

import (
	"errors"
	"log/slog"

	"github.com/searchktools/fast-reactor/core"
	"github.com/searchktools/fast-reactor/core/balancer"
	"github.com/searchktools/fast-reactor/core/conn"
	"github.com/searchktools/fast-reactor/core/http"
	"github.com/searchktools/fast-reactor/core/observability"
	"github.com/searchktools/fast-reactor/core/protocol"
)

const (
	DefaultRetries       = 3
	DefaultHeartbeatPath = "/_heartbeat"
)

var ErrUpstreamsExhausted = errors.New("proxy: no upstream accepted the connection")

// Config configures the proxy dispatchers
type Config struct {
	Balancer *balancer.LoadBalancer
	// Retries bounds connect attempts per request
	Retries int
	// HeartbeatPath receives POSTed upstream heartbeats
	HeartbeatPath string
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.HeartbeatPath == "" {
		c.HeartbeatPath = DefaultHeartbeatPath
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Configure returns base set up so that every thread runs its own Proxy
// in-line. Workers are not used.
func Configure(base core.ThreadConfig, cfg Config) core.ThreadConfig {
	cfg.setDefaults()
	base.Parser = NewClientParser
	base.Handler = nil
	base.Workers = 0
	base.Dispatcher = func(t *core.NetThread) core.Dispatcher {
		return New(cfg)
	}
	return base
}

// clientParser parses client requests without ever switching protocol:
// upgrade requests are forwarded like any other.
type clientParser struct {
	*http.RequestParser
}

func (clientParser) WantsUpgrade() bool { return false }

// NewClientParser returns the parser installed on accepted client connections
func NewClientParser() protocol.Parser {
	return clientParser{http.NewRequestParser(0)}
}

// Proxy is the dispatcher of one net thread. Its pair maps are only
// touched by that thread.
type Proxy struct {
	cfg       Config
	upstreams map[conn.UID]conn.UID // client -> upstream
	clients   map[conn.UID]conn.UID // upstream -> client
	logger    *slog.Logger
}

func New(cfg Config) *Proxy {
	cfg.setDefaults()
	return &Proxy{
		cfg:       cfg,
		upstreams: make(map[conn.UID]conn.UID),
		clients:   make(map[conn.UID]conn.UID),
		logger:    cfg.Logger,
	}
}

// Pairs returns the number of client/upstream pairs in flight
func (p *Proxy) Pairs() int {
	return len(p.upstreams)
}

func (p *Proxy) Dispatch(t *core.NetThread, rc *conn.RecvContext) {
	if rc.Direction == conn.ConnectedTo {
		p.relayResponse(t, rc)
		return
	}
	p.forwardRequest(t, rc)
}

func (p *Proxy) forwardRequest(t *core.NetThread, rc *conn.RecvContext) {
	if req, ok := rc.Packet.(*http.Request); ok &&
		req.MethodKind == http.MethodPost && req.Path == p.cfg.HeartbeatPath {
		p.heartbeat(t, rc, req)
		return
	}

	up, ok := p.upstreams[rc.UID]
	if !ok {
		var err error
		up, err = p.connect(t, rc.FromIP)
		if err != nil {
			p.logger.Warn("no upstream for request",
				slog.String("client", rc.FromIP), slog.Any("error", err))
			client := rc.UID
			rc.Release()
			p.respond(t, client, 500)
			return
		}
		p.upstreams[rc.UID] = up
		p.clients[up] = rc.UID
	}

	// the receive buffer travels to the upstream and is released once
	// written
	t.Send(p.sendContext(t, up, rc.Raw, rc.Release))
}

// connect opens an upstream connection, reporting each candidate that
// refuses it and selecting again
func (p *Proxy) connect(t *core.NetThread, clientIP string) (conn.UID, error) {
	for attempt := 1; attempt <= p.cfg.Retries; attempt++ {
		c, err := p.cfg.Balancer.Select(clientIP)
		if err != nil {
			return 0, err
		}
		addr := c.Addr()
		uid, err := t.Connect(c.IP, c.Port, http.NewResponseParser(0))
		if err == nil {
			p.cfg.Metrics.UpstreamSelected(addr)
			return uid, nil
		}
		p.cfg.Metrics.UpstreamFailed(addr)
		p.cfg.Balancer.ReportDown(c.IP, c.Port)
		p.logger.Warn("upstream connect failed",
			slog.String("upstream", addr), slog.Int("attempt", attempt), slog.Any("error", err))
	}
	return 0, ErrUpstreamsExhausted
}

func (p *Proxy) relayResponse(t *core.NetThread, rc *conn.RecvContext) {
	up := rc.UID
	client, ok := p.clients[up]
	if ok {
		delete(p.clients, up)
		delete(p.upstreams, client)
	}
	if _, alive := t.Manager().Get(client); !ok || !alive {
		rc.Release()
		t.Close(up)
		return
	}

	sc := p.sendContext(t, client, rc.Raw, rc.Release)
	sc.CloseAfter = true
	sc.Linked = up
	t.Send(sc)
}

func (p *Proxy) heartbeat(t *core.NetThread, rc *conn.RecvContext, req *http.Request) {
	status := 204
	hb, err := balancer.DecodeHeartbeat(req.Body)
	switch {
	case err != nil:
		status = 400
		p.logger.Debug("bad heartbeat", slog.String("from", rc.FromIP), slog.Any("error", err))
	case !p.cfg.Balancer.ReceiveHeartbeat(hb):
		status = 404
	}

	closeAfter := status == 400 || !req.KeepAlive()
	var h http.Header
	if closeAfter {
		h.Set("Connection", "close")
	}
	rc.Reply(http.AppendResponse(nil, status, h, nil), nil, closeAfter)
	for _, sc := range rc.Responses() {
		t.Send(sc)
	}
	rc.Release()
}

// Closed keeps pairs consistent when either side goes away: a departed
// client takes its upstream along, an upstream closing before it answered
// gets the client a 502.
func (p *Proxy) Closed(t *core.NetThread, uid conn.UID) {
	if up, ok := p.upstreams[uid]; ok {
		delete(p.upstreams, uid)
		delete(p.clients, up)
		t.Close(up)
		return
	}
	if client, ok := p.clients[uid]; ok {
		delete(p.clients, uid)
		delete(p.upstreams, client)
		p.respond(t, client, 502)
	}
}

// respond sends a synthetic error response and closes the client
func (p *Proxy) respond(t *core.NetThread, client conn.UID, status int) {
	var h http.Header
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Connection", "close")
	body := []byte(http.StatusText(status))
	sc := p.sendContext(t, client, http.AppendResponse(nil, status, h, body), nil)
	sc.CloseAfter = true
	t.Send(sc)
}

func (p *Proxy) sendContext(t *core.NetThread, uid conn.UID, buf []byte, release func()) *conn.SendContext {
	fd := -1
	if prof, ok := t.Manager().Get(uid); ok {
		fd = prof.Fd()
	}
	sc := conn.NewSendContext(uid, fd)
	sc.SetBuffer(buf, release)
	return sc
}
