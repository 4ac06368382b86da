package core

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/searchktools/fast-reactor/core/conn"
	"github.com/searchktools/fast-reactor/core/http"
	"github.com/searchktools/fast-reactor/core/observability"
	"github.com/searchktools/fast-reactor/core/poller"
	"github.com/searchktools/fast-reactor/core/pools"
	"github.com/searchktools/fast-reactor/core/protocol"
	"github.com/searchktools/fast-reactor/core/socket"
)

// ThreadConfig configures a NetThread
type ThreadConfig struct {
	WaitInterval   time.Duration
	SweepInterval  time.Duration
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	MaxConnections int
	Socket         socket.Options

	// Parser builds the parser installed on accepted connections
	// (default: HTTP/1.1 requests).
	Parser func() protocol.Parser

	// Handler processes messages. With Workers > 0 it runs on a worker
	// pool bound to the thread, otherwise inline.
	Handler MessageHandler
	Workers int
	Backlog int

	// Dispatcher, when set, replaces handler dispatch for this thread.
	Dispatcher func(t *NetThread) Dispatcher

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

func (c *ThreadConfig) setDefaults() {
	if c.WaitInterval <= 0 {
		c.WaitInterval = DefaultWaitInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.Parser == nil {
		c.Parser = func() protocol.Parser { return http.NewRequestParser(0) }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NetThread is one reactor: a poller, the connections it owns and the
// dispatcher their messages go to. Run locks it to an OS thread. All
// methods except Stop and Manager().Add must be called from the thread
// itself (or before Run).
type NetThread struct {
	id   int
	name string
	cfg  ThreadConfig

	poller     poller.Poller
	notifier   *poller.Notifier
	manager    *conn.Manager
	dispatcher Dispatcher
	workers    *pools.WorkerPool[*conn.RecvContext]

	listener  int
	siblings  []*NetThread
	lastSweep time.Time

	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewNetThread creates a thread with its own poller and notifier
func NewNetThread(id int, cfg ThreadConfig) (*NetThread, error) {
	cfg.setDefaults()
	if cfg.Handler == nil && cfg.Dispatcher == nil {
		return nil, ErrNoHandler
	}

	p, err := poller.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("thread %d: %w", id, err)
	}
	n, err := poller.NewNotifier()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("thread %d: %w", id, err)
	}
	if err := p.AddNotifier(n); err != nil {
		n.Close()
		p.Close()
		return nil, fmt.Errorf("thread %d: %w", id, err)
	}

	t := &NetThread{
		id:        id,
		name:      strconv.Itoa(id),
		cfg:       cfg,
		poller:    p,
		notifier:  n,
		manager:   conn.NewManager(p, cfg.MaxConnections, conn.DefaultChunkSize),
		listener:  -1,
		lastSweep: time.Now(),
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With(slog.Int("thread", id)),
	}
	t.siblings = []*NetThread{t}

	switch {
	case cfg.Dispatcher != nil:
		t.dispatcher = cfg.Dispatcher(t)
	case cfg.Workers > 0:
		t.workers = pools.NewWorkerPool(pools.WorkerConfig[*conn.RecvContext]{
			Workers:  cfg.Workers,
			Backlog:  cfg.Backlog,
			Handle:   cfg.Handler.Handle,
			Overload: cfg.Handler.Overload,
			Wake:     func() { n.Notify(poller.SignalFlush) },
			Done:     n.Done(),
			Logger:   t.logger,
		})
		t.dispatcher = workerDispatcher{pool: t.workers}
	default:
		t.dispatcher = inlineDispatcher{h: cfg.Handler}
	}
	return t, nil
}

func (t *NetThread) ID() int                { return t.id }
func (t *NetThread) Manager() *conn.Manager { return t.manager }

// Workers returns the bound worker pool, nil for inline threads
func (t *NetThread) Workers() *pools.WorkerPool[*conn.RecvContext] { return t.workers }

// listen makes t the accepting thread. Accepted connections are spread over
// siblings by descriptor.
func (t *NetThread) listen(lfd int, siblings []*NetThread) error {
	if err := t.poller.AddListener(lfd); err != nil {
		return fmt.Errorf("thread %d: add listener: %w", t.id, err)
	}
	t.listener = lfd
	t.siblings = siblings
	return nil
}

// Stop asks the thread to exit. Safe from any goroutine.
func (t *NetThread) Stop() {
	t.notifier.Notify(poller.SignalStop)
}

// Run is the event loop. It returns nil after Stop and an error when the
// poller fails.
func (t *NetThread) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if t.workers != nil {
		t.workers.Start()
	}
	defer t.shutdown()

	t.logger.Debug("net thread running")
	waitMs := int(t.cfg.WaitInterval / time.Millisecond)
	for {
		events, err := t.poller.Wait(waitMs)
		if err != nil {
			return fmt.Errorf("thread %d: wait: %w", t.id, err)
		}

		for _, ev := range events {
			switch ev.Kind {
			case poller.EventNotify:
				sig := t.notifier.Drain()
				if sig&poller.SignalStop != 0 || t.notifier.Stopped() {
					return nil
				}
				if sig&poller.SignalFlush != 0 {
					t.drainResults()
				}
			case poller.EventAccept:
				t.accept()
			case poller.EventReadable:
				t.onReadable(conn.UID(ev.Tag))
			case poller.EventWritable:
				t.onWritable(conn.UID(ev.Tag))
			case poller.EventError:
				t.Close(conn.UID(ev.Tag))
			}
		}

		t.drainResults()
		t.sweep(time.Now())
	}
}

func (t *NetThread) shutdown() {
	// unblocks workers waiting to push results when Run exits on error
	t.notifier.Notify(poller.SignalStop)
	if t.workers != nil {
		t.workers.Close()
		// results pushed before the stop signal are released, not written
		t.workers.Drain(func(rc *conn.RecvContext) {
			for _, sc := range rc.Responses() {
				sc.Release()
			}
			rc.Release()
		})
	}
	t.manager.Close()
	t.poller.Close()
	t.notifier.Close()
	t.metrics.SetActiveConnections(t.name, 0)
	t.logger.Debug("net thread stopped")
}

func (t *NetThread) accept() {
	for {
		fd, ip, port, err := socket.Accept(t.listener, t.cfg.Socket)
		if err != nil {
			if !socket.IsWouldBlock(err) {
				t.logger.Warn("accept failed", slog.Any("error", err))
			}
			return
		}

		owner := t.siblings[fd%len(t.siblings)]
		p := conn.NewProfile(fd, ip, port, conn.AcceptedFrom, owner.cfg.IdleTimeout)
		if err := p.ConfigureProtocol(owner.cfg.Parser()); err != nil {
			socket.Close(fd)
			t.logger.Warn("rejecting connection", slog.String("remote", ip), slog.Any("error", err))
			continue
		}
		if _, err := owner.manager.Add(p); err != nil {
			socket.Close(fd)
			t.logger.Warn("rejecting connection",
				slog.String("remote", ip), slog.Int("owner", owner.id), slog.Any("error", err))
			continue
		}
		t.metrics.ConnectionAccepted()
		t.metrics.SetActiveConnections(owner.name, owner.manager.Len())
	}
}

func (t *NetThread) onReadable(uid conn.UID) {
	p, ok := t.manager.Get(uid)
	if !ok {
		return
	}

	for {
		st, rc, err := p.Receive()
		switch st {
		case conn.WouldBlock:
			return
		case conn.Closed:
			if pr := p.Parser(); pr != nil && pr.Failed() {
				t.metrics.ParseError(pr.Kind().String())
				t.logger.Debug("parse error", slog.String("uid", uid.String()), slog.Any("error", err))
			} else if err != nil && !errors.Is(err, io.EOF) {
				t.logger.Debug("read failed", slog.String("uid", uid.String()), slog.Any("error", err))
			}
			t.Close(uid)
			return
		case conn.Done:
			rc.TraceID = uuid.New()
			t.metrics.MessageReceived(rc.Protocol.String())
			t.dispatcher.Dispatch(t, rc)
			// the dispatcher may have closed the connection
			if _, ok := t.manager.Get(uid); !ok {
				return
			}
		}
	}
}

func (t *NetThread) onWritable(uid conn.UID) {
	p, ok := t.manager.Get(uid)
	if !ok || !p.HasPending() {
		return
	}
	flushed, err := p.Flush()
	for _, sc := range flushed {
		t.sent(sc)
	}
	if err != nil {
		// writeFailed drops the queue, so note who it would have closed
		closeAfter, linked := p.PendingCloseAfter()
		t.writeFailed(p, uid, err)
		if closeAfter {
			t.Close(uid)
			for _, l := range linked {
				t.Close(l)
			}
		}
	}
}

// drainResults writes every response the workers finished
func (t *NetThread) drainResults() {
	if t.workers == nil {
		return
	}
	if t.workers.Drain(t.deliver) > 0 {
		t.metrics.SetQueueDepth(t.name, t.workers.Pending())
	}
}

// deliver writes the responses of a handled message and releases it
func (t *NetThread) deliver(rc *conn.RecvContext) {
	for _, sc := range rc.Responses() {
		t.Send(sc)
	}
	rc.Release()
}

// Send writes sc to its connection, or queues the rest until the socket
// is writable. A send addressed to a connection that is gone is released.
func (t *NetThread) Send(sc *conn.SendContext) {
	p, ok := t.manager.Get(sc.UID)
	if !ok {
		sc.Release()
		return
	}
	done, err := p.Send(sc)
	switch {
	case err != nil:
		sc.Release()
		t.writeFailed(p, sc.UID, err)
		if sc.CloseAfter {
			t.closePair(sc)
		}
	case done:
		t.sent(sc)
	}
}

func (t *NetThread) sent(sc *conn.SendContext) {
	sc.Release()
	if sc.CloseAfter {
		t.closePair(sc)
	}
}

func (t *NetThread) closePair(sc *conn.SendContext) {
	t.Close(sc.UID)
	if sc.Linked != 0 {
		t.Close(sc.Linked)
	}
}

// writeFailed handles a failed write. A broken pipe only drops the queued
// data: the read side reports the close and tears the connection down.
func (t *NetThread) writeFailed(p *conn.Profile, uid conn.UID, err error) {
	t.metrics.WriteError()
	if socket.IsBrokenPipe(err) {
		p.DiscardPending()
		return
	}
	t.logger.Debug("write failed", slog.String("uid", uid.String()), slog.Any("error", err))
	t.Close(uid)
}

// Connect opens an outbound connection owned by this thread and installs
// parser on it.
func (t *NetThread) Connect(ip string, port int, parser protocol.Parser) (conn.UID, error) {
	fd, err := socket.Connect(ip, port, t.cfg.ConnectTimeout, t.cfg.Socket)
	if err != nil {
		return 0, err
	}
	p := conn.NewProfile(fd, ip, port, conn.ConnectedTo, t.cfg.IdleTimeout)
	if err := p.ConfigureProtocol(parser); err != nil {
		socket.Close(fd)
		return 0, err
	}
	uid, err := t.manager.Add(p)
	if err != nil {
		socket.Close(fd)
		return 0, err
	}
	t.metrics.SetActiveConnections(t.name, t.manager.Len())
	return uid, nil
}

// Close removes a connection. Dispatchers implementing CloseNotifier are
// told after the descriptor is closed.
// Connections linked to a queued CloseAfter write are closed too.
func (t *NetThread) Close(uid conn.UID) {
	var linked []conn.UID
	if p, ok := t.manager.Get(uid); ok {
		_, linked = p.PendingCloseAfter()
	}
	if err := t.manager.Remove(uid); err != nil {
		return
	}
	t.metrics.SetActiveConnections(t.name, t.manager.Len())
	if cn, ok := t.dispatcher.(CloseNotifier); ok {
		cn.Closed(t, uid)
	}
	for _, l := range linked {
		t.Close(l)
	}
}

func (t *NetThread) sweep(now time.Time) {
	if now.Sub(t.lastSweep) < t.cfg.SweepInterval {
		return
	}
	t.lastSweep = now

	expired := t.manager.SweepTimeouts(now)
	if len(expired) == 0 {
		return
	}
	t.metrics.TimeoutsSwept(len(expired))
	t.metrics.SetActiveConnections(t.name, t.manager.Len())
	t.logger.Debug("idle connections swept", slog.Int("count", len(expired)))
	if cn, ok := t.dispatcher.(CloseNotifier); ok {
		for _, uid := range expired {
			cn.Closed(t, uid)
		}
	}
}
