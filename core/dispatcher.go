package core

import (
	"log/slog"

	"github.com/searchktools/fast-reactor/core/conn"
	"github.com/searchktools/fast-reactor/core/pools"
)

// Dispatcher receives every message a net thread parses. It runs on the
// net thread and must not block.
type Dispatcher interface {
	Dispatch(t *NetThread, rc *conn.RecvContext)
}

// CloseNotifier is implemented by dispatchers that track connections and
// need to know when one goes away.
type CloseNotifier interface {
	Closed(t *NetThread, uid conn.UID)
}

// inlineDispatcher runs the handler on the net thread itself
type inlineDispatcher struct {
	h MessageHandler
}

func (d inlineDispatcher) Dispatch(t *NetThread, rc *conn.RecvContext) {
	d.h.Handle(rc)
	t.deliver(rc)
}

// workerDispatcher hands messages to the thread's worker pool. A message
// that finds the queue full is dropped together with its connection.
type workerDispatcher struct {
	pool *pools.WorkerPool[*conn.RecvContext]
}

func (d workerDispatcher) Dispatch(t *NetThread, rc *conn.RecvContext) {
	if err := d.pool.Submit(rc); err != nil {
		t.metrics.AdmissionDropped()
		t.logger.Warn("worker queue full, dropping connection",
			slog.String("uid", rc.UID.String()),
			slog.String("remote", rc.FromIP),
			slog.Any("error", err))
		uid := rc.UID
		rc.Release()
		t.Close(uid)
	}
	t.metrics.SetQueueDepth(t.name, d.pool.Pending())
}
