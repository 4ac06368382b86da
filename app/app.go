// Package app wires configuration, logging, metrics and the reactor into a
// runnable process in either server or proxy mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/searchktools/fast-reactor/config"
	"github.com/searchktools/fast-reactor/core"
	"github.com/searchktools/fast-reactor/core/balancer"
	"github.com/searchktools/fast-reactor/core/observability"
	"github.com/searchktools/fast-reactor/core/pools"
	"github.com/searchktools/fast-reactor/core/proxy"
)

const shutdownTimeout = 5 * time.Second

// App is one configured process: the reactor server and its optional admin
// endpoint.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	server   *core.Server
	balancer *balancer.LoadBalancer

	adminLn net.Listener
	admin   *nethttp.Server
}

// New builds the application. In server mode handler answers requests
// (nil serves 404s and echoes WebSocket messages); in proxy mode it is
// ignored.
func New(cfg *config.Config, handler *core.Handler) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := NewLogger(cfg.LogLevel, cfg.LogFormat)
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(observability.DefaultNamespace),
	}

	pools.ApplyGCConfig(pools.GCConfig{GOGC: cfg.GOGC})

	tc := core.ThreadConfig{
		WaitInterval:   cfg.WaitInterval,
		SweepInterval:  cfg.SweepInterval,
		IdleTimeout:    cfg.IdleTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxConnections: share(cfg.MaxConnections, cfg.NetThreadCnt),
		Workers:        share(cfg.WorkerThreadCnt, cfg.NetThreadCnt),
		Backlog:        cfg.MaxBacklog,
		Metrics:        a.metrics,
		Logger:         logger,
	}

	switch cfg.Mode {
	case config.ModeProxy:
		a.balancer = balancer.New(cfg.Rule(), cfg.Candidates(), cfg.MaxBacklog)
		tc = proxy.Configure(tc, proxy.Config{
			Balancer:      a.balancer,
			Retries:       cfg.ConnectRetries,
			HeartbeatPath: cfg.HeartbeatPath,
			Metrics:       a.metrics,
			Logger:        logger,
		})
	default:
		if handler == nil {
			handler = &core.Handler{}
		}
		if handler.Metrics == nil {
			handler.Metrics = a.metrics
		}
		if handler.Logger == nil {
			handler.Logger = logger
		}
		tc.Handler = handler
	}

	// the admin port binds first so a failure leaves nothing to unwind
	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return nil, fmt.Errorf("admin listen %s: %w", cfg.MetricsAddr, err)
		}
		a.adminLn = ln
		a.admin = &nethttp.Server{ReadHeaderTimeout: 5 * time.Second}
	}

	server, err := core.NewServer(core.ServerConfig{
		IP:      cfg.IP,
		Port:    cfg.Port,
		Threads: cfg.NetThreadCnt,
		Thread:  tc,
	})
	if err != nil {
		if a.adminLn != nil {
			a.adminLn.Close()
		}
		return nil, fmt.Errorf("start %s: %w", cfg.Mode, err)
	}
	a.server = server

	if a.admin != nil {
		a.admin.Handler = a.adminMux()
	}
	return a, nil
}

// share splits total over n threads, rounding up so no capacity is lost
func share(total, n int) int {
	if total <= 0 || n <= 0 {
		return total
	}
	return (total + n - 1) / n
}

func (a *App) adminMux() *nethttp.ServeMux {
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/stats", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		data, err := a.server.GetPoolStatsJSON()
		if err != nil {
			nethttp.Error(w, err.Error(), nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	mux.HandleFunc("/upstreams", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if a.balancer == nil {
			nethttp.NotFound(w, r)
			return
		}
		writeUpstreams(w, a.balancer.Candidates())
	})
	return mux
}

// Server returns the reactor server
func (a *App) Server() *core.Server { return a.server }

// Balancer returns the proxy load balancer, nil in server mode
func (a *App) Balancer() *balancer.LoadBalancer { return a.balancer }

// Metrics returns the metrics collectors
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// AdminAddr returns the bound admin address, empty when disabled
func (a *App) AdminAddr() string {
	if a.adminLn == nil {
		return ""
	}
	return a.adminLn.Addr().String()
}

// Run serves until SIGINT, SIGQUIT or SIGTERM arrives
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()
	return a.Serve(ctx)
}

// Serve runs the server and admin endpoint until ctx is done or the server
// fails, then shuts both down and waits for the net threads.
func (a *App) Serve(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		return err
	}
	a.logger.Info("fast-reactor started",
		slog.String("mode", a.cfg.Mode),
		slog.String("env", a.cfg.Env),
		slog.Int("port", a.server.Port()),
		slog.Int("net_threads", a.cfg.NetThreadCnt),
		slog.Int("workers", a.cfg.WorkerThreadCnt))

	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return a.server.Wait()
	})

	if a.admin != nil {
		g.Go(func() error {
			a.logger.Info("admin endpoint listening", slog.String("addr", a.AdminAddr()))
			if err := a.admin.Serve(a.adminLn); !errors.Is(err, nethttp.ErrServerClosed) {
				return fmt.Errorf("admin: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
		case <-done:
		}
		a.server.Stop()
		if a.admin != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.admin.Shutdown(sctx); err != nil {
				a.logger.Warn("admin shutdown", slog.Any("error", err))
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		a.logger.Error("fast-reactor stopped", slog.Any("error", err))
		return err
	}
	a.logger.Info("fast-reactor stopped")
	return nil
}

// NewLogger builds a structured logger writing to stdout. Unknown levels
// fall back to info, unknown formats to text.
func NewLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
