package core

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/searchktools/fast-reactor/core/socket"
)

// ServerConfig configures a Server
type ServerConfig struct {
	IP            string
	Port          int
	Threads       int
	ListenBacklog int
	Thread        ThreadConfig
}

// Server owns the listening socket and a fixed set of NetThreads. Thread 0
// accepts and shards new connections over all threads.
type Server struct {
	cfg      ServerConfig
	listener int
	port     int
	threads  []*NetThread

	group     *errgroup.Group
	started   atomic.Bool
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewServer binds the listening socket and builds the threads. Failing
// to bind is fatal to startup.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.ListenBacklog <= 0 {
		cfg.ListenBacklog = DefaultListenBacklog
	}
	if cfg.Thread.Logger == nil {
		cfg.Thread.Logger = slog.Default()
	}

	lfd, err := socket.Listen(cfg.IP, cfg.Port, cfg.ListenBacklog)
	if err != nil {
		return nil, fmt.Errorf("listen %s:%d: %w", cfg.IP, cfg.Port, err)
	}
	port, err := socket.LocalPort(lfd)
	if err != nil {
		socket.Close(lfd)
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		listener: lfd,
		port:     port,
		logger:   cfg.Thread.Logger,
	}
	for i := 0; i < cfg.Threads; i++ {
		t, err := NewNetThread(i, cfg.Thread)
		if err != nil {
			s.abort()
			return nil, err
		}
		s.threads = append(s.threads, t)
	}
	if err := s.threads[0].listen(lfd, s.threads); err != nil {
		s.abort()
		return nil, err
	}
	return s, nil
}

// abort releases everything when construction fails half way
func (s *Server) abort() {
	for _, t := range s.threads {
		t.shutdown()
	}
	socket.Close(s.listener)
}

// Port returns the bound port, useful when listening on port 0
func (s *Server) Port() int { return s.port }

// Threads returns the net threads, thread 0 first
func (s *Server) Threads() []*NetThread { return s.threads }

// Start runs every thread in its own goroutine
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}
	s.group = new(errgroup.Group)
	for _, t := range s.threads {
		s.group.Go(func() error {
			err := t.Run()
			if err != nil {
				s.logger.Error("net thread failed", slog.Int("thread", t.ID()), slog.Any("error", err))
				s.Stop()
			}
			return err
		})
	}
	s.logger.Info("server listening",
		slog.String("ip", s.cfg.IP), slog.Int("port", s.port), slog.Int("threads", len(s.threads)))
	return nil
}

// Stop signals every thread to exit. It does not wait; see Wait.
func (s *Server) Stop() {
	for _, t := range s.threads {
		t.Stop()
	}
}

// Wait blocks until every thread has exited and closes the listener. A
// thread failing stops the others.
func (s *Server) Wait() error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	err := s.group.Wait()
	s.closeOnce.Do(func() {
		socket.Close(s.listener)
	})
	if err != nil {
		return err
	}
	s.logger.Info("server stopped", slog.Int("port", s.port))
	return nil
}

// Serve starts the server and blocks until it stops
func (s *Server) Serve() error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Wait()
}
