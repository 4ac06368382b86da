package core

import (
	"errors"
	"time"
)

// Defaults applied to zero ThreadConfig/ServerConfig fields
const (
	DefaultWaitInterval   = 100 * time.Millisecond
	DefaultSweepInterval  = time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultConnectTimeout = 3 * time.Second
	DefaultListenBacklog  = 1024
	DefaultBacklog        = 1024
)

// Error definitions
var (
	ErrServerStarted = errors.New("core: server already started")
	ErrNotStarted    = errors.New("core: server not started")
	ErrNoHandler     = errors.New("core: no handler or dispatcher configured")
)
