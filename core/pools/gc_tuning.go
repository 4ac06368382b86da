package pools

import (
	"runtime/debug"
)

// GCConfig holds GC tuning parameters
type GCConfig struct {
	// GOGC sets the garbage collection target percentage.
	// 0 keeps the runtime setting.
	GOGC int

	// MemoryLimit sets the soft memory limit in bytes.
	// 0 = no limit
	MemoryLimit int64
}

// DefaultGCConfig returns the settings used by the server: connection
// buffers are pooled, so a higher GOGC trades memory for fewer cycles.
func DefaultGCConfig() GCConfig {
	return GCConfig{GOGC: 200}
}

// ApplyGCConfig applies cfg and returns the previous settings so callers
// can restore them.
func ApplyGCConfig(cfg GCConfig) GCConfig {
	var prev GCConfig
	if cfg.GOGC > 0 {
		prev.GOGC = debug.SetGCPercent(cfg.GOGC)
	}
	if cfg.MemoryLimit > 0 {
		prev.MemoryLimit = debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}
