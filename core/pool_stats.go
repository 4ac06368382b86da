package core

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/searchktools/fast-reactor/core/pools"
)

// PoolStats represents statistics for the server threads and pools
type PoolStats struct {
	Threads  []ThreadStats `json:"threads"`
	BytePool BytePoolStats `json:"byte_pool"`
}

type ThreadStats struct {
	ID          int              `json:"id"`
	Connections int              `json:"connections"`
	Workers     *WorkerPoolStats `json:"workers,omitempty"`
}

type WorkerPoolStats struct {
	Workers    int    `json:"workers"`
	Submitted  uint64 `json:"submitted"`
	Rejected   uint64 `json:"rejected"`
	Completed  uint64 `json:"completed"`
	Pending    uint64 `json:"pending"`
	Overloaded uint64 `json:"overloaded"`
	Panics     uint64 `json:"panics"`
}

type BytePoolStats struct {
	Gets    uint64  `json:"gets"`
	Puts    uint64  `json:"puts"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// GetPoolStats returns statistics for all threads and memory pools
func (s *Server) GetPoolStats() PoolStats {
	stats := PoolStats{Threads: make([]ThreadStats, 0, len(s.threads))}

	for _, t := range s.threads {
		ts := ThreadStats{
			ID:          t.id,
			Connections: t.manager.Len(),
		}
		if t.workers != nil {
			ws := t.workers.Stats()
			ts.Workers = &WorkerPoolStats{
				Workers:    ws.NumWorkers,
				Submitted:  ws.TasksSubmitted,
				Rejected:   ws.TasksRejected,
				Completed:  ws.TasksCompleted,
				Pending:    ws.TasksPending,
				Overloaded: ws.Overloaded,
				Panics:     ws.Panics,
			}
		}
		stats.Threads = append(stats.Threads, ts)
	}

	bs := pools.GlobalBytePoolStats()
	stats.BytePool = BytePoolStats{
		Gets:   bs.Gets,
		Puts:   bs.Puts,
		Misses: bs.Misses,
	}
	if bs.Gets > 0 {
		stats.BytePool.HitRate = float64(bs.Gets-bs.Misses) / float64(bs.Gets)
	}

	return stats
}

// PrintPoolStats prints pool statistics in a human-readable format
func (s *Server) PrintPoolStats() {
	stats := s.GetPoolStats()

	fmt.Println("\n📊 Server Statistics:")
	fmt.Println("═══════════════════════════════════════")
	for _, t := range stats.Threads {
		fmt.Printf("\n🧵 Thread %d: %d connections\n", t.ID, t.Connections)
		if w := t.Workers; w != nil {
			fmt.Printf("   Workers: %d alive, %d pending\n", w.Workers, w.Pending)
			fmt.Printf("   Tasks:   %d submitted, %d completed, %d rejected\n", w.Submitted, w.Completed, w.Rejected)
			fmt.Printf("   Busy:    %d overloaded, %d panics\n", w.Overloaded, w.Panics)
		}
	}

	fmt.Println("\n📦 Byte Pool:")
	fmt.Printf("   Gets:     %d\n", stats.BytePool.Gets)
	fmt.Printf("   Puts:     %d\n", stats.BytePool.Puts)
	fmt.Printf("   Hit Rate: %.2f%%\n", stats.BytePool.HitRate*100)
	fmt.Println("═══════════════════════════════════════")
}

// GetPoolStatsJSON returns pool statistics as JSON
func (s *Server) GetPoolStatsJSON() ([]byte, error) {
	return json.MarshalIndent(s.GetPoolStats(), "", "  ")
}
