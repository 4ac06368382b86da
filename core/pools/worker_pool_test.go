package pools

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type job struct {
	id     int
	result string
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Test timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerPool_Basic(t *testing.T) {
	var counter atomic.Int64
	var wakes atomic.Int64
	pool := NewWorkerPool(WorkerConfig[*job]{
		Workers: 4,
		Backlog: 128,
		Handle: func(j *job) {
			counter.Add(1)
			j.result = "ok"
		},
		Wake: func() { wakes.Add(1) },
	})
	pool.Start()
	defer pool.Close()

	// Submit 100 tasks
	for i := 0; i < 100; i++ {
		if err := pool.Submit(&job{id: i}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	var results []*job
	waitFor(t, func() bool {
		pool.Drain(func(j *job) { results = append(results, j) })
		return len(results) == 100
	})

	if counter.Load() != 100 {
		t.Errorf("Expected 100 tasks completed, got %d", counter.Load())
	}
	for _, j := range results {
		if j.result != "ok" {
			t.Fatalf("Job %d returned without result", j.id)
		}
	}
	if wakes.Load() < 100 {
		t.Errorf("Expected a wake per result, got %d", wakes.Load())
	}
	if stats := pool.Stats(); stats.TasksCompleted != 100 || stats.NumWorkers != 4 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestWorkerPool_FullyLoaded(t *testing.T) {
	pool := NewWorkerPool(WorkerConfig[*job]{
		Workers: 1,
		Backlog: 4,
		Handle:  func(*job) {},
	})
	defer pool.Close()

	for i := 0; i < 4; i++ {
		if pool.FullyLoaded() {
			t.Fatalf("Queue reported fully loaded at %d/4", i)
		}
		if err := pool.Submit(&job{id: i}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	if !pool.FullyLoaded() {
		t.Error("Queue at capacity not reported fully loaded")
	}
	if err := pool.Submit(&job{id: 4}); !errors.Is(err, ErrFullyLoaded) {
		t.Errorf("Expected ErrFullyLoaded, got %v", err)
	}
	if pool.Stats().TasksRejected != 1 {
		t.Errorf("Expected one rejected task, got %d", pool.Stats().TasksRejected)
	}
}

// TestWorkerPool_Overload fills the queue to 90% before any worker runs.
// The item being handled still counts toward the load.
func TestWorkerPool_Overload(t *testing.T) {
	var order []string
	pool := NewWorkerPool(WorkerConfig[*job]{
		Workers:  1,
		Backlog:  10,
		Handle:   func(j *job) { j.result = "normal" },
		Overload: func(j *job) { j.result = "busy" },
	})

	for i := 0; i < 9; i++ {
		pool.Submit(&job{id: i})
	}
	if !pool.Overloaded() {
		t.Fatal("Queue at 90% not reported overloaded")
	}

	pool.Start()
	pool.Close()

	pool.Drain(func(j *job) { order = append(order, j.result) })
	if len(order) != 9 {
		t.Fatalf("Expected 9 results, got %d", len(order))
	}
	if order[0] != "busy" {
		t.Errorf("Expected the first item to get the busy handler, got %s", order[0])
	}
	if order[8] != "normal" {
		t.Errorf("Expected the last item to get the normal handler, got %s", order[8])
	}
	if n := pool.Stats().Overloaded; n != 1 {
		t.Errorf("Expected exactly one busy reply, got %d", n)
	}
}

func TestWorkerPool_DrainOnClose(t *testing.T) {
	pool := NewWorkerPool(WorkerConfig[*job]{
		Workers: 2,
		Backlog: 50,
		Handle:  func(*job) { time.Sleep(time.Millisecond) },
	})
	pool.Start()

	for i := 0; i < 50; i++ {
		pool.Submit(&job{id: i})
	}
	pool.Close()

	if n := pool.Drain(func(*job) {}); n != 50 {
		t.Errorf("Expected all 50 queued items handled before Close returned, got %d", n)
	}
	if err := pool.Submit(&job{}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	if pool.Stats().NumWorkers != 0 {
		t.Errorf("Workers still alive after Close: %d", pool.Stats().NumWorkers)
	}
}

func TestWorkerPool_PanicIsolation(t *testing.T) {
	pool := NewWorkerPool(WorkerConfig[*job]{
		Workers: 2,
		Backlog: 16,
		Handle: func(j *job) {
			if j.id == 0 {
				panic("boom")
			}
		},
	})
	pool.Start()

	for i := 0; i < 10; i++ {
		pool.Submit(&job{id: i})
	}

	handled := 0
	waitFor(t, func() bool {
		handled += pool.Drain(func(*job) {})
		return handled == 9
	})
	pool.Close()

	stats := pool.Stats()
	if stats.Panics != 1 {
		t.Errorf("Expected one panic, got %d", stats.Panics)
	}
}

func TestWorkerPool_PushAbortsOnDone(t *testing.T) {
	done := make(chan struct{})
	pool := NewWorkerPool(WorkerConfig[*job]{
		Workers:     1,
		Backlog:     4,
		SendBacklog: 1,
		Handle:      func(*job) {},
		Done:        done,
	})
	pool.Start()

	for i := 0; i < 3; i++ {
		pool.Submit(&job{id: i})
	}
	// Nobody drains results; closing done must release the worker.
	time.Sleep(50 * time.Millisecond)
	close(done)

	closed := make(chan struct{})
	go func() {
		pool.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on an undrained result queue")
	}
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(WorkerConfig[int]{
		Workers: 8,
		Backlog: 4096,
		Handle:  func(int) {},
	})
	pool.Start()
	defer pool.Close()

	go func() {
		for {
			if pool.Drain(func(int) {}) == 0 {
				time.Sleep(time.Millisecond)
			}
			if pool.Stats().TasksCompleted >= uint64(b.N) {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for pool.Submit(i) != nil {
			time.Sleep(time.Microsecond)
		}
	}
}
