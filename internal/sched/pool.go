package sched

import (
	"fmt"
	"sync"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// Pool is the process-wide thread table keyed by ThreadHandle (§4.3 Global
// state: "protected by a spinlock; all thread objects live here"). Go has
// no spinlock primitive in the standard library; a sync.Mutex plays the
// same role here, matching how the teacher guards its shared maps
// (internal/hv/address_space.go).
type Pool struct {
	mu      sync.Mutex
	next    uint64
	threads map[ThreadHandle]*Thread
}

// NewPool returns an empty thread pool.
func NewPool() *Pool {
	return &Pool{threads: make(map[ThreadHandle]*Thread)}
}

// Create allocates a handle, builds a Thread and registers it in the pool.
func (p *Pool) Create(name string, pr Priority) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	t := NewThread(ThreadHandle(p.next), name, pr)
	p.threads[t.Handle] = t
	return t
}

// Lookup resolves a handle to its thread, or nil if it has been dropped.
func (p *Pool) Lookup(h ThreadHandle) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads[h]
}

// Drop removes a thread from the pool, called once retire observes the
// Zombie bit (§4.3 Retire).
func (p *Pool) Drop(h ThreadHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threads, h)
}

// Len reports the number of live threads, for tests and statistics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// Snapshot returns every currently-registered thread, for the statistics
// thread's per-thread load sweep.
func (p *Pool) Snapshot() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// runQueue is a bounded FIFO of runnable thread handles (§4.3 Global state:
// "Two system-wide run queues ... bounded at 512 entries each").
type runQueue struct {
	mu    sync.Mutex
	items []ThreadHandle
	cap   int
}

const runQueueCapacity = 512

func newRunQueue() *runQueue {
	return &runQueue{cap: runQueueCapacity}
}

// push appends h, failing if the queue is already at capacity.
func (q *runQueue) push(h ThreadHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		return fmt.Errorf("sched: run queue: %w: %d entries", kerr.ErrOutOfMemory, q.cap)
	}
	q.items = append(q.items, h)
	return nil
}

// pop removes and returns the head of the queue, or (0, false) if empty.
func (q *runQueue) pop() (ThreadHandle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	h := q.items[0]
	q.items = q.items[1:]
	return h, true
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
