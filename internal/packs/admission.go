package packs

import (
	"context"
	"sync"

	"github.com/T21C/tuf-backend-sub004/internal/metrics"
)

// Governor enforces a global in-flight size budget. Requests that do not
// fit wait in strict FIFO order; there is no reordering for better
// packing — fairness is preferred over utilization.
type Governor struct {
	mu      sync.Mutex
	ceiling int64
	active  map[string]int64 // cacheKey -> estimated size
	queue   []*waiter
}

type waiter struct {
	cacheKey string
	size     int64
	ready    chan struct{}
}

// Ticket is proof of admission, passed back to Release.
type Ticket struct {
	cacheKey string
	// coalesced tickets reserved no budget and release none.
	coalesced bool
}

// NewGovernor creates a Governor with the given budget ceiling.
func NewGovernor(ceiling int64) *Governor {
	return &Governor{
		ceiling: ceiling,
		active:  make(map[string]int64),
	}
}

// Acquire blocks until the request is admitted. A cacheKey that is
// already active is admitted immediately without reserving extra budget:
// the caller will ride on the in-flight job's result.
func (g *Governor) Acquire(ctx context.Context, cacheKey string, size int64) (Ticket, error) {
	g.mu.Lock()

	if _, dup := g.active[cacheKey]; dup {
		g.mu.Unlock()
		return Ticket{cacheKey: cacheKey, coalesced: true}, nil
	}

	if g.fitsLocked(size) {
		g.active[cacheKey] = size
		g.publishLocked()
		g.mu.Unlock()
		return Ticket{cacheKey: cacheKey}, nil
	}

	w := &waiter{cacheKey: cacheKey, size: size, ready: make(chan struct{})}
	g.queue = append(g.queue, w)
	g.publishLocked()
	g.mu.Unlock()

	select {
	case <-w.ready:
		return Ticket{cacheKey: cacheKey}, nil
	case <-ctx.Done():
		g.abandon(w)
		return Ticket{}, ctx.Err()
	}
}

// Release returns a job's budget and admits queued waiters head-to-tail,
// stopping at the first one that does not fit.
func (g *Governor) Release(t Ticket) {
	if t.coalesced {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.active, t.cacheKey)
	g.admitLocked()
	g.publishLocked()
}

// InUse returns the sum of admitted estimated sizes.
func (g *Governor) InUse() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUseLocked()
}

// QueueDepth returns the number of waiting requests.
func (g *Governor) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

func (g *Governor) inUseLocked() int64 {
	var sum int64
	for _, size := range g.active {
		sum += size
	}
	return sum
}

// fitsLocked reports whether a request fits under the ceiling. A request
// larger than the whole budget is allowed to run alone — otherwise it
// could never be admitted and would stall the queue behind it forever.
func (g *Governor) fitsLocked(size int64) bool {
	if len(g.active) == 0 {
		return true
	}
	return g.inUseLocked()+size <= g.ceiling
}

func (g *Governor) admitLocked() {
	for len(g.queue) > 0 {
		head := g.queue[0]
		if !g.fitsLocked(head.size) {
			return
		}
		if _, dup := g.active[head.cacheKey]; !dup {
			g.active[head.cacheKey] = head.size
		}
		g.queue = g.queue[1:]
		close(head.ready)
	}
}

// abandon removes a waiter whose caller gave up before admission. If the
// waiter was admitted concurrently, its budget is returned.
func (g *Governor) abandon(w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, queued := range g.queue {
		if queued == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			g.publishLocked()
			return
		}
	}

	// Already admitted: give the budget back.
	delete(g.active, w.cacheKey)
	g.admitLocked()
	g.publishLocked()
}

func (g *Governor) publishLocked() {
	metrics.SetActiveBudget(g.inUseLocked())
	metrics.SetQueueDepth(len(g.queue))
}
