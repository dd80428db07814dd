// Package buffer implements the segregated page/record-page/fragment
// caches with clock-sweep, guard-counted eviction described in
// spec.md §4.B.
package buffer

import "sync"

// EpochTracker registers active revision "tickets" held by readers so
// the eviction sweep can prefer pages whose revision is older than any
// live reader over the plain clock-sweep order (spec.md §4.B:
// "pages whose revision is older than any live epoch are preferred for
// eviction (MVCC-aware)").
type EpochTracker struct {
	mu     sync.Mutex
	active map[uint64]int // revision -> live reader count
}

// NewEpochTracker creates an empty tracker.
func NewEpochTracker() *EpochTracker {
	return &EpochTracker{active: make(map[uint64]int)}
}

// Acquire registers a new live ticket for the given revision (called
// on a PageReadTrx's construction, spec.md §5 "R is pinned on the
// reader's construction via an epoch ticket").
func (e *EpochTracker) Acquire(revision uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[revision]++
}

// Release drops a live ticket for the given revision.
func (e *EpochTracker) Release(revision uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[revision] <= 1 {
		delete(e.active, revision)
		return
	}
	e.active[revision]--
}

// MinLiveRevision returns the oldest revision with a live ticket, or
// ^uint64(0) (the maximum value) if no reader is active, meaning no
// page is MVCC-preferred for eviction.
func (e *EpochTracker) MinLiveRevision() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	min := ^uint64(0)
	for rev := range e.active {
		if rev < min {
			min = rev
		}
	}
	return min
}
