// Package txlog implements the transaction intent log (TIL): the
// single-writer, append-only staging area of pages modified by the
// active writer (spec.md §3, §4.C).
package txlog

import (
	"sync"
	"sync/atomic"

	"github.com/pageframe/storecore/page"
)

// Container pairs the logical state as of the parent revision
// (Complete) with the in-progress new page (Modified). Both may point
// to the same instance when a page is newly created (spec.md §3 "Page
// container").
type Container struct {
	Complete page.Page
	Modified page.Page
}

// SameInstance reports whether Complete and Modified are the same
// underlying page (the "newly created page" case of spec.md §3,
// modeled per the design notes as an explicit enum collapsed here to a
// pointer-identity check since Go page.Page values wrapping pointers
// compare by identity).
func (c Container) SameInstance() bool { return c.Complete == c.Modified }

// Log is the transaction intent log: a dense array of containers
// indexed by log key, plus an identity-keyed map from page reference
// to container (spec.md §4.C). It is single-writer: callers must
// serialize Put/Get/Rotate/Clear themselves (the write transaction
// holds the resource's commit-adjacent lock for the whole of a write).
type Log struct {
	generation atomic.Uint64

	mu      sync.Mutex
	entries []Container
	byRef   map[*page.Ref]int64 // identity map: reference -> log key
}

// New creates an empty TIL at generation 0.
func New() *Log {
	return &Log{byRef: make(map[*page.Ref]int64)}
}

// CurrentGeneration returns the log's current generation counter.
func (l *Log) CurrentGeneration() uint64 { return l.generation.Load() }

// Put assigns a dense log key to ref if none, appends container to the
// entries array at that index, and records (ref -> container) in the
// identity map. Stamps ref.generation with the current generation
// (spec.md §4.C).
func (l *Log) Put(ref *page.Ref, c Container) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	gen := l.generation.Load()
	if lk, existingGen, ok := ref.LogKey(); ok && existingGen == gen {
		l.entries[lk] = c
		return lk
	}

	logKey := int64(len(l.entries))
	l.entries = append(l.entries, c)
	l.byRef[ref] = logKey
	ref.SetLogKey(logKey, gen)
	return logKey
}

// Get performs the O(1) identity-map lookup.
func (l *Log) Get(ref *page.Ref) (Container, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.byRef[ref]
	if !ok {
		return Container{}, false
	}
	return l.entries[lk], true
}

// GetUnchecked directly indexes the entries array. The caller must
// have already verified the reference's generation matches
// CurrentGeneration (spec.md §4.C invariant).
func (l *Log) GetUnchecked(logKey int64) Container {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[logKey]
}

// Size returns the number of staged containers.
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// All returns a snapshot of every (ref, container) pair currently
// staged, for a caller that needs to walk the TIL without rotating it
// (the synchronous commit pipeline's pre-serialization and
// depth-first write steps, spec.md §4.G).
func (l *Log) All() map[*page.Ref]Container {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[*page.Ref]Container, len(l.byRef))
	for ref, idx := range l.byRef {
		out[ref] = l.entries[idx]
	}
	return out
}

// RotationResult is the frozen, exclusive-ownership output of Rotate:
// the prior generation's entries, its size, and its identity map,
// handed to the commit snapshot (spec.md §4.C, §4.H).
type RotationResult struct {
	Entries        []Container
	Size           int
	RefToContainer map[*page.Ref]int64
	Generation     uint64
}

// Rotate increments the generation, returns the frozen prior
// generation's arrays, and resets the log to empty. Subsequent Puts
// populate the new generation (spec.md §4.C).
func (l *Log) Rotate() RotationResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := RotationResult{
		Entries:        l.entries,
		Size:           len(l.entries),
		RefToContainer: l.byRef,
		Generation:     l.generation.Load(),
	}

	l.generation.Add(1)
	l.entries = nil
	l.byRef = make(map[*page.Ref]int64)

	return result
}

// Clear closes every page in every container and drops all entries
// (spec.md §4.C, used by rollback).
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range l.entries {
		closePageOnce(c.Complete)
		if !c.SameInstance() {
			closePageOnce(c.Modified)
		}
	}
	l.entries = nil
	l.byRef = make(map[*page.Ref]int64)
}

func closePageOnce(p page.Page) {
	if p == nil {
		return
	}
	_ = p.Close()
}
