package page

import "sync/atomic"

// Page is the common surface of every tagged page variant (spec.md
// §3). It exposes kind-specific accessors via type assertion from
// callers that already know which kind they asked for (the
// indirection trie, the leaf combiner, the HOT trie), mirroring the
// teacher's own *Page (btree) concrete-type access pattern rather than
// a deep accessor interface.
type Page interface {
	Kind() Kind
	PageKey() Key
	Revision() uint64

	// AcquireGuard pins the page so it cannot be evicted or closed.
	// Returns false if the page is already closed (the caller must
	// re-resolve the reference, typically surfacing ErrFrameReused).
	AcquireGuard() bool

	// ReleaseGuard releases one previously-acquired guard.
	ReleaseGuard()

	GuardCount() int32

	IsClosed() bool

	// Close is idempotent and returns any off-heap memory to the
	// allocator. If the page is still guarded, the close is deferred
	// until the last guard release (spec.md §3 "Lifecycle").
	Close() error
}

// guardedClosed packs a closed flag and a guard count into one atomic
// word so "acquire guard" and "is closed" can never observe a torn
// state (spec.md §9 design notes: "guard-counted pinning ... a CAS loop
// over (closed, count) packed into one word").
type guardedClosed struct {
	word atomic.Uint64 // bit63 = closed, low 63 bits = guard count
}

const closedBit = uint64(1) << 63

func packWord(closed bool, count int64) uint64 {
	w := uint64(count)
	if closed {
		w |= closedBit
	}
	return w
}

func unpackWord(w uint64) (closed bool, count int64) {
	return w&closedBit != 0, int64(w &^ closedBit)
}

// acquireGuard increments the guard count unless the page is already
// closed.
func (g *guardedClosed) acquireGuard() bool {
	for {
		old := g.word.Load()
		closed, count := unpackWord(old)
		if closed {
			return false
		}
		nw := packWord(false, count+1)
		if g.word.CompareAndSwap(old, nw) {
			return true
		}
	}
}

func (g *guardedClosed) releaseGuard() {
	for {
		old := g.word.Load()
		closed, count := unpackWord(old)
		if count == 0 {
			return
		}
		nw := packWord(closed, count-1)
		if g.word.CompareAndSwap(old, nw) {
			return
		}
	}
}

func (g *guardedClosed) guardCount() int32 {
	_, count := unpackWord(g.word.Load())
	return int32(count)
}

func (g *guardedClosed) isClosed() bool {
	closed, _ := unpackWord(g.word.Load())
	return closed
}

// tryClose transitions (unclosed, 0) -> (closed, 0). Returns false if
// the page is still guarded (close must be deferred to the last guard
// release) or already closed.
func (g *guardedClosed) tryClose() bool {
	for {
		old := g.word.Load()
		closed, count := unpackWord(old)
		if closed {
			return false
		}
		if count != 0 {
			return false
		}
		nw := packWord(true, 0)
		if g.word.CompareAndSwap(old, nw) {
			return true
		}
	}
}

// base is embedded by every concrete page kind to supply the guard/
// closed bookkeeping and the key/revision fields common to all kinds.
type base struct {
	kind     Kind
	key      Key
	revision uint64
	gc       guardedClosed

	// deferredClose is set by requestClose when Close() is called while
	// the page is still guarded; the ReleaseGuard that drops the guard
	// count to zero then closes the page. onFinalize runs exactly once.
	deferredClose atomic.Bool
	onFinalize    func()
}

func newBase(kind Kind, key Key, revision uint64) base {
	return base{kind: kind, key: key, revision: revision}
}

func (b *base) Kind() Kind        { return b.kind }
func (b *base) PageKey() Key      { return b.key }
func (b *base) Revision() uint64  { return b.revision }
func (b *base) GuardCount() int32 { return b.gc.guardCount() }
func (b *base) IsClosed() bool    { return b.gc.isClosed() }

func (b *base) AcquireGuard() bool { return b.gc.acquireGuard() }

func (b *base) ReleaseGuard() {
	b.gc.releaseGuard()
	if b.deferredClose.Load() && b.gc.guardCount() == 0 {
		if b.gc.tryClose() {
			b.finalize()
		}
	}
}

// requestClose attempts an immediate close; if the page is still
// guarded it instead arms the deferred-close flag so the last
// ReleaseGuard finalizes it (spec.md §3 "Lifecycle": "eligible for
// eviction only when guard-count is zero").
func (b *base) requestClose() error {
	if b.gc.tryClose() {
		b.finalize()
		return nil
	}
	if b.gc.isClosed() {
		return nil // already closed: idempotent
	}
	b.deferredClose.Store(true)
	return nil
}

func (b *base) finalize() {
	if b.onFinalize != nil {
		b.onFinalize()
	}
}
