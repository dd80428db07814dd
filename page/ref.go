package page

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ID is a stable identity assigned to a Ref at allocation time. Source
// repos of this family identity-hash the mutable reference object
// itself as a map key; this module instead stamps a monotonic id so
// that {id -> container} maps have language-neutral, copy-safe key
// semantics (spec.md §9 design notes, "Identity hashing of mutable
// references").
type ID uint64

var idSeq atomic.Uint64

// NextID allocates a fresh, process-unique reference identity.
func NextID() ID {
	return ID(idSeq.Add(1))
}

// Key is a page's logical identity within its tree (spec.md §3,
// "Page key"). For key-value leaves this is the record key shifted
// right by log2(RecordsPerLeaf); for indirect pages it is the
// indirection-trie offset path; for everything else it is a small
// fixed constant (e.g. the single revision-root page key).
type Key int64

// Ref is the universal edge in the page graph (spec.md §3, §4.A). It
// carries an optional disk key (absolute offset of a serialized page),
// an optional log key (dense index into the active TIL's entries
// array), an optional swizzled in-memory page, a hash, an ordered
// sequence of fragment disk keys, and the resource/database
// identifiers.
//
// A Ref is mutated in place by the single writer; readers treat it as
// monotonically progressing (a nil disk key becoming non-nil never
// reverts). All fields that a concurrent reader may observe while the
// writer is active are accessed through atomics.
type Ref struct {
	ID ID

	PageKey Key

	// diskKey is the absolute byte offset of a serialized page, or -1
	// if the page has never been written. Written at most once per
	// physical page (spec.md invariant 2: COW, never mutated in place).
	diskKey atomic.Int64

	// logKey is the dense index into the active TIL's entries array,
	// or -1 if the reference is not currently staged in the TIL.
	logKey atomic.Int64

	// generation is the TIL generation under which logKey is valid
	// (spec.md §3 invariant 4 / §4.C).
	generation atomic.Uint64

	// swizzled caches the in-memory Page instance. Never a source of
	// truth (spec.md §3: "The swizzled page is a cache, never a source
	// of truth").
	swizzled atomic.Pointer[pageBox]

	Hash atomic.Uint64

	// Fragments lists the disk keys of older versions of this logical
	// page, ordered by revision descending (spec.md §3, §4.E). Mutated
	// only by the single writer, so a plain slice protected by the
	// writer's own serialization is sufficient; readers snapshot it via
	// FragmentsSnapshot.
	Fragments []int64

	ResourceID uuid.UUID
	DatabaseID uuid.UUID
}

// pageBox lets us store a possibly-nil Page behind an atomic.Pointer
// (atomic.Pointer[Page] can't distinguish "no box" from "box holding a
// nil interface" without this wrapper, since Page is an interface).
type pageBox struct {
	p Page
}

// NewRef allocates a fresh reference with no disk key and no log key.
func NewRef(key Key, resourceID, databaseID uuid.UUID) *Ref {
	r := &Ref{
		ID:         NextID(),
		PageKey:    key,
		ResourceID: resourceID,
		DatabaseID: databaseID,
	}
	r.diskKey.Store(-1)
	r.logKey.Store(-1)
	return r
}

// HasDiskKey reports whether this reference has ever been written.
func (r *Ref) HasDiskKey() bool { return r.diskKey.Load() >= 0 }

// DiskKey returns the absolute disk offset, or (-1, false) if unset.
func (r *Ref) DiskKey() (int64, bool) {
	v := r.diskKey.Load()
	return v, v >= 0
}

// SetDiskKey stamps the disk offset. Per spec.md §3, a nil disk key
// becoming non-nil never reverts; callers (the commit pipeline and the
// background worker's offset-backfill step) are the only writers of
// this field and never overwrite an already-set key with a different
// value for the same physical page (COW invariant 2).
func (r *Ref) SetDiskKey(offset int64) { r.diskKey.Store(offset) }

// LogKey returns the log key and the generation it was stamped under.
func (r *Ref) LogKey() (logKey int64, generation uint64, ok bool) {
	lk := r.logKey.Load()
	return lk, r.generation.Load(), lk >= 0
}

// SetLogKey stamps a new log key under the given generation (called by
// txlog.Log.Put when the reference is staged into the active TIL).
func (r *Ref) SetLogKey(logKey int64, generation uint64) {
	r.logKey.Store(logKey)
	r.generation.Store(generation)
}

// ClearLogKey detaches the reference from the TIL without touching its
// generation stamp (used when a rotation leaves the reference behind).
func (r *Ref) ClearLogKey() { r.logKey.Store(-1) }

// Generation returns the generation under which LogKey is valid.
func (r *Ref) Generation() uint64 { return r.generation.Load() }

// Swizzled returns the cached in-memory page, or nil if none is cached
// or the cached page has been closed underneath the reference.
func (r *Ref) Swizzled() Page {
	box := r.swizzled.Load()
	if box == nil || box.p == nil {
		return nil
	}
	if box.p.IsClosed() {
		r.swizzled.CompareAndSwap(box, nil)
		return nil
	}
	return box.p
}

// SetSwizzled installs (or clears, with p == nil) the swizzled page
// cache entry.
func (r *Ref) SetSwizzled(p Page) {
	if p == nil {
		r.swizzled.Store(nil)
		return
	}
	r.swizzled.Store(&pageBox{p: p})
}

// FragmentsSnapshot returns a copy of the fragment disk-key list,
// safe to read after releasing whatever lock guarded the writer's
// mutation of Fragments.
func (r *Ref) FragmentsSnapshot() []int64 {
	out := make([]int64, len(r.Fragments))
	copy(out, r.Fragments)
	return out
}

// PushFragment prepends a new fragment disk key, keeping the revision-
// descending order spec.md §4.E requires ("The list is sorted by
// revision descending").
func (r *Ref) PushFragment(diskKey int64) {
	r.Fragments = append([]int64{diskKey}, r.Fragments...)
}

// PushFragmentBeforeLeafWrite records the reference's current disk
// offset as a fragment immediately before the commit pipeline
// overwrites it with a freshly written leaf page's offset (spec.md
// §4.E "Fragment combining": a per-revision delta chain of a leaf
// page's older versions). Indirect and other non-leaf page kinds
// fully supersede their prior disk contents on every write and need no
// fragment history, so this is a no-op for them.
func (r *Ref) PushFragmentBeforeLeafWrite(p Page) {
	if _, ok := p.(*LeafPage); !ok {
		return
	}
	if prev, ok := r.DiskKey(); ok {
		r.PushFragment(prev)
	}
}
