// Package txn implements the page read/write transactions and the
// commit pipeline of spec.md §4.E, §4.F, §4.G: the layered reference
// lookup, record-level operations, and the depth-first commit walk.
package txn

import (
	"fmt"
	"sync"

	"github.com/pageframe/storecore/buffer"
	"github.com/pageframe/storecore/common"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/storage"
	"github.com/pageframe/storecore/txlog"
)

// recentKey identifies one "most-recently-read leaf slot" cursor slot
// (spec.md §4.E: "one per index type / index number").
type recentKey struct {
	indexType   page.IndexType
	indexNumber int
}

// SnapshotLookup is the pending-commit-snapshot layer of the layered
// lookup (spec.md §4.E step 3, detailed in §4.H). A ReadTrx with a nil
// SnapshotLookup simply skips this layer, which is always the case
// outside an active asynchronous commit.
type SnapshotLookup interface {
	Lookup(ref *page.Ref) (page.Page, bool, error)
}

// ReadTrx is a transaction pinned to one revision (spec.md §4.E). It is
// safe for the single goroutine that owns it; concurrent readers each
// construct their own ReadTrx.
type ReadTrx struct {
	mu sync.Mutex

	Buffer *buffer.Manager
	Engine *storage.Engine
	Config common.ResourceConfig

	revision uint64
	revRoot  *page.RevisionRootPage

	// log is the active write transaction's TIL, non-nil only for the
	// ReadTrx embedded in a WriteTrx (spec.md §4.E layer 2).
	log *txlog.Log

	// snapshot is set for the duration of an in-flight asynchronous
	// commit (spec.md §4.E layer 3, §4.H).
	snapshot SnapshotLookup

	recent map[recentKey]*page.Ref

	curGuard page.Page
	closed   bool
}

// NewReadTrx pins revision and loads its revision root page.
func NewReadTrx(buf *buffer.Manager, engine *storage.Engine, cfg common.ResourceConfig, revision uint64, uber *page.UberPage) (*ReadTrx, error) {
	rtx := &ReadTrx{
		Buffer:   buf,
		Engine:   engine,
		Config:   cfg,
		revision: revision,
		recent:   make(map[recentKey]*page.Ref),
	}
	buf.Epoch.Acquire(revision)

	if uber == nil || uber.RevisionRootRef == nil {
		rtx.revRoot = page.NewRevisionRootPage(revision)
		return rtx, nil
	}

	root, err := rtx.loadRevRoot(uber.RevisionRootRef)
	if err != nil {
		buf.Epoch.Release(revision)
		return nil, err
	}
	rtx.revRoot = root
	return rtx, nil
}

// Revision returns the pinned revision number.
func (rtx *ReadTrx) Revision() uint64 { return rtx.revision }

// RevisionRoot returns the revision root this transaction is bound to.
func (rtx *ReadTrx) RevisionRoot() *page.RevisionRootPage { return rtx.revRoot }

func (rtx *ReadTrx) loadRevRoot(ref *page.Ref) (*page.RevisionRootPage, error) {
	p, err := rtx.loadIndirectOrRoot(ref, page.KindRevisionRoot)
	if err != nil {
		return nil, err
	}
	root, ok := p.(*page.RevisionRootPage)
	if !ok {
		return nil, fmt.Errorf("txn: page at revision root reference is %T, not a revision root", p)
	}
	return root, nil
}

// Load implements trie.Loader: the indirection trie writer's only
// collaborator for resolving a reference it has not itself staged.
func (rtx *ReadTrx) Load(ref *page.Ref) (page.Page, error) {
	return rtx.loadIndirectOrRoot(ref, page.KindIndirect)
}

// LoadHOT implements hottrie.Loader. Unlike Load, the stored kind
// under a HOT sub-tree reference may be either KindHOTIndirect or
// KindHOTLeaf, so no expected kind is asserted (0 skips Engine.Read's
// kind check, see storage/engine.go readAt).
func (rtx *ReadTrx) LoadHOT(ref *page.Ref) (page.Page, error) {
	return rtx.loadIndirectOrRoot(ref, 0)
}

// loadIndirectOrRoot performs the layered lookup of spec.md §4.E for
// non-leaf pages (indirect pages and the revision root), which this
// core never fragment-combines: swizzled cache, active TIL, pending
// snapshot, buffer page cache, then physical disk read.
func (rtx *ReadTrx) loadIndirectOrRoot(ref *page.Ref, kind page.Kind) (page.Page, error) {
	if p := ref.Swizzled(); p != nil {
		if p.AcquireGuard() {
			return p, nil
		}
	}

	if rtx.log != nil {
		if logKey, gen, ok := ref.LogKey(); ok && gen == rtx.log.CurrentGeneration() {
			c := rtx.log.GetUnchecked(logKey)
			return c.Modified, nil
		}
	}

	if rtx.snapshot != nil {
		if p, ok, err := rtx.snapshot.Lookup(ref); err != nil {
			return nil, err
		} else if ok {
			return p, nil
		}
	}

	if cached, ok := rtx.Buffer.PageCache.GetAndGuard(ref.ID); ok {
		return cached, nil
	}

	offset, ok := ref.DiskKey()
	if !ok {
		return nil, common.ErrPageNotFound
	}
	loaded, err := rtx.Engine.Read(ref, kind)
	if err != nil {
		return nil, err
	}
	installed, _ := rtx.Buffer.PageCache.PutIfAbsent(ref.ID, loaded, loaded.Revision())
	if installed != loaded {
		_ = loaded.Close() // lost the install race; the winner stays cached
	}
	got, ok := rtx.Buffer.PageCache.GetAndGuard(ref.ID)
	if !ok {
		return nil, fmt.Errorf("%w: disk offset %d", common.ErrFrameReused, offset)
	}
	ref.SetSwizzled(got)
	return got, nil
}

// loadLeafCombined performs the layered lookup plus fragment combining
// of spec.md §4.E for a key-value leaf reference.
func (rtx *ReadTrx) loadLeafCombined(ref *page.Ref) (*page.LeafPage, error) {
	if p := ref.Swizzled(); p != nil {
		if leaf, ok := p.(*page.LeafPage); ok && p.AcquireGuard() {
			return leaf, nil
		}
	}

	if rtx.log != nil {
		if logKey, gen, ok := ref.LogKey(); ok && gen == rtx.log.CurrentGeneration() {
			c := rtx.log.GetUnchecked(logKey)
			if leaf, ok := c.Modified.(*page.LeafPage); ok {
				return leaf, nil
			}
		}
	}

	if rtx.snapshot != nil {
		if p, ok, err := rtx.snapshot.Lookup(ref); err != nil {
			return nil, err
		} else if ok {
			if leaf, ok := p.(*page.LeafPage); ok {
				return leaf, nil
			}
		}
	}

	if cached, ok := rtx.Buffer.RecordPageCache.GetAndGuard(ref.ID); ok {
		if leaf, ok := cached.(*page.LeafPage); ok {
			return leaf, nil
		}
	}

	newestOffset, ok := ref.DiskKey()
	if !ok {
		return nil, common.ErrPageNotFound
	}

	allOffsets := append([]int64{newestOffset}, ref.FragmentsSnapshot()...)
	n := boundFragmentCount(rtx.Config.VersioningType, rtx.Config.MaxNumberOfRevisionsToRestore, len(allOffsets))
	offsets := allOffsets[:n]

	fragments := make([]*page.LeafPage, 0, len(offsets))
	for _, off := range offsets {
		frag, err := rtx.loadFragment(off)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, frag)
	}
	defer func() {
		for _, f := range fragments {
			f.ReleaseGuard()
		}
	}()

	combined := combineLeafFragments(fragments, ref.PageKey, rtx.revision)

	installed, _ := rtx.Buffer.RecordPageCache.PutIfAbsent(ref.ID, combined, rtx.revision)
	if installed != page.Page(combined) {
		_ = combined.Close()
	}
	got, ok := rtx.Buffer.RecordPageCache.GetAndGuard(ref.ID)
	if !ok {
		return nil, fmt.Errorf("%w: combined leaf for ref %d", common.ErrFrameReused, ref.ID)
	}
	ref.SetSwizzled(got)
	return got.(*page.LeafPage), nil
}

func (rtx *ReadTrx) loadFragment(offset int64) (*page.LeafPage, error) {
	if cached, ok := rtx.Buffer.RecordPageFragmentCache.GetAndGuard(offset); ok {
		if leaf, ok := cached.(*page.LeafPage); ok {
			return leaf, nil
		}
	}
	p, err := rtx.Engine.ReadOffset(offset, page.KindKeyValueLeaf)
	if err != nil {
		return nil, err
	}
	installed, _ := rtx.Buffer.RecordPageFragmentCache.PutIfAbsent(offset, p, p.Revision())
	if installed != p {
		_ = p.Close()
	}
	got, ok := rtx.Buffer.RecordPageFragmentCache.GetAndGuard(offset)
	if !ok {
		return nil, fmt.Errorf("%w: fragment at %d", common.ErrFrameReused, offset)
	}
	return got.(*page.LeafPage), nil
}

// GetRecord resolves a record by key within an index sub-tree,
// consulting the recently-read leaf-slot cursor first (spec.md §4.E).
func (rtx *ReadTrx) GetRecord(recordKey int64, indexType page.IndexType, indexNumber int) (*page.Record, error) {
	leaf, offset, err := rtx.resolveLeafSlot(recordKey, indexType, indexNumber)
	if err != nil {
		return nil, err
	}
	rec, ok := leaf.GetRecord(offset)
	if !ok || rec.Deleted {
		return nil, nil
	}
	return rec, nil
}

// GetValue returns a record by its in-page offset on an already
// resolved leaf page (spec.md §4.E "getValue(leafPage, nodeKey)").
func (rtx *ReadTrx) GetValue(leaf *page.LeafPage, offset uint16) (*page.Record, error) {
	rec, ok := leaf.GetRecord(offset)
	if !ok || rec.Deleted {
		return nil, nil
	}
	return rec, nil
}

// GetKeyedRecord resolves an entry by its variable-length key within a
// HOT secondary index sub-tree (spec.md §4.I), descending read-only
// exactly as hottrie.Writer.Lookup does but without needing a Writer
// (no transaction holds record-level guards across HOT entries the way
// it does for the fragment-combined leaf cache, since entries are
// never versioned by fragment chain).
func (rtx *ReadTrx) GetKeyedRecord(key []byte, indexType page.IndexType) (*page.HOTEntry, error) {
	rtx.mu.Lock()
	root, ok := rtx.revRoot.IndexRoots[indexType]
	rtx.mu.Unlock()
	if !ok || root == nil {
		return nil, nil
	}

	cur := root
	for cur != nil {
		p, err := rtx.loadIndirectOrRoot(cur, 0)
		if err != nil {
			return nil, err
		}
		if leaf, ok := p.(*page.HOTLeafPage); ok {
			entry, ok := leaf.Get(key)
			if !ok {
				return nil, nil
			}
			return entry, nil
		}
		node, ok := p.(*page.HOTIndirectPage)
		if !ok {
			return nil, fmt.Errorf("txn: unexpected page kind %v in keyed trie", p.Kind())
		}
		child, _ := node.Lookup(key)
		cur = child
	}
	return nil, nil
}

func (rtx *ReadTrx) resolveLeafSlot(recordKey int64, indexType page.IndexType, indexNumber int) (*page.LeafPage, uint16, error) {
	rtx.mu.Lock()
	root, ok := rtx.revRoot.IndexRoots[indexType]
	rtx.mu.Unlock()
	if !ok || root == nil {
		return nil, 0, common.ErrPageNotFound
	}

	pageKey := page.Key(recordKey / page.RecordsPerLeaf)
	offset := uint16(recordKey % page.RecordsPerLeaf)

	rtx.mu.Lock()
	level := rtx.revRoot.MaxLevels[indexType]
	rtx.mu.Unlock()

	leafRef, err := rtx.descendToLeaf(root, pageKey, level)
	if err != nil {
		return nil, 0, err
	}
	if leafRef == nil {
		return nil, 0, common.ErrPageNotFound
	}

	leaf, err := rtx.loadLeafCombined(leafRef)
	if err != nil {
		return nil, 0, err
	}

	key := recentKey{indexType: indexType, indexNumber: indexNumber}
	rtx.mu.Lock()
	rtx.recent[key] = leafRef
	rtx.mu.Unlock()

	rtx.releaseCurrentGuard()
	rtx.curGuard = leaf
	return leaf, offset, nil
}

// descendToLeaf is the read-only counterpart of package trie's COW
// descent: it never mutates a page, it only follows child references.
func (rtx *ReadTrx) descendToLeaf(root *page.Ref, pageKey page.Key, level int) (*page.Ref, error) {
	cur := root
	for level >= 1 {
		p, err := rtx.loadIndirectOrRoot(cur, page.KindIndirect)
		if err != nil {
			return nil, err
		}
		ip, ok := p.(*page.IndirectPage)
		if !ok {
			return nil, fmt.Errorf("txn: expected indirect page during descent, got %T", p)
		}
		shift := uint(level-1) * page.IndirectFanoutBits
		offset := int((int64(pageKey) >> shift) & offsetMaskTxn)
		child := ip.Child(offset)
		p.ReleaseGuard()
		if child == nil {
			return nil, nil
		}
		if level == 1 {
			return child, nil
		}
		cur = child
		level--
	}
	return cur, nil
}

const offsetMaskTxn = int64(1<<page.IndirectFanoutBits) - 1

func (rtx *ReadTrx) releaseCurrentGuard() {
	if rtx.curGuard != nil {
		rtx.curGuard.ReleaseGuard()
		rtx.curGuard = nil
	}
}

// Close releases the current guard and the revision's epoch ticket.
func (rtx *ReadTrx) Close() error {
	rtx.mu.Lock()
	defer rtx.mu.Unlock()
	if rtx.closed {
		return nil
	}
	rtx.releaseCurrentGuard()
	rtx.Buffer.Epoch.Release(rtx.revision)
	rtx.closed = true
	return nil
}

func (rtx *ReadTrx) IsClosed() bool {
	rtx.mu.Lock()
	defer rtx.mu.Unlock()
	return rtx.closed
}
