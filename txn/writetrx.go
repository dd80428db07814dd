package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/buffer"
	"github.com/pageframe/storecore/common"
	"github.com/pageframe/storecore/hottrie"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/storage"
	"github.com/pageframe/storecore/trie"
	"github.com/pageframe/storecore/txlog"
)

// preparedKey identifies one entry of the bounded recently-prepared
// container cache consulted by prepareRecordPage (spec.md §4.F step 1).
type preparedKey struct {
	indexType page.IndexType
	pageKey   page.Key
}

const preparedCacheCapacity = 8

// WriteTrx is the single-writer transaction of spec.md §4.F. It
// inherits the reader by composition (embedding *ReadTrx) so record
// reads during a write see the writer's own uncommitted TIL entries.
type WriteTrx struct {
	*ReadTrx

	mu sync.Mutex

	resourceDir string
	resourceID  uuid.UUID
	databaseID  uuid.UUID

	log     *txlog.Log
	trie    *trie.Writer
	hotTrie *hottrie.Writer
	uber    *page.UberPage
	uberRef *page.Ref
	user    string

	commitLock *sync.Mutex // per-resource, shared across WriteTrx instances over time

	prepared     map[preparedKey]*page.Ref
	preparedKeys []preparedKey

	rolledBack bool
	committed  bool
}

// NewWriteTrx constructs a write transaction bound to the revision
// that will become revision+1 once committed.
func NewWriteTrx(resourceDir string, buf *ReadTrxDeps, uber *page.UberPage, uberRef *page.Ref, parentRoot *page.RevisionRootPage, commitLock *sync.Mutex) (*WriteTrx, error) {
	nextRevision := uber.Revision + 1

	rtx := &ReadTrx{
		Buffer:   buf.Buffer,
		Engine:   buf.Engine,
		Config:   buf.Config,
		revision: nextRevision,
		recent:   make(map[recentKey]*page.Ref),
	}
	buf.Buffer.Epoch.Acquire(nextRevision)
	rtx.revRoot = parentRoot.Clone(nextRevision)

	l := txlog.New()
	rtx.log = l

	wtx := &WriteTrx{
		ReadTrx:     rtx,
		resourceDir: resourceDir,
		resourceID:  buf.ResourceID,
		databaseID:  buf.DatabaseID,
		log:         l,
		uber:        uber,
		uberRef:     uberRef,
		commitLock:  commitLock,
		prepared:    make(map[preparedKey]*page.Ref),
	}
	wtx.trie = &trie.Writer{
		Log:        l,
		Loader:     rtx,
		ResourceID: buf.ResourceID,
		DatabaseID: buf.DatabaseID,
	}
	wtx.hotTrie = &hottrie.Writer{
		Log:        l,
		Loader:     hotLoader{rtx},
		ResourceID: buf.ResourceID,
		DatabaseID: buf.DatabaseID,
	}
	return wtx, nil
}

// hotLoader adapts ReadTrx.LoadHOT to hottrie.Loader: both trie.Loader
// and hottrie.Loader are named Load, so ReadTrx cannot implement both
// with different kind-check behavior directly (spec.md §4.E's layered
// lookup needs a different expected-kind argument per trie).
type hotLoader struct{ rtx *ReadTrx }

func (h hotLoader) Load(ref *page.Ref) (page.Page, error) { return h.rtx.LoadHOT(ref) }

// ReadTrxDeps bundles the shared collaborators a resource hands to
// every new read or write transaction.
type ReadTrxDeps struct {
	Buffer     *buffer.Manager
	Engine     *storage.Engine
	Config     common.ResourceConfig
	ResourceID uuid.UUID
	DatabaseID uuid.UUID
}

// prepareRecordPage resolves the (complete, modified) container for
// the leaf page addressing pageKey within an index sub-tree, per the
// four-step policy of spec.md §4.F.
func (wtx *WriteTrx) prepareRecordPage(pageKey page.Key, indexType page.IndexType) (txlog.Container, error) {
	pk := preparedKey{indexType: indexType, pageKey: pageKey}
	wtx.mu.Lock()
	if ref, ok := wtx.prepared[pk]; ok {
		wtx.mu.Unlock()
		if c, ok := wtx.log.Get(ref); ok {
			return c, nil
		}
	} else {
		wtx.mu.Unlock()
	}

	root := wtx.revRoot.IndexRoots[indexType]
	maxLevel := wtx.revRoot.MaxLevels[indexType]

	leafRef, err := wtx.trie.PrepareLeafRef(&root, &maxLevel, pageKey, wtx.revision)
	if err != nil {
		return txlog.Container{}, err
	}
	wtx.revRoot.IndexRoots[indexType] = root
	wtx.revRoot.MaxLevels[indexType] = maxLevel

	if c, ok := wtx.log.Get(leafRef); ok {
		wtx.rememberPrepared(pk, leafRef)
		return c, nil
	}

	if !leafRef.HasDiskKey() {
		pending := false
		if wtx.snapshot != nil {
			_, ok, err := wtx.snapshot.Lookup(leafRef)
			if err != nil {
				return txlog.Container{}, err
			}
			pending = ok
		}
		// A leaf ref with no disk key is only genuinely unwritten when no
		// pending async commit still holds its data (spec.md §4.H: the
		// worker may not have reached this ref's page yet, even though a
		// prior revision already wrote real records into it).
		if !pending {
			fresh := page.NewLeafPage(pageKey, wtx.revision)
			c := txlog.Container{Complete: fresh, Modified: fresh}
			wtx.log.Put(leafRef, c)
			wtx.rememberPrepared(pk, leafRef)
			return c, nil
		}
	}

	complete, err := wtx.loadLeafCombined(leafRef)
	if err != nil {
		return txlog.Container{}, err
	}
	modified := complete.Clone(wtx.revision)
	c := txlog.Container{Complete: complete, Modified: modified}
	wtx.log.Put(leafRef, c)
	wtx.rememberPrepared(pk, leafRef)
	return c, nil
}

func (wtx *WriteTrx) rememberPrepared(pk preparedKey, ref *page.Ref) {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if _, ok := wtx.prepared[pk]; !ok {
		if len(wtx.preparedKeys) >= preparedCacheCapacity {
			oldest := wtx.preparedKeys[0]
			wtx.preparedKeys = wtx.preparedKeys[1:]
			delete(wtx.prepared, oldest)
		}
		wtx.preparedKeys = append(wtx.preparedKeys, pk)
	}
	wtx.prepared[pk] = ref
}

func slotFor(recordKey int64) (page.Key, uint16) {
	return page.Key(recordKey / page.RecordsPerLeaf), uint16(recordKey % page.RecordsPerLeaf)
}

// PrepareRecordForModification resolves the containing leaf page and
// copies the record from complete into modified if not already present
// there (spec.md §4.F).
func (wtx *WriteTrx) PrepareRecordForModification(recordKey int64, indexType page.IndexType, indexNumber int) (*page.Record, error) {
	pageKey, offset := slotFor(recordKey)
	c, err := wtx.prepareRecordPage(pageKey, indexType)
	if err != nil {
		return nil, err
	}
	modified := c.Modified.(*page.LeafPage)

	if rec, ok := modified.GetRecord(offset); ok && !rec.Deleted {
		return rec, nil
	}

	complete := c.Complete.(*page.LeafPage)
	rec, ok := complete.GetRecord(offset)
	if !ok || rec.Deleted {
		return nil, common.ErrPageNotFound
	}
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	if err := modified.SetRecord(offset, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// CreateRecord increments the per-index max-node-key counter and
// installs a new record (spec.md §4.F).
func (wtx *WriteTrx) CreateRecord(payload []byte, indexType page.IndexType, indexNumber int) (int64, error) {
	wtx.mu.Lock()
	recordKey := wtx.revRoot.NextNodeKey(indexType)
	wtx.mu.Unlock()

	pageKey, offset := slotFor(recordKey)
	c, err := wtx.prepareRecordPage(pageKey, indexType)
	if err != nil {
		return 0, err
	}
	modified := c.Modified.(*page.LeafPage)
	rec := &page.Record{NodeKey: recordKey, IndexType: indexType, IndexNumber: indexNumber, Payload: payload}
	if err := modified.SetRecord(offset, rec); err != nil {
		if err == page.ErrLeafFull {
			return 0, fmt.Errorf("txn: %w: leaf page for key %d has no room (compaction not yet attempted)", common.ErrUnsplittablePage, pageKey)
		}
		return 0, err
	}
	return recordKey, nil
}

// RemoveRecord tombstones a record on both overlays so either surfaces
// deletion once combined (spec.md §4.F).
func (wtx *WriteTrx) RemoveRecord(recordKey int64, indexType page.IndexType) error {
	pageKey, offset := slotFor(recordKey)
	c, err := wtx.prepareRecordPage(pageKey, indexType)
	if err != nil {
		return err
	}
	c.Modified.(*page.LeafPage).DeleteRecord(offset)
	if c.Complete != c.Modified {
		c.Complete.(*page.LeafPage).DeleteRecord(offset)
	}
	return nil
}

// SetUser records the committer identity package resource layers into
// the revision root at commit time (spec.md §6: revision root
// "commit credentials").
func (wtx *WriteTrx) SetUser(user string) { wtx.user = user }

// UberState returns the transaction's current uber page and its
// reference, used by package resource to fold a completed commit back
// into its own cached state.
func (wtx *WriteTrx) UberState() (*page.UberPage, *page.Ref) {
	return wtx.uber, wtx.uberRef
}

// CreateKeyedRecord installs payload under key in the given secondary
// index's HOT trie (spec.md §4.I: PATH, CAS, and NAME indexes are
// addressed by variable-length key rather than by integer node key),
// allocating a fresh node key from the same per-index counter the
// primary indirection tries use.
func (wtx *WriteTrx) CreateKeyedRecord(key []byte, payload []byte, indexType page.IndexType) (int64, error) {
	wtx.mu.Lock()
	nodeKey := wtx.revRoot.NextNodeKey(indexType)
	root := wtx.revRoot.IndexRoots[indexType]
	wtx.mu.Unlock()

	entry := page.HOTEntry{
		KeySuffix: append([]byte(nil), key...),
		NodeKey:   nodeKey,
		Payload:   payload,
	}
	if err := wtx.hotTrie.Insert(&root, key, entry, wtx.revision); err != nil {
		return 0, err
	}

	wtx.mu.Lock()
	wtx.revRoot.IndexRoots[indexType] = root
	wtx.mu.Unlock()
	return nodeKey, nil
}

// RemoveKeyedRecord tombstones the entry for key in indexType's HOT
// trie. Returns false if no live entry exists for key.
func (wtx *WriteTrx) RemoveKeyedRecord(key []byte, indexType page.IndexType) (bool, error) {
	wtx.mu.Lock()
	root := wtx.revRoot.IndexRoots[indexType]
	wtx.mu.Unlock()
	return wtx.hotTrie.Delete(root, key, wtx.revision)
}

// Rollback releases all guards, clears the TIL, and drops this
// transaction's container caches (spec.md §4.F).
func (wtx *WriteTrx) Rollback() error {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.rolledBack || wtx.committed {
		return common.ErrAlreadyClosed
	}
	wtx.releaseCurrentGuard()
	wtx.log.Clear()
	wtx.prepared = make(map[preparedKey]*page.Ref)
	wtx.preparedKeys = nil
	wtx.Buffer.Epoch.Release(wtx.revision)
	wtx.rolledBack = true
	return nil
}

// Commit runs the commit pipeline (spec.md §4.G), synchronously.
func (wtx *WriteTrx) Commit(message string, timestamp time.Time) error {
	wtx.mu.Lock()
	closed := wtx.rolledBack || wtx.committed
	wtx.mu.Unlock()
	if closed {
		return common.ErrAlreadyClosed
	}
	return wtx.commit(message, timestamp, false)
}

// CommitAuto runs the commit pipeline with isAutoCommitting = true,
// handing the rotated TIL to a background worker instead of blocking
// on fsync (spec.md §4.G step 7, §4.H).
func (wtx *WriteTrx) CommitAuto(message string, timestamp time.Time, worker AsyncCommitWorker) error {
	return wtx.commitAsync(message, timestamp, worker)
}
