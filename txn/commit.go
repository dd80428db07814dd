package txn

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/storage"
	"github.com/pageframe/storecore/txlog"
)

// parallelSerializeThreshold is the container count above which
// pre-serialization of modified leaf pages runs on a worker pool
// instead of sequentially (spec.md §4.G step 4: "Below a small
// threshold (≈4 containers), run sequential; above, parallel").
const parallelSerializeThreshold = 4

// AsyncCommitWorker hands a rotated TIL generation off for background
// writing so the writer can keep accepting inserts (spec.md §4.H).
// Implemented by package snapshot; txn depends only on this interface
// so the dependency runs one way (snapshot -> txn, not txn -> snapshot).
type AsyncCommitWorker interface {
	// Submit starts writing snap in the background. It must not block
	// beyond handing the snapshot to its own goroutine.
	Submit(snap *CommitSnapshot) error
	// WaitPending blocks until any previously submitted snapshot has
	// finished writing (spec.md §4.H "Bounded interleaving").
	WaitPending() error
}

// CommitSnapshot is the frozen, exclusive-ownership handoff from a
// rotating write transaction to the background commit worker (spec.md
// §4.H "Snapshot construction"). Every field here is either immutable
// after construction or (LogKeyToDiskOffset, CommitComplete) written
// only by the worker, per spec.md §5's ordering guarantee.
type CommitSnapshot struct {
	Rotation   txlog.RotationResult
	RevRoot    *page.RevisionRootPage
	Uber       *page.UberPage
	UberRef    *page.Ref
	Message    string
	Timestamp  time.Time
	ResourceID uuid.UUID
	DatabaseID uuid.UUID

	// FrozenLogKeys captures every reference's log key as of snapshot
	// construction, since the writer may re-stamp ref.logKey by
	// re-adding it to the new TIL before the worker finishes (spec.md
	// §4.H: "a frozen copy of every original reference's log key at
	// snapshot time").
	FrozenLogKeys map[*page.Ref]int64

	mu                 sync.Mutex
	logKeyToDiskOffset []int64
	commitComplete     atomicBool
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (b *atomicBool) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *atomicBool) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

// NewCommitSnapshot builds the handoff object from a just-rotated TIL.
func NewCommitSnapshot(rotation txlog.RotationResult, revRoot *page.RevisionRootPage, uber *page.UberPage, uberRef *page.Ref, message string, timestamp time.Time, resourceID, databaseID uuid.UUID) *CommitSnapshot {
	frozen := make(map[*page.Ref]int64, len(rotation.RefToContainer))
	for ref, logKey := range rotation.RefToContainer {
		frozen[ref] = logKey
	}
	return &CommitSnapshot{
		Rotation:      rotation,
		RevRoot:       revRoot,
		Uber:          uber,
		UberRef:       uberRef,
		Message:       message,
		Timestamp:     timestamp,
		ResourceID:    resourceID,
		DatabaseID:    databaseID,
		FrozenLogKeys: frozen,

		logKeyToDiskOffset: initOffsets(rotation.Size),
	}
}

func initOffsets(n int) []int64 {
	offs := make([]int64, n)
	for i := range offs {
		offs[i] = -1
	}
	return offs
}

// RecordDiskOffset is called by the worker as it writes each page
// (spec.md §4.H worker step 4).
func (s *CommitSnapshot) RecordDiskOffset(logKey int64, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logKeyToDiskOffset[logKey] = offset
}

// DiskOffset returns the disk offset recorded for a frozen log key, if
// the worker has written it yet.
func (s *CommitSnapshot) DiskOffset(logKey int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.logKeyToDiskOffset[logKey]
	return off, off >= 0
}

// MarkComplete publishes commitComplete with release semantics (a
// mutex-guarded bool stands in for the spec's volatile flag, matching
// Go's own documented happens-before guarantee for mutex unlock/lock).
func (s *CommitSnapshot) MarkComplete() { s.commitComplete.set(true) }

// IsComplete reads commitComplete with acquire semantics.
func (s *CommitSnapshot) IsComplete() bool { return s.commitComplete.get() }

// Generation is the TIL generation this snapshot was rotated out of.
func (s *CommitSnapshot) Generation() uint64 { return s.Rotation.Generation }

// ForgetWritten drops ref from the snapshot's identity map once the
// background worker has durably written it, so a reader resolves it
// from the buffer cache / disk from then on instead of this snapshot
// (spec.md §4.H "remove background-written entries ... so subsequent
// synchronous commits do not re-write them").
func (s *CommitSnapshot) ForgetWritten(ref *page.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Rotation.RefToContainer, ref)
}

// Lookup implements SnapshotLookup for a ReadTrx consulting a pending
// snapshot layer (spec.md §4.E step 3, §4.H "Writer's layered lookup
// during async commit"): identity lookup first, then the frozen log
// key with a generation guard.
func (s *CommitSnapshot) Lookup(ref *page.Ref) (page.Page, bool, error) {
	if logKey, ok := s.Rotation.RefToContainer[ref]; ok {
		return s.Rotation.Entries[logKey].Modified, true, nil
	}

	frozenKey, ok := s.FrozenLogKeys[ref]
	if !ok {
		return nil, false, nil
	}
	_, gen, hasLogKey := ref.LogKey()
	if hasLogKey && gen > s.Generation() {
		// Promoted: the writer re-added this ref to the new TIL. The
		// snapshot entry is stale.
		return nil, false, nil
	}
	if s.IsComplete() {
		if offset, ok := s.DiskOffset(frozenKey); ok && !ref.HasDiskKey() {
			ref.SetDiskKey(offset)
		}
		return nil, false, nil
	}
	return s.Rotation.Entries[frozenKey].Modified, true, nil
}

// commit runs the synchronous commit pipeline of spec.md §4.G.
func (wtx *WriteTrx) commit(message string, timestamp time.Time, isAutoCommitting bool) error {
	wtx.commitLock.Lock()
	defer wtx.commitLock.Unlock()

	if err := storage.ArmSentinel(wtx.resourceDir); err != nil {
		return err
	}

	wtx.revRoot.User = wtx.user
	wtx.revRoot.Message = message
	wtx.revRoot.Timestamp = timestamp

	all := wtx.log.All()
	precomputed := wtx.preSerialize(all)

	if err := wtx.writePageGraphSync(all, precomputed); err != nil {
		return err
	}

	if err := wtx.Engine.ForceAll(); err != nil {
		return err
	}

	wtx.releaseCurrentGuard()
	wtx.log.Clear()
	wtx.mu.Lock()
	wtx.prepared = make(map[preparedKey]*page.Ref)
	wtx.preparedKeys = nil
	wtx.committed = true
	wtx.mu.Unlock()

	if err := storage.DisarmSentinel(wtx.resourceDir); err != nil {
		return err
	}
	return nil
}

// preSerialize pre-encodes every modified leaf page's bytes ahead of
// the depth-first write, sequentially below the threshold and
// concurrently above it (spec.md §4.G step 4).
func (wtx *WriteTrx) preSerialize(all map[*page.Ref]txlog.Container) map[*page.Ref][]byte {
	type job struct {
		ref *page.Ref
		p   page.Page
	}
	var jobs []job
	for ref, c := range all {
		if _, ok := c.Modified.(*page.LeafPage); ok {
			jobs = append(jobs, job{ref: ref, p: c.Modified})
		}
	}

	out := make(map[*page.Ref][]byte, len(jobs))
	if len(jobs) < parallelSerializeThreshold {
		for _, j := range jobs {
			if b, err := wtx.Engine.EncodePage(j.p); err == nil {
				out[j.ref] = b
			}
		}
		return out
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			b, err := wtx.Engine.EncodePage(j.p)
			if err != nil {
				return
			}
			mu.Lock()
			out[j.ref] = b
			mu.Unlock()
		}(j)
	}
	wg.Wait()
	return out
}

// writePageGraphSync depth-first writes every page reachable from the
// uber reference, writing children before parents and the uber page
// last (spec.md §4.G step 6).
func (wtx *WriteTrx) writePageGraphSync(all map[*page.Ref]txlog.Container, precomputed map[*page.Ref][]byte) error {
	visited := make(map[*page.Ref]bool)
	for _, ref := range wtx.revRoot.IndexRoots {
		if ref == nil {
			continue
		}
		if err := wtx.writeRefRecursive(ref, all, precomputed, visited); err != nil {
			return err
		}
	}

	rootRef := page.NewRef(page.Key(wtx.revision), wtx.resourceID, wtx.databaseID)
	if err := wtx.Engine.Write(rootRef, wtx.revRoot); err != nil {
		return err
	}

	newUber := page.NewUberPage()
	newUber.Revision = wtx.revision
	newUber.RevisionRootRef = rootRef
	if err := wtx.Engine.WriteUberPageReference(wtx.uberRef, newUber); err != nil {
		return err
	}
	wtx.uber = newUber
	return nil
}

func (wtx *WriteTrx) writeRefRecursive(ref *page.Ref, all map[*page.Ref]txlog.Container, precomputed map[*page.Ref][]byte, visited map[*page.Ref]bool) error {
	if visited[ref] {
		return nil
	}
	visited[ref] = true

	c, ok := all[ref]
	if !ok {
		return nil // unmodified this transaction: already durable
	}

	if ip, ok := c.Modified.(*page.IndirectPage); ok {
		for _, child := range ip.Children() {
			if child == nil {
				continue
			}
			if err := wtx.writeRefRecursive(child, all, precomputed, visited); err != nil {
				return err
			}
		}
	}
	if hip, ok := c.Modified.(*page.HOTIndirectPage); ok {
		for _, child := range hip.Children {
			if child.Ref == nil {
				continue
			}
			if err := wtx.writeRefRecursive(child.Ref, all, precomputed, visited); err != nil {
				return err
			}
		}
	}

	ref.PushFragmentBeforeLeafWrite(c.Modified)

	if payload, ok := precomputed[ref]; ok {
		if err := wtx.Engine.WriteEncoded(ref, c.Modified.Kind(), c.Modified.PageKey(), c.Modified.Revision(), payload); err != nil {
			return err
		}
	} else if err := wtx.Engine.Write(ref, c.Modified); err != nil {
		return err
	}

	closePageOnce(c.Complete)
	if c.Complete != c.Modified {
		closePageOnce(c.Modified)
	}
	return nil
}

func closePageOnce(p page.Page) {
	if p == nil {
		return
	}
	_ = p.Close()
}

// commitAsync runs the async commit path: rotate the TIL, build a
// CommitSnapshot, hand it to worker, and return once the snapshot is
// submitted rather than once it is durable (spec.md §4.G step 7,
// §4.H). Bounded interleaving: a prior pending snapshot must finish
// before this one rotates.
func (wtx *WriteTrx) commitAsync(message string, timestamp time.Time, worker AsyncCommitWorker) error {
	wtx.commitLock.Lock()
	defer wtx.commitLock.Unlock()

	if err := worker.WaitPending(); err != nil {
		return err
	}

	if err := storage.ArmSentinel(wtx.resourceDir); err != nil {
		return err
	}
	wtx.revRoot.User = wtx.user
	wtx.revRoot.Message = message
	wtx.revRoot.Timestamp = timestamp

	snapshotRoot := wtx.revRoot.Clone(wtx.revision)
	rotation := wtx.log.Rotate()
	snap := NewCommitSnapshot(rotation, snapshotRoot, wtx.uber, wtx.uberRef, message, timestamp, wtx.resourceID, wtx.databaseID)
	wtx.snapshot = snap

	if err := worker.Submit(snap); err != nil {
		return err
	}

	// The writer keeps accepting inserts for the next revision while
	// the snapshot above is written in the background (spec.md §4.H:
	// "the writer must continue accepting inserts while the previous
	// batch is being written"). Its own revision root is cloned forward
	// independently of the snapshot's deep copy.
	wtx.ReadTrx.mu.Lock()
	priorRevision := wtx.revision
	wtx.revision++
	wtx.revRoot = wtx.revRoot.Clone(wtx.revision)
	wtx.ReadTrx.mu.Unlock()
	wtx.Buffer.Epoch.Acquire(wtx.revision)
	wtx.Buffer.Epoch.Release(priorRevision)

	// The sentinel stays armed past this call: for the async path the
	// uber page is not written until the background worker finishes
	// (spec.md §4.H), so only the worker's own completion path may
	// disarm it (AsyncCommitWorker.Submit's contract, package snapshot).
	return nil
}
