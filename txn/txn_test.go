package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/buffer"
	"github.com/pageframe/storecore/common"
	"github.com/pageframe/storecore/hottrie"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/storage"
)

type testEnv struct {
	dir        string
	engine     *storage.Engine
	buf        *buffer.Manager
	deps       *ReadTrxDeps
	commitLock *sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	engine, err := storage.OpenEngine(dir, uuid.New(), uuid.New(), hottrie.Codec{})
	if err != nil {
		t.Fatalf("OpenEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	buf := buffer.NewManager(buffer.DefaultConfig())
	return &testEnv{
		dir:    dir,
		engine: engine,
		buf:    buf,
		deps: &ReadTrxDeps{
			Buffer:     buf,
			Engine:     engine,
			Config:     common.DefaultResourceConfig(),
			ResourceID: uuid.New(),
			DatabaseID: uuid.New(),
		},
		commitLock: &sync.Mutex{},
	}
}

func (env *testEnv) freshWriteTrx(t *testing.T) *WriteTrx {
	t.Helper()
	uber := page.NewUberPage()
	uberRef := page.NewRef(0, uuid.Nil, uuid.Nil)
	parentRoot := page.NewRevisionRootPage(0)
	wtx, err := NewWriteTrx(env.dir, env.deps, uber, uberRef, parentRoot, env.commitLock)
	if err != nil {
		t.Fatalf("NewWriteTrx: %v", err)
	}
	return wtx
}

func TestCreateRecordThenCommitThenReadBack(t *testing.T) {
	env := newTestEnv(t)
	wtx := env.freshWriteTrx(t)

	recordKey, err := wtx.CreateRecord([]byte("hello"), page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if recordKey != 1 {
		t.Fatalf("expected first record key to be 1, got %d", recordKey)
	}

	if err := wtx.Commit("first commit", time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := NewReadTrx(env.buf, env.engine, env.deps.Config, wtx.Revision(), wtx.uber)
	if err != nil {
		t.Fatalf("NewReadTrx: %v", err)
	}
	defer rtx.Close()

	rec, err := rtx.GetRecord(recordKey, page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec == nil || string(rec.Payload) != "hello" {
		t.Fatalf("expected payload %q, got %+v", "hello", rec)
	}
}

func TestPrepareRecordForModificationCopiesOnWrite(t *testing.T) {
	env := newTestEnv(t)
	wtx := env.freshWriteTrx(t)

	recordKey, err := wtx.CreateRecord([]byte("v1"), page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if err := wtx.Commit("v1", time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	uber1, uberRef1 := wtx.uber, wtx.uberRef
	parentRoot1 := wtx.revRoot

	wtx2, err := NewWriteTrx(env.dir, env.deps, uber1, uberRef1, parentRoot1, env.commitLock)
	if err != nil {
		t.Fatalf("NewWriteTrx (2): %v", err)
	}

	rec, err := wtx2.PrepareRecordForModification(recordKey, page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("PrepareRecordForModification: %v", err)
	}
	rec.Payload = []byte("v2")
	if err := wtx2.Commit("v2", time.Unix(1700000100, 0)); err != nil {
		t.Fatalf("Commit (2): %v", err)
	}

	rtxOld, err := NewReadTrx(env.buf, env.engine, env.deps.Config, 1, uber1)
	if err != nil {
		t.Fatalf("NewReadTrx (old revision): %v", err)
	}
	defer rtxOld.Close()
	oldRec, err := rtxOld.GetRecord(recordKey, page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("GetRecord (old): %v", err)
	}
	if oldRec == nil || string(oldRec.Payload) != "v1" {
		t.Fatalf("expected the prior revision to still read %q, got %+v", "v1", oldRec)
	}

	rtxNew, err := NewReadTrx(env.buf, env.engine, env.deps.Config, wtx2.Revision(), wtx2.uber)
	if err != nil {
		t.Fatalf("NewReadTrx (new revision): %v", err)
	}
	defer rtxNew.Close()
	newRec, err := rtxNew.GetRecord(recordKey, page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("GetRecord (new): %v", err)
	}
	if newRec == nil || string(newRec.Payload) != "v2" {
		t.Fatalf("expected the new revision to read %q, got %+v", "v2", newRec)
	}
}

func TestRemoveRecordTombstonesOnBothOverlays(t *testing.T) {
	env := newTestEnv(t)
	wtx := env.freshWriteTrx(t)

	recordKey, err := wtx.CreateRecord([]byte("gone-soon"), page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if err := wtx.RemoveRecord(recordKey, page.IndexDocument); err != nil {
		t.Fatalf("RemoveRecord: %v", err)
	}
	if err := wtx.Commit("create then remove", time.Unix(1700000200, 0)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := NewReadTrx(env.buf, env.engine, env.deps.Config, wtx.Revision(), wtx.uber)
	if err != nil {
		t.Fatalf("NewReadTrx: %v", err)
	}
	defer rtx.Close()

	rec, err := rtx.GetRecord(recordKey, page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected a tombstoned record to read back as nil, got %+v", rec)
	}
}

func TestRollbackDiscardsTheTIL(t *testing.T) {
	env := newTestEnv(t)
	wtx := env.freshWriteTrx(t)

	if _, err := wtx.CreateRecord([]byte("never committed"), page.IndexDocument, 0); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if err := wtx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := wtx.Rollback(); err == nil {
		t.Fatal("expected a second Rollback on an already-rolled-back transaction to error")
	}
	if err := wtx.Commit("too late", time.Unix(1700000300, 0)); err == nil {
		t.Fatal("expected Commit after Rollback to error")
	}
}

type fakeWorker struct {
	mu       sync.Mutex
	pending  *CommitSnapshot
	finished []*CommitSnapshot
}

func (w *fakeWorker) Submit(snap *CommitSnapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = snap
	snap.MarkComplete()
	w.finished = append(w.finished, snap)
	w.pending = nil
	return nil
}

func (w *fakeWorker) WaitPending() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return nil
}

func TestCommitAutoHandsOffToTheWorker(t *testing.T) {
	env := newTestEnv(t)
	wtx := env.freshWriteTrx(t)

	if _, err := wtx.CreateRecord([]byte("async"), page.IndexDocument, 0); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	worker := &fakeWorker{}
	if err := wtx.CommitAuto("async commit", time.Unix(1700000400, 0), worker); err != nil {
		t.Fatalf("CommitAuto: %v", err)
	}
	if len(worker.finished) != 1 {
		t.Fatalf("expected exactly one snapshot submitted to the worker, got %d", len(worker.finished))
	}
	if !worker.finished[0].IsComplete() {
		t.Fatal("expected the submitted snapshot to be marked complete")
	}
}

// blockingWorker simulates an async commit worker that has accepted a
// snapshot but not yet reached any of its pages, unlike fakeWorker
// (which completes synchronously) — used to exercise the race window
// spec.md §4.H describes between Submit and the worker actually
// writing a given leaf.
type blockingWorker struct {
	mu      sync.Mutex
	pending *CommitSnapshot
}

func (w *blockingWorker) Submit(snap *CommitSnapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = snap
	return nil
}

func (w *blockingWorker) WaitPending() error { return nil }

// TestPrepareRecordPageConsultsPendingSnapshotForFreshLeafCheck exercises
// spec.md §8's same-leaf-page race: a second insert into a leaf page
// key must not allocate a fresh, empty leaf just because the async
// worker hasn't stamped a disk key on it yet — the pending snapshot
// still holds the previous revision's records for that leaf.
func TestPrepareRecordPageConsultsPendingSnapshotForFreshLeafCheck(t *testing.T) {
	env := newTestEnv(t)
	wtx := env.freshWriteTrx(t)

	firstKey, err := wtx.CreateRecord([]byte("gen1-rec0"), page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("CreateRecord (first): %v", err)
	}

	worker := &blockingWorker{}
	if err := wtx.CommitAuto("async", time.Unix(1700000600, 0), worker); err != nil {
		t.Fatalf("CommitAuto: %v", err)
	}

	// worker never writes the leaf or marks the snapshot complete, so
	// its ref still has no disk key here — the same leaf page key is
	// touched again while the only durable-ish copy of its prior data
	// is the pending snapshot, not the disk.
	secondKey, err := wtx.CreateRecord([]byte("gen2-rec1"), page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("CreateRecord (second): %v", err)
	}
	if firstKey == secondKey {
		t.Fatalf("expected distinct record keys, got %d twice", firstKey)
	}

	rec, err := wtx.PrepareRecordForModification(firstKey, page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("PrepareRecordForModification: %v", err)
	}
	if string(rec.Payload) != "gen1-rec0" {
		t.Fatalf("expected the pending snapshot's record to survive the second create, got %+v", rec)
	}
}

func TestCreateKeyedRecordThenCommitThenReadBack(t *testing.T) {
	env := newTestEnv(t)
	wtx := env.freshWriteTrx(t)

	if _, err := wtx.CreateKeyedRecord([]byte("/db/doc.xml"), []byte("payload-a"), page.IndexPath); err != nil {
		t.Fatalf("CreateKeyedRecord: %v", err)
	}
	if _, err := wtx.CreateKeyedRecord([]byte("/db/other.xml"), []byte("payload-b"), page.IndexPath); err != nil {
		t.Fatalf("CreateKeyedRecord: %v", err)
	}

	if err := wtx.Commit("keyed commit", time.Unix(1700000500, 0)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := NewReadTrx(env.buf, env.engine, env.deps.Config, wtx.Revision(), wtx.uber)
	if err != nil {
		t.Fatalf("NewReadTrx: %v", err)
	}
	defer rtx.Close()

	entry, err := rtx.GetKeyedRecord([]byte("/db/doc.xml"), page.IndexPath)
	if err != nil {
		t.Fatalf("GetKeyedRecord: %v", err)
	}
	if entry == nil || string(entry.Payload) != "payload-a" {
		t.Fatalf("expected payload-a, got %+v", entry)
	}

	missing, err := rtx.GetKeyedRecord([]byte("/db/missing.xml"), page.IndexPath)
	if err != nil {
		t.Fatalf("GetKeyedRecord (missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for a key never inserted, got %+v", missing)
	}
}

// TestPushFragmentBeforeLeafWriteAccumulatesAndBounds exercises spec.md
// §4.E's fragment-combining pipeline directly against the write side:
// five successive writes to the same leaf reference must each push the
// prior disk offset onto ref.Fragments (not just stamp the newest one),
// and the configured versioning strategy must bound how many of them a
// reader actually combines.
func TestPushFragmentBeforeLeafWriteAccumulatesAndBounds(t *testing.T) {
	env := newTestEnv(t)
	ref := page.NewRef(7, env.deps.ResourceID, env.deps.DatabaseID)

	var offsets []int64
	for i := 1; i <= 5; i++ {
		leaf := page.NewLeafPage(7, uint64(i))
		rec := &page.Record{NodeKey: int64(i), Payload: []byte{byte(i)}}
		if err := leaf.SetRecord(uint16(i-1), rec); err != nil {
			t.Fatalf("SetRecord (write %d): %v", i, err)
		}
		ref.PushFragmentBeforeLeafWrite(leaf)
		if err := env.engine.Write(ref, leaf); err != nil {
			t.Fatalf("Write (write %d): %v", i, err)
		}
		off, _ := ref.DiskKey()
		offsets = append(offsets, off)
	}

	if got := ref.FragmentsSnapshot(); len(got) != 4 {
		t.Fatalf("expected 4 accumulated fragments after 5 writes, got %d: %v", len(got), got)
	}

	loadOffsets := func(offs []int64) []*page.LeafPage {
		t.Helper()
		frags := make([]*page.LeafPage, 0, len(offs))
		for _, off := range offs {
			p, err := env.engine.ReadOffset(off, page.KindKeyValueLeaf)
			if err != nil {
				t.Fatalf("ReadOffset(%d): %v", off, err)
			}
			frags = append(frags, p.(*page.LeafPage))
		}
		return frags
	}

	newest := offsets[len(offsets)-1]
	allOffsets := append([]int64{newest}, ref.FragmentsSnapshot()...)

	incrementalBound := boundFragmentCount(common.VersioningIncremental, 4, len(allOffsets))
	if incrementalBound != 4 {
		t.Fatalf("expected incremental versioning with maxRevisionsToRestore=4 to bound to 4, got %d", incrementalBound)
	}
	combined := combineLeafFragments(loadOffsets(allOffsets[:incrementalBound]), ref.PageKey, 5)
	for i := 2; i <= 5; i++ {
		if !combined.IsOccupied(uint16(i - 1)) {
			t.Fatalf("expected record from write %d to survive a 4-fragment incremental combine", i)
		}
	}
	if combined.IsOccupied(0) {
		t.Fatal("expected the oldest (1st) write's record to be dropped by the 4-fragment bound")
	}

	fullBound := boundFragmentCount(common.VersioningFull, 4, len(allOffsets))
	if fullBound != 1 {
		t.Fatalf("expected full versioning to bound to 1 fragment regardless of maxRevisionsToRestore, got %d", fullBound)
	}
	fullCombined := combineLeafFragments(loadOffsets(allOffsets[:fullBound]), ref.PageKey, 5)
	for i := 1; i <= 4; i++ {
		if fullCombined.IsOccupied(uint16(i - 1)) {
			t.Fatalf("expected full versioning to see only the newest fragment, but write %d's record is present", i)
		}
	}
	if !fullCombined.IsOccupied(4) {
		t.Fatal("expected full versioning's single combined fragment to contain the newest write's record")
	}
}

func TestRemoveKeyedRecordTombstonesEntry(t *testing.T) {
	env := newTestEnv(t)
	wtx := env.freshWriteTrx(t)

	if _, err := wtx.CreateKeyedRecord([]byte("name-a"), []byte("v1"), page.IndexName); err != nil {
		t.Fatalf("CreateKeyedRecord: %v", err)
	}
	removed, err := wtx.RemoveKeyedRecord([]byte("name-a"), page.IndexName)
	if err != nil {
		t.Fatalf("RemoveKeyedRecord: %v", err)
	}
	if !removed {
		t.Fatal("expected RemoveKeyedRecord to report a live entry removed")
	}

	entry, err := wtx.GetKeyedRecord([]byte("name-a"), page.IndexName)
	if err != nil {
		t.Fatalf("GetKeyedRecord: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected tombstoned entry to read back as absent, got %+v", entry)
	}
}
