package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/buffer"
	"github.com/pageframe/storecore/common"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/storage"
	"github.com/pageframe/storecore/txlog"
	"github.com/pageframe/storecore/txn"
)

func newTestResource(t *testing.T) (dir string, engine *storage.Engine, buf *buffer.Manager, deps *txn.ReadTrxDeps, commitLock *sync.Mutex) {
	t.Helper()
	dir = t.TempDir()
	var err error
	engine, err = storage.OpenEngine(dir, uuid.New(), uuid.New(), storage.DefaultCodec{})
	if err != nil {
		t.Fatalf("OpenEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	buf = buffer.NewManager(buffer.DefaultConfig())
	deps = &txn.ReadTrxDeps{
		Buffer:     buf,
		Engine:     engine,
		Config:     common.DefaultResourceConfig(),
		ResourceID: uuid.New(),
		DatabaseID: uuid.New(),
	}
	commitLock = &sync.Mutex{}
	return
}

func TestWorkerWritesSnapshotDurably(t *testing.T) {
	dir, engine, buf, deps, commitLock := newTestResource(t)

	uber := page.NewUberPage()
	uberRef := page.NewRef(0, uuid.Nil, uuid.Nil)
	parentRoot := page.NewRevisionRootPage(0)

	wtx, err := txn.NewWriteTrx(dir, deps, uber, uberRef, parentRoot, commitLock)
	if err != nil {
		t.Fatalf("NewWriteTrx: %v", err)
	}

	recordKey, err := wtx.CreateRecord([]byte("async-durable"), page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	worker := NewWorker(engine, dir)
	if err := wtx.CommitAuto("async", time.Unix(1700000000, 0), worker); err != nil {
		t.Fatalf("CommitAuto: %v", err)
	}
	if err := worker.WaitPending(); err != nil {
		t.Fatalf("WaitPending: %v", err)
	}

	offset, ok := engine.ReadUberPageReference()
	if !ok {
		t.Fatal("expected the background worker to have written an uber page")
	}
	uberPage, err := engine.ReadOffset(offset, page.KindUber)
	if err != nil {
		t.Fatalf("reading written uber page: %v", err)
	}
	got := uberPage.(*page.UberPage)
	if got.Revision != 1 {
		t.Fatalf("expected the background-written uber page to carry revision 1, got %d", got.Revision)
	}

	rtx, err := txn.NewReadTrx(buf, engine, deps.Config, 1, got)
	if err != nil {
		t.Fatalf("NewReadTrx: %v", err)
	}
	defer rtx.Close()

	rec, err := rtx.GetRecord(recordKey, page.IndexDocument, 0)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec == nil || string(rec.Payload) != "async-durable" {
		t.Fatalf("expected payload %q, got %+v", "async-durable", rec)
	}
}

// TestWorkerRejectsOverlappingSubmit exercises Submit's guard directly
// by simulating an in-flight snapshot, rather than racing a real
// background write against a second Submit call.
func TestWorkerRejectsOverlappingSubmit(t *testing.T) {
	dir, engine, _, _, _ := newTestResource(t)
	worker := NewWorker(engine, dir)

	worker.mu.Lock()
	worker.pending = &txn.CommitSnapshot{}
	worker.done = make(chan struct{})
	worker.mu.Unlock()

	snap := txn.NewCommitSnapshot(txlog.RotationResult{}, page.NewRevisionRootPage(1), page.NewUberPage(), page.NewRef(0, uuid.Nil, uuid.Nil), "msg", time.Unix(1700000000, 0), uuid.New(), uuid.New())
	if err := worker.Submit(snap); err == nil {
		t.Fatal("expected Submit to reject while a snapshot is already pending")
	}

	worker.mu.Lock()
	close(worker.done)
	worker.pending = nil
	worker.done = nil
	worker.mu.Unlock()
}

func TestWorkerPropagatesDiskOffsetsAndForgetsWrittenRefs(t *testing.T) {
	dir, engine, _, _, _ := newTestResource(t)
	worker := NewWorker(engine, dir)

	root := page.NewRevisionRootPage(1)
	leafRef := page.NewRef(0, uuid.Nil, uuid.Nil)
	root.IndexRoots[page.IndexDocument] = leafRef

	leaf := page.NewLeafPage(0, 1)
	if err := leaf.SetRecord(0, &page.Record{NodeKey: 1, Payload: []byte("v")}); err != nil {
		t.Fatalf("SetRecord: %v", err)
	}

	rotation := txlog.RotationResult{
		Entries:        []txlog.Container{{Complete: leaf, Modified: leaf}},
		Size:           1,
		RefToContainer: map[*page.Ref]int64{leafRef: 0},
		Generation:     0,
	}
	snap := txn.NewCommitSnapshot(rotation, root, page.NewUberPage(), page.NewRef(0, uuid.Nil, uuid.Nil), "msg", time.Unix(1700000000, 0), uuid.New(), uuid.New())

	if err := worker.writeSnapshot(snap); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}

	if !leafRef.HasDiskKey() {
		t.Fatal("expected the live leaf reference to be stamped with a disk key after propagation")
	}
	if _, ok := snap.Rotation.RefToContainer[leafRef]; ok {
		t.Fatal("expected the written ref to be forgotten from the snapshot's identity map")
	}
	if !snap.IsComplete() {
		t.Fatal("expected the snapshot to be marked complete")
	}
}

// TestWriteSnapshotDisarmsSentinelOnlyOnceDurable exercises spec.md
// §4.G step 2 / §4.H for the async path: the crash sentinel the writer
// armed before handing a snapshot off must stay present until this
// worker's own fsync completes, not merely until Submit returns.
func TestWriteSnapshotDisarmsSentinelOnlyOnceDurable(t *testing.T) {
	dir, engine, _, _, _ := newTestResource(t)
	worker := NewWorker(engine, dir)

	if err := storage.ArmSentinel(dir); err != nil {
		t.Fatalf("ArmSentinel: %v", err)
	}
	if !storage.SentinelPresent(dir) {
		t.Fatal("expected the sentinel to be present once armed")
	}

	root := page.NewRevisionRootPage(1)
	leafRef := page.NewRef(0, uuid.Nil, uuid.Nil)
	root.IndexRoots[page.IndexDocument] = leafRef

	leaf := page.NewLeafPage(0, 1)
	if err := leaf.SetRecord(0, &page.Record{NodeKey: 1, Payload: []byte("v")}); err != nil {
		t.Fatalf("SetRecord: %v", err)
	}

	rotation := txlog.RotationResult{
		Entries:        []txlog.Container{{Complete: leaf, Modified: leaf}},
		Size:           1,
		RefToContainer: map[*page.Ref]int64{leafRef: 0},
		Generation:     0,
	}
	snap := txn.NewCommitSnapshot(rotation, root, page.NewUberPage(), page.NewRef(0, uuid.Nil, uuid.Nil), "msg", time.Unix(1700000000, 0), uuid.New(), uuid.New())

	if err := worker.writeSnapshot(snap); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}

	if storage.SentinelPresent(dir) {
		t.Fatal("expected writeSnapshot to disarm the sentinel once its fsync completes")
	}
}
