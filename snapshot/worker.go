// Package snapshot implements the background commit worker of
// spec.md §4.H: it durably writes one frozen CommitSnapshot at a time
// while the active writer keeps accepting inserts for the next
// revision, grounded on the teacher's channel-driven background
// workers (package lsm's flushWorker/compactionWorker).
package snapshot

import (
	"fmt"
	"sync"

	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/storage"
	"github.com/pageframe/storecore/txn"
)

// Worker writes CommitSnapshots through a single storage.Engine,
// one at a time, off the writer's own goroutine. It implements
// txn.AsyncCommitWorker.
type Worker struct {
	engine      *storage.Engine
	resourceDir string

	mu      sync.Mutex
	pending *txn.CommitSnapshot
	done    chan struct{}
	lastErr error

	wg sync.WaitGroup
}

// NewWorker constructs a worker that writes through engine. resourceDir
// is the same directory the writer armed the crash sentinel in
// (spec.md §4.G step 2 / §4.H): the worker, not the writer's own
// goroutine, disarms it once the snapshot's uber page is durable.
func NewWorker(engine *storage.Engine, resourceDir string) *Worker {
	return &Worker{engine: engine, resourceDir: resourceDir}
}

// Submit starts writing snap in the background (spec.md §4.H "Hand
// the snapshot to the background worker"). Only one snapshot may be
// in flight; callers must WaitPending first (spec.md §4.H "Bounded
// interleaving: only one snapshot is pending at a time").
func (w *Worker) Submit(snap *txn.CommitSnapshot) error {
	w.mu.Lock()
	if w.pending != nil {
		w.mu.Unlock()
		return fmt.Errorf("snapshot: a commit is already pending")
	}
	done := make(chan struct{})
	w.pending = snap
	w.done = done
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(snap, done)
	return nil
}

// WaitPending blocks until any previously submitted snapshot has
// finished writing, surfacing its error (if any) to the caller that
// is about to rotate a new one on top of it.
func (w *Worker) WaitPending() error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	w.mu.Lock()
	err := w.lastErr
	w.lastErr = nil
	w.mu.Unlock()
	return err
}

// Close blocks until any in-flight snapshot finishes (spec.md §4.G
// "Durability": "close() joins the pending fsync").
func (w *Worker) Close() error {
	return w.WaitPending()
}

func (w *Worker) run(snap *txn.CommitSnapshot, done chan struct{}) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.pending = nil
		w.done = nil
		w.mu.Unlock()
		close(done)
	}()

	if err := w.writeSnapshot(snap); err != nil {
		w.mu.Lock()
		w.lastErr = err
		w.mu.Unlock()
	}
}

// writeSnapshot is the worker operation of spec.md §4.H: a depth-first
// traversal of the snapshot's pages starting at the uber reference,
// then fsync, completion, offset propagation, and snapshot cleanup.
func (w *Worker) writeSnapshot(snap *txn.CommitSnapshot) error {
	visited := make(map[*page.Ref]bool)
	for _, ref := range snap.RevRoot.IndexRoots {
		if ref == nil {
			continue
		}
		if err := w.writeSubtree(ref, snap, visited); err != nil {
			return err
		}
	}

	rootRef := page.NewRef(page.Key(snap.RevRoot.Revision()), snap.ResourceID, snap.DatabaseID)
	if err := w.engine.Write(rootRef, snap.RevRoot); err != nil {
		return err
	}

	newUber := page.NewUberPage()
	newUber.Revision = snap.RevRoot.Revision()
	newUber.RevisionRootRef = rootRef
	if err := w.engine.WriteUberPageReference(snap.UberRef, newUber); err != nil {
		return err
	}

	if err := w.engine.ForceAll(); err != nil {
		return err
	}

	// Only now is the async commit actually durable (spec.md §4.G step
	// 2 / §4.H): the writer's own goroutine armed the sentinel before
	// handing this snapshot off, and it stays armed across the whole
	// background write so a crash mid-write is still reported by
	// resource.Open's recovery check.
	if err := storage.DisarmSentinel(w.resourceDir); err != nil {
		return err
	}

	snap.MarkComplete()
	w.propagate(snap)
	return nil
}

// writeSubtree recurses children before parents (spec.md §4.H worker
// step 3: "Recurse into children"), writing each frozen page straight
// through its live reference, exactly as the synchronous write phase's
// writeRefRecursive does (txn/commit.go) — a parent page's serialized
// bytes encode its children's disk keys, so a child must be stamped
// before its parent is written regardless of which pipeline is doing
// the writing. The only thing deferred past write time is dropping the
// reference out of the snapshot's identity map, done in propagate once
// the whole snapshot (including the revision root and uber page) is
// durable (spec.md §4.H "On completion").
func (w *Worker) writeSubtree(ref *page.Ref, snap *txn.CommitSnapshot, visited map[*page.Ref]bool) error {
	if visited[ref] {
		return nil
	}
	visited[ref] = true

	frozenKey, ok := snap.FrozenLogKeys[ref]
	if !ok {
		// Already on disk or untouched this generation (spec.md §4.H
		// worker step 2: "If absent, the page is either already on
		// disk or unmodified — skip").
		return nil
	}
	c := snap.Rotation.Entries[frozenKey]

	if ip, ok := c.Modified.(*page.IndirectPage); ok {
		for _, child := range ip.Children() {
			if child == nil {
				continue
			}
			if err := w.writeSubtree(child, snap, visited); err != nil {
				return err
			}
		}
	}
	if hip, ok := c.Modified.(*page.HOTIndirectPage); ok {
		for _, child := range hip.Children {
			if child.Ref == nil {
				continue
			}
			if err := w.writeSubtree(child.Ref, snap, visited); err != nil {
				return err
			}
		}
	}

	ref.PushFragmentBeforeLeafWrite(c.Modified)

	if err := w.engine.Write(ref, c.Modified); err != nil {
		return err
	}
	offset, _ := ref.DiskKey()
	snap.RecordDiskOffset(frozenKey, offset)

	closePageOnce(c.Complete)
	if c.Complete != c.Modified {
		closePageOnce(c.Modified)
	}
	return nil
}

// propagate performs spec.md §4.H's "On completion" cleanup: every
// frozen reference already carries its disk key, stamped in
// writeSubtree before its parent was serialized, so the only remaining
// step is dropping it from the snapshot's identity map. A reference
// the writer has since promoted into a newer TIL generation is looked
// up there first by the ordinary layered read path regardless (the
// active generation's log always wins over the snapshot), so forgetting
// it here is safe either way — it just stops a finished snapshot from
// shadowing the buffer cache / disk for pages nobody will ask it about
// again.
func (w *Worker) propagate(snap *txn.CommitSnapshot) {
	for ref := range snap.FrozenLogKeys {
		snap.ForgetWritten(ref)
	}
}

func closePageOnce(p page.Page) {
	if p == nil {
		return
	}
	_ = p.Close()
}
