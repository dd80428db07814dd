// Package resource implements the top-level open/close orchestration
// of spec.md §6's "Commit API": the struct applications actually embed
// to obtain read and write transactions over one page-store resource,
// modeled on the teacher's btree.BTree/btree.Config/btree.DefaultConfig
// constructor shape.
package resource

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/buffer"
	"github.com/pageframe/storecore/common"
	"github.com/pageframe/storecore/hottrie"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/snapshot"
	"github.com/pageframe/storecore/storage"
	"github.com/pageframe/storecore/txn"
)

// Config aggregates every knob spec.md §6 lists under "Configuration"
// plus the cache-sizing knobs mirrored from btree.Config.CacheSize.
type Config struct {
	common.ResourceConfig
	BufferCache buffer.Config

	ResourceID uuid.UUID
	DatabaseID uuid.UUID
}

// DefaultConfig mirrors btree.DefaultConfig's "sensible defaults"
// framing: full versioning, the buffer manager's own default cache
// sizes, and fresh resource/database identifiers.
func DefaultConfig() Config {
	return Config{
		ResourceConfig: common.DefaultResourceConfig(),
		BufferCache:    buffer.DefaultConfig(),
		ResourceID:     uuid.New(),
		DatabaseID:     uuid.New(),
	}
}

// RecoveryReport is returned by Open, reporting whether the previous
// process left a commit in progress (spec.md §4.G step 2, §7
// "Recovery": detect, report, do not rollforward — mirroring the
// teacher's own recoverFromWAL in spirit, but this core's COW design
// needs no replay: a half-written commit's pages are simply orphaned
// past the last trailer the uber page trailer names).
type RecoveryReport struct {
	// SentinelWasPresent is true if COMMIT_IN_PROGRESS existed at Open
	// time, meaning the previous process crashed mid-commit. The
	// partially written pages past the last valid uber trailer are
	// simply never referenced by anything and are left in place (an
	// idle tail in the append-only file), not reclaimed.
	SentinelWasPresent bool

	// RecoveredRevision is the revision number Open resumed from.
	RecoveredRevision uint64
}

// revisionEntry records one committed revision's uber page state, kept
// in memory so BeginReadTrx can reopen an older revision and TruncateTo
// can resolve a revision back to its uber page's disk offset. Lost on
// restart: after a fresh Open only the latest revision is addressable,
// which is the documented scope of this module (spec.md §6 does not
// specify a persisted revision index beyond the uber trailer chain).
type revisionEntry struct {
	uber    *page.UberPage
	uberRef *page.Ref
}

// Resource is the struct applications embed to open/close a page-store
// resource and obtain read/write transactions (spec.md §6), wrapping
// the storage engine, buffer manager, background worker, and the
// current uber-page pointer — the same collaborator shape
// btree.BTree wraps its pager, WAL, and latch manager in.
type Resource struct {
	dir    string
	config Config

	engine *storage.Engine
	buffer *buffer.Manager
	worker *snapshot.Worker

	mu           sync.Mutex
	commitLock   sync.Mutex
	uber         *page.UberPage
	uberRef      *page.Ref
	revRoot      *page.RevisionRootPage
	history      map[uint64]revisionEntry
	closed       bool
	user         string
}

// Open opens (or creates) a resource at dir, running crash-sentinel
// detection before trusting the uber page trailer (spec.md §4.G step
// 2 "Recovery"). The codec is hottrie.Codec so every page kind this
// module defines — including the HOT trie's three kinds — round-trips
// through one storage.Engine.
func Open(dir string, cfg Config) (*Resource, RecoveryReport, error) {
	report := RecoveryReport{SentinelWasPresent: storage.SentinelPresent(dir)}

	engine, err := storage.OpenEngine(dir, cfg.ResourceID, cfg.DatabaseID, hottrie.Codec{})
	if err != nil {
		return nil, report, err
	}

	if report.SentinelWasPresent {
		if err := storage.DisarmSentinel(dir); err != nil {
			engine.Close()
			return nil, report, err
		}
	}

	buf := buffer.NewManager(cfg.BufferCache)

	uber := page.NewUberPage()
	uberRef := page.NewRef(0, cfg.ResourceID, cfg.DatabaseID)
	var revRoot *page.RevisionRootPage

	if offset, ok := engine.ReadUberPageReference(); ok {
		uberRef.SetDiskKey(offset)
		loadedUber, err := engine.Read(uberRef, page.KindUber)
		if err != nil {
			engine.Close()
			return nil, report, err
		}
		uber = loadedUber.(*page.UberPage)
		loadedRoot, err := engine.Read(uber.RevisionRootRef, page.KindRevisionRoot)
		if err != nil {
			engine.Close()
			return nil, report, err
		}
		revRoot = loadedRoot.(*page.RevisionRootPage)
	} else {
		revRoot = page.NewRevisionRootPage(0)
	}
	report.RecoveredRevision = uber.Revision

	r := &Resource{
		dir:     dir,
		config:  cfg,
		engine:  engine,
		buffer:  buf,
		worker:  snapshot.NewWorker(engine, dir),
		uber:    uber,
		uberRef: uberRef,
		revRoot: revRoot,
		history: map[uint64]revisionEntry{uber.Revision: {uber: uber, uberRef: uberRef}},
	}
	return r, report, nil
}

// Close waits for any in-flight async commit, then closes the storage
// engine (spec.md §4.G "Durability": "close() joins the pending
// fsync").
func (r *Resource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return common.ErrAlreadyClosed
	}
	if err := r.worker.Close(); err != nil {
		return err
	}
	r.closed = true
	return r.engine.Close()
}

// CurrentRevision returns the most recently committed revision number.
func (r *Resource) CurrentRevision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uber.Revision
}

func (r *Resource) deps() *txn.ReadTrxDeps {
	return &txn.ReadTrxDeps{
		Buffer:     r.buffer,
		Engine:     r.engine,
		Config:     r.config.ResourceConfig,
		ResourceID: r.config.ResourceID,
		DatabaseID: r.config.DatabaseID,
	}
}

// BeginReadTrx pins a read transaction to revision (spec.md §4.E). Only
// revisions committed since the last Open are addressable — see
// revisionEntry's documented in-memory-only scope.
func (r *Resource) BeginReadTrx(revision uint64) (*txn.ReadTrx, error) {
	r.mu.Lock()
	entry, ok := r.history[revision]
	cfg := r.config.ResourceConfig
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("resource: revision %d is not addressable (not committed since the last Open)", revision)
	}
	return txn.NewReadTrx(r.buffer, r.engine, cfg, revision, entry.uber)
}

// BeginLatestReadTrx pins a read transaction to the most recently
// committed revision, re-reading the uber reference fresh from the
// storage engine rather than trusting Resource's own cached pointer
// (spec.md §4.E: a reader must see every commit that completed before
// it started, including one from a concurrent writer this Resource
// object has not yet observed).
func (r *Resource) BeginLatestReadTrx() (*txn.ReadTrx, error) {
	offset, ok := r.engine.ReadUberPageReference()
	if !ok {
		return r.BeginReadTrx(0)
	}
	uberRef := page.NewRef(0, r.config.ResourceID, r.config.DatabaseID)
	uberRef.SetDiskKey(offset)
	p, err := r.engine.Read(uberRef, page.KindUber)
	if err != nil {
		return nil, err
	}
	uber := p.(*page.UberPage)

	r.mu.Lock()
	if _, ok := r.history[uber.Revision]; !ok {
		r.history[uber.Revision] = revisionEntry{uber: uber, uberRef: uberRef}
	}
	cfg := r.config.ResourceConfig
	r.mu.Unlock()
	return txn.NewReadTrx(r.buffer, r.engine, cfg, uber.Revision, uber)
}

// BeginWriteTrx starts the single write transaction for the next
// revision (spec.md §4.F; this module is single-writer, matching
// btree.BTree's single global mutex discipline, so callers serialize
// their own concurrent writers upstream). user is handed to the write
// transaction via WriteTrx.SetUser, and commit copies it into the
// revision root's User field.
func (r *Resource) BeginWriteTrx(user string) (*txn.WriteTrx, error) {
	r.mu.Lock()
	uber, uberRef, parentRoot := r.uber, r.uberRef, r.revRoot
	r.mu.Unlock()

	wtx, err := txn.NewWriteTrx(r.dir, r.deps(), uber, uberRef, parentRoot, &r.commitLock)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.user = user
	r.mu.Unlock()
	return wtx, nil
}

// CommitWriteTrx commits wtx synchronously, stamps the caller-supplied
// user onto the committed revision root, and folds the new revision
// into Resource's own state and history.
func (r *Resource) CommitWriteTrx(wtx *txn.WriteTrx, message string, timestamp time.Time) error {
	r.mu.Lock()
	user := r.user
	r.mu.Unlock()
	wtx.SetUser(user)

	if err := wtx.Commit(message, timestamp); err != nil {
		return err
	}
	uber, uberRef := wtx.UberState()
	r.mu.Lock()
	r.uber = uber
	r.uberRef = uberRef
	r.revRoot = wtx.RevisionRoot()
	r.history[uber.Revision] = revisionEntry{uber: uber, uberRef: uberRef}
	r.mu.Unlock()
	return nil
}

// CommitWriteTrxAuto commits wtx asynchronously through Resource's own
// background worker (spec.md §4.H), returning once the snapshot has
// been handed off rather than once it is durable (matching
// WriteTrx.CommitAuto's own return contract). The committed revision's
// uber page is written by the worker, not synchronously, so Resource
// does not fold it into its own uber/history state here — a caller
// that needs to observe it should use BeginLatestReadTrx, which
// re-reads the durable uber reference from the storage engine rather
// than trusting a cached pointer. Only the writer's own continuation
// root (the clone CommitAuto advances to for the next revision) is
// adopted immediately, so subsequent BeginWriteTrx calls target the
// right revision number; the just-submitted revision's own uber/
// history entry is filled in lazily by the next BeginLatestReadTrx
// call, once the worker has actually written it durably.
func (r *Resource) CommitWriteTrxAuto(wtx *txn.WriteTrx, message string, timestamp time.Time) error {
	r.mu.Lock()
	user := r.user
	r.mu.Unlock()
	wtx.SetUser(user)

	if err := wtx.CommitAuto(message, timestamp, r.worker); err != nil {
		return err
	}

	placeholder := page.NewUberPage()
	placeholder.Revision = wtx.Revision() - 1

	r.mu.Lock()
	r.revRoot = wtx.RevisionRoot()
	r.uber = placeholder
	r.mu.Unlock()
	return nil
}

// TruncateTo discards every committed revision beyond revision (spec.md
// §6 "truncateTo"), delegating to the storage engine's own truncation
// and dropping the discarded revisions from Resource's in-memory
// history.
func (r *Resource) TruncateTo(revision uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.history[revision]
	if !ok {
		return fmt.Errorf("resource: revision %d is not addressable (not committed since the last Open)", revision)
	}
	offset, hasOffset := entry.uberRef.DiskKey()
	if !hasOffset {
		return fmt.Errorf("resource: revision %d has no recorded uber page offset", revision)
	}

	if err := r.engine.TruncateTo(revision, func(uint64) (int64, bool) { return offset, true }); err != nil {
		return err
	}

	for rev := range r.history {
		if rev > revision {
			delete(r.history, rev)
		}
	}
	r.uber = entry.uber
	r.uberRef = entry.uberRef
	return nil
}

// Stats returns the underlying storage engine's page read/write
// counters (spec.md §8's testable properties).
func (r *Resource) Stats() common.PageStoreStats {
	return r.engine.Stats()
}
