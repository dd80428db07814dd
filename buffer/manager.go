package buffer

import "github.com/pageframe/storecore/page"

// Manager is the segregated buffer manager of spec.md §4.B: three
// caches (page, record-page, record-page-fragment) sharing one epoch
// tracker so MVCC-aware eviction preference is consistent across all
// three.
type Manager struct {
	Epoch *EpochTracker

	// PageCache houses non-leaf and revision-root pages, keyed by page
	// reference identity.
	PageCache *Cache[page.ID, page.Page]

	// RecordPageCache houses *combined* key-value leaf pages, keyed by
	// page reference identity.
	RecordPageCache *Cache[page.ID, page.Page]

	// RecordPageFragmentCache houses *single-revision* fragments used to
	// combine into a leaf, keyed by disk key only (spec.md §4.B).
	RecordPageFragmentCache *Cache[int64, page.Page]
}

// Config sizes the three caches independently; a single resource may
// want many more cached indirect/root pages than cached fragments.
type Config struct {
	PageCacheCapacity             int
	RecordPageCacheCapacity       int
	RecordPageFragmentCapacity    int
}

// DefaultConfig mirrors the teacher's single CacheSize knob, split
// across the three segregated caches.
func DefaultConfig() Config {
	return Config{
		PageCacheCapacity:          20000,
		RecordPageCacheCapacity:    20000,
		RecordPageFragmentCapacity: 10000,
	}
}

// NewManager constructs the three caches sharing one epoch tracker.
func NewManager(cfg Config) *Manager {
	epoch := NewEpochTracker()
	return &Manager{
		Epoch:                   epoch,
		PageCache:               NewCache[page.ID, page.Page](cfg.PageCacheCapacity, epoch),
		RecordPageCache:         NewCache[page.ID, page.Page](cfg.RecordPageCacheCapacity, epoch),
		RecordPageFragmentCache: NewCache[int64, page.Page](cfg.RecordPageFragmentCapacity, epoch),
	}
}
