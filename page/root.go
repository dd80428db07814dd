package page

import "time"

// RevisionRootPage is the top of a revision: max-node-key counters per
// index, references to every index sub-tree, and commit credentials
// (spec.md §3).
type RevisionRootPage struct {
	base

	MaxNodeKeys map[IndexType]int64

	// MaxLevels holds the current indirection-trie height per index
	// (the "per-index max-level counter" of spec.md §4.D), incremented
	// each time the trie writer grows a new top-level indirect page.
	MaxLevels map[IndexType]int

	// IndexRoots holds the root reference of each index sub-tree
	// (document, Name, Path, PathSummary, CAS, DeweyID,
	// changed-nodes, record-to-revisions).
	IndexRoots map[IndexType]*Ref

	User      string
	Message   string
	Timestamp time.Time
}

// NewRevisionRootPage creates an empty revision root for the given
// revision number.
func NewRevisionRootPage(revision uint64) *RevisionRootPage {
	return &RevisionRootPage{
		base:        newBase(KindRevisionRoot, Key(revision), revision),
		MaxNodeKeys: make(map[IndexType]int64),
		MaxLevels:   make(map[IndexType]int),
		IndexRoots:  make(map[IndexType]*Ref),
	}
}

// NextNodeKey increments and returns the max-node-key counter for the
// given index (spec.md §4.F createRecord: "increments the per-index
// max-node-key counter in the revision root").
func (p *RevisionRootPage) NextNodeKey(idx IndexType) int64 {
	p.MaxNodeKeys[idx]++
	return p.MaxNodeKeys[idx]
}

// Clone deep-copies the revision root, used to isolate the commit
// snapshot's revision root from subsequent writer mutations (spec.md
// §4.H step 2: "the deep-copied revision root page").
func (p *RevisionRootPage) Clone(newRevision uint64) *RevisionRootPage {
	c := &RevisionRootPage{
		base:        newBase(KindRevisionRoot, Key(newRevision), newRevision),
		MaxNodeKeys: make(map[IndexType]int64, len(p.MaxNodeKeys)),
		MaxLevels:   make(map[IndexType]int, len(p.MaxLevels)),
		IndexRoots:  make(map[IndexType]*Ref, len(p.IndexRoots)),
		User:        p.User,
		Message:     p.Message,
		Timestamp:   p.Timestamp,
	}
	for k, v := range p.MaxNodeKeys {
		c.MaxNodeKeys[k] = v
	}
	for k, v := range p.MaxLevels {
		c.MaxLevels[k] = v
	}
	for k, v := range p.IndexRoots {
		c.IndexRoots[k] = v
	}
	return c
}

func (p *RevisionRootPage) Close() error { return p.requestClose() }

// UberPage is the file header: it points at the most-recently-committed
// revision root (spec.md §3). A successful commit atomically rewrites
// the uber page reference last.
type UberPage struct {
	base

	RevisionRootRef *Ref
	Revision        uint64
}

// NewUberPage creates the bootstrap uber page pointing at revision 0.
func NewUberPage() *UberPage {
	return &UberPage{base: newBase(KindUber, 0, 0)}
}

func (p *UberPage) Close() error { return p.requestClose() }

// OverflowPage stores a byte blob too large for a single cell, used by
// the HOT leaf split's overflow-page policy (spec.md §7
// UnsplittablePage recovery).
type OverflowPage struct {
	base

	Data []byte
}

func NewOverflowPage(key Key, revision uint64, data []byte) *OverflowPage {
	return &OverflowPage{base: newBase(KindOverflow, key, revision), Data: data}
}

func (p *OverflowPage) Close() error { return p.requestClose() }
