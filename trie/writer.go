// Package trie implements the indirection-trie writer of spec.md §4.D:
// a bit-decomposed descent from a sub-tree root to the leaf-page slot
// addressing a record key, copy-on-write propagating every visited
// indirect page into the transaction intent log.
package trie

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/common"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/txlog"
)

// offsetMask isolates one level's fanout bits.
const offsetMask = int64(1<<page.IndirectFanoutBits) - 1

// Loader resolves a reference that is not already staged in the TIL to
// its current page, consulting the layered lookup chain of spec.md
// §4.E (swizzled page, buffer cache, disk). The trie writer is COW-only
// and never itself reaches into the cache or to disk; package trie
// takes this single collaborator instead so it does not depend on
// package txn (which depends on trie for the reverse direction).
type Loader interface {
	Load(ref *page.Ref) (page.Page, error)
}

// Writer prepares mutable leaf-page references for a single write
// transaction's index sub-tree, staging every page it touches in log
// (spec.md §4.D, §4.F). A fresh Writer is constructed per write
// transaction; it is not safe for concurrent use, matching the
// single-writer discipline the TIL itself assumes.
type Writer struct {
	Log           *txlog.Log
	Loader        Loader
	ResourceID    uuid.UUID
	DatabaseID    uuid.UUID
	MaxTreeHeight int // 0 means unbounded
}

// PrepareLeafRef walks from root toward the leaf-page slot addressing
// key, COW-ing every visited indirect page into the TIL and growing
// the root if key's bits overflow the tree's current height. root and
// maxLevel are the revision root's per-index IndexRoots/MaxLevels
// entries; both are updated in place.
func (w *Writer) PrepareLeafRef(root **page.Ref, maxLevel *int, key page.Key, revision uint64) (*page.Ref, error) {
	if err := w.growIfNeeded(root, maxLevel, key, revision); err != nil {
		return nil, err
	}

	curRef := *root
	for level := *maxLevel; level >= 1; level-- {
		curPage, err := w.cowIndirect(curRef, revision)
		if err != nil {
			return nil, err
		}
		shift := uint(level-1) * page.IndirectFanoutBits
		offset := int((int64(key) >> shift) & offsetMask)

		child := curPage.Child(offset)
		if level == 1 {
			if child == nil {
				child = page.NewRef(key, w.ResourceID, w.DatabaseID)
				curPage.SetChild(offset, child)
			}
			return child, nil
		}

		if child == nil {
			childKey := page.Key(int64(key) >> shift)
			childPage := page.NewIndirectPage(page.KindIndirect, childKey, revision)
			child = page.NewRef(childKey, w.ResourceID, w.DatabaseID)
			child.SetSwizzled(childPage)
			w.Log.Put(child, txlog.Container{Complete: childPage, Modified: childPage})
			curPage.SetChild(offset, child)
		}
		curRef = child
	}
	// Unreachable: the loop above always returns once level reaches 1.
	return curRef, nil
}

// cowIndirect returns the TIL-resident mutable copy of the indirect
// page ref points at, loading and cloning it on first visit this
// generation (spec.md §4.D: "if the reference is already in the TIL,
// it is reused; otherwise the referenced indirect page is loaded and a
// mutable copy is installed in the TIL via put").
func (w *Writer) cowIndirect(ref *page.Ref, revision uint64) (*page.IndirectPage, error) {
	if c, ok := w.Log.Get(ref); ok {
		ip, ok := c.Modified.(*page.IndirectPage)
		if !ok {
			return nil, fmt.Errorf("trie: TIL entry for ref %d is not an indirect page", ref.ID)
		}
		return ip, nil
	}

	loaded, err := w.Loader.Load(ref)
	if err != nil {
		return nil, err
	}
	complete, ok := loaded.(*page.IndirectPage)
	if !ok {
		return nil, fmt.Errorf("trie: loaded page for ref %d is not an indirect page", ref.ID)
	}
	modified := complete.Clone(revision)
	w.Log.Put(ref, txlog.Container{Complete: complete, Modified: modified})
	return modified, nil
}

// growIfNeeded creates the first indirect level (if root is nil) and
// then grows the root upward until it has enough levels to address
// key, per spec.md §4.D: "When the top bit overflows the current tree,
// a new top-level indirect page is created with offset 0 pointing to
// the prior root, the per-index max-level counter is incremented."
func (w *Writer) growIfNeeded(root **page.Ref, maxLevel *int, key page.Key, revision uint64) error {
	if *root == nil {
		rootPage := page.NewIndirectPage(page.KindIndirect, page.Key(0), revision)
		ref := page.NewRef(page.Key(0), w.ResourceID, w.DatabaseID)
		ref.SetSwizzled(rootPage)
		w.Log.Put(ref, txlog.Container{Complete: rootPage, Modified: rootPage})
		*root = ref
		*maxLevel = 1
	}

	for requiredLevels(key) > *maxLevel {
		if w.MaxTreeHeight > 0 && *maxLevel >= w.MaxTreeHeight {
			return common.ErrTreeHeightExceeded
		}
		newRootPage := page.NewIndirectPage(page.KindIndirect, page.Key(0), revision)
		newRootPage.SetChild(0, *root)
		newRootRef := page.NewRef(page.Key(0), w.ResourceID, w.DatabaseID)
		newRootRef.SetSwizzled(newRootPage)
		w.Log.Put(newRootRef, txlog.Container{Complete: newRootPage, Modified: newRootPage})
		*root = newRootRef
		*maxLevel++
	}
	return nil
}

// requiredLevels returns the minimum tree height (number of indirect
// levels, the bottommost addressing the leaf-page slot array) needed
// to represent key.
func requiredLevels(key page.Key) int {
	levels := 1
	k := int64(key)
	for k >= int64(1)<<page.IndirectFanoutBits {
		k >>= page.IndirectFanoutBits
		levels++
	}
	return levels
}
