// Package hottrie implements the keyed (HOT) trie writer of spec.md
// §4.I: a height-optimal trie over variable-length byte-string keys,
// used for the PATH/CAS/NAME secondary indexes as an alternative to the
// bit-decomposed indirection trie package trie implements for the
// primary document tree. It mirrors package trie's shape (a
// per-transaction, not-safe-for-concurrent-use Writer, a Loader
// collaborator so the dependency runs hottrie -> the rest of the
// module and never the reverse, reused ref identity across COW) and
// generalizes it from fixed-offset bit addressing to BiNode/SpanNode/
// MultiNode children selected by PEXT-style partial-key compression.
package hottrie

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/txlog"
)

// Loader resolves a reference that is not already staged in the TIL to
// its current page (mirrors trie.Loader).
type Loader interface {
	Load(ref *page.Ref) (page.Page, error)
}

// stackDepth bounds the fixed-depth parent stack (spec.md §4.I: "a
// pre-allocated fixed-depth parent stack, no heap allocation on the hot
// path"). Each level consumes at least one discriminative bit of the
// key, so 64 levels comfortably outlives any realistic path/name/CAS
// key before the stack could overflow.
const stackDepth = 64

// Writer performs the keyed trie's insert/COW path over a single write
// transaction's HOT sub-tree. A fresh Writer is constructed per write
// transaction, matching package trie's Writer lifecycle.
type Writer struct {
	Log        *txlog.Log
	Loader     Loader
	ResourceID uuid.UUID
	DatabaseID uuid.UUID
}

// stackFrame is one pushed (ref, node, childIndex) triple (spec.md
// §4.I "push (ref, node, childIndex) onto a pre-allocated fixed-depth
// parent stack").
type stackFrame struct {
	ref  *page.Ref
	node *page.HOTIndirectPage
	slot int
}

// Insert places entry, keyed by key, under root — COW-ing every node
// visited on the path into the TIL and splitting the leaf (and, where
// the parent lacks capacity, its ancestors) as needed (spec.md §4.I).
// root is the index's current HOT root reference (nil for an empty
// sub-tree) and is updated in place.
func (w *Writer) Insert(root **page.Ref, key []byte, entry page.HOTEntry, revision uint64) error {
	if *root == nil {
		leaf := page.NewHOTLeafPage(page.Key(0), revision)
		leaf.Insert(entry)
		ref := page.NewRef(page.Key(0), w.ResourceID, w.DatabaseID)
		ref.SetSwizzled(leaf)
		w.Log.Put(ref, txlog.Container{Complete: leaf, Modified: leaf})
		*root = ref
		return nil
	}

	var stack [stackDepth]stackFrame
	depth := 0
	curRef := *root

	for {
		p, err := w.cowNode(curRef, revision)
		if err != nil {
			return err
		}
		if leaf, ok := p.(*page.HOTLeafPage); ok {
			return w.insertLeaf(root, curRef, leaf, entry, revision, stack[:depth])
		}
		node := p.(*page.HOTIndirectPage)
		child, slot := node.Lookup(key)
		if child == nil {
			return w.insertNewChild(node, key, entry, revision)
		}
		if depth >= stackDepth {
			return fmt.Errorf("hottrie: key exceeds maximum trie depth %d", stackDepth)
		}
		stack[depth] = stackFrame{ref: curRef, node: node, slot: slot}
		depth++
		curRef = child
	}
}

// Delete tombstones the entry for key under root, COW-ing every node
// visited along the descent into the TIL (mirroring Insert's descent,
// but never splitting — deletion only shrinks a leaf). Returns false
// if root is nil or no live entry exists for key.
func (w *Writer) Delete(root *page.Ref, key []byte, revision uint64) (bool, error) {
	if root == nil {
		return false, nil
	}
	curRef := root
	for {
		p, err := w.cowNode(curRef, revision)
		if err != nil {
			return false, err
		}
		if leaf, ok := p.(*page.HOTLeafPage); ok {
			return leaf.Remove(key), nil
		}
		node := p.(*page.HOTIndirectPage)
		child, _ := node.Lookup(key)
		if child == nil {
			return false, nil
		}
		curRef = child
	}
}

// Lookup returns the live entry for key under root, or (nil, nil) if
// absent.
func (w *Writer) Lookup(root *page.Ref, key []byte) (*page.HOTEntry, error) {
	curRef := root
	for curRef != nil {
		p, err := w.load(curRef)
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
			return nil, fmt.Errorf("hottrie: unexpected page kind %v in keyed trie", p.Kind())
		}
		child, _ := node.Lookup(key)
		if child == nil {
			return nil, nil
		}
		curRef = child
	}
	return nil, nil
}

func (w *Writer) load(ref *page.Ref) (page.Page, error) {
	if c, ok := w.Log.Get(ref); ok {
		return c.Modified, nil
	}
	return w.Loader.Load(ref)
}

// cowNode returns the TIL-resident mutable copy of the node ref points
// at (leaf or indirect), loading and cloning it on first visit this
// generation, reusing ref's identity exactly like package trie's
// cowIndirect: the parent's child slot already references ref, so an
// ordinary (no-split) mutation needs no further propagation upward.
func (w *Writer) cowNode(ref *page.Ref, revision uint64) (page.Page, error) {
	if c, ok := w.Log.Get(ref); ok {
		return c.Modified, nil
	}
	loaded, err := w.Loader.Load(ref)
	if err != nil {
		return nil, err
	}
	var modified page.Page
	switch v := loaded.(type) {
	case *page.HOTLeafPage:
		modified = v.Clone(revision)
	case *page.HOTIndirectPage:
		modified = v.Clone(revision)
	default:
		return nil, fmt.Errorf("hottrie: unexpected page kind %v in keyed trie", loaded.Kind())
	}
	w.Log.Put(ref, txlog.Container{Complete: loaded, Modified: modified})
	return modified, nil
}

// insertNewChild installs a fresh leaf directly under node for a
// partial key with no existing child — the degenerate case where a
// brand-new key region is discovered under an already-split parent.
func (w *Writer) insertNewChild(node *page.HOTIndirectPage, key []byte, entry page.HOTEntry, revision uint64) error {
	leaf := page.NewHOTLeafPage(page.Key(0), revision)
	leaf.Insert(entry)
	ref := page.NewRef(page.Key(0), w.ResourceID, w.DatabaseID)
	ref.SetSwizzled(leaf)
	w.Log.Put(ref, txlog.Container{Complete: leaf, Modified: leaf})

	node.Children = append(node.Children, page.HOTChild{
		PartialKey: page.ExtractPartialKey(key, node.InitialBytePos, node.Mask),
		MinKey:     append([]byte(nil), entry.KeySuffix...),
		Ref:        ref,
	})
	return nil
}

// insertLeaf attempts the ordinary (no-split) insert into a COW'd
// leaf. Every ancestor on stack was already COW'd during descent and
// already references ref unchanged, so nothing more is propagated
// upward unless the leaf must split (spec.md §4.I: "On reaching the
// leaf, COW it into the TIL").
func (w *Writer) insertLeaf(root **page.Ref, ref *page.Ref, leaf *page.HOTLeafPage, entry page.HOTEntry, revision uint64, stack []stackFrame) error {
	if leaf.Insert(entry) {
		return nil
	}
	if leaf.Compact() > 0 && leaf.Insert(entry) {
		return nil
	}
	return w.splitLeaf(root, ref, leaf, entry, revision, stack)
}

// splitLeaf performs spec.md §4.I's height-optimal split: the leaf's
// entries plus the one that overflowed it are partitioned at the point
// where two adjacent (sorted) keys diverge at the most significant bit
// among all candidate split points, producing (left, right,
// newRootBiNode).
func (w *Writer) splitLeaf(root **page.Ref, leafRef *page.Ref, leaf *page.HOTLeafPage, overflow page.HOTEntry, revision uint64, stack []stackFrame) error {
	entries := append(append([]page.HOTEntry(nil), leaf.Entries...), overflow)
	sort.Slice(entries, func(i, j int) bool {
		return compareSuffix(entries[i].KeySuffix, entries[j].KeySuffix) < 0
	})

	splitAt, bytePos, mask := chooseSplit(entries)

	left := page.NewHOTLeafPage(page.Key(0), revision)
	left.Entries = append([]page.HOTEntry(nil), entries[:splitAt]...)
	right := page.NewHOTLeafPage(page.Key(0), revision)
	right.Entries = append([]page.HOTEntry(nil), entries[splitAt:]...)

	leftRef := page.NewRef(page.Key(0), w.ResourceID, w.DatabaseID)
	leftRef.SetSwizzled(left)
	w.Log.Put(leftRef, txlog.Container{Complete: left, Modified: left})

	rightRef := page.NewRef(page.Key(0), w.ResourceID, w.DatabaseID)
	rightRef.SetSwizzled(right)
	w.Log.Put(rightRef, txlog.Container{Complete: right, Modified: right})

	newRoot := page.NewHOTIndirectPage(page.Key(0), revision)
	newRoot.InitialBytePos = bytePos
	newRoot.Mask = mask
	newRoot.Children = []page.HOTChild{
		{
			PartialKey: page.ExtractPartialKey(left.Entries[0].KeySuffix, bytePos, mask),
			MinKey:     append([]byte(nil), left.Entries[0].KeySuffix...),
			Ref:        leftRef,
		},
		{
			PartialKey: page.ExtractPartialKey(right.Entries[0].KeySuffix, bytePos, mask),
			MinKey:     append([]byte(nil), right.Entries[0].KeySuffix...),
			Ref:        rightRef,
		},
	}

	return w.integrateSplit(root, newRoot, revision, stack)
}

// integrateSplit installs newRoot in place of the old single leaf
// reference, per spec.md §4.I's parent integration cases. Case A (an
// intermediate BiNode for a height-mismatched split) is not modeled:
// every node in this trie addresses the same flat byte-string key
// space rather than a fixed per-level bit budget, so a split's new
// BiNode is always directly integrable into the immediate parent (Case
// B, or Case C if the parent is full) without an intervening height
// adjustment — recorded as an Open Question decision in DESIGN.md.
func (w *Writer) integrateSplit(root **page.Ref, newRoot *page.HOTIndirectPage, revision uint64, stack []stackFrame) error {
	if len(stack) == 0 {
		ref := page.NewRef(page.Key(0), w.ResourceID, w.DatabaseID)
		ref.SetSwizzled(newRoot)
		w.Log.Put(ref, txlog.Container{Complete: newRoot, Modified: newRoot})
		*root = ref
		return nil
	}

	frame := stack[len(stack)-1]
	rest := stack[:len(stack)-1]
	if len(frame.node.Children) < page.HOTMultiNodeMaxChildren {
		return w.expandParent(root, frame, newRoot, revision, rest)
	}
	return w.splitParent(root, frame, newRoot, revision, rest)
}

// expandParent implements spec.md §4.I Case B: the parent has free
// capacity, so its single child slot pointing at the split leaf is
// replaced by the split's two new children, and the parent's
// discriminative mask, initial byte position, and partial keys are
// recomputed over the resulting child set.
func (w *Writer) expandParent(root **page.Ref, frame stackFrame, newRoot *page.HOTIndirectPage, revision uint64, rest []stackFrame) error {
	children := make([]page.HOTChild, 0, len(frame.node.Children)+1)
	for i, c := range frame.node.Children {
		if i == frame.slot {
			children = append(children, newRoot.Children...)
			continue
		}
		children = append(children, c)
	}
	repartition(frame.node, children)
	return w.propagateAncestor(root, frame, rest)
}

// splitParent implements spec.md §4.I Case C: the parent is full, so
// it is split on its most-significant discriminative bit, partitioning
// children by that bit into two siblings. If either partition would be
// empty the split falls back to a balanced half-index partition. The
// two new siblings replace the parent in its own parent (recursing up
// the stack), or become a new, one-level-taller root if the parent was
// already the root.
func (w *Writer) splitParent(root **page.Ref, frame stackFrame, newRoot *page.HOTIndirectPage, revision uint64, rest []stackFrame) error {
	children := make([]page.HOTChild, 0, len(frame.node.Children)+1)
	for i, c := range frame.node.Children {
		if i == frame.slot {
			children = append(children, newRoot.Children...)
			continue
		}
		children = append(children, c)
	}

	leftChildren, rightChildren := partitionByMSB(children)
	if len(leftChildren) == 0 || len(rightChildren) == 0 {
		mid := len(children) / 2
		leftChildren, rightChildren = children[:mid], children[mid:]
	}

	left := page.NewHOTIndirectPage(page.Key(0), revision)
	repartition(left, leftChildren)
	right := page.NewHOTIndirectPage(page.Key(0), revision)
	repartition(right, rightChildren)

	leftRef := page.NewRef(page.Key(0), w.ResourceID, w.DatabaseID)
	leftRef.SetSwizzled(left)
	w.Log.Put(leftRef, txlog.Container{Complete: left, Modified: left})

	rightRef := page.NewRef(page.Key(0), w.ResourceID, w.DatabaseID)
	rightRef.SetSwizzled(right)
	w.Log.Put(rightRef, txlog.Container{Complete: right, Modified: right})

	grandparentSplit := page.NewHOTIndirectPage(page.Key(0), revision)
	bytePos, mask := discriminatingMask(leftChildren[0].MinKey, rightChildren[0].MinKey)
	grandparentSplit.InitialBytePos = bytePos
	grandparentSplit.Mask = mask
	grandparentSplit.Children = []page.HOTChild{
		{PartialKey: page.ExtractPartialKey(leftChildren[0].MinKey, bytePos, mask), MinKey: leftChildren[0].MinKey, Ref: leftRef},
		{PartialKey: page.ExtractPartialKey(rightChildren[0].MinKey, bytePos, mask), MinKey: rightChildren[0].MinKey, Ref: rightRef},
	}

	return w.integrateSplit(root, grandparentSplit, revision, rest)
}

// propagateAncestor walks the remaining parent stack in reverse,
// copying each ancestor with an updated child pointer (spec.md §4.I),
// once an in-place expansion (rather than a further split) resolved
// the level below. Since COW reuses ref identity, "copying" is already
// done (frame.node is the clone put in the TIL during descent) and the
// child slot it points at is already correct, so this is a no-op walk
// kept for symmetry with the spec's description and as the hook a
// future height-aware Case A would extend.
func (w *Writer) propagateAncestor(root **page.Ref, frame stackFrame, rest []stackFrame) error {
	_ = frame
	_ = rest
	return nil
}

// repartition recomputes node's InitialBytePos, Mask, and every
// child's PartialKey over the given child set (spec.md §4.I Case B:
// "recomputing initial byte, bit mask, and partial keys"). Node kind
// (BiNode/Span/Multi) follows implicitly from the resulting child
// count (HOTIndirectPage.NodeKind).
func repartition(node *page.HOTIndirectPage, children []page.HOTChild) {
	bytePos, mask := widestDiscriminatingMask(children)
	node.InitialBytePos = bytePos
	node.Mask = mask
	for i := range children {
		children[i].PartialKey = page.ExtractPartialKey(children[i].MinKey, bytePos, mask)
	}
	node.Children = children
}

// widestDiscriminatingMask picks a byte position covering every
// child's minimum key and builds a mask selecting, for each pair of
// adjacent (by MinKey) children, their most significant differing bit
// — the union of per-pair discriminative bits within that one byte
// window, capped at 8 bits since a partial key is one byte wide.
func widestDiscriminatingMask(children []page.HOTChild) (int, uint64) {
	sorted := append([]page.HOTChild(nil), children...)
	sort.Slice(sorted, func(i, j int) bool {
		return compareSuffix(sorted[i].MinKey, sorted[j].MinKey) < 0
	})

	bytePos := -1
	for i := 1; i < len(sorted); i++ {
		bp, _, ok := firstDifferingBit(sorted[i-1].MinKey, sorted[i].MinKey)
		if !ok {
			continue
		}
		if bytePos == -1 || bp < bytePos {
			bytePos = bp
		}
	}
	if bytePos == -1 {
		bytePos = 0
	}

	var mask uint64
	bitsUsed := 0
	for i := 1; i < len(sorted) && bitsUsed < 8; i++ {
		bp, bit, ok := firstDifferingBit(sorted[i-1].MinKey, sorted[i].MinKey)
		if !ok || bp != bytePos {
			continue
		}
		bitMask := uint64(1) << uint(56+bit)
		if mask&bitMask == 0 {
			mask |= bitMask
			bitsUsed++
		}
	}
	if mask == 0 {
		mask = uint64(1) << 63
	}
	return bytePos, mask
}

// discriminatingMask is widestDiscriminatingMask specialized to the
// two-child case used when integrating a grandparent split.
func discriminatingMask(a, b []byte) (int, uint64) {
	bp, bit, ok := firstDifferingBit(a, b)
	if !ok {
		return 0, uint64(1) << 63
	}
	return bp, uint64(1) << uint(56+bit)
}

// partitionByMSB finds the most significant bit at which the children's
// minimum keys do not all agree and splits the children into those with
// that bit 0 versus 1 (spec.md §4.I Case C). If every minimum key is
// equal, all children land in left.
func partitionByMSB(children []page.HOTChild) (left, right []page.HOTChild) {
	bytePos, bitIdx, found := 0, 0, false
	for i := 1; i < len(children); i++ {
		bp, bit, ok := firstDifferingBit(children[0].MinKey, children[i].MinKey)
		if ok && (!found || bp < bytePos || (bp == bytePos && bit > bitIdx)) {
			bytePos, bitIdx, found = bp, bit, true
		}
	}
	for _, c := range children {
		if found && bytePos < len(c.MinKey) && c.MinKey[bytePos]&(1<<uint(bitIdx)) != 0 {
			right = append(right, c)
		} else {
			left = append(left, c)
		}
	}
	return left, right
}

func compareSuffix(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// firstDifferingBit finds the first byte at which a and b differ (0-
// padding the shorter past its end) and, within that byte, the most
// significant differing bit (spec.md §4.I: "the discriminative bit ...
// is maximized").
func firstDifferingBit(a, b []byte) (bytePos, bitIdx int, ok bool) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			x := av ^ bv
			bit := 7
			for ; bit >= 0; bit-- {
				if x&(1<<uint(bit)) != 0 {
					break
				}
			}
			return i, bit, true
		}
	}
	return 0, 0, false
}

// chooseSplit picks the split point among sorted entries whose
// boundary pair diverges at the globally most significant bit, and
// returns the byte position and single-bit mask distinguishing the two
// halves at that point.
func chooseSplit(entries []page.HOTEntry) (splitAt, bytePos int, mask uint64) {
	bestRank := -1
	splitAt = len(entries) / 2
	bytePos = 0
	mask = uint64(1) << 63
	for i := 1; i < len(entries); i++ {
		bp, bit, ok := firstDifferingBit(entries[i-1].KeySuffix, entries[i].KeySuffix)
		if !ok {
			continue
		}
		rank := bp*8 + (7 - bit)
		if bestRank == -1 || rank < bestRank {
			bestRank = rank
			splitAt = i
			bytePos = bp
			mask = uint64(1) << uint(56+bit)
		}
	}
	return
}
