package page

import (
	"bytes"
	"sort"
)

// HOTNodeKind enumerates the three variable-arity indirect-node shapes
// of the height-optimal keyed trie (spec.md §4.I), chosen purely by
// child count after every insert or split.
type HOTNodeKind byte

const (
	HOTBiNode HOTNodeKind = iota
	HOTSpanNode
	HOTMultiNode
)

// Child-count ceilings that decide HOTNodeKind (spec.md §4.I: "BiNode
// (≤2), SpanNode (≤16), MultiNode (≤32)").
const (
	HOTBiNodeMaxChildren    = 2
	HOTSpanNodeMaxChildren  = 16
	HOTMultiNodeMaxChildren = 32
)

func (k HOTNodeKind) String() string {
	switch k {
	case HOTBiNode:
		return "BiNode"
	case HOTSpanNode:
		return "SpanNode"
	case HOTMultiNode:
		return "MultiNode"
	default:
		return "HOTNodeKind(?)"
	}
}

// HOTChild is one slot of a HOTIndirectPage: the child's compressed
// partial key (the PEXT-packed bits selected by the node's
// discriminative mask, extracted from the child's minimum key) paired
// with the reference that reaches it. MinKey is carried alongside the
// compressed partial key so a parent re-partition (spec.md §4.I Case
// B/C) can recompute a fresh mask over the full child set without
// reloading every child page.
type HOTChild struct {
	PartialKey byte
	MinKey     []byte
	Ref        *Ref
}

// HOTIndirectPage is an indirect node of the keyed trie (spec.md §4.I):
// an initial byte position and a 64-bit discriminative bit mask shared
// by every child, plus each child's compressed partial key for
// constant-time lookup via bit extraction. Node kind (BiNode/Span/
// Multi) is derived from child count rather than stored, so growing or
// shrinking Children never leaves a stale kind tag behind.
type HOTIndirectPage struct {
	base

	InitialBytePos int
	Mask           uint64
	Children       []HOTChild
}

// NewHOTIndirectPage allocates an empty indirect node.
func NewHOTIndirectPage(key Key, revision uint64) *HOTIndirectPage {
	return &HOTIndirectPage{base: newBase(KindHOTIndirect, key, revision)}
}

// NodeKind reports which of the three node shapes this page's current
// child count corresponds to (spec.md §4.I: "choose node kind by
// resulting child count").
func (p *HOTIndirectPage) NodeKind() HOTNodeKind {
	switch {
	case len(p.Children) <= HOTBiNodeMaxChildren:
		return HOTBiNode
	case len(p.Children) <= HOTSpanNodeMaxChildren:
		return HOTSpanNode
	default:
		return HOTMultiNode
	}
}

// Lookup returns the child whose partial key matches the bits
// extracted from key at this node's InitialBytePos/Mask, and its slot
// index, or (nil, -1) if no child matches (the caller must insert one).
func (p *HOTIndirectPage) Lookup(key []byte) (*Ref, int) {
	pk := ExtractPartialKey(key, p.InitialBytePos, p.Mask)
	for i, c := range p.Children {
		if c.PartialKey == pk {
			return c.Ref, i
		}
	}
	return nil, -1
}

// ReplaceChild overwrites the reference at slot, used when the COW
// path propagates a child's new identity up to its parent without
// touching partial keys or the discriminative mask.
func (p *HOTIndirectPage) ReplaceChild(slot int, ref *Ref) {
	p.Children[slot].Ref = ref
}

// Clone deep-copies the child slice (spec.md §4.I "copying each
// ancestor with an updated child pointer ... into the TIL"); the
// references themselves are shared, matching IndirectPage.Clone.
func (p *HOTIndirectPage) Clone(newRevision uint64) *HOTIndirectPage {
	c := &HOTIndirectPage{
		base:           newBase(KindHOTIndirect, p.PageKey(), newRevision),
		InitialBytePos: p.InitialBytePos,
		Mask:           p.Mask,
		Children:       append([]HOTChild(nil), p.Children...),
	}
	return c
}

func (p *HOTIndirectPage) Close() error { return p.requestClose() }

// ExtractPartialKey implements the HOT trie's PEXT-style compression
// (spec.md §4.I "Bit extraction"): read up to 8 bytes of key starting
// at bytePos into a big-endian 64-bit word, then pack the bits
// mask selects — most significant selected bit first — into a single
// byte. A mask selecting more than 8 bits only contributes its 8
// highest selected bits, since a partial key is one byte wide.
func ExtractPartialKey(key []byte, bytePos int, mask uint64) byte {
	var word uint64
	for i := 0; i < 8; i++ {
		var b byte
		if bytePos+i >= 0 && bytePos+i < len(key) {
			b = key[bytePos+i]
		}
		word = word<<8 | uint64(b)
	}
	var out byte
	packed := 0
	for bit := 63; bit >= 0 && packed < 8; bit-- {
		if mask&(uint64(1)<<uint(bit)) == 0 {
			continue
		}
		out <<= 1
		if word&(uint64(1)<<uint(bit)) != 0 {
			out |= 1
		}
		packed++
	}
	return out
}

// HOTEntry is one slot of a HOTLeafPage, kept sorted by KeySuffix.
type HOTEntry struct {
	KeySuffix []byte
	NodeKey   int64
	Payload   []byte
	Deleted   bool
}

// HOTLeafCapacity bounds the entry count a single HOTLeafPage holds
// before a split is required, chosen to match the 64-bit occupancy
// bitmap a BitmapChunkPage packs one bit per slot into.
const HOTLeafCapacity = 64

// HOTLeafPage is the keyed trie's leaf: a small sorted array of
// variable-length keys and their payloads (spec.md §4.I "leaf split").
type HOTLeafPage struct {
	base

	Entries []HOTEntry
}

// NewHOTLeafPage allocates an empty leaf.
func NewHOTLeafPage(key Key, revision uint64) *HOTLeafPage {
	return &HOTLeafPage{base: newBase(KindHOTLeaf, key, revision)}
}

func (p *HOTLeafPage) find(suffix []byte) (int, bool) {
	i := sort.Search(len(p.Entries), func(i int) bool {
		return bytes.Compare(p.Entries[i].KeySuffix, suffix) >= 0
	})
	if i < len(p.Entries) && bytes.Compare(p.Entries[i].KeySuffix, suffix) == 0 {
		return i, true
	}
	return i, false
}

// Get returns the live entry for suffix, or (nil, false) if absent or
// tombstoned.
func (p *HOTLeafPage) Get(suffix []byte) (*HOTEntry, bool) {
	i, ok := p.find(suffix)
	if !ok || p.Entries[i].Deleted {
		return nil, false
	}
	return &p.Entries[i], true
}

// Insert places entry in sorted position, overwriting any existing
// (even tombstoned) slot for the same suffix. Returns false if the
// leaf is at capacity and suffix is not already present — the caller
// must split.
func (p *HOTLeafPage) Insert(entry HOTEntry) bool {
	i, exists := p.find(entry.KeySuffix)
	if exists {
		p.Entries[i] = entry
		return true
	}
	if len(p.Entries) >= HOTLeafCapacity {
		return false
	}
	p.Entries = append(p.Entries, HOTEntry{})
	copy(p.Entries[i+1:], p.Entries[i:])
	p.Entries[i] = entry
	return true
}

// Remove tombstones the entry for suffix in place. Returns false if no
// live entry exists for suffix.
func (p *HOTLeafPage) Remove(suffix []byte) bool {
	i, ok := p.find(suffix)
	if !ok || p.Entries[i].Deleted {
		return false
	}
	p.Entries[i].Deleted = true
	return true
}

// Compact drops tombstoned entries, packing an occupancy bitmap via
// BitmapChunkPage to identify survivors without a second pass over
// Entries, and returns the number of slots reclaimed (spec.md §4.I
// "Try compact(); if bytes reclaimed, retry insert").
func (p *HOTLeafPage) Compact() int {
	chunk := NewBitmapChunkPage(p.PageKey(), p.Revision(), nil)
	for i, e := range p.Entries {
		if !e.Deleted {
			chunk.Set(i)
		}
	}
	reclaimed := len(p.Entries) - chunk.PopCount()
	if reclaimed == 0 {
		return 0
	}
	survivors := make([]HOTEntry, 0, chunk.PopCount())
	for i, e := range p.Entries {
		if chunk.IsSet(i) {
			survivors = append(survivors, e)
		}
	}
	p.Entries = survivors
	return reclaimed
}

// Full reports whether the leaf is at capacity and holds no tombstones
// to reclaim, meaning an insert of a new key requires a split.
func (p *HOTLeafPage) Full() bool {
	if len(p.Entries) < HOTLeafCapacity {
		return false
	}
	for _, e := range p.Entries {
		if e.Deleted {
			return false
		}
	}
	return true
}

// Clone deep-copies the entry slice.
func (p *HOTLeafPage) Clone(newRevision uint64) *HOTLeafPage {
	c := &HOTLeafPage{
		base:    newBase(KindHOTLeaf, p.PageKey(), newRevision),
		Entries: append([]HOTEntry(nil), p.Entries...),
	}
	return c
}

func (p *HOTLeafPage) Close() error { return p.requestClose() }

// BitmapChunkPage packs one presence bit per leaf slot (spec.md §3
// page kind BitmapChunk), used by HOTLeafPage.Compact to identify
// surviving (non-tombstoned) entries with a single popcount pass
// instead of repeated slice scans. Also addressable as a standalone
// page for a leaf whose entry count would otherwise force a second
// scan pass on every read of its presence state.
type BitmapChunkPage struct {
	base

	Bits []uint64
}

// NewBitmapChunkPage wraps a words slice (nil allocates HOTLeafCapacity
// bits' worth of words).
func NewBitmapChunkPage(key Key, revision uint64, words []uint64) *BitmapChunkPage {
	if words == nil {
		words = make([]uint64, (HOTLeafCapacity+63)/64)
	}
	return &BitmapChunkPage{base: newBase(KindBitmapChunk, key, revision), Bits: words}
}

func (c *BitmapChunkPage) Set(i int) { c.Bits[i/64] |= uint64(1) << uint(i%64) }

func (c *BitmapChunkPage) IsSet(i int) bool { return c.Bits[i/64]&(uint64(1)<<uint(i%64)) != 0 }

// PopCount returns the total number of set bits across every word.
func (c *BitmapChunkPage) PopCount() int {
	n := 0
	for _, w := range c.Bits {
		for w != 0 {
			w &= w - 1
			n++
		}
	}
	return n
}

func (c *BitmapChunkPage) Close() error { return c.requestClose() }
