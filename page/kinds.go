// Package page defines the tagged page variants and the universal page
// reference that is the edge type of the page graph (spec.md §3, §4.A).
package page

// Kind tags the variant a Page carries.
type Kind byte

const (
	KindUber Kind = iota + 1
	KindRevisionRoot
	KindIndirect
	KindKeyValueLeaf
	KindOverflow

	// Secondary-index page families (spec.md §3).
	KindName
	KindPath
	KindPathSummary
	KindCAS
	KindDeweyID

	// HOT (height-optimal trie) page families, written by package hottrie.
	KindHOTIndirect
	KindHOTLeaf
	KindBitmapChunk
)

func (k Kind) String() string {
	switch k {
	case KindUber:
		return "Uber"
	case KindRevisionRoot:
		return "RevisionRoot"
	case KindIndirect:
		return "Indirect"
	case KindKeyValueLeaf:
		return "KeyValueLeaf"
	case KindOverflow:
		return "Overflow"
	case KindName:
		return "Name"
	case KindPath:
		return "Path"
	case KindPathSummary:
		return "PathSummary"
	case KindCAS:
		return "CAS"
	case KindDeweyID:
		return "DeweyId"
	case KindHOTIndirect:
		return "HOTIndirect"
	case KindHOTLeaf:
		return "HOTLeaf"
	case KindBitmapChunk:
		return "BitmapChunk"
	default:
		return "Unknown"
	}
}

// IndexType identifies which secondary structure (or the primary
// document tree) a record or page belongs to (spec.md glossary).
type IndexType byte

const (
	IndexDocument IndexType = iota
	IndexName
	IndexPath
	IndexPathSummary
	IndexCAS
	IndexDeweyID
	IndexChangedNodes
	IndexRecordToRevisions
)

// IndirectFanoutBits is the number of bits decomposed per indirection
// trie level (spec.md §4.D: "bit-decomposed navigation"). 2^10 children
// per indirect page keeps the fanout wide without an oversized page.
const IndirectFanoutBits = 10

// LeafPageSize is the fixed size of a key-value leaf page's off-heap
// data segment (spec.md §3 "Leaf page byte layout").
const LeafPageSize = 64 * 1024

// RecordsPerLeaf is the number of contiguous logical records a single
// leaf page key addresses (spec.md glossary: "Leaf page / key-value
// page").
const RecordsPerLeaf = 512
