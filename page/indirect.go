package page

// IndirectPage is a non-leaf trie node: an array of page references
// only, no payload (spec.md §4.D policy: "Indirect-page children are
// page references only"). The same shape, tagged with a different
// Kind, backs the secondary-index sub-tree roots (Name/Path/
// PathSummary/CAS/DeweyID) listed in spec.md §3's page-kind list,
// since those sub-trees are themselves indirection tries over a
// different IndexType.
type IndirectPage struct {
	base

	children []*Ref
}

// NewIndirectPage allocates an indirect page with a fixed fanout
// (1<<IndirectFanoutBits children, all initially nil).
func NewIndirectPage(kind Kind, key Key, revision uint64) *IndirectPage {
	return &IndirectPage{
		base:     newBase(kind, key, revision),
		children: make([]*Ref, 1<<IndirectFanoutBits),
	}
}

// Child returns the reference at the given slot, which may be nil if
// that subtree has never been written.
func (p *IndirectPage) Child(slot int) *Ref { return p.children[slot] }

// SetChild installs a reference at the given slot.
func (p *IndirectPage) SetChild(slot int, ref *Ref) { p.children[slot] = ref }

// Children returns the backing slice directly; callers that need COW
// semantics must Clone first.
func (p *IndirectPage) Children() []*Ref { return p.children }

// Clone deep-copies the child reference slice (the references
// themselves are shared pointers per spec.md §4.A — "readers treat the
// reference as monotonically progressing" — only the slice that holds
// them is copied so a COW's child-slot update does not mutate the
// original page).
func (p *IndirectPage) Clone(newRevision uint64) *IndirectPage {
	c := &IndirectPage{
		base:     newBase(p.Kind(), p.PageKey(), newRevision),
		children: make([]*Ref, len(p.children)),
	}
	copy(c.children, p.children)
	return c
}

func (p *IndirectPage) Close() error { return p.requestClose() }
