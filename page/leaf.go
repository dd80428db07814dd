package page

import (
	"encoding/binary"
	"errors"
)

// slotEntrySize is the fixed-size slot directory entry: payload
// offset (4 bytes), payload length (4 bytes), flags (1 byte: bit0 =
// occupied, bit1 = tombstone).
const slotEntrySize = 9

const (
	slotFlagOccupied  = 1 << 0
	slotFlagTombstone = 1 << 1
)

// slotDirSize reserves one fixed-position slot per logical record the
// leaf addresses (spec.md glossary: "a contiguous range of 512 logical
// records").
const slotDirSize = RecordsPerLeaf * slotEntrySize

var (
	// ErrLeafFull is returned by SetRecord when the payload region has
	// no room left, even after the caller may attempt Compact().
	ErrLeafFull = errors.New("leaf page has no free payload space")
)

// Record is the user-level payload this core treats as opaque beyond
// its byte length (spec.md §1 Non-goals: "serialization of user
// records beyond the byte layout of a page"). NodeKey identifies the
// record within its IndexType/IndexNumber; Deleted marks a tombstone
// left by removeRecord (spec.md §4.F).
type Record struct {
	NodeKey     int64
	IndexType   IndexType
	IndexNumber int
	Payload     []byte
	Deleted     bool
}

// LeafPage is the key-value leaf: a 64KB off-heap segment holding a
// fixed-size slot directory and a packed payload region growing
// backward from the end (spec.md §3 "Leaf page byte layout",
// §4.A). A parallel in-memory table caches deserialized Records keyed
// by in-page offset so repeated GetRecord calls avoid re-parsing the
// byte segment.
type LeafPage struct {
	base

	data    [LeafPageSize]byte
	freePtr uint32 // next write position, grows backward toward slotDirSize

	records map[uint16]*Record // parallel in-memory table, spec.md §4.A
	dewey   []byte              // optional DeweyID segment (areDeweyIDsStored)
}

// NewLeafPage allocates a fresh, empty leaf page pair member.
func NewLeafPage(key Key, revision uint64) *LeafPage {
	p := &LeafPage{
		base:    newBase(KindKeyValueLeaf, key, revision),
		freePtr: LeafPageSize,
		records: make(map[uint16]*Record),
	}
	return p
}

func (p *LeafPage) slotOffset(offset uint16) int { return int(offset) * slotEntrySize }

func (p *LeafPage) readSlot(offset uint16) (payloadOff, payloadLen uint32, flags byte) {
	o := p.slotOffset(offset)
	payloadOff = binary.BigEndian.Uint32(p.data[o:])
	payloadLen = binary.BigEndian.Uint32(p.data[o+4:])
	flags = p.data[o+8]
	return
}

func (p *LeafPage) writeSlot(offset uint16, payloadOff, payloadLen uint32, flags byte) {
	o := p.slotOffset(offset)
	binary.BigEndian.PutUint32(p.data[o:], payloadOff)
	binary.BigEndian.PutUint32(p.data[o+4:], payloadLen)
	p.data[o+8] = flags
}

// GetSlot returns a zero-copy view into the payload region for the
// given in-page offset, or (nil, false) if the slot is empty.
func (p *LeafPage) GetSlot(offset uint16) ([]byte, bool) {
	payloadOff, payloadLen, flags := p.readSlot(offset)
	if flags&slotFlagOccupied == 0 {
		return nil, false
	}
	return p.data[payloadOff : payloadOff+payloadLen], true
}

// SetRecord places a deserialized Record into the in-memory table and
// serializes its payload into the byte segment.
func (p *LeafPage) SetRecord(offset uint16, rec *Record) error {
	if rec.Deleted {
		p.writeSlot(offset, 0, 0, slotFlagOccupied|slotFlagTombstone)
		p.records[offset] = rec
		return nil
	}

	need := uint32(len(rec.Payload))
	dirEnd := uint32(slotDirSize)
	if p.freePtr < dirEnd+need {
		return ErrLeafFull
	}
	newFree := p.freePtr - need
	copy(p.data[newFree:newFree+need], rec.Payload)
	p.writeSlot(offset, newFree, need, slotFlagOccupied)
	p.freePtr = newFree

	p.records[offset] = rec
	return nil
}

// GetRecord returns the record at the given in-page offset, preferring
// the in-memory cache and falling back to deserializing the raw slot.
func (p *LeafPage) GetRecord(offset uint16) (*Record, bool) {
	if rec, ok := p.records[offset]; ok {
		return rec, true
	}
	payloadOff, payloadLen, flags := p.readSlot(offset)
	if flags&slotFlagOccupied == 0 {
		return nil, false
	}
	rec := &Record{NodeKey: int64(offset), Deleted: flags&slotFlagTombstone != 0}
	if !rec.Deleted {
		rec.Payload = append([]byte(nil), p.data[payloadOff:payloadOff+payloadLen]...)
	}
	p.records[offset] = rec
	return rec, true
}

// DeleteRecord places a tombstone at the given offset (spec.md §4.F
// removeRecord: "places a DeletedNode marker ... so both overlays
// report deletion on combine").
func (p *LeafPage) DeleteRecord(offset uint16) {
	p.writeSlot(offset, 0, 0, slotFlagOccupied|slotFlagTombstone)
	p.records[offset] = &Record{NodeKey: int64(offset), Deleted: true}
}

// IsOccupied reports whether a slot (live record or tombstone) exists.
func (p *LeafPage) IsOccupied(offset uint16) bool {
	_, _, flags := p.readSlot(offset)
	return flags&slotFlagOccupied != 0
}

// Compact rewrites the payload region to reclaim space left by
// overwritten records, returning the number of bytes reclaimed
// (spec.md §4.A: "rewrites the segment to reclaim fragmented payload
// space, returning bytes reclaimed").
func (p *LeafPage) Compact() int {
	type live struct {
		offset uint16
		data   []byte
	}
	var liveSlots []live
	for off := uint16(0); off < RecordsPerLeaf; off++ {
		payloadOff, payloadLen, flags := p.readSlot(off)
		if flags&slotFlagOccupied == 0 || flags&slotFlagTombstone != 0 {
			continue
		}
		buf := append([]byte(nil), p.data[payloadOff:payloadOff+payloadLen]...)
		liveSlots = append(liveSlots, live{offset: off, data: buf})
	}

	before := LeafPageSize - int(p.freePtr)
	newFree := uint32(LeafPageSize)
	for _, l := range liveSlots {
		n := uint32(len(l.data))
		newFree -= n
		copy(p.data[newFree:newFree+n], l.data)
		p.writeSlot(l.offset, newFree, n, slotFlagOccupied)
	}
	p.freePtr = newFree
	after := LeafPageSize - int(p.freePtr)
	return before - after
}

// Clone performs a deep copy, used when COW-copying `complete` into a
// fresh `modified` page (spec.md §4.D policy, §4.F).
func (p *LeafPage) Clone(newRevision uint64) *LeafPage {
	c := &LeafPage{
		base:    newBase(KindKeyValueLeaf, p.PageKey(), newRevision),
		freePtr: p.freePtr,
		records: make(map[uint16]*Record, len(p.records)),
	}
	c.data = p.data
	for k, v := range p.records {
		cp := *v
		cp.Payload = append([]byte(nil), v.Payload...)
		c.records[k] = &cp
	}
	if p.dewey != nil {
		c.dewey = append([]byte(nil), p.dewey...)
	}
	return c
}

// RawBytes returns a copy of the page's full off-heap byte segment
// (slot directory plus payload region), the physical on-disk layout a
// storage codec persists verbatim.
func (p *LeafPage) RawBytes() []byte {
	out := make([]byte, LeafPageSize)
	copy(out, p.data[:])
	return out
}

// FreePtr returns the current free-space watermark (spec.md §3 "Leaf
// page byte layout").
func (p *LeafPage) FreePtr() uint32 { return p.freePtr }

// LoadLeafPage reconstructs a leaf page from its physical byte layout
// (as produced by RawBytes/FreePtr), used by a storage codec's Decode.
// The in-memory record table is left empty; GetRecord lazily
// deserializes from the raw segment on first access.
func LoadLeafPage(key Key, revision uint64, freePtr uint32, raw []byte, dewey []byte) *LeafPage {
	p := &LeafPage{
		base:    newBase(KindKeyValueLeaf, key, revision),
		freePtr: freePtr,
		records: make(map[uint16]*Record),
	}
	copy(p.data[:], raw)
	if dewey != nil {
		p.dewey = append([]byte(nil), dewey...)
	}
	return p
}

// SetDeweyID stores the optional DeweyID byte segment (config flag
// areDeweyIDsStored, spec.md §6).
func (p *LeafPage) SetDeweyID(data []byte) { p.dewey = append([]byte(nil), data...) }

// DeweyID returns the optional DeweyID byte segment, if allocated.
func (p *LeafPage) DeweyID() ([]byte, bool) { return p.dewey, p.dewey != nil }

// Close releases off-heap memory back to the allocator. Idempotent;
// deferred if the page is still guarded (spec.md §4.A).
func (p *LeafPage) Close() error { return p.requestClose() }
