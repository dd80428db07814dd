package storage

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/page"
)

// EncodeRef appends the on-disk form of a child reference: page key,
// disk key (-1 sentinel if unwritten), and its fragment list. The
// swizzled page, log key, and generation are in-memory-only fields
// (spec.md §3: "The swizzled page is a cache, never a source of
// truth") and are never persisted. Exported so package hottrie's own
// Codec can reuse this exact wire format for its indirect nodes'
// children instead of inventing a second one.
func EncodeRef(buf []byte, ref *page.Ref) []byte {
	if ref == nil {
		return binary.BigEndian.AppendUint64(buf, 0) // zero presence marker means "nil"
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], 1) // presence marker
	buf = append(buf, tmp[:]...)

	buf = binary.BigEndian.AppendUint64(buf, uint64(ref.PageKey))
	dk, ok := ref.DiskKey()
	if !ok {
		dk = -1
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(dk))

	frags := ref.FragmentsSnapshot()
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(frags)))
	for _, f := range frags {
		buf = binary.BigEndian.AppendUint64(buf, uint64(f))
	}
	return buf
}

// DecodeRef reads back a reference encoded by EncodeRef, returning the
// new slice position. Decoded references always start detached from
// any TIL (no log key) and with a fresh identity, since page.ID is a
// process-local allocation counter, not a persisted value.
func DecodeRef(data []byte, pos int, resourceID, databaseID uuid.UUID) (*page.Ref, int) {
	present := binary.BigEndian.Uint64(data[pos:])
	pos += 8
	if present == 0 {
		return nil, pos
	}

	key := page.Key(binary.BigEndian.Uint64(data[pos:]))
	pos += 8
	diskKey := int64(binary.BigEndian.Uint64(data[pos:]))
	pos += 8
	fragCount := binary.BigEndian.Uint32(data[pos:])
	pos += 4

	ref := page.NewRef(key, resourceID, databaseID)
	if diskKey >= 0 {
		ref.SetDiskKey(diskKey)
	}
	for i := uint32(0); i < fragCount; i++ {
		ref.Fragments = append(ref.Fragments, int64(binary.BigEndian.Uint64(data[pos:])))
		pos += 8
	}
	return ref, pos
}
