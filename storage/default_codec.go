package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/page"
)

// DefaultCodec implements Codec for every page kind this core's core
// spec defines, excluding the HOT trie's kinds (package hottrie wraps
// this codec to add those).
type DefaultCodec struct{}

func (DefaultCodec) Encode(p page.Page) ([]byte, error) {
	switch v := p.(type) {
	case *page.UberPage:
		return encodeUber(v), nil
	case *page.RevisionRootPage:
		return encodeRevisionRoot(v), nil
	case *page.IndirectPage:
		return encodeIndirect(v), nil
	case *page.LeafPage:
		return encodeLeaf(v), nil
	case *page.OverflowPage:
		return v.Data, nil
	default:
		return nil, fmt.Errorf("storage: no default codec for page kind %v", p.Kind())
	}
}

func (DefaultCodec) Decode(kind page.Kind, key page.Key, revision uint64, resourceID, databaseID uuid.UUID, data []byte) (page.Page, error) {
	switch kind {
	case page.KindUber:
		return decodeUber(data), nil
	case page.KindRevisionRoot:
		return decodeRevisionRoot(data, revision, resourceID, databaseID), nil
	case page.KindIndirect, page.KindName, page.KindPath, page.KindPathSummary, page.KindCAS, page.KindDeweyID:
		return decodeIndirect(kind, key, revision, data, resourceID, databaseID), nil
	case page.KindKeyValueLeaf:
		return decodeLeaf(key, revision, data), nil
	case page.KindOverflow:
		return page.NewOverflowPage(key, revision, append([]byte(nil), data...)), nil
	default:
		return nil, fmt.Errorf("storage: no default codec for page kind %v", kind)
	}
}

func encodeUber(u *page.UberPage) []byte {
	buf := make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint64(buf, u.Revision)
	buf = EncodeRef(buf, u.RevisionRootRef)
	return buf
}

func decodeUber(data []byte) *page.UberPage {
	u := page.NewUberPage()
	u.Revision = binary.BigEndian.Uint64(data[0:])
	ref, _ := DecodeRef(data, 8, uuid.Nil, uuid.Nil)
	u.RevisionRootRef = ref
	return u
}

func encodeRevisionRoot(r *page.RevisionRootPage) []byte {
	buf := make([]byte, 0, 256)
	buf = appendString(buf, r.User)
	buf = appendString(buf, r.Message)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timestamp.UnixNano()))

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.MaxNodeKeys)))
	for idx, v := range r.MaxNodeKeys {
		buf = append(buf, byte(idx))
		buf = binary.BigEndian.AppendUint64(buf, uint64(v))
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.IndexRoots)))
	for idx, ref := range r.IndexRoots {
		buf = append(buf, byte(idx))
		buf = EncodeRef(buf, ref)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.MaxLevels)))
	for idx, level := range r.MaxLevels {
		buf = append(buf, byte(idx))
		buf = binary.BigEndian.AppendUint32(buf, uint32(level))
	}
	return buf
}

func decodeRevisionRoot(data []byte, revision uint64, resourceID, databaseID uuid.UUID) *page.RevisionRootPage {
	r := page.NewRevisionRootPage(revision)
	pos := 0
	r.User, pos = readString(data, pos)
	r.Message, pos = readString(data, pos)
	ts := int64(binary.BigEndian.Uint64(data[pos:]))
	pos += 8
	r.Timestamp = time.Unix(0, ts).UTC()

	nCounters := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	for i := uint32(0); i < nCounters; i++ {
		idx := page.IndexType(data[pos])
		pos++
		v := int64(binary.BigEndian.Uint64(data[pos:]))
		pos += 8
		r.MaxNodeKeys[idx] = v
	}

	nRoots := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	for i := uint32(0); i < nRoots; i++ {
		idx := page.IndexType(data[pos])
		pos++
		var ref *page.Ref
		ref, pos = DecodeRef(data, pos, resourceID, databaseID)
		r.IndexRoots[idx] = ref
	}

	nLevels := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	for i := uint32(0); i < nLevels; i++ {
		idx := page.IndexType(data[pos])
		r.MaxLevels[idx] = int(binary.BigEndian.Uint32(data[pos+1:]))
		pos += 5
	}
	return r
}

func encodeIndirect(p *page.IndirectPage) []byte {
	children := p.Children()
	buf := make([]byte, 0, 1024)
	var nonNil uint32
	for _, c := range children {
		if c != nil {
			nonNil++
		}
	}
	buf = binary.BigEndian.AppendUint32(buf, nonNil)
	for slot, c := range children {
		if c == nil {
			continue
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(slot))
		buf = EncodeRef(buf, c)
	}
	return buf
}

func decodeIndirect(kind page.Kind, key page.Key, revision uint64, data []byte, resourceID, databaseID uuid.UUID) *page.IndirectPage {
	p := page.NewIndirectPage(kind, key, revision)
	pos := 0
	n := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	for i := uint32(0); i < n; i++ {
		slot := binary.BigEndian.Uint32(data[pos:])
		pos += 4
		var ref *page.Ref
		ref, pos = DecodeRef(data, pos, resourceID, databaseID)
		p.SetChild(int(slot), ref)
	}
	return p
}

func encodeLeaf(p *page.LeafPage) []byte {
	raw := p.RawBytes()
	buf := make([]byte, 0, len(raw)+8)
	buf = binary.BigEndian.AppendUint32(buf, p.FreePtr())
	dewey, ok := p.DeweyID()
	if ok {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(dewey)))
		buf = append(buf, dewey...)
	} else {
		buf = binary.BigEndian.AppendUint32(buf, 0)
	}
	buf = append(buf, raw...)
	return buf
}

func decodeLeaf(key page.Key, revision uint64, data []byte) *page.LeafPage {
	pos := 0
	freePtr := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	deweyLen := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	var dewey []byte
	if deweyLen > 0 {
		dewey = append([]byte(nil), data[pos:pos+int(deweyLen)]...)
		pos += int(deweyLen)
	}
	return page.LoadLeafPage(key, revision, freePtr, data[pos:], dewey)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readString(data []byte, pos int) (string, int) {
	n := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	s := string(data[pos : pos+int(n)])
	return s, pos + int(n)
}
