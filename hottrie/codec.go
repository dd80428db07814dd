package hottrie

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/storage"
)

// Codec wraps storage.DefaultCodec to add the keyed trie's three page
// kinds (HOTIndirect, HOTLeaf, BitmapChunk), composing rather than
// duplicating the base codec's type switch (storage/codec.go: "package
// hottrie supplies via a wrapping Codec").
type Codec struct {
	Base storage.DefaultCodec
}

func (c Codec) Encode(p page.Page) ([]byte, error) {
	switch v := p.(type) {
	case *page.HOTIndirectPage:
		return encodeHOTIndirect(v), nil
	case *page.HOTLeafPage:
		return encodeHOTLeaf(v), nil
	case *page.BitmapChunkPage:
		return encodeBitmapChunk(v), nil
	default:
		return c.Base.Encode(p)
	}
}

func (c Codec) Decode(kind page.Kind, key page.Key, revision uint64, resourceID, databaseID uuid.UUID, data []byte) (page.Page, error) {
	switch kind {
	case page.KindHOTIndirect:
		return decodeHOTIndirect(key, revision, data, resourceID, databaseID), nil
	case page.KindHOTLeaf:
		return decodeHOTLeaf(key, revision, data), nil
	case page.KindBitmapChunk:
		return decodeBitmapChunk(key, revision, data), nil
	default:
		return c.Base.Decode(kind, key, revision, resourceID, databaseID, data)
	}
}

func encodeHOTIndirect(p *page.HOTIndirectPage) []byte {
	buf := make([]byte, 0, 256)
	buf = binary.BigEndian.AppendUint64(buf, uint64(int64(p.InitialBytePos)))
	buf = binary.BigEndian.AppendUint64(buf, p.Mask)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Children)))
	for _, ch := range p.Children {
		buf = append(buf, ch.PartialKey)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(ch.MinKey)))
		buf = append(buf, ch.MinKey...)
		buf = storage.EncodeRef(buf, ch.Ref)
	}
	return buf
}

func decodeHOTIndirect(key page.Key, revision uint64, data []byte, resourceID, databaseID uuid.UUID) *page.HOTIndirectPage {
	p := page.NewHOTIndirectPage(key, revision)
	pos := 0
	p.InitialBytePos = int(int64(binary.BigEndian.Uint64(data[pos:])))
	pos += 8
	p.Mask = binary.BigEndian.Uint64(data[pos:])
	pos += 8
	n := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	p.Children = make([]page.HOTChild, 0, n)
	for i := uint32(0); i < n; i++ {
		partialKey := data[pos]
		pos++
		minKeyLen := binary.BigEndian.Uint32(data[pos:])
		pos += 4
		minKey := append([]byte(nil), data[pos:pos+int(minKeyLen)]...)
		pos += int(minKeyLen)
		var ref *page.Ref
		ref, pos = storage.DecodeRef(data, pos, resourceID, databaseID)
		p.Children = append(p.Children, page.HOTChild{PartialKey: partialKey, MinKey: minKey, Ref: ref})
	}
	return p
}

func encodeHOTLeaf(p *page.HOTLeafPage) []byte {
	buf := make([]byte, 0, 512)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Entries)))
	for _, e := range p.Entries {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.KeySuffix)))
		buf = append(buf, e.KeySuffix...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.NodeKey))
		if e.Deleted {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
		buf = append(buf, e.Payload...)
	}
	return buf
}

func decodeHOTLeaf(key page.Key, revision uint64, data []byte) *page.HOTLeafPage {
	p := page.NewHOTLeafPage(key, revision)
	pos := 0
	n := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	p.Entries = make([]page.HOTEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		suffixLen := binary.BigEndian.Uint32(data[pos:])
		pos += 4
		suffix := append([]byte(nil), data[pos:pos+int(suffixLen)]...)
		pos += int(suffixLen)
		nodeKey := int64(binary.BigEndian.Uint64(data[pos:]))
		pos += 8
		deleted := data[pos] == 1
		pos++
		payloadLen := binary.BigEndian.Uint32(data[pos:])
		pos += 4
		payload := append([]byte(nil), data[pos:pos+int(payloadLen)]...)
		pos += int(payloadLen)
		p.Entries = append(p.Entries, page.HOTEntry{
			KeySuffix: suffix,
			NodeKey:   nodeKey,
			Payload:   payload,
			Deleted:   deleted,
		})
	}
	return p
}

func encodeBitmapChunk(p *page.BitmapChunkPage) []byte {
	buf := make([]byte, 0, 8+8*len(p.Bits))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Bits)))
	for _, w := range p.Bits {
		buf = binary.BigEndian.AppendUint64(buf, w)
	}
	return buf
}

func decodeBitmapChunk(key page.Key, revision uint64, data []byte) *page.BitmapChunkPage {
	pos := 0
	n := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	words := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		words[i] = binary.BigEndian.Uint64(data[pos:])
		pos += 8
	}
	return page.NewBitmapChunkPage(key, revision, words)
}

var _ storage.Codec = Codec{}
