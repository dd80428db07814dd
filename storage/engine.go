package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/common"
	"github.com/pageframe/storecore/page"
)

// headerSize is the fixed prefix every serialized page carries on disk:
// kind tag (1 byte), page key (8 bytes), revision (8 bytes), payload
// length (4 bytes) (spec.md §6: "a page-kind tag and a length").
const headerSize = 1 + 8 + 8 + 4

// uberTailMarker is written immediately after the most recent uber page
// so readUberPageReference can discover it without scanning the whole
// file (spec.md §6: "An uber page is written at a well-known tail
// offset").
const uberTailMarker = 0x5542455200000000 // "UBER" + zero low word

// Engine is the opaque physical block reader/writer collaborator of
// spec.md §6. It owns a single append-mostly data file plus the
// sentinel commit file and the per-revision index-definitions files,
// grounded on the teacher's Pager file-handling pattern (single
// *os.File, offset-addressed reads/writes, an explicit Sync/Close
// pair) generalized from fixed-size pages to this core's variable-
// length, tagged page records.
type Engine struct {
	mu   sync.Mutex
	file *os.File
	dir  string

	codec Codec

	resourceID uuid.UUID
	databaseID uuid.UUID

	uberOffset int64 // -1 if no uber page has ever been written
	tailOffset int64 // next write position (EOF watermark)

	stats common.PageStoreStats
}

// OpenEngine opens (or creates) the data file at dir/data.db and
// discovers the latest uber page reference by reading the trailer
// written by the previous WriteUberPageReference call, if any.
func OpenEngine(dir string, resourceID, databaseID uuid.UUID, codec Codec) (*Engine, error) {
	path := dir + "/data.db"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	e := &Engine{
		file:       f,
		dir:        dir,
		codec:      codec,
		resourceID: resourceID,
		databaseID: databaseID,
		uberOffset: -1,
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	e.tailOffset = info.Size()

	if err := e.recoverUberOffset(); err != nil {
		f.Close()
		return nil, err
	}
	return e, nil
}

// recoverUberOffset scans the trailer: the last 16 bytes of the file,
// if present and tagged with uberTailMarker, name the absolute offset
// of the most recently committed uber page.
func (e *Engine) recoverUberOffset() error {
	if e.tailOffset < 16 {
		return nil
	}
	trailer := make([]byte, 16)
	if _, err := e.file.ReadAt(trailer, e.tailOffset-16); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: reading trailer: %v", common.ErrIO, err)
	}
	marker := binary.BigEndian.Uint64(trailer[:8])
	if marker != uberTailMarker {
		return nil
	}
	e.uberOffset = int64(binary.BigEndian.Uint64(trailer[8:]))
	return nil
}

// Read is the synchronous page read: resolve a reference's disk key to
// bytes and decode. Blocks on disk I/O (spec.md §6 "read").
func (e *Engine) Read(ref *page.Ref, kind page.Kind) (page.Page, error) {
	offset, ok := ref.DiskKey()
	if !ok {
		return nil, common.ErrPageNotFound
	}
	return e.readAt(offset, kind)
}

// ReadAsync launches Read on a goroutine and returns a channel
// delivering the single result, this module's equivalent of the
// spec's FuturePage (spec.md §6 "readAsync").
func (e *Engine) ReadAsync(ref *page.Ref, kind page.Kind) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		p, err := e.Read(ref, kind)
		out <- Result{Page: p, Err: err}
	}()
	return out
}

// Result is the value delivered by ReadAsync's channel.
type Result struct {
	Page page.Page
	Err  error
}

// ReadOffset reads and decodes the page stored at an absolute disk
// offset directly, used to load an individual fragment whose offset is
// already known (spec.md §4.E fragment combining) rather than a
// reference's current disk key.
func (e *Engine) ReadOffset(offset int64, kind page.Kind) (page.Page, error) {
	return e.readAt(offset, kind)
}

func (e *Engine) readAt(offset int64, kind page.Kind) (page.Page, error) {
	header := make([]byte, headerSize)
	if _, err := e.file.ReadAt(header, offset); err != nil {
		return nil, fmt.Errorf("%w: reading page header at %d: %v", common.ErrIO, offset, err)
	}
	storedKind := page.Kind(header[0])
	key := page.Key(binary.BigEndian.Uint64(header[1:]))
	revision := binary.BigEndian.Uint64(header[9:])
	length := binary.BigEndian.Uint32(header[17:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := e.file.ReadAt(payload, offset+headerSize); err != nil {
			return nil, fmt.Errorf("%w: reading page payload at %d: %v", common.ErrIO, offset, err)
		}
	}

	if kind != 0 && kind != storedKind {
		return nil, fmt.Errorf("storage: page at offset %d has kind %v, expected %v", offset, storedKind, kind)
	}

	p, err := e.codec.Decode(storedKind, key, revision, e.resourceID, e.databaseID, payload)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.stats.PagesRead++
	e.mu.Unlock()
	return p, nil
}

// ReadUberPageReference returns the disk offset of the most recently
// committed uber page, or (-1, false) for a freshly created resource.
func (e *Engine) ReadUberPageReference() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uberOffset, e.uberOffset >= 0
}

// Write serializes p via the codec and appends it at EOF, stamping
// ref's disk key with the write offset (spec.md §6 "write ... stamps
// PageRef.key with that offset"). There is no caller-supplied buffer:
// this engine always appends its own freshly-encoded bytes.
func (e *Engine) Write(ref *page.Ref, p page.Page) error {
	payload, err := e.codec.Encode(p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	offset := e.tailOffset
	if err := e.writeRecordLocked(offset, p.Kind(), p.PageKey(), p.Revision(), payload); err != nil {
		return err
	}
	ref.SetDiskKey(offset)
	e.stats.PagesWritten++
	return nil
}

// WriteEncoded writes an already-serialized page payload, letting a
// caller that pre-serialized in parallel (spec.md §4.G step 4) skip
// re-encoding on the depth-first write.
func (e *Engine) WriteEncoded(ref *page.Ref, kind page.Kind, key page.Key, revision uint64, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	offset := e.tailOffset
	if err := e.writeRecordLocked(offset, kind, key, revision, payload); err != nil {
		return err
	}
	ref.SetDiskKey(offset)
	e.stats.PagesWritten++
	return nil
}

func (e *Engine) writeRecordLocked(offset int64, kind page.Kind, key page.Key, revision uint64, payload []byte) error {
	header := make([]byte, headerSize)
	header[0] = byte(kind)
	binary.BigEndian.PutUint64(header[1:], uint64(key))
	binary.BigEndian.PutUint64(header[9:], revision)
	binary.BigEndian.PutUint32(header[17:], uint32(len(payload)))

	if _, err := e.file.WriteAt(header, offset); err != nil {
		return fmt.Errorf("%w: writing page header at %d: %v", common.ErrIO, offset, err)
	}
	if len(payload) > 0 {
		if _, err := e.file.WriteAt(payload, offset+headerSize); err != nil {
			return fmt.Errorf("%w: writing page payload at %d: %v", common.ErrIO, offset, err)
		}
	}
	e.tailOffset = offset + headerSize + int64(len(payload))
	return nil
}

// WriteUberPageReference writes u and atomically supersedes the prior
// uber reference by appending a fresh trailer that points at it
// (spec.md §6: "same, but atomically supersedes the prior uber
// reference"). The trailer write is the single fsync-ordered operation
// that makes a commit visible to a subsequent Open.
func (e *Engine) WriteUberPageReference(ref *page.Ref, u *page.UberPage) error {
	payload, err := e.codec.Encode(u)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	offset := e.tailOffset
	if err := e.writeRecordLocked(offset, u.Kind(), u.PageKey(), u.Revision(), payload); err != nil {
		return err
	}
	ref.SetDiskKey(offset)

	trailer := make([]byte, 16)
	binary.BigEndian.PutUint64(trailer[:8], uberTailMarker)
	binary.BigEndian.PutUint64(trailer[8:], uint64(offset))
	if _, err := e.file.WriteAt(trailer, e.tailOffset); err != nil {
		return fmt.Errorf("%w: writing uber trailer: %v", common.ErrIO, err)
	}
	e.tailOffset += 16
	e.uberOffset = offset
	return nil
}

// EncodePage runs the engine's codec without writing anything, letting
// the commit pipeline pre-serialize pages in parallel ahead of the
// depth-first write (spec.md §4.G step 4).
func (e *Engine) EncodePage(p page.Page) ([]byte, error) {
	return e.codec.Encode(p)
}

// ForceAll durably flushes the data file (spec.md §6 "forceAll").
func (e *Engine) ForceAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fdatasync(e.file); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

// TruncateTo removes every committed revision beyond the given one by
// truncating the file back to the trailer of that revision's uber
// page, then rewriting a trailer that points at it (spec.md §6
// "truncateTo(writer, revision)", used by history trim). Offsets of
// revisions at or before the target are unaffected, since this engine
// never rewrites a page in place.
func (e *Engine) TruncateTo(revision uint64, findUberOffsetForRevision func(uint64) (int64, bool)) error {
	offset, ok := findUberOffsetForRevision(revision)
	if !ok {
		return fmt.Errorf("storage: no uber page recorded for revision %d", revision)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	header := make([]byte, headerSize)
	if _, err := e.file.ReadAt(header, offset); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	length := binary.BigEndian.Uint32(header[17:])
	newTail := offset + headerSize + int64(length)

	if err := e.file.Truncate(newTail); err != nil {
		return fmt.Errorf("%w: truncating: %v", common.ErrIO, err)
	}
	e.tailOffset = newTail

	trailer := make([]byte, 16)
	binary.BigEndian.PutUint64(trailer[:8], uberTailMarker)
	binary.BigEndian.PutUint64(trailer[8:], uint64(offset))
	if _, err := e.file.WriteAt(trailer, e.tailOffset); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	e.tailOffset += 16
	e.uberOffset = offset
	return nil
}

// Stats returns a snapshot of this engine's read/write counters.
func (e *Engine) Stats() common.PageStoreStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Close flushes and closes the underlying file.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return e.file.Close()
}
