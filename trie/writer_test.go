package trie

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/common"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/txlog"
)

// noopLoader is never actually consulted in these tests: every
// indirect page visited was created fresh by this same Writer and so
// is always already resident in the TIL.
type noopLoader struct{}

func (noopLoader) Load(ref *page.Ref) (page.Page, error) {
	return nil, common.ErrPageNotFound
}

func newTestWriter() *Writer {
	return &Writer{
		Log:        txlog.New(),
		Loader:     noopLoader{},
		ResourceID: uuid.Nil,
		DatabaseID: uuid.Nil,
	}
}

func TestPrepareLeafRefCreatesFreshSlot(t *testing.T) {
	w := newTestWriter()
	var root *page.Ref
	maxLevel := 0

	leafRef, err := w.PrepareLeafRef(&root, &maxLevel, 42, 1)
	if err != nil {
		t.Fatalf("PrepareLeafRef: %v", err)
	}
	if leafRef == nil {
		t.Fatal("expected a non-nil leaf reference")
	}
	if root == nil {
		t.Fatal("expected root to be allocated")
	}
	if maxLevel < 1 {
		t.Fatalf("expected maxLevel >= 1, got %d", maxLevel)
	}
}

func TestPrepareLeafRefIsIdempotentWithinOneTransaction(t *testing.T) {
	w := newTestWriter()
	var root *page.Ref
	maxLevel := 0

	first, err := w.PrepareLeafRef(&root, &maxLevel, 7, 1)
	if err != nil {
		t.Fatalf("first PrepareLeafRef: %v", err)
	}
	second, err := w.PrepareLeafRef(&root, &maxLevel, 7, 1)
	if err != nil {
		t.Fatalf("second PrepareLeafRef: %v", err)
	}
	if first != second {
		t.Fatal("expected repeated lookups of the same key to return the same leaf reference")
	}
}

func TestPrepareLeafRefGrowsRootOnOverflow(t *testing.T) {
	w := newTestWriter()
	var root *page.Ref
	maxLevel := 0

	_, err := w.PrepareLeafRef(&root, &maxLevel, 1, 1)
	if err != nil {
		t.Fatalf("PrepareLeafRef small key: %v", err)
	}
	levelsBefore := maxLevel

	bigKey := page.Key(int64(1) << (2 * page.IndirectFanoutBits))
	_, err = w.PrepareLeafRef(&root, &maxLevel, bigKey, 1)
	if err != nil {
		t.Fatalf("PrepareLeafRef big key: %v", err)
	}
	if maxLevel <= levelsBefore {
		t.Fatalf("expected root growth to increase maxLevel beyond %d, got %d", levelsBefore, maxLevel)
	}
}

func TestPrepareLeafRefDistinctKeysGetDistinctSlots(t *testing.T) {
	w := newTestWriter()
	var root *page.Ref
	maxLevel := 0

	a, err := w.PrepareLeafRef(&root, &maxLevel, 1, 1)
	if err != nil {
		t.Fatalf("PrepareLeafRef(1): %v", err)
	}
	b, err := w.PrepareLeafRef(&root, &maxLevel, 2, 1)
	if err != nil {
		t.Fatalf("PrepareLeafRef(2): %v", err)
	}
	if a == b {
		t.Fatal("expected distinct keys to resolve to distinct leaf references")
	}
}

func TestPrepareLeafRefRespectsMaxTreeHeight(t *testing.T) {
	w := newTestWriter()
	w.MaxTreeHeight = 1
	var root *page.Ref
	maxLevel := 0

	if _, err := w.PrepareLeafRef(&root, &maxLevel, 1, 1); err != nil {
		t.Fatalf("PrepareLeafRef within height: %v", err)
	}

	bigKey := page.Key(int64(1) << page.IndirectFanoutBits)
	_, err := w.PrepareLeafRef(&root, &maxLevel, bigKey, 1)
	if err != common.ErrTreeHeightExceeded {
		t.Fatalf("expected ErrTreeHeightExceeded, got %v", err)
	}
}
