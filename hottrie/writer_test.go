package hottrie

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/common"
	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/txlog"
)

// noopLoader is never actually consulted in these tests: every node
// visited was created fresh by this same Writer and so is always
// already resident in the TIL.
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

func entry(suffix string, nodeKey int64) page.HOTEntry {
	return page.HOTEntry{KeySuffix: []byte(suffix), NodeKey: nodeKey, Payload: []byte(suffix)}
}

func TestInsertBootstrapsEmptyRoot(t *testing.T) {
	w := newTestWriter()
	var root *page.Ref

	if err := w.Insert(&root, []byte("a"), entry("a", 1), 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if root == nil {
		t.Fatal("expected root to be allocated")
	}
	got, err := w.Lookup(root, []byte("a"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil || got.NodeKey != 1 {
		t.Fatalf("expected entry with NodeKey=1, got %+v", got)
	}
}

func TestInsertThenLookupManyKeys(t *testing.T) {
	w := newTestWriter()
	var root *page.Ref

	keys := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		keys = append(keys, fmt.Sprintf("key-%04d", i))
	}
	for i, k := range keys {
		if err := w.Insert(&root, []byte(k), entry(k, int64(i)), 1); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}
	for i, k := range keys {
		got, err := w.Lookup(root, []byte(k))
		if err != nil {
			t.Fatalf("Lookup(%q): %v", k, err)
		}
		if got == nil {
			t.Fatalf("Lookup(%q): expected entry, got nil", k)
		}
		if got.NodeKey != int64(i) {
			t.Fatalf("Lookup(%q): expected NodeKey=%d, got %d", k, i, got.NodeKey)
		}
	}
}

func TestInsertOverwritesExistingKey(t *testing.T) {
	w := newTestWriter()
	var root *page.Ref

	if err := w.Insert(&root, []byte("a"), entry("a", 1), 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w.Insert(&root, []byte("a"), entry("a", 2), 1); err != nil {
		t.Fatalf("re-Insert: %v", err)
	}
	got, err := w.Lookup(root, []byte("a"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil || got.NodeKey != 2 {
		t.Fatalf("expected overwritten NodeKey=2, got %+v", got)
	}
}

func TestLookupMissingKeyReturnsNil(t *testing.T) {
	w := newTestWriter()
	var root *page.Ref

	if err := w.Insert(&root, []byte("a"), entry("a", 1), 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := w.Lookup(root, []byte("zzz"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %+v", got)
	}
}

func TestLookupOnEmptyTreeReturnsNil(t *testing.T) {
	w := newTestWriter()
	got, err := w.Lookup(nil, []byte("a"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on an empty tree, got %+v", got)
	}
}

func TestSplitLeafProducesTwoChildrenUnderNewRoot(t *testing.T) {
	w := newTestWriter()
	var root *page.Ref

	for i := 0; i < page.HOTLeafCapacity+1; i++ {
		k := fmt.Sprintf("%08d", i)
		if err := w.Insert(&root, []byte(k), entry(k, int64(i)), 1); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}

	c, ok := w.Log.Get(root)
	if !ok {
		t.Fatal("expected root to be staged in the TIL")
	}
	node, ok := c.Modified.(*page.HOTIndirectPage)
	if !ok {
		t.Fatalf("expected root to become an indirect node after overflow, got %T", c.Modified)
	}
	if len(node.Children) < 2 {
		t.Fatalf("expected at least 2 children after a split, got %d", len(node.Children))
	}
}

func TestInsertDistinctKeysGetDistinctRoots(t *testing.T) {
	w1 := newTestWriter()
	w2 := newTestWriter()
	var root1, root2 *page.Ref

	if err := w1.Insert(&root1, []byte("a"), entry("a", 1), 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w2.Insert(&root2, []byte("b"), entry("b", 1), 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if root1 == root2 {
		t.Fatal("expected independent writers to allocate distinct root references")
	}
}
