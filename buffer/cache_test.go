package buffer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pageframe/storecore/page"
)

func newTestRef() *page.Ref {
	return page.NewRef(0, uuid.Nil, uuid.Nil)
}

func TestPutThenGetAndGuardRoundTrip(t *testing.T) {
	c := NewCache[page.ID, page.Page](4, NewEpochTracker())
	ref := newTestRef()
	leaf := page.NewLeafPage(0, 1)
	c.Put(ref.ID, leaf, 1)

	got, ok := c.GetAndGuard(ref.ID)
	if !ok {
		t.Fatal("expected GetAndGuard to find the installed page")
	}
	if got.GuardCount() != 1 {
		t.Fatalf("expected guard count 1, got %d", got.GuardCount())
	}
	got.ReleaseGuard()
}

func TestGetAndGuardFailsOnClosedPage(t *testing.T) {
	c := NewCache[page.ID, page.Page](4, NewEpochTracker())
	ref := newTestRef()
	leaf := page.NewLeafPage(0, 1)
	c.Put(ref.ID, leaf, 1)
	_ = leaf.Close()

	if _, ok := c.GetAndGuard(ref.ID); ok {
		t.Fatal("expected GetAndGuard to fail once the page is closed")
	}
}

func TestEvictionSkipsGuardedFrames(t *testing.T) {
	epoch := NewEpochTracker()
	c := NewCache[page.ID, page.Page](2, epoch)

	ref1, ref2, ref3 := newTestRef(), newTestRef(), newTestRef()
	p1 := page.NewLeafPage(0, 1)
	p2 := page.NewLeafPage(1, 1)
	p3 := page.NewLeafPage(2, 1)

	c.Put(ref1.ID, p1, 1)
	c.Put(ref2.ID, p2, 1)

	guarded, ok := c.GetAndGuard(ref1.ID)
	if !ok {
		t.Fatal("expected to guard p1")
	}
	defer guarded.ReleaseGuard()

	c.Put(ref3.ID, p3, 1)

	if _, ok := c.Get(ref1.ID); !ok {
		t.Fatal("guarded frame must survive eviction pressure")
	}
}

func TestEpochPrefersOldRevisionForEviction(t *testing.T) {
	epoch := NewEpochTracker()
	epoch.Acquire(5) // only revision 5 readers are live

	c := NewCache[page.ID, page.Page](1, epoch)
	oldRef, freshRef := newTestRef(), newTestRef()
	old := page.NewLeafPage(0, 1)     // older than the live epoch
	fresh := page.NewLeafPage(1, 10)

	c.Put(oldRef.ID, old, 1)
	c.Put(freshRef.ID, fresh, 10)

	if _, ok := c.Get(oldRef.ID); ok {
		t.Fatal("expected the pre-epoch page to have been evicted preferentially")
	}
	if _, ok := c.Get(freshRef.ID); !ok {
		t.Fatal("expected the live-epoch page to remain cached")
	}
}
