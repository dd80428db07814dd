package page

import (
	"testing"

	"github.com/google/uuid"
)

func TestGuardPreventsClose(t *testing.T) {
	p := NewLeafPage(0, 1)

	if !p.AcquireGuard() {
		t.Fatal("expected guard acquisition to succeed on a fresh page")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if p.IsClosed() {
		t.Fatal("page closed while still guarded")
	}

	p.ReleaseGuard()
	if !p.IsClosed() {
		t.Fatal("expected deferred close to finalize once the last guard released")
	}
}

func TestCloseIdempotent(t *testing.T) {
	p := NewLeafPage(0, 1)
	if err := p.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !p.IsClosed() {
		t.Fatal("expected page to be closed")
	}
}

func TestAcquireGuardFailsOnClosedPage(t *testing.T) {
	p := NewLeafPage(0, 1)
	_ = p.Close()
	if p.AcquireGuard() {
		t.Fatal("expected guard acquisition to fail on a closed page")
	}
}

func TestRefSwizzledClearsWhenPageCloses(t *testing.T) {
	ref := NewRef(1, uuid.Nil, uuid.Nil)
	p := NewLeafPage(1, 1)
	ref.SetSwizzled(p)

	if ref.Swizzled() == nil {
		t.Fatal("expected swizzled page to be observable")
	}

	_ = p.Close()
	if ref.Swizzled() != nil {
		t.Fatal("expected swizzled lookup to clear once the cached page is closed")
	}
}

func TestRefDiskKeyMonotonic(t *testing.T) {
	ref := NewRef(1, uuid.Nil, uuid.Nil)
	if ref.HasDiskKey() {
		t.Fatal("fresh ref should have no disk key")
	}
	ref.SetDiskKey(128)
	if dk, ok := ref.DiskKey(); !ok || dk != 128 {
		t.Fatalf("expected disk key 128, got %d (%v)", dk, ok)
	}
}
