package page

import "testing"

func TestLeafSetAndGetRecord(t *testing.T) {
	p := NewLeafPage(0, 1)
	rec := &Record{NodeKey: 5, Payload: []byte("hello")}

	if err := p.SetRecord(5, rec); err != nil {
		t.Fatalf("SetRecord: %v", err)
	}

	got, ok := p.GetRecord(5)
	if !ok {
		t.Fatal("expected record to be present")
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", got.Payload)
	}
}

func TestLeafDeleteLeavesTombstoneRecord(t *testing.T) {
	p := NewLeafPage(0, 1)
	_ = p.SetRecord(3, &Record{NodeKey: 3, Payload: []byte("x")})
	p.DeleteRecord(3)

	rec, ok := p.GetRecord(3)
	if !ok {
		t.Fatal("expected tombstone slot to still be occupied")
	}
	if !rec.Deleted {
		t.Fatal("expected tombstone record to report Deleted")
	}
}

func TestLeafCompactReclaimsSpace(t *testing.T) {
	p := NewLeafPage(0, 1)
	for i := uint16(0); i < 10; i++ {
		_ = p.SetRecord(i, &Record{NodeKey: int64(i), Payload: make([]byte, 1000)})
	}
	for i := uint16(0); i < 5; i++ {
		p.DeleteRecord(i)
	}

	reclaimed := p.Compact()
	if reclaimed <= 0 {
		t.Fatalf("expected Compact to reclaim space, got %d", reclaimed)
	}

	// Surviving records must still read back correctly after compaction.
	for i := uint16(5); i < 10; i++ {
		rec, ok := p.GetRecord(i)
		if !ok || len(rec.Payload) != 1000 {
			t.Fatalf("record %d corrupted after compaction", i)
		}
	}
}

func TestLeafCloneIsIndependent(t *testing.T) {
	p := NewLeafPage(0, 1)
	_ = p.SetRecord(0, &Record{NodeKey: 0, Payload: []byte("A")})

	clone := p.Clone(2)
	_ = clone.SetRecord(0, &Record{NodeKey: 0, Payload: []byte("B")})

	orig, _ := p.GetRecord(0)
	cl, _ := clone.GetRecord(0)
	if string(orig.Payload) != "A" {
		t.Fatalf("original mutated by clone: %q", orig.Payload)
	}
	if string(cl.Payload) != "B" {
		t.Fatalf("clone has wrong payload: %q", cl.Payload)
	}
}

func TestLeafFullReturnsError(t *testing.T) {
	p := NewLeafPage(0, 1)
	big := make([]byte, LeafPageSize)
	if err := p.SetRecord(0, &Record{NodeKey: 0, Payload: big}); err != ErrLeafFull {
		t.Fatalf("expected ErrLeafFull, got %v", err)
	}
}
