package bufpool

import "testing"

func TestGetReturnsExactSize(t *testing.T) {
	p := New(64 * 1024)
	buf := p.Get()
	if len(buf) != 64*1024 {
		t.Fatalf("got %d bytes, want %d", len(buf), 64*1024)
	}
	p.Put(buf)

	again := p.Get()
	if len(again) != 64*1024 {
		t.Fatalf("reused buffer has %d bytes, want %d", len(again), 64*1024)
	}
}

func TestPutDiscardsUndersized(t *testing.T) {
	p := New(1024)
	p.Put(make([]byte, 10))
	buf := p.Get()
	if len(buf) != 1024 {
		t.Fatalf("got %d bytes, want 1024", len(buf))
	}
}

func TestNewPanicsOnZeroSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero size")
		}
	}()
	New(0)
}
