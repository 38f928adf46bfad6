package bufferpool

import "testing"

func TestLRUReplacerVictimOrder(t *testing.T) {
	r := newLRUReplacer(3)
	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)

	if got := r.Size(); got != 3 {
		t.Fatalf("expected size 3, got %d", got)
	}

	for _, want := range []int{1, 2, 3} {
		got, ok := r.Victim()
		if !ok {
			t.Fatalf("expected a victim")
		}
		if got != want {
			t.Fatalf("expected victim %d, got %d", want, got)
		}
	}

	if got := r.Size(); got != 0 {
		t.Fatalf("expected size 0 after draining, got %d", got)
	}
}

func TestLRUReplacerPinRemovesMember(t *testing.T) {
	r := newLRUReplacer(3)
	r.Unpin(1)
	r.Unpin(2)
	r.Pin(1)

	if got := r.Size(); got != 1 {
		t.Fatalf("expected size 1, got %d", got)
	}
	got, ok := r.Victim()
	if !ok || got != 2 {
		t.Fatalf("expected victim 2, got %d ok=%v", got, ok)
	}
}

func TestLRUReplacerUnpinIsIdempotent(t *testing.T) {
	r := newLRUReplacer(2)
	r.Unpin(1)
	r.Unpin(1)
	if got := r.Size(); got != 1 {
		t.Fatalf("expected size 1 after duplicate unpin, got %d", got)
	}
}

func TestLRUReplacerEmptyVictim(t *testing.T) {
	r := newLRUReplacer(1)
	if _, ok := r.Victim(); ok {
		t.Fatalf("expected no victim on empty replacer")
	}
}
