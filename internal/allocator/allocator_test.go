package allocator

import "testing"

func TestGoodSizeRounding(t *testing.T) {
	cases := []struct {
		in   uint64
		want uint64
	}{
		{0, 0},
		{1, 16},
		{16, 16},
		{17, 32},
		{1 << 15, 1 << 15},
		{(1 << 15) + 1, 1 << 16},
	}
	for _, c := range cases {
		if got := goodSize(c.in); got != c.want {
			t.Errorf("goodSize(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestEphemeralAllocateAndReset(t *testing.T) {
	a := NewEphemeral(nil)
	defer a.Reset()

	buf, err := a.AllocateBuffer(64, 16, 0)
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if buf.Size < 64 {
		t.Fatalf("buffer too small: %+v", buf)
	}
	if !a.Owned(buf.Address, buf.Size) {
		t.Fatalf("allocated buffer should be owned")
	}
	if a.AllocatedBytes() == 0 {
		t.Fatalf("AllocatedBytes should be nonzero after allocation")
	}
	if err := a.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if a.AllocatedBytes() != 0 {
		t.Fatalf("AllocatedBytes should be zero after reset")
	}
}

func TestEphemeralMallocFree(t *testing.T) {
	a := NewEphemeral(nil)
	defer a.Reset()

	type payload struct{ A, B uint64 }
	raw, err := a.Malloc(uint64(sizeofT(payload{})))
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	p := asT[payload](raw)
	p.A, p.B = 7, 9
	if p.A != 7 || p.B != 9 {
		t.Fatalf("unexpected payload contents: %+v", *p)
	}
	if err := a.Free(raw); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestPersistentAllocateFreeCoalesces(t *testing.T) {
	a := NewPersistent(nil)

	b1, err := a.AllocateBuffer(256, 16, 0)
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	b2, err := a.AllocateBuffer(256, 16, 0)
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if a.AllocatedBytes() == 0 {
		t.Fatalf("expected nonzero allocated bytes")
	}
	if err := a.DeallocateBuffer(b1); err != nil {
		t.Fatalf("DeallocateBuffer: %v", err)
	}
	if err := a.DeallocateBuffer(b2); err != nil {
		t.Fatalf("DeallocateBuffer: %v", err)
	}
	if a.AllocatedBytes() != 0 {
		t.Fatalf("AllocatedBytes should be zero after freeing everything, got %d", a.AllocatedBytes())
	}
	if n := a.freeByAddress.Len(); n != 1 {
		t.Fatalf("expected both buffers and the region tail to coalesce into 1 free range, got %d", n)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

// TestAllocatorRoundTripScenario1 mirrors spec.md §8 scenario 1
// verbatim: aligned_alloc(32, 100) must report good_size(100) == 112,
// not an alignment-inflated size.
func TestAllocatorRoundTripScenario1(t *testing.T) {
	a := NewPersistent(nil)

	raw, err := AlignedAlloc(a, a.registry, 32, 100)
	if err != nil {
		t.Fatalf("AlignedAlloc: %v", err)
	}
	meta, ok := a.MetadataFor(raw)
	if !ok {
		t.Fatalf("expected metadata for fresh allocation")
	}
	if meta.Owner() != a {
		t.Fatalf("metadata owner should be the allocating Allocator")
	}
	if meta.Type() != TypePlain {
		t.Fatalf("Type() = %v, want TypePlain", meta.Type())
	}
	if meta.Size() != 112 {
		t.Fatalf("Size() = %d, want good_size(100) == 112", meta.Size())
	}
	if err := Free(a.registry, raw); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestPersistentMallocFree(t *testing.T) {
	a := NewPersistent(nil)
	type payload struct{ X int64 }
	raw, err := a.Malloc(uint64(sizeofT(payload{})))
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	asT[payload](raw).X = 42
	if asT[payload](raw).X != 42 {
		t.Fatalf("unexpected payload")
	}
	if err := a.Free(raw); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("Destroy after Free: %v", err)
	}
}
