package allocator

import "testing"

type point struct{ X, Y int64 }

func TestUniquePtr(t *testing.T) {
	a := NewEphemeral(nil)
	defer a.Reset()

	p, err := NewUnique(a, point{X: 1, Y: 2})
	if err != nil {
		t.Fatalf("NewUnique: %v", err)
	}
	if p.Get().X != 1 || p.Get().Y != 2 {
		t.Fatalf("unexpected value: %+v", *p.Get())
	}
	if meta, ok := a.MetadataFor(p.raw); !ok || meta.Type() != TypeUnique {
		t.Fatalf("expected metadata type Unique, got ok=%v meta=%+v", ok, meta)
	}
	if err := p.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if p.Get() != nil {
		t.Fatalf("expected nil after Reset")
	}
}

func TestSharedPtrCloneAndRelease(t *testing.T) {
	a := NewPersistent(nil)

	p, err := NewShared(a, point{X: 3, Y: 4})
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	meta, ok := a.MetadataFor(p.box.raw)
	if !ok || meta.Type() != TypeShared {
		t.Fatalf("expected metadata type Shared, got ok=%v meta=%+v", ok, meta)
	}
	if meta.StrongRefs() != 1 {
		t.Fatalf("StrongRefs() = %d, want 1", meta.StrongRefs())
	}
	clone := p.Clone()
	if clone.Get().X != 3 {
		t.Fatalf("clone should see shared value")
	}
	if meta.StrongRefs() != 2 {
		t.Fatalf("StrongRefs() after Clone = %d, want 2", meta.StrongRefs())
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if meta.StrongRefs() != 1 {
		t.Fatalf("StrongRefs() after one Release = %d, want 1", meta.StrongRefs())
	}
	if clone.Get() == nil {
		t.Fatalf("object should still be alive via clone")
	}
	if err := clone.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if meta.StrongRefs() != 0 {
		t.Fatalf("StrongRefs() after last Release = %d, want 0", meta.StrongRefs())
	}
	if clone.Get() != nil {
		t.Fatalf("object should be freed after last strong reference released")
	}
}

func TestWeakPtrLockAfterRelease(t *testing.T) {
	a := NewPersistent(nil)

	p, err := NewShared(a, point{X: 5, Y: 6})
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	weak := p.Weak()
	if weak.box.meta.WeakRefs() != 1 {
		t.Fatalf("WeakRefs() after Weak() = %d, want 1", weak.box.meta.WeakRefs())
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if locked := weak.Lock(); locked != nil {
		t.Fatalf("Lock should fail once the strong count reaches zero")
	}
	if err := weak.Release(); err != nil {
		t.Fatalf("weak Release: %v", err)
	}
}
