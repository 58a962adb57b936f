package allocator

import (
	"fmt"
	"sync"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
)

// mallocFreer is the subset of Allocator's companion Malloc/Free/
// MetadataFor helpers a smart pointer needs; EphemeralAllocator and
// PersistentAllocator both expose it. MetadataFor is what lets
// UniquePtr/SharedPtr use the allocation's own Metadata as
// their control block (spec.md §9: "build an Arc-equivalent whose
// control block IS the allocation metadata", not a parallel
// off-the-shelf Arc).
type mallocFreer interface {
	Malloc(size uint64) ([]byte, error)
	Free(ptr []byte) error
	MetadataFor(ptr []byte) (*Metadata, bool)
}

// UniquePtr owns a single allocation with no sharing: releasing it
// frees the backing memory immediately (spec.md §4.F).
//
// T's value is stored directly inside memory obtained from the
// allocator's VM regions rather than the Go heap, the same placement
// the original gets from placement-new over its own malloc. That
// memory is invisible to the Go garbage collector, so T must not
// itself hold Go pointers, maps, slices, channels or interfaces —
// plain fixed-layout data only.
type UniquePtr[T any] struct {
	a     mallocFreer
	value *T
	raw   []byte
}

// NewUnique allocates storage for a T through a and returns a UniquePtr
// owning it, tagging the allocation's metadata as Unique
// (spec.md §4.F: "sets the tag to Unique").
func NewUnique[T any](a mallocFreer, v T) (*UniquePtr[T], error) {
	var zero T
	raw, err := a.Malloc(uint64(sizeofT(zero)))
	if err != nil {
		return nil, err
	}
	meta, ok := a.MetadataFor(raw)
	if !ok {
		return nil, fmt.Errorf("allocator: %w: missing metadata for fresh allocation", atlaserr.Invalid)
	}
	meta.SetType(TypeUnique)
	p := asT[T](raw)
	*p = v
	return &UniquePtr[T]{a: a, value: p, raw: raw}, nil
}

// Get returns the owned value, or nil if the pointer has been reset.
func (p *UniquePtr[T]) Get() *T { return p.value }

// Reset releases the owned allocation; subsequent Get calls return nil.
func (p *UniquePtr[T]) Reset() error {
	if p.value == nil {
		return nil
	}
	err := p.a.Free(p.raw)
	p.value = nil
	p.raw = nil
	return err
}

// sharedBox is the allocation shared between every SharedPtr and
// WeakPtr referencing the same object. The strong and weak reference
// counts it consults live in the allocation's own Metadata, not
// a separate control block (spec.md §4.E/F): mu only serializes the
// final free against a concurrent strong/weak release racing it to
// zero, it does not guard the counts themselves, which are updated
// atomically on meta directly.
type sharedBox[T any] struct {
	mu    sync.Mutex
	a     mallocFreer
	raw   []byte
	value *T
	meta  *Metadata
}

// SharedPtr is a reference-counted owning pointer; the underlying
// allocation is freed when the last SharedPtr (strong reference) is
// released and no weak reference remains (spec.md §4.F, mirroring
// AllocationMetadata's increment/decrementRefCount pair).
type SharedPtr[T any] struct {
	box *sharedBox[T]
}

// NewShared allocates storage for a T through a and returns a SharedPtr
// with one strong reference, tagging the allocation's metadata
// as Shared (spec.md §4.F: "sets the tag to Shared and uses atomic
// fetch-add/fetch-sub on the strong-refs field").
func NewShared[T any](a mallocFreer, v T) (*SharedPtr[T], error) {
	var zero T
	raw, err := a.Malloc(uint64(sizeofT(zero)))
	if err != nil {
		return nil, err
	}
	meta, ok := a.MetadataFor(raw)
	if !ok {
		return nil, fmt.Errorf("allocator: %w: missing metadata for fresh allocation", atlaserr.Invalid)
	}
	meta.SetType(TypeShared)
	meta.IncrementRefCount()
	p := asT[T](raw)
	*p = v
	box := &sharedBox[T]{a: a, raw: raw, value: p, meta: meta}
	return &SharedPtr[T]{box: box}, nil
}

// Get returns the shared value, or nil once every strong reference has
// been released.
func (p *SharedPtr[T]) Get() *T {
	p.box.mu.Lock()
	defer p.box.mu.Unlock()
	return p.box.value
}

// Clone returns a new SharedPtr referencing the same object, bumping
// the metadata's strong reference count.
func (p *SharedPtr[T]) Clone() *SharedPtr[T] {
	p.box.meta.IncrementRefCount()
	return &SharedPtr[T]{box: p.box}
}

// Weak returns a WeakPtr observing the same object without extending
// its lifetime.
func (p *SharedPtr[T]) Weak() *WeakPtr[T] {
	p.box.meta.IncrementWeakRefCount()
	return &WeakPtr[T]{box: p.box}
}

// Release drops this strong reference, freeing the allocation once the
// strong count reaches zero and no weak references remain.
func (p *SharedPtr[T]) Release() error {
	if !p.box.meta.DecrementRefCount() || p.box.meta.WeakRefs() != 0 {
		return nil
	}
	return p.box.free()
}

// WeakPtr observes a shared object without keeping it alive.
type WeakPtr[T any] struct {
	box *sharedBox[T]
}

// Lock returns a new SharedPtr if the object is still alive, or nil if
// every strong reference has already been released.
func (w *WeakPtr[T]) Lock() *SharedPtr[T] {
	if w.box.meta.StrongRefs() == 0 {
		return nil
	}
	w.box.meta.IncrementRefCount()
	return &SharedPtr[T]{box: w.box}
}

// Release drops this weak reference, freeing the allocation if it was
// the last reference of any kind outstanding.
func (w *WeakPtr[T]) Release() error {
	if !w.box.meta.DecrementWeakRefCount() || w.box.meta.StrongRefs() != 0 {
		return nil
	}
	return w.box.free()
}

func (b *sharedBox[T]) free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.value == nil {
		return nil
	}
	err := b.a.Free(b.raw)
	b.value = nil
	b.raw = nil
	return err
}
