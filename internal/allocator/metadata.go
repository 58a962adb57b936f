// Package allocator implements the persistent and ephemeral allocators
// and the smart-pointer types that sit on top of them (spec.md §4.C,
// §4.D, §4.E, §4.F), grounded on original_source/lsl/Allocator.cpp and
// original_source/lsl/Allocator.h.
package allocator

import (
	"sync/atomic"
	"unsafe"
)

// GranuleSize is the prefix reserved ahead of every tracked allocation
// to hold its AllocationMetadata (spec.md §4.C: "16-byte prefix
// header"). The original packs owner pointer, size class, type tag and
// both refcounts into exactly 16 bytes via C bitfields; Go's struct
// layout doesn't pack that tightly without hand-rolled bit twiddling,
// so Metadata below is wider than 16 bytes on its own. It is kept in a
// registry keyed by payload address (see metadataRegistry); the
// 16-byte prefix is reserved ahead of the payload but does not hold it.
const GranuleSize = 16

// granuleShifts mirrors the four size classes in the original source:
// each class rounds a requested size up to a multiple of 1<<shift,
// and covers requests up to 1<<(shift+11) (an 11-bit granule count).
var granuleShifts = [4]uint{4, 15, 26, 37}

// Type tags the kind of smart pointer, if any, managing an allocation.
type Type uint8

const (
	TypePlain Type = iota
	TypeUnique
	TypeShared
)

// Metadata is the per-allocation header for every allocation made
// through a Go-visible pointer, mirroring AllocationMetadata in the
// original: an owning-allocator back-reference, a size class plus
// granule count, a type tag, and atomic strong/weak reference counts
// used only when Type is TypeShared.
type Metadata struct {
	owner      Allocator
	sizeClass  uint8
	granules   uint32
	typ        Type
	strong     uint32
	weak       uint32
}

// goodSize rounds s up to the allocator's granularity for the size
// class that can hold it, exactly as AllocationMetadata::goodSize does.
func goodSize(s uint64) uint64 {
	shift := granuleShifts[len(granuleShifts)-1]
	for _, g := range granuleShifts {
		if s <= uint64(1)<<(g+11) {
			shift = g
			break
		}
	}
	mask := (uint64(1) << shift) - 1
	return (s + mask) &^ mask
}

func newMetadata(owner Allocator, size uint64) *Metadata {
	shift := granuleShifts[len(granuleShifts)-1]
	class := uint8(len(granuleShifts) - 1)
	for i, g := range granuleShifts {
		if size < uint64(1)<<(g+11) {
			shift = g
			class = uint8(i)
			break
		}
	}
	return &Metadata{owner: owner, sizeClass: class, granules: uint32(size >> shift)}
}

// Size returns the payload size this metadata describes.
func (m *Metadata) Size() uint64 {
	return uint64(m.granules) << granuleShifts[m.sizeClass]
}

// Owner returns the allocator that produced the allocation.
func (m *Metadata) Owner() Allocator { return m.owner }

// Type returns the smart-pointer kind managing this allocation.
func (m *Metadata) Type() Type { return m.typ }

// SetType records which smart-pointer kind manages this allocation.
func (m *Metadata) SetType(t Type) { m.typ = t }

// IncrementRefCount bumps the strong reference count; callers must
// only do this when Type is TypeShared.
func (m *Metadata) IncrementRefCount() {
	atomic.AddUint32(&m.strong, 1)
}

// DecrementRefCount drops the strong reference count and reports
// whether it reached zero (the caller should then free the object).
func (m *Metadata) DecrementRefCount() bool {
	return atomic.AddUint32(&m.strong, ^uint32(0)) == 0
}

// IncrementWeakRefCount bumps the weak reference count.
func (m *Metadata) IncrementWeakRefCount() {
	atomic.AddUint32(&m.weak, 1)
}

// DecrementWeakRefCount drops the weak reference count and reports
// whether it reached zero.
func (m *Metadata) DecrementWeakRefCount() bool {
	return atomic.AddUint32(&m.weak, ^uint32(0)) == 0
}

// StrongRefs returns the current strong reference count.
func (m *Metadata) StrongRefs() uint32 {
	return atomic.LoadUint32(&m.strong)
}

// WeakRefs returns the current weak reference count.
func (m *Metadata) WeakRefs() uint32 {
	return atomic.LoadUint32(&m.weak)
}

// metadataRegistry associates a payload address with the Metadata that
// precedes it logically. The original source places the header
// literally GranuleSize bytes before the payload inside the same VM
// buffer and recovers it with pointer arithmetic
// (AllocationMetadata::getForPointer). Go's GC-visible pointers cannot
// be walked that way safely for anything holding Go pointers (the
// Allocator field above), so the registry keyed by payload address
// plays the same "recover the header for this pointer" role without
// relying on unsafe pointer arithmetic across a Go-managed struct.
type metadataRegistry struct {
	byAddr map[uintptr]*Metadata
}

func newMetadataRegistry() *metadataRegistry {
	return &metadataRegistry{byAddr: make(map[uintptr]*Metadata)}
}

func (r *metadataRegistry) put(addr uintptr, m *Metadata) {
	r.byAddr[addr] = m
}

func (r *metadataRegistry) get(addr uintptr) (*Metadata, bool) {
	m, ok := r.byAddr[addr]
	return m, ok
}

func (r *metadataRegistry) remove(addr uintptr) {
	delete(r.byAddr, addr)
}

// addressOf returns the integer address of a raw byte slice's backing
// array, used as the registry key.
func addressOf(p []byte) uintptr {
	if len(p) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&p[0]))
}
