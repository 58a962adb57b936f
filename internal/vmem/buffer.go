// Package vmem implements the VM primitive layer (spec.md §4.A): raw,
// page-aligned virtual-memory regions with a trailing guard page, plus
// the Buffer value type used throughout the allocator and snapshot
// subsystems to describe an (address, size) span.
package vmem

import "unsafe"

// View returns a []byte over b's address range. Callers must not
// retain the slice past b's deallocation or let it escape the process
// (it aliases raw VM, not Go-heap memory).
func View(b Buffer) []byte {
	if b.Size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(b.Address)), int(b.Size))
}

// Buffer is a (address, size) span drawn from a VM region. It carries
// no ownership semantics of its own; allocators use it to describe
// both whole VM regions and the free/allocated ranges within them.
type Buffer struct {
	Address uintptr
	Size    uintptr
}

// Valid reports whether b is a well-formed buffer: size > 0 implies a
// non-null address (spec.md §3 invariant).
func (b Buffer) Valid() bool {
	if b.Size == 0 {
		return true
	}
	return b.Address != 0
}

// End returns the address immediately past b.
func (b Buffer) End() uintptr {
	return b.Address + b.Size
}

// Contains reports whether other lies entirely within b.
func (b Buffer) Contains(other Buffer) bool {
	if other.Size == 0 {
		return other.Address >= b.Address && other.Address <= b.End()
	}
	return other.Address >= b.Address && other.End() <= b.End()
}

// ContainsRange reports whether [addr, addr+n) lies entirely within b.
func (b Buffer) ContainsRange(addr uintptr, n uintptr) bool {
	return b.Contains(Buffer{Address: addr, Size: n})
}

// Succeeds reports whether b immediately abuts other, i.e. other ends
// exactly where b begins. Used to decide whether two free ranges can
// be coalesced into one.
func (b Buffer) Succeeds(other Buffer) bool {
	return other.End() == b.Address
}

// Align advances address within b to an A-aligned position that still
// leaves at least n bytes before the end of b. It returns the aligned
// address and ok=false if no such position exists.
func (b Buffer) Align(alignment uintptr, n uintptr) (uintptr, bool) {
	if alignment == 0 {
		alignment = 1
	}
	aligned := alignUp(b.Address, alignment)
	if aligned < b.Address {
		return 0, false // overflow
	}
	if aligned > b.End() || b.End()-aligned < n {
		return 0, false
	}
	return aligned, true
}

// FindSpace searches b for a sub-range satisfying size, alignment, and
// an optional prefix byte reservation immediately preceding the
// aligned region (spec.md §3). The returned Buffer spans
// [prefix-start, aligned-start+size).
func (b Buffer) FindSpace(size, alignment, prefix uintptr) (Buffer, bool) {
	if alignment == 0 {
		alignment = 1
	}
	// The earliest the aligned region can start is prefix bytes after
	// the start of b, since we must leave room for the prefix.
	candidate := b.Address + prefix
	aligned := alignUp(candidate, alignment)
	if aligned < candidate {
		return Buffer{}, false // overflow
	}
	prefixStart := aligned - prefix
	if prefixStart < b.Address {
		return Buffer{}, false
	}
	totalSize := (aligned - prefixStart) + size
	if b.End()-prefixStart < totalSize {
		return Buffer{}, false
	}
	return Buffer{Address: prefixStart, Size: totalSize}, true
}

func alignUp(addr, alignment uintptr) uintptr {
	return (addr + alignment - 1) &^ (alignment - 1)
}
