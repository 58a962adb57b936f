// Package mapper implements Mapper (spec.md §4.M): a list of
// (virtual address, size, file offset, fd) mappings that resolves an
// address into the reader's own address space, either by returning an
// existing in-process pointer or by lazily mmap'ing a file-backed
// range on first use. Grounded on the Map/Pin/Unpin contract in
// spec.md and, stylistically, on how the teacher's
// internal/vm/machine_linux.go manages mmap'd guest memory.
package mapper

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
)

// Mapping is one file-backed or in-process range the Mapper knows
// about.
type Mapping struct {
	VirtualAddress uintptr
	Size           uintptr
	FileOffset     int64
	FD             int
	// InProcess, when true, means VirtualAddress is already a directly
	// usable pointer in the reader's address space (spec.md §4.M:
	// "substituted with a direct in-process address").
	InProcess bool
}

func (m Mapping) end() uintptr { return m.VirtualAddress + m.Size }

// Handle is the scoped result of Map: it records what, if anything,
// was mmap'd so Release can munmap exactly that range. Go has no
// destructors, so callers must call Release explicitly (spec.md §9
// notes this as an accepted divergence from the original's RAII
// handle).
type Handle struct {
	data    []byte
	mapped  bool
	offset  int
}

// Bytes returns the live view into the mapped range, already advanced
// past any page-rounding offset so index 0 is the requested byte.
func (h *Handle) Bytes() []byte {
	return h.data[h.offset:]
}

// Release unmaps the range this Handle mmap'd, if any. Safe to call on
// an identity-mapper Handle (a no-op).
func (h *Handle) Release() error {
	if !h.mapped {
		return nil
	}
	err := unix.Munmap(h.data)
	h.mapped = false
	return err
}

// Mapper resolves addresses against an ordered list of Mappings,
// optionally backed by a single flattened pinned copy.
type Mapper struct {
	mu       sync.Mutex
	mappings []Mapping
	pinned   []byte
	pinBase  uintptr
}

// New builds a Mapper over mappings, sorted by virtual address. An
// empty mapping list yields an identity mapper that passes addresses
// through unchanged (spec.md §4.M).
func New(mappings []Mapping) *Mapper {
	sorted := append([]Mapping(nil), mappings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VirtualAddress < sorted[j].VirtualAddress })
	return &Mapper{mappings: sorted}
}

// Identity returns a Mapper with no mappings, used when the target is
// the reader itself.
func Identity() *Mapper { return New(nil) }

func (m *Mapper) find(addr uintptr) (Mapping, bool) {
	for _, mm := range m.mappings {
		if addr >= mm.VirtualAddress && addr < mm.end() {
			return mm, true
		}
	}
	return Mapping{}, false
}

// Map resolves [addr, addr+size) into a Handle over the reader's own
// address space (spec.md §4.M "map(addr, size)"). For an identity
// mapper this is a zero-copy pass-through of the raw address.
func (m *Mapper) Map(addr uintptr, size uintptr) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.mappings) == 0 && m.pinned == nil {
		return &Handle{data: viewAt(addr, size)}, nil
	}

	if m.pinned != nil {
		if addr < m.pinBase || addr+size > m.pinBase+uintptr(len(m.pinned)) {
			return nil, fmt.Errorf("mapper: %w: address %#x out of pinned range", atlaserr.Invalid, addr)
		}
		off := addr - m.pinBase
		return &Handle{data: m.pinned[off : off+size]}, nil
	}

	mm, ok := m.find(addr)
	if !ok {
		return nil, fmt.Errorf("mapper: %w: no mapping covers %#x", atlaserr.NotFound, addr)
	}
	within := addr - mm.VirtualAddress
	if mm.InProcess {
		return &Handle{data: viewAt(mm.VirtualAddress+within, size)}, nil
	}

	pageSize := uintptr(unix.Getpagesize())
	fileOff := mm.FileOffset + int64(within)
	pageRoundedOff := (fileOff / int64(pageSize)) * int64(pageSize)
	offsetInPage := int(fileOff - pageRoundedOff)
	mapLen := int(size) + offsetInPage

	data, err := unix.Mmap(mm.FD, pageRoundedOff, mapLen, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapper: mmap fd=%d off=%d len=%d: %w", mm.FD, pageRoundedOff, mapLen, err)
	}
	return &Handle{data: data, mapped: true, offset: offsetInPage}, nil
}

// Pin copies every mapping into one contiguous VM allocation so
// subsequent Map calls become offset lookups into the flat copy
// (spec.md §4.M "pin()").
func (m *Mapper) Pin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinned != nil {
		return nil
	}
	if len(m.mappings) == 0 {
		return nil
	}
	lo := m.mappings[0].VirtualAddress
	hi := m.mappings[0].end()
	for _, mm := range m.mappings[1:] {
		if mm.VirtualAddress < lo {
			lo = mm.VirtualAddress
		}
		if mm.end() > hi {
			hi = mm.end()
		}
	}
	flat := make([]byte, hi-lo)
	for _, mm := range m.mappings {
		h, err := m.mapLocked(mm.VirtualAddress, mm.Size)
		if err != nil {
			return fmt.Errorf("mapper: pin: %w", err)
		}
		copy(flat[mm.VirtualAddress-lo:], h.Bytes())
		_ = h.Release()
	}
	m.pinned = flat
	m.pinBase = lo
	return nil
}

// mapLocked is Map without re-acquiring the mutex, used internally by
// Pin while already holding it.
func (m *Mapper) mapLocked(addr, size uintptr) (*Handle, error) {
	mm, ok := m.find(addr)
	if !ok {
		return nil, fmt.Errorf("mapper: %w: no mapping covers %#x", atlaserr.NotFound, addr)
	}
	if mm.InProcess {
		return &Handle{data: viewAt(mm.VirtualAddress, size)}, nil
	}
	data, err := unix.Mmap(mm.FD, mm.FileOffset, int(mm.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &Handle{data: data, mapped: true}, nil
}

// Unpin releases the flat copy made by Pin, if any (spec.md §4.M
// "unpin()").
func (m *Mapper) Unpin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned = nil
	m.pinBase = 0
}
