package allocator

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
	"github.com/cloudkite-dev/atlasrt/internal/btree"
	"github.com/cloudkite-dev/atlasrt/internal/config"
	"github.com/cloudkite-dev/atlasrt/internal/vmem"
)

// PersistentAllocator is a general-purpose free-list allocator over a
// set of mmap'd VM regions, indexed both by address (to coalesce
// neighbors and answer Owned) and by size (to find a best-fit free
// range quickly), mirroring PersistentAllocator in the original
// source.
//
// The original keeps those two indices reentrancy-safe with a small
// fixed "magazine" of pre-reserved node-sized buffers, because its
// B+Tree nodes are themselves carved out of the very allocator they
// index — inserting a free range could otherwise need to allocate a
// node from the allocator whose state it is in the middle of
// mutating. In this Go port, btree nodes are ordinary garbage
// collected Go values (see internal/btree's defaultAllocator), not
// memory carved from this allocator's own arena, so that reentrancy
// hazard does not exist here: the free-range indices can allocate
// their nodes from the Go heap directly. The Allocator[T] interface
// btree.Tree uses to break the Go import cycle is kept so a future
// arena-backed node allocator could still be swapped in without
// changing btree's API.
type PersistentAllocator struct {
	mu             sync.Mutex
	regions        *regionEntry
	freeByAddress  *btree.Tree[vmem.Buffer]
	freeBySize     *btree.Tree[vmem.Buffer]
	allocatedBytes uint64
	poolSize       uint64
	log            *log.Entry
	registry       *metadataRegistry
}

func addressLess(a, b vmem.Buffer) bool {
	if a.Address == b.Address {
		return a.Size < b.Size
	}
	return a.Address < b.Address
}

func sizeLess(a, b vmem.Buffer) bool {
	if a.Size == b.Size {
		return a.Address < b.Address
	}
	return a.Size < b.Size
}

// NewPersistent returns an empty PersistentAllocator using the
// built-in default tunables. A nil logger defaults to the standard
// logger.
func NewPersistent(logger *log.Entry) *PersistentAllocator {
	return NewPersistentWithConfig(logger, config.Defaults())
}

// NewPersistentWithConfig returns an empty PersistentAllocator whose
// minimum region size (requested whenever no free range satisfies an
// allocation) comes from cfg.DefaultPoolSize (spec.md §4.C).
func NewPersistentWithConfig(logger *log.Entry, cfg config.Tunables) *PersistentAllocator {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &PersistentAllocator{
		freeByAddress: btree.New[vmem.Buffer](addressLess),
		freeBySize:    btree.New[vmem.Buffer](sizeLess),
		poolSize:      cfg.DefaultPoolSize,
		log:           logger,
		registry:      newMetadataRegistry(),
	}
}

// AllocateBuffer implements Allocator: best-fit search of the
// free-by-size index, falling back to mapping a fresh VM region when
// no free range is large enough (spec.md §4.C).
func (a *PersistentAllocator) AllocateBuffer(nbytes, alignment, prefix uintptr) (vmem.Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := nbytes + prefix
	if candidate, ok := a.freeBySize.LowerBound(vmem.Buffer{Size: need}); ok {
		if result, ok := candidate.FindSpace(nbytes, alignment, prefix); ok {
			a.consumeFreeRange(candidate, result)
			a.allocatedBytes += uint64(nbytes + prefix)
			return result, nil
		}
	}

	regionSize := need
	if a.poolSize > uint64(regionSize) {
		regionSize = uintptr(a.poolSize)
	}
	region, err := vmem.Allocate(regionSize)
	if err != nil {
		a.log.WithError(err).Fatal("persistent allocator: vm_allocate_bytes failed")
		return vmem.Buffer{}, fmt.Errorf("persistent allocate: %w", err)
	}
	a.regions = &regionEntry{buf: region, next: a.regions}

	result, ok := region.FindSpace(nbytes, alignment, prefix)
	if !ok {
		return vmem.Buffer{}, fmt.Errorf("persistent allocator: %d bytes does not fit a fresh %d byte region", nbytes, regionSize)
	}
	a.consumeFreeRange(region, result)
	a.allocatedBytes += uint64(nbytes + prefix)
	return result, nil
}

// consumeFreeRange removes source from both free indices and reinserts
// whatever prolog/epilog remains once taken has been carved out of it.
func (a *PersistentAllocator) consumeFreeRange(source, taken vmem.Buffer) {
	a.removeFree(source)
	if prolog := taken.Address - source.Address; prolog > 0 {
		a.insertFree(vmem.Buffer{Address: source.Address, Size: prolog})
	}
	if epilog := source.End() - taken.End(); epilog > 0 {
		a.insertFree(vmem.Buffer{Address: taken.End(), Size: epilog})
	}
}

func (a *PersistentAllocator) insertFree(b vmem.Buffer) {
	if b.Size == 0 {
		return
	}
	a.freeByAddress.Insert(b)
	a.freeBySize.Insert(b)
}

func (a *PersistentAllocator) removeFree(b vmem.Buffer) {
	a.freeByAddress.Erase(b)
	a.freeBySize.Erase(b)
}

// DeallocateBuffer implements Allocator: the released range is merged
// with any abutting free neighbor found via the by-address index
// before being reinserted into both indices (spec.md §4.C
// addToFreeBlockTrees).
func (a *PersistentAllocator) DeallocateBuffer(b vmem.Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.allocatedBytes -= uint64(b.Size)
	merged := b
	var neighbors []vmem.Buffer
	a.freeByAddress.ForEach(func(candidate vmem.Buffer) bool {
		if candidate.Succeeds(b) || b.Succeeds(candidate) {
			neighbors = append(neighbors, candidate)
		}
		return true
	})
	for _, candidate := range neighbors {
		if candidate.Address < merged.Address {
			merged = vmem.Buffer{Address: candidate.Address, Size: candidate.Size + merged.Size}
		} else {
			merged = vmem.Buffer{Address: merged.Address, Size: merged.Size + candidate.Size}
		}
		a.removeFree(candidate)
	}
	a.insertFree(merged)
	return nil
}

// Owned reports whether [addr, addr+n) lies inside a region this
// allocator has mapped.
func (a *PersistentAllocator) Owned(addr, n uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for r := a.regions; r != nil; r = r.next {
		if r.buf.ContainsRange(addr, n) {
			return true
		}
	}
	return false
}

// AllocatedBytes implements Allocator.
func (a *PersistentAllocator) AllocatedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocatedBytes
}

// Destroy asserts every allocation has been freed (spec.md §4.C
// destroy(): "asserts no live allocations remain").
func (a *PersistentAllocator) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allocatedBytes != 0 {
		return fmt.Errorf("persistent allocator: %w: destroy called with %d live bytes", atlaserr.Invalid, a.allocatedBytes)
	}
	return nil
}

// Malloc reserves size bytes, returning the payload view.
func (a *PersistentAllocator) Malloc(size uint64) ([]byte, error) {
	return Malloc(a, a.registry, size)
}

// Free releases a payload previously returned by Malloc.
func (a *PersistentAllocator) Free(ptr []byte) error {
	return Free(a.registry, ptr)
}

// MetadataFor returns the Metadata header for a payload previously
// returned by Malloc, letting the smart-pointer wrappers use it as
// their control block (spec.md §4.E/F).
func (a *PersistentAllocator) MetadataFor(ptr []byte) (*Metadata, bool) {
	return a.registry.get(addressOf(ptr))
}
