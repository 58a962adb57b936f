package allocator

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cloudkite-dev/atlasrt/internal/config"
	"github.com/cloudkite-dev/atlasrt/internal/vmem"
)

type regionEntry struct {
	buf  vmem.Buffer
	next *regionEntry
}

// EphemeralAllocator is a bump allocator that owns a linked list of VM
// regions and hands out sub-ranges of the most recent one until it is
// exhausted, at which point it maps another (spec.md §4.D). Reset
// releases every region at once; there is no per-object free.
type EphemeralAllocator struct {
	mu             sync.Mutex
	free           vmem.Buffer
	regions        *regionEntry
	allocatedBytes uint64
	poolSize       uint64
	log            *log.Entry
	registry       *metadataRegistry
}

// NewEphemeral returns an empty EphemeralAllocator using the built-in
// default tunables. A nil logger defaults to the standard logger.
func NewEphemeral(logger *log.Entry) *EphemeralAllocator {
	return NewEphemeralWithConfig(logger, config.Defaults())
}

// NewEphemeralWithConfig returns an empty EphemeralAllocator whose
// region size (requested whenever the bump allocator's free space
// runs out, spec.md §4.D, grounded on
// EPHEMERAL_ALLOCATOR_DEFAULT_POOL_SIZE in the original source) comes
// from cfg.EphemeralRegionSize.
func NewEphemeralWithConfig(logger *log.Entry, cfg config.Tunables) *EphemeralAllocator {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &EphemeralAllocator{log: logger, poolSize: cfg.EphemeralRegionSize, registry: newMetadataRegistry()}
}

// AllocateBuffer implements Allocator.
func (a *EphemeralAllocator) AllocateBuffer(nbytes, alignment, prefix uintptr) (vmem.Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if buf, ok := a.free.FindSpace(nbytes, alignment, prefix); ok {
		a.advance(buf)
		return buf, nil
	}

	size := nbytes * 4
	if size < uintptr(a.poolSize) {
		size = uintptr(a.poolSize)
	}
	region, err := vmem.Allocate(size)
	if err != nil {
		a.log.WithError(err).Fatal("ephemeral allocator: vm_allocate_bytes failed")
		return vmem.Buffer{}, fmt.Errorf("ephemeral allocate: %w", err)
	}
	a.regions = &regionEntry{buf: region, next: a.regions}
	a.free = region

	buf, ok := a.free.FindSpace(nbytes, alignment, prefix)
	if !ok {
		return vmem.Buffer{}, fmt.Errorf("ephemeral allocator: %d bytes does not fit a fresh %d byte region", nbytes, size)
	}
	a.advance(buf)
	return buf, nil
}

// advance shrinks the free buffer by the span just handed out and
// tracks the live byte count.
func (a *EphemeralAllocator) advance(taken vmem.Buffer) {
	newStart := taken.End()
	a.free = vmem.Buffer{Address: newStart, Size: a.free.End() - newStart}
	a.allocatedBytes += uint64(taken.Size)
}

// DeallocateBuffer implements Allocator. Ephemeral allocations are
// never individually freed (spec.md §4.D): only the live byte count is
// adjusted, matching the original's deallocate_buffer.
func (a *EphemeralAllocator) DeallocateBuffer(b vmem.Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocatedBytes -= uint64(b.Size)
	return nil
}

// Owned reports whether [addr, addr+n) lies inside one of this
// allocator's VM regions.
func (a *EphemeralAllocator) Owned(addr, n uintptr) bool {
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
func (a *EphemeralAllocator) AllocatedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocatedBytes
}

// VMAllocatedBytes returns the total size of every VM region this
// allocator has mapped, live or not.
func (a *EphemeralAllocator) VMAllocatedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for r := a.regions; r != nil; r = r.next {
		total += uint64(r.buf.Size)
	}
	return total
}

// Reset releases every VM region this allocator holds (spec.md §4.D:
// "reset()"). Callers must not use any previously returned buffer
// afterward.
func (a *EphemeralAllocator) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for r := a.regions; r != nil; r = r.next {
		if err := vmem.Deallocate(r.buf); err != nil {
			a.log.WithError(err).Warn("ephemeral allocator: vm_deallocate_bytes failed during reset")
		}
	}
	a.regions = nil
	a.free = vmem.Buffer{}
	a.allocatedBytes = 0
	return nil
}

// Malloc reserves size bytes, returning the payload view.
func (a *EphemeralAllocator) Malloc(size uint64) ([]byte, error) {
	return Malloc(a, a.registry, size)
}

// Free releases a payload previously returned by Malloc.
func (a *EphemeralAllocator) Free(ptr []byte) error {
	return Free(a.registry, ptr)
}

// MetadataFor returns the Metadata header for a payload previously
// returned by Malloc, letting the smart-pointer wrappers use it as
// their control block (spec.md §4.E/F).
func (a *EphemeralAllocator) MetadataFor(ptr []byte) (*Metadata, bool) {
	return a.registry.get(addressOf(ptr))
}
