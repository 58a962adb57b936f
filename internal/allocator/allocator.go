package allocator

import (
	"fmt"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
	"github.com/cloudkite-dev/atlasrt/internal/vmem"
)

// Allocator is the common interface both the ephemeral bump allocator
// and the persistent free-list allocator satisfy (spec.md §4.C's
// Allocator base type).
type Allocator interface {
	// AllocateBuffer reserves nbytes aligned to alignment, with prefix
	// extra bytes reserved immediately before the aligned region (used
	// to stash an AllocationMetadata header). The returned Buffer spans
	// the prefix and the payload together.
	AllocateBuffer(nbytes, alignment, prefix uintptr) (vmem.Buffer, error)
	// DeallocateBuffer releases a Buffer previously returned by
	// AllocateBuffer.
	DeallocateBuffer(b vmem.Buffer) error
	// Owned reports whether [addr, addr+n) lies within memory this
	// allocator manages.
	Owned(addr, n uintptr) bool
	// AllocatedBytes returns the live allocated byte count.
	AllocatedBytes() uint64
}

// Malloc reserves size bytes on behalf of a, returning the payload
// address immediately after a GranuleSize metadata header that a.
// registers for later lookup (spec.md §4.C: Allocator::malloc /
// aligned_alloc).
func Malloc(a Allocator, registry *metadataRegistry, size uint64) ([]byte, error) {
	return AlignedAlloc(a, registry, GranuleSize, size)
}

// AlignedAlloc is Malloc with an explicit alignment requirement.
//
// Alignment is purely a placement concern, satisfied by AllocateBuffer's
// own Buffer.FindSpace search (internal/vmem/buffer.go); it must not
// inflate the size that goodSize rounds, or the reported allocation size
// no longer matches good_size(size) (spec.md §8 scenario 1).
func AlignedAlloc(a Allocator, registry *metadataRegistry, alignment uint64, size uint64) ([]byte, error) {
	targetAlignment := alignment
	if targetAlignment < 16 {
		targetAlignment = 16
	}
	targetSize := goodSize(max64(size, 16))

	buf, err := a.AllocateBuffer(uintptr(targetSize), uintptr(targetAlignment), GranuleSize)
	if err != nil {
		return nil, err
	}
	payload := toBytes(buf)
	header := payload[:GranuleSize]
	body := payload[GranuleSize:]
	_ = header
	registry.put(addressOf(body), newMetadata(a, uint64(len(body))))
	return body, nil
}

// Free releases a payload slice previously returned by Malloc or
// AlignedAlloc, recovering its allocating Allocator from registry
// (spec.md §4.C: Allocator::free / AllocationMetadata::getForPointer).
func Free(registry *metadataRegistry, ptr []byte) error {
	if len(ptr) == 0 {
		return nil
	}
	addr := addressOf(ptr)
	meta, ok := registry.get(addr)
	if !ok {
		return fmt.Errorf("allocator: %w: free of untracked pointer", atlaserr.Invalid)
	}
	registry.remove(addr)
	total := GranuleSize + meta.Size()
	return meta.owner.DeallocateBuffer(vmem.Buffer{Address: addr - GranuleSize, Size: uintptr(total)})
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// toBytes views a vmem.Buffer as a raw byte slice for metadata/payload
// manipulation.
func toBytes(b vmem.Buffer) []byte {
	return vmem.View(b)
}
