//go:build linux || darwin

package vmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unsafeSlice builds a []byte view over an arbitrary mapped address,
// needed because golang.org/x/sys/unix's Munmap/Mprotect take slices
// but a guard page or a trimmed alignment remainder is a sub-range of
// whatever slice Mmap originally returned.
func unsafeSlice(addr uintptr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
}

// pageSize is resolved once at init, mirroring the teacher's pattern of
// caching syscall-derived constants (internal/vm/uffd_linux.go caches
// ioctl sizes as compile-time constants; page size is the one VM
// constant that must be read at runtime).
var pageSize = uintptr(unix.Getpagesize())

// largePlatformAlignment is the alignment applied on platforms with a
// large VM granule (spec.md §4.A: "on large platforms the returned
// base is aligned to 1 MiB"). We treat every 64-bit unix target as a
// large platform, matching the teacher's amd64/arm64-only build tags.
const largePlatformAlignment = 1024 * 1024

// Allocate returns an address-aligned region of pageRoundUp(n) bytes
// followed by one guard page mapped with no access (PROT_NONE)
// (spec.md §4.A). On failure the
// caller is expected to treat it as fatal, per spec.md §7 — Allocate
// itself just reports the error so callers can attach context before
// aborting.
func Allocate(n uintptr) (Buffer, error) {
	size := pageRoundUp(n)
	total := size + pageSize

	base, err := mapAligned(total, largePlatformAlignment)
	if err != nil {
		return Buffer{}, fmt.Errorf("vm allocate %d bytes: %w", n, err)
	}

	guardAddr := base + size
	guard := unsafeSlice(guardAddr, pageSize)
	if err := unix.Mprotect(guard, unix.PROT_NONE); err != nil {
		_ = unix.Munmap(unsafeSlice(base, total))
		return Buffer{}, fmt.Errorf("protecting guard page: %w", err)
	}

	return Buffer{Address: base, Size: size}, nil
}

// Deallocate releases the region plus its trailing guard page.
func Deallocate(b Buffer) error {
	total := b.Size + pageSize
	if err := unix.Munmap(unsafeSlice(b.Address, total)); err != nil {
		return fmt.Errorf("vm deallocate %d bytes at %#x: %w", b.Size, b.Address, err)
	}
	return nil
}

// Protect flips a region's VM protection between read-only and
// read-write (spec.md §4.B write_protect). Denial is best-effort: the
// caller logs and continues rather than treating it as fatal.
func Protect(b Buffer, writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(unsafeSlice(b.Address, b.Size), prot)
}

func pageRoundUp(n uintptr) uintptr {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// mapAligned attempts to obtain a mapping whose base is aligned to
// alignment, first by over-allocating and trimming (portable across
// unix mmap implementations that lack an alignment hint), matching
// spec.md §4.A's documented fallback path.
func mapAligned(size, alignment uintptr) (uintptr, error) {
	overSize := size + alignment
	data, err := unix.Mmap(-1, 0, int(overSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}
	base := uintptr(unsafe.Pointer(&data[0]))
	aligned := (base + alignment - 1) &^ (alignment - 1)

	if prefix := aligned - base; prefix > 0 {
		_ = unix.Munmap(unsafeSlice(base, prefix))
	}
	if suffix := (base + overSize) - (aligned + size); suffix > 0 {
		_ = unix.Munmap(unsafeSlice(aligned+size, suffix))
	}
	return aligned, nil
}
