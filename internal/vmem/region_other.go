//go:build !linux && !darwin

package vmem

import (
	"unsafe"
)

// pageSize has no syscall to query outside unix; 4 KiB is correct for
// every non-unix target Go currently supports as a host for this
// module.
var pageSize = uintptr(4096)

const largePlatformAlignment = 1024 * 1024

// Allocate falls back to a plain Go-managed buffer on platforms without
// mmap/mprotect. There is no real guard page here — a linear overrun
// will not fault — which is why this path only exists as a portability
// stand-in, never as the production path (spec.md §4.A targets unix VM
// semantics exclusively).
func Allocate(n uintptr) (Buffer, error) {
	size := pageRoundUp(n)
	buf := make([]byte, size)
	if len(buf) == 0 {
		return Buffer{Address: 0, Size: 0}, nil
	}
	return Buffer{Address: uintptr(unsafe.Pointer(&buf[0])), Size: size}, nil
}

// Deallocate is a no-op: the fallback buffer is tracked by the Go
// garbage collector via a pinned reference the caller must release
// separately (see ephemeral/persistent allocator region lists).
func Deallocate(b Buffer) error {
	return nil
}

// Protect is unsupported outside unix; it reports success without
// doing anything, matching spec.md §4.B's "best effort" semantics.
func Protect(b Buffer, writable bool) error {
	return nil
}

func pageRoundUp(n uintptr) uintptr {
	if n == 0 {
		return 0
	}
	return (n + pageSize - 1) &^ (pageSize - 1)
}
