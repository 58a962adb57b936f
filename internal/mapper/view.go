package mapper

import "unsafe"

// viewAt builds a []byte view over an arbitrary in-process address,
// used for the zero-copy identity-mapper and in-process-substitution
// paths (spec.md §4.M).
func viewAt(addr, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
