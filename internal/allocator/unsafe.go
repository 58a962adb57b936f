package allocator

import "unsafe"

// sizeofT returns the in-memory size of a value of type T, used to
// size the raw allocation backing a UniquePtr/SharedPtr.
func sizeofT[T any](zero T) uintptr {
	return unsafe.Sizeof(zero)
}

// asT reinterprets a raw payload slice as a *T. Callers must ensure
// raw is at least sizeofT(T) bytes and suitably aligned, which Malloc
// guarantees (GranuleSize-aligned, 16-byte minimum).
func asT[T any](raw []byte) *T {
	return (*T)(unsafe.Pointer(&raw[0]))
}
