// Package atlaserr defines the error kinds used throughout the
// allocator and snapshot subsystems (spec.md §7). Callers match them
// with errors.Is; wrapping preserves the underlying cause.
package atlaserr

import "errors"

var (
	// OutOfMemory marks a VM allocation or file-read failure during
	// allocator or snapshot construction. VM-layer failures are fatal
	// at the call site (the allocator logs and aborts); this sentinel
	// is reserved for failures a caller can recover from, such as a
	// file read that ran out of space to buffer into.
	OutOfMemory = errors.New("atlasrt: out of memory")

	// Invalid marks a malformed cache file, bad magic, wrong platform,
	// mapping mismatch, CRC failure, or PVLE underflow.
	Invalid = errors.New("atlasrt: invalid data")

	// TargetMutation marks a read from the target process that
	// returned inconsistent data. The caller retries once at the same
	// address before giving up.
	TargetMutation = errors.New("atlasrt: target mutated during read")

	// Permission marks a file or VM syscall denied by the OS.
	Permission = errors.New("atlasrt: permission denied")

	// NotFound marks a missing file; callers fall back to VM-walk
	// synthesis when this occurs while reading a target's snapshot.
	NotFound = errors.New("atlasrt: not found")

	// Protocol marks a notification message of unexpected size or ID.
	// Receiving it tears down notifications.
	Protocol = errors.New("atlasrt: protocol error")
)
