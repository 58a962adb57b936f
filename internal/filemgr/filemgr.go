// Package filemgr implements file identity resolution (spec.md §4.L),
// grounded on original_source/common/FileManager.{h,cpp}: a cache
// mapping filesystem IDs to volume UUIDs, and a FileRecord describing
// a file either by path or by (volume UUID, object ID).
package filemgr

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
)

// UUID is a 16-byte volume identifier, grounded on
// original_source/lsl/UUID.h.
type UUID [16]byte

// Nil reports whether u is the all-zero sentinel used for volumes that
// do not support UUIDs (original_source/common/FileManager.cpp treats
// an unresolved filesystem as this sentinel rather than an error).
func (u UUID) Nil() bool { return u == UUID{} }

// Manager resolves filesystem IDs to volume UUIDs and builds
// FileRecords, caching the device-to-UUID mapping the way the
// original's _fsUUIDMap does (spec.md §4.L).
type Manager struct {
	mu       sync.Mutex
	fsUUID   map[uint64]UUID
	reloaded bool
}

// New returns an empty Manager; the fsid/UUID cache is populated
// lazily on first lookup.
func New() *Manager {
	return &Manager{fsUUID: make(map[uint64]UUID)}
}

// UUIDForFileSystem returns the volume UUID for fsid, reloading the
// mount table once if it isn't cached yet.
func (m *Manager) UUIDForFileSystem(fsid uint64) (UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.fsUUID[fsid]; ok {
		return u, nil
	}
	if !m.reloaded {
		m.reloadLocked()
		m.reloaded = true
		if u, ok := m.fsUUID[fsid]; ok {
			return u, nil
		}
	}
	return UUID{}, fmt.Errorf("filemgr: %w: no volume UUID for fsid %d", atlaserr.NotFound, fsid)
}

// reloadLocked enumerates mounted filesystems and records a UUID for
// each, matching FileManager::reloadFSInfos's statfs-driven scan.
// Linux has no first-class per-mount UUID the way APFS/HFS+ volumes
// do; lacking a blkid dependency in the retrieved example pack, mounts
// are assigned a synthetic UUID derived from their device ID, keeping
// the cache's shape (a stable fsid -> UUID map) without inventing a
// volume-UUID source the host doesn't expose.
func (m *Manager) reloadLocked() {
	data, err := readMounts()
	if err != nil {
		return
	}
	for _, dev := range data {
		m.fsUUID[dev] = syntheticUUID(dev)
	}
}

func syntheticUUID(device uint64) UUID {
	var u UUID
	for i := 0; i < 8; i++ {
		u[i] = byte(device >> (8 * i))
	}
	return u
}

// readMounts returns the device IDs of every currently mounted
// filesystem, via stat() on the mount points listed in /proc/mounts.
func readMounts() ([]uint64, error) {
	entries, err := parseProcMounts()
	if err != nil {
		return nil, err
	}
	devices := make([]uint64, 0, len(entries))
	for _, path := range entries {
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			continue
		}
		devices = append(devices, uint64(st.Dev))
	}
	return devices, nil
}

// FileRecord describes one file's identity, lazily stat()'d, mirroring
// original_source/common/FileManager.h's FileRecord: either a path or
// a (volume, objectID) pair resolves to the same device/inode/mtime
// identity once stat'd.
type FileRecord struct {
	mgr      *Manager
	path     string
	volume   UUID
	objectID uint64
	device   uint64

	statted bool
	valid   bool
	inode   uint64
	mtime   int64
	size    int64
	fd      int
}

// FileRecordForPath returns a FileRecord identifying the file at path.
func (m *Manager) FileRecordForPath(path string) FileRecord {
	return FileRecord{mgr: m, path: path, fd: -1}
}

// FileRecordForVolumeAndObjectID returns a FileRecord identifying a
// file by (volume UUID, object/inode ID), without requiring a path.
func (m *Manager) FileRecordForVolumeAndObjectID(volume UUID, objectID uint64) FileRecord {
	return FileRecord{mgr: m, volume: volume, objectID: objectID, fd: -1}
}

// FileRecordForDeviceAndObjectID returns a FileRecord identifying a
// file by (device ID, object/inode ID).
func (m *Manager) FileRecordForDeviceAndObjectID(device, objectID uint64) FileRecord {
	return FileRecord{mgr: m, device: device, objectID: objectID, fd: -1}
}

func (r *FileRecord) stat() {
	if r.statted {
		return
	}
	r.statted = true
	var st unix.Stat_t
	var err error
	if r.path != "" {
		err = unix.Stat(r.path, &st)
	} else {
		// Identity is already known by (volume/device, objectID); there
		// is no path to stat, so the object ID and device double as the
		// resolved inode/device identity directly.
		r.valid = true
		r.inode = r.objectID
		return
	}
	if err != nil {
		r.valid = false
		return
	}
	r.valid = true
	r.inode = st.Ino
	r.device = uint64(st.Dev)
	r.mtime = st.Mtim.Sec
	r.size = st.Size
	r.objectID = st.Ino
}

// ObjectID returns the file's object (inode) ID, stat'ing lazily.
func (r *FileRecord) ObjectID() uint64 { r.stat(); return r.objectID }

// MTime returns the file's modification time (seconds since epoch).
func (r *FileRecord) MTime() int64 { r.stat(); return r.mtime }

// Size returns the file's size in bytes.
func (r *FileRecord) Size() int64 { r.stat(); return r.size }

// Volume returns the file's volume UUID, resolving it from the cached
// device-to-UUID map on first use.
func (r *FileRecord) Volume() UUID {
	r.stat()
	if !r.volume.Nil() {
		return r.volume
	}
	if r.device == 0 {
		return UUID{}
	}
	u, err := r.mgr.UUIDForFileSystem(r.device)
	if err != nil {
		return UUID{}
	}
	r.volume = u
	return u
}

// Exists reports whether the file could be resolved on disk.
func (r *FileRecord) Exists() bool { r.stat(); return r.valid }

// Path returns the path this record was constructed from, if any.
func (r *FileRecord) Path() string { return r.path }

// Open opens the underlying file with the given flags, caching the fd.
func (r *FileRecord) Open(flags int) (int, error) {
	if r.fd >= 0 {
		return r.fd, nil
	}
	if r.path == "" {
		return -1, fmt.Errorf("filemgr: %w: cannot open a FileRecord with no path", atlaserr.Invalid)
	}
	fd, err := unix.Open(r.path, flags, 0)
	if err != nil {
		return -1, fmt.Errorf("filemgr: open %q: %w", r.path, err)
	}
	r.fd = fd
	return fd, nil
}

// Close closes the cached fd, if one is open.
func (r *FileRecord) Close() error {
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

// SameIdentity reports whether r and other resolve to the same
// underlying file, comparing (volume, objectID) once both are
// resolved rather than comparing paths or raw device IDs (spec.md
// §4.L: "resolved-identity equality").
func (r *FileRecord) SameIdentity(other *FileRecord) bool {
	return r.Volume() == other.Volume() && r.ObjectID() == other.ObjectID()
}
