// Package cacheimage implements Image and SharedCache (spec.md §4.N):
// per-image and per-cache façades that consult a Mapper to read
// segments, sections, UUID, and install name.
package cacheimage

import (
	"fmt"
	"path/filepath"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
	"github.com/cloudkite-dev/atlasrt/internal/filemgr"
	"github.com/cloudkite-dev/atlasrt/internal/mapper"
)

// Segment describes one loaded segment of an image.
type Segment struct {
	Name           string
	VMAddress      uintptr
	VMSize         uintptr
	FileOffset     int64
	FileSize       uintptr
}

// Image exposes uuid, rebased_address, installname, filename,
// pointer_size, and an iterator over segments (spec.md §4.N).
type Image struct {
	file           filemgr.FileRecord
	uuid           filemgr.UUID
	rebasedAddress uintptr
	slide          int64
	installName    string
	pointerSize    int
	segments       []Segment
	sharedCache    *SharedCache // weak back-reference; may be nil

	mapper *mapper.Mapper
}

// NewImage constructs an Image for a file already resolved to a
// FileRecord, with its segment table and identity already known (the
// snapshot deserializer fills these from the wire format; a live
// target fills them from a Mach-O/ELF header read through a Mapper).
func NewImage(file filemgr.FileRecord, uuid filemgr.UUID, rebasedAddress uintptr, installName string, pointerSize int, segments []Segment) *Image {
	return &Image{file: file, uuid: uuid, rebasedAddress: rebasedAddress, installName: installName, pointerSize: pointerSize, segments: segments}
}

func (i *Image) UUID() filemgr.UUID           { return i.uuid }
func (i *Image) RebasedAddress() uintptr      { return i.rebasedAddress }
func (i *Image) InstallName() string          { return i.installName }
func (i *Image) Filename() string             { return filepath.Base(i.file.Path()) }
func (i *Image) PointerSize() int             { return i.pointerSize }
func (i *Image) FileRecord() *filemgr.FileRecord { return &i.file }

// SharedCache returns the cache this image belongs to, or nil if the
// image is standalone.
func (i *Image) SharedCache() *SharedCache { return i.sharedCache }

// ForEachSegment visits every segment, stopping early if fn returns
// false.
func (i *Image) ForEachSegment(fn func(Segment) bool) {
	for _, s := range i.segments {
		if !fn(s) {
			return
		}
	}
}

// Mapper lazily constructs this image's Mapper on first content access
// (spec.md §4.N), backed by mappings built from the image's own
// segment table.
func (i *Image) Mapper() (*mapper.Mapper, error) {
	if i.mapper != nil {
		return i.mapper, nil
	}
	fd, err := i.file.Open(0)
	if err != nil {
		return nil, fmt.Errorf("cacheimage: %w", err)
	}
	mappings := make([]mapper.Mapping, 0, len(i.segments))
	for _, s := range i.segments {
		if s.FileSize == 0 {
			continue
		}
		mappings = append(mappings, mapper.Mapping{
			VirtualAddress: i.rebasedAddress + s.VMAddress,
			Size:           s.FileSize,
			FileOffset:     s.FileOffset,
			FD:             fd,
		})
	}
	i.mapper = mapper.New(mappings)
	return i.mapper, nil
}

// ForEachContent invokes fn with a pointer into the mapped view and
// the VM range for every segment (spec.md §4.N).
func (i *Image) ForEachContent(fn func(seg Segment, content []byte) bool) error {
	m, err := i.Mapper()
	if err != nil {
		return err
	}
	for _, s := range i.segments {
		if s.FileSize == 0 {
			continue
		}
		h, err := m.Map(i.rebasedAddress+s.VMAddress, s.FileSize)
		if err != nil {
			return fmt.Errorf("cacheimage: mapping segment %q: %w", s.Name, err)
		}
		keepGoing := fn(s, h.Bytes())
		_ = h.Release()
		if !keepGoing {
			return nil
		}
	}
	return nil
}

// SharedCache exposes uuid, rebased_address, size, image_count,
// for_each_image, and pin/unpin over the cache's own Mapper (spec.md
// §4.N).
type SharedCache struct {
	file           filemgr.FileRecord
	uuid           filemgr.UUID
	rebasedAddress uintptr
	size           uintptr
	images         []*Image
	mapper         *mapper.Mapper
	pointerSize    int
	localsFile     *filemgr.FileRecord
}

// NewSharedCache constructs a SharedCache over an already-resolved
// file, UUID, address range and image list.
func NewSharedCache(file filemgr.FileRecord, uuid filemgr.UUID, rebasedAddress uintptr, size uintptr, images []*Image, m *mapper.Mapper) (*SharedCache, error) {
	c := &SharedCache{file: file, uuid: uuid, rebasedAddress: rebasedAddress, size: size, images: images, mapper: m, pointerSize: 8}
	for _, img := range images {
		img.sharedCache = c
	}
	return c, nil
}

// SetLocalsFile records a separate ".symbols" subcache file holding
// this cache's local-symbols blob (spec.md §4.N local_symbols; newer
// cache layouts split this out of the main cache file).
func (c *SharedCache) SetLocalsFile(f *filemgr.FileRecord) { c.localsFile = f }

// FileRecordAccessor returns the cache's primary file record.
func (c *SharedCache) FileRecordAccessor() *filemgr.FileRecord { return &c.file }

func (c *SharedCache) UUID() filemgr.UUID      { return c.uuid }
func (c *SharedCache) RebasedAddress() uintptr { return c.rebasedAddress }
func (c *SharedCache) Size() uintptr           { return c.size }
func (c *SharedCache) ImageCount() int         { return len(c.images) }

// WithImageForIndex returns the image at position i, or an error if i
// is out of range.
func (c *SharedCache) WithImageForIndex(i int) (*Image, error) {
	if i < 0 || i >= len(c.images) {
		return nil, fmt.Errorf("cacheimage: %w: image index %d out of range (0..%d)", atlaserr.Invalid, i, len(c.images))
	}
	return c.images[i], nil
}

// ForEachImage visits every image in the cache, stopping early if fn
// returns false.
func (c *SharedCache) ForEachImage(fn func(*Image) bool) {
	for _, img := range c.images {
		if !fn(img) {
			return
		}
	}
}

// ForEachFilePath visits the path of every image in the cache.
func (c *SharedCache) ForEachFilePath(fn func(string) bool) {
	for _, img := range c.images {
		if !fn(img.FileRecord().Path()) {
			return
		}
	}
}

// Pin materializes the cache's full mapping into a single contiguous
// VM copy (spec.md §4.N, delegated to the underlying Mapper).
func (c *SharedCache) Pin() error {
	if c.mapper == nil {
		return nil
	}
	return c.mapper.Pin()
}

// Unpin releases the flat copy made by Pin.
func (c *SharedCache) Unpin() {
	if c.mapper != nil {
		c.mapper.Unpin()
	}
}

// SharedCacheLocals wraps the cache's local-symbols blob (spec.md §4.N
// mentions local_symbols() in passing; original_source/common/ProcessAtlas.h
// SharedCacheLocals additionally carries a use64BitDylibOffsets flag
// alongside the mapped blob, since the entry/nlist layout differs by
// pointer width).
type SharedCacheLocals struct {
	data               []byte
	use64BitDylibOffsets bool
}

// LocalInfo returns the raw mapped bytes of the local-symbols info
// structure; parsing dyld_cache_local_symbols_info is left to a caller
// that needs symbol data, matching the teacher's treatment of opaque
// typed records (spec.md §6).
func (l *SharedCacheLocals) LocalInfo() []byte { return l.data }

// Use64BitDylibOffsets reports whether local-symbols entries use the
// 64-bit dylib-offset encoding.
func (l *SharedCacheLocals) Use64BitDylibOffsets() bool { return l.use64BitDylibOffsets }

// LocalSymbols maps and returns the cache's local-symbols blob, or nil
// if the cache carries none (spec.md §4.N SharedCache::local_symbols).
func (c *SharedCache) LocalSymbols() (*SharedCacheLocals, error) {
	if c.localsFile == nil {
		return nil, nil
	}
	fd, err := c.localsFile.Open(0)
	if err != nil {
		return nil, fmt.Errorf("cacheimage: opening local-symbols file: %w", err)
	}
	size := c.localsFile.Size()
	m := mapper.New([]mapper.Mapping{{VirtualAddress: 0, Size: uintptr(size), FileOffset: 0, FD: fd}})
	h, err := m.Map(0, uintptr(size))
	if err != nil {
		return nil, fmt.Errorf("cacheimage: mapping local-symbols file: %w", err)
	}
	return &SharedCacheLocals{data: h.Bytes(), use64BitDylibOffsets: c.pointerSize == 8}, nil
}

// knownCacheDirectories mirrors for_each_installed_cache_with_system_path's
// fixed list of cache locations to check under a given root.
var knownCacheDirectories = []string{
	"/System/Library/dyld",
	"/System/Library/Caches/com.apple.dyld",
	"/System/Cryptexes/OS/System/Library/dyld",
	"/var/db/dyld",
}

// ForEachInstalledCacheWithSystemPath walks the fixed list of known
// cache directories under root, calling fn with the path of each entry
// listDir reports there (spec.md §4.N Discovery). No filtering is done:
// sub-cache files and any other entries are passed to fn as well (no
// Mach-O magic parser exists in this module; spec.md keeps that behind
// the unimplemented cache-header parsing noted in SPEC_FULL.md), and fn
// decides whether it is interested.
func ForEachInstalledCacheWithSystemPath(root string, listDir func(dir string) ([]string, error), fn func(path string) bool) {
	for _, dir := range knownCacheDirectories {
		full := filepath.Join(root, dir)
		entries, err := listDir(full)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !fn(filepath.Join(full, e)) {
				return
			}
		}
	}
}
