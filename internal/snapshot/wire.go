package snapshot

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
	"github.com/cloudkite-dev/atlasrt/internal/bitmap"
	"github.com/cloudkite-dev/atlasrt/internal/cacheimage"
	"github.com/cloudkite-dev/atlasrt/internal/crc32c"
	"github.com/cloudkite-dev/atlasrt/internal/filemgr"
	"github.com/cloudkite-dev/atlasrt/internal/pvle"
)

var wireMagic = [4]byte{'A', 'T', 'L', 'S'}

const wireVersion = uint32(0)

const (
	flagHasSharedCache  = uint64(0x1)
	flagHasPrivateCache = uint64(0x2)
	flagHas16kPages     = uint64(0x4)
)

const (
	mappedHasUUID     = uint64(0x1)
	mappedHasFileID   = uint64(0x2)
	mappedHasFilePath = uint64(0x4)
)

// missingIdentitySentinel is inserted into the string table for a file
// that has neither a volume identity nor a resolvable path (spec.md
// §4.O Serialize algorithm step 2).
const missingIdentitySentinel = "???"

// headerFixedSize is the byte length of the fixed portion of the
// header, up to and including the crc32c field.
const headerFixedSize = 4 + 4 + 8 + 4 + 4 + 8 + 4

func pageSizeForFlags(flags uint64) uint64 {
	if flags&flagHas16kPages != 0 {
		return 16384
	}
	return 4096
}

// Serialize encodes s into the wire format described in spec.md §4.O.
// systemInfoAddress/systemInfoSize are carried through verbatim as
// reserved out-of-band fields the in-process reader does not itself
// interpret (see DESIGN.md's open question on these fields: the target's own
// system-info blob address/size are opaque to this module).
func Serialize(s *ProcessSnapshot, systemInfoAddress uint64, systemInfoSize uint32, timestamp uint64, use16kPages bool) ([]byte, error) {
	if !s.valid {
		return nil, fmt.Errorf("snapshot: %w: cannot serialize an invalid snapshot", atlaserr.Invalid)
	}

	var flags uint64
	if s.sharedCache != nil {
		flags |= flagHasSharedCache
	}
	if use16kPages {
		flags |= flagHas16kPages
	}
	pageSize := pageSizeForFlags(flags)

	volumeUUIDs, volumeIndex := collectVolumeUUIDs(s)
	strings, stringOffset := collectStrings(s, volumeUUIDs)

	body := make([]byte, 0, 1024)
	body = pvle.EncodeUint64(flags, body)
	body = pvle.EncodeUint64(s.platform, body)
	body = pvle.EncodeUint64(s.initialImages, body)
	body = pvle.EncodeUint64(s.dyldState, body)
	body = pvle.EncodeUint64(uint64(len(volumeUUIDs)), body)
	for _, u := range volumeUUIDs {
		body = append(body, u[:]...)
	}

	stringTableBytes := joinStrings(strings)
	body = pvle.EncodeUint64(uint64(len(stringTableBytes)), body)
	body = append(body, stringTableBytes...)

	if s.sharedCache != nil {
		mfi, err := mappedFileInfoFor(s.sharedCache.FileRecordAccessor(), s.sharedCache.UUID(), s.sharedCache.RebasedAddress(), pageSize, volumeIndex, stringOffset)
		if err != nil {
			return nil, err
		}
		body = appendMappedFileInfo(body, mfi)
		bitCount := 0
		if s.membership != nil {
			bitCount = s.membership.Size()
		}
		body = pvle.EncodeUint64(uint64(bitCount), body)
		if s.membership != nil {
			body = append(body, s.membership.Bytes()...)
		}
	}

	body = pvle.EncodeUint64(uint64(len(s.images)), body)
	var prevAddr uintptr
	for _, img := range s.images {
		delta := img.RebasedAddress() - prevAddr
		mfi, err := mappedFileInfoFor(img.FileRecord(), img.UUID(), delta, pageSize, volumeIndex, stringOffset)
		if err != nil {
			return nil, err
		}
		body = appendMappedFileInfo(body, mfi)
		prevAddr = img.RebasedAddress()
	}

	total := headerFixedSize + len(body)
	padded := (total + 15) &^ 15
	buf := make([]byte, padded)

	copy(buf[0:4], wireMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], wireVersion)
	binary.LittleEndian.PutUint64(buf[8:16], systemInfoAddress)
	binary.LittleEndian.PutUint32(buf[16:20], systemInfoSize)
	binary.LittleEndian.PutUint32(buf[20:24], s.generation+1)
	binary.LittleEndian.PutUint64(buf[24:32], timestamp)
	binary.LittleEndian.PutUint32(buf[32:36], 0) // crc32c placeholder
	copy(buf[headerFixedSize:], body)

	sum := crc32c.Checksum(buf)
	binary.LittleEndian.PutUint32(buf[32:36], sum)

	s.generation++
	return buf, nil
}

// mappedFileInfo is the decoded form of one MappedFileInfo record
// (spec.md §4.O).
type mappedFileInfo struct {
	flags          uint64
	rebasedAddress uint64
	uuid           filemgr.UUID
	volumeIndex    uint64
	objectID       uint64
	stringOffset   uint64
}

// mappedFileInfoFor builds the wire record for one mapped object.
// objectUUID is the image/cache's own content-identity UUID
// (cacheimage.Image.UUID / SharedCache.UUID, independent of rec's
// resolved volume), mirroring
// original_source/common/ProcessAtlas.cpp's
// emitMappedFileInfo(address, object->uuid(), object->file(), result):
// the object UUID and the FileRecord-derived volume/path identity are
// carried as two independent flags, not folded into one.
func mappedFileInfoFor(rec *filemgr.FileRecord, objectUUID filemgr.UUID, address uintptr, pageSize uint64, volumeIndex map[filemgr.UUID]int, stringOffset map[string]int) (mappedFileInfo, error) {
	mfi := mappedFileInfo{rebasedAddress: uint64(address) / pageSize}
	if !objectUUID.Nil() {
		mfi.flags |= mappedHasUUID
		mfi.uuid = objectUUID
	}
	if vol := rec.Volume(); !vol.Nil() {
		mfi.flags |= mappedHasFileID
		mfi.volumeIndex = uint64(volumeIndex[vol])
		mfi.objectID = rec.ObjectID()
		return mfi, nil
	}
	path := rec.Path()
	if path == "" {
		path = missingIdentitySentinel
	}
	mfi.flags |= mappedHasFilePath
	mfi.stringOffset = uint64(stringOffset[path])
	return mfi, nil
}

func appendMappedFileInfo(body []byte, mfi mappedFileInfo) []byte {
	body = pvle.EncodeUint64(mfi.flags, body)
	body = pvle.EncodeUint64(mfi.rebasedAddress, body)
	if mfi.flags&mappedHasUUID != 0 {
		body = append(body, mfi.uuid[:]...)
	}
	if mfi.flags&mappedHasFileID != 0 {
		body = pvle.EncodeUint64(mfi.volumeIndex, body)
		body = pvle.EncodeUint64(mfi.objectID, body)
	}
	if mfi.flags&mappedHasFilePath != 0 {
		body = pvle.EncodeUint64(mfi.stringOffset, body)
	}
	return body
}

func collectVolumeUUIDs(s *ProcessSnapshot) ([]filemgr.UUID, map[filemgr.UUID]int) {
	seen := map[filemgr.UUID]bool{}
	s.ForEachImage(func(img *cacheimage.Image) bool {
		if u := img.FileRecord().Volume(); !u.Nil() {
			seen[u] = true
		}
		return true
	})
	if s.sharedCache != nil {
		if u := s.sharedCache.FileRecordAccessor().Volume(); !u.Nil() {
			seen[u] = true
		}
	}
	list := make([]filemgr.UUID, 0, len(seen))
	for u := range seen {
		list = append(list, u)
	}
	sort.Slice(list, func(i, j int) bool {
		for k := 0; k < 16; k++ {
			if list[i][k] != list[j][k] {
				return list[i][k] < list[j][k]
			}
		}
		return false
	})
	index := make(map[filemgr.UUID]int, len(list))
	for i, u := range list {
		index[u] = i
	}
	return list, index
}

func collectStrings(s *ProcessSnapshot, volumeUUIDs []filemgr.UUID) ([]string, map[string]int) {
	seen := map[string]bool{}
	addPath := func(rec *filemgr.FileRecord) {
		if !rec.Volume().Nil() {
			return
		}
		p := rec.Path()
		if p == "" {
			p = missingIdentitySentinel
		}
		seen[p] = true
	}
	s.ForEachImage(func(img *cacheimage.Image) bool {
		addPath(img.FileRecord())
		return true
	})
	if s.sharedCache != nil {
		addPath(s.sharedCache.FileRecordAccessor())
	}
	list := make([]string, 0, len(seen))
	for str := range seen {
		list = append(list, str)
	}
	sort.Strings(list)

	offsets := make(map[string]int, len(list))
	offset := 0
	for _, str := range list {
		offsets[str] = offset
		offset += len(str) + 1
	}
	return list, offsets
}

func joinStrings(strings []string) []byte {
	var out []byte
	for _, s := range strings {
		out = append(out, []byte(s)...)
		out = append(out, 0)
	}
	return out
}

// Deserialize is the inverse of Serialize (spec.md §4.O). On any
// length underflow, bounds error, PVLE overrun, or CRC mismatch, it
// returns an Invalid() snapshot rather than an error, matching spec.md
// §7: "the snapshot is marked invalid and its contents are cleared".
func Deserialize(data []byte, fm *filemgr.Manager) *ProcessSnapshot {
	s, err := deserialize(data, fm)
	if err != nil {
		return Invalid()
	}
	return s
}

func deserialize(data []byte, fm *filemgr.Manager) (*ProcessSnapshot, error) {
	if len(data) < headerFixedSize {
		return nil, fmt.Errorf("snapshot: %w: truncated header", atlaserr.Invalid)
	}
	if [4]byte(data[0:4]) != wireMagic {
		return nil, fmt.Errorf("snapshot: %w: bad magic", atlaserr.Invalid)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != wireVersion {
		return nil, fmt.Errorf("snapshot: %w: unsupported version %d", atlaserr.Invalid, version)
	}
	generation := binary.LittleEndian.Uint32(data[20:24])
	storedCRC := binary.LittleEndian.Uint32(data[32:36])

	check := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(check[32:36], 0)
	if crc32c.Checksum(check) != storedCRC {
		return nil, fmt.Errorf("snapshot: %w: CRC mismatch", atlaserr.Invalid)
	}

	rest := data[headerFixedSize:]
	flags, rest, err := pvle.DecodeUint64(rest)
	if err != nil {
		return nil, err
	}
	platform, rest, err := pvle.DecodeUint64(rest)
	if err != nil {
		return nil, err
	}
	initialImages, rest, err := pvle.DecodeUint64(rest)
	if err != nil {
		return nil, err
	}
	dyldState, rest, err := pvle.DecodeUint64(rest)
	if err != nil {
		return nil, err
	}
	volumeCount, rest, err := pvle.DecodeUint64(rest)
	if err != nil {
		return nil, err
	}
	volumeUUIDs := make([]filemgr.UUID, volumeCount)
	for i := range volumeUUIDs {
		if len(rest) < 16 {
			return nil, fmt.Errorf("snapshot: %w: truncated volume UUID table", atlaserr.Invalid)
		}
		copy(volumeUUIDs[i][:], rest[:16])
		rest = rest[16:]
	}

	stringTableSize, rest, err := pvle.DecodeUint64(rest)
	if err != nil {
		return nil, err
	}
	if uint64(len(rest)) < stringTableSize {
		return nil, fmt.Errorf("snapshot: %w: truncated string table", atlaserr.Invalid)
	}
	stringTable := rest[:stringTableSize]
	rest = rest[stringTableSize:]
	strings := splitStrings(stringTable)

	s := New(platform, initialImages, dyldState)
	s.generation = generation
	pageSize := pageSizeForFlags(flags)

	if flags&flagHasSharedCache != 0 {
		mfi, next, err := readMappedFileInfo(rest)
		if err != nil {
			return nil, err
		}
		rest = next
		bitCount, next, err := pvle.DecodeUint64(rest)
		if err != nil {
			return nil, err
		}
		rest = next
		bits, next, err := bitmap.FromBytes(int(bitCount), rest)
		if err != nil {
			return nil, err
		}
		rest = next

		record := fileRecordFromMappedInfo(fm, mfi, volumeUUIDs, strings)
		cache, err := cacheimage.NewSharedCache(record, mfi.uuid, uintptr(mfi.rebasedAddress*pageSize), 0, nil, nil)
		if err != nil {
			return nil, err
		}
		s.sharedCache = cache
		s.membership = bits
	}

	imageCount, rest, err := pvle.DecodeUint64(rest)
	if err != nil {
		return nil, err
	}
	var prevAddr uint64
	for i := uint64(0); i < imageCount; i++ {
		mfi, next, err := readMappedFileInfo(rest)
		if err != nil {
			return nil, err
		}
		rest = next
		prevAddr += mfi.rebasedAddress
		record := fileRecordFromMappedInfo(fm, mfi, volumeUUIDs, strings)
		img := cacheimage.NewImage(record, mfi.uuid, uintptr(prevAddr*pageSize), pathFor(mfi, strings), 8, nil)
		s.images = append(s.images, img)
	}

	return s, nil
}

func fileRecordFromMappedInfo(fm *filemgr.Manager, mfi mappedFileInfo, volumeUUIDs []filemgr.UUID, strings []string) filemgr.FileRecord {
	if mfi.flags&mappedHasFileID != 0 && int(mfi.volumeIndex) < len(volumeUUIDs) {
		return fm.FileRecordForVolumeAndObjectID(volumeUUIDs[mfi.volumeIndex], mfi.objectID)
	}
	return fm.FileRecordForPath(pathFor(mfi, strings))
}

func pathFor(mfi mappedFileInfo, strings []string) string {
	if mfi.flags&mappedHasFilePath == 0 {
		return ""
	}
	if int(mfi.stringOffset) < len(strings) {
		return strings[mfi.stringOffset]
	}
	return ""
}

func readMappedFileInfo(data []byte) (mappedFileInfo, []byte, error) {
	var mfi mappedFileInfo
	flags, rest, err := pvle.DecodeUint64(data)
	if err != nil {
		return mfi, nil, err
	}
	mfi.flags = flags
	addr, rest2, err := pvle.DecodeUint64(rest)
	if err != nil {
		return mfi, nil, err
	}
	mfi.rebasedAddress = addr
	rest = rest2

	if flags&mappedHasUUID != 0 {
		if len(rest) < 16 {
			return mfi, nil, fmt.Errorf("snapshot: %w: truncated MappedFileInfo UUID", atlaserr.Invalid)
		}
		copy(mfi.uuid[:], rest[:16])
		rest = rest[16:]
	}
	if flags&mappedHasFileID != 0 {
		vi, next, err := pvle.DecodeUint64(rest)
		if err != nil {
			return mfi, nil, err
		}
		mfi.volumeIndex = vi
		rest = next
		oid, next2, err := pvle.DecodeUint64(rest)
		if err != nil {
			return mfi, nil, err
		}
		mfi.objectID = oid
		rest = next2
	}
	if flags&mappedHasFilePath != 0 {
		so, next, err := pvle.DecodeUint64(rest)
		if err != nil {
			return mfi, nil, err
		}
		mfi.stringOffset = so
		rest = next
	}
	return mfi, rest, nil
}

// splitStrings decodes the NUL-separated string table into a slice
// indexed by starting byte offset (stringOffset in the wire format
// names a byte position into the table, not a string index), so
// byOffset[off] is only meaningful when off is exactly where some
// string begins — which is always how the encoder produces it.
func splitStrings(data []byte) []string {
	byOffset := make([]string, len(data)+1)
	start := 0
	for i, b := range data {
		if b == 0 {
			byOffset[start] = string(data[start:i])
			start = i + 1
		}
	}
	return byOffset
}
