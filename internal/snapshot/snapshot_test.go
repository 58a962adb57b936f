package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudkite-dev/atlasrt/internal/cacheimage"
	"github.com/cloudkite-dev/atlasrt/internal/filemgr"
)

func makeImage(t *testing.T, fm *filemgr.Manager, dir, name string, addr uintptr) *cacheimage.Image {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("content-"+name), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	record := fm.FileRecordForPath(path)
	return cacheimage.NewImage(record, filemgr.UUID{}, addr, "/usr/lib/"+name, 8, nil)
}

func TestAddAndRemoveImage(t *testing.T) {
	dir := t.TempDir()
	fm := filemgr.New()
	s := New(1, 2, 3)

	img1 := makeImage(t, fm, dir, "a.dylib", 0x3000)
	img2 := makeImage(t, fm, dir, "b.dylib", 0x1000)
	img3 := makeImage(t, fm, dir, "c.dylib", 0x2000)
	s.AddImage(img1)
	s.AddImage(img2)
	s.AddImage(img3)

	var addrs []uintptr
	s.ForEachImage(func(img *cacheimage.Image) bool {
		addrs = append(addrs, img.RebasedAddress())
		return true
	})
	want := []uintptr{0x1000, 0x2000, 0x3000}
	for i := range want {
		if addrs[i] != want[i] {
			t.Fatalf("ForEachImage order = %v, want %v", addrs, want)
		}
	}

	if !s.RemoveImageAtAddress(0x2000) {
		t.Fatalf("expected to remove image at 0x2000")
	}
	if s.RemoveImageAtAddress(0x2000) {
		t.Fatalf("second remove at the same address should report false")
	}
}

func TestForEachImageNotIn(t *testing.T) {
	dir := t.TempDir()
	fm := filemgr.New()

	a := New(1, 1, 1)
	b := New(1, 1, 1)
	img1 := makeImage(t, fm, dir, "only-a.dylib", 0x1000)
	shared := makeImage(t, fm, dir, "shared.dylib", 0x2000)
	a.AddImage(img1)
	a.AddImage(shared)
	b.AddImage(makeImage(t, fm, dir, "shared.dylib", 0x2000))

	var missing []uintptr
	a.ForEachImageNotIn(b, func(img *cacheimage.Image) bool {
		missing = append(missing, img.RebasedAddress())
		return true
	}, nil)
	if len(missing) != 1 || missing[0] != 0x1000 {
		t.Fatalf("ForEachImageNotIn = %v, want [0x1000] (the image absent from b by address)", missing)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fm := filemgr.New()
	s := New(2, 5, 7)
	s.AddImage(makeImage(t, fm, dir, "first.dylib", 0x100000))
	s.AddImage(makeImage(t, fm, dir, "second.dylib", 0x200000))

	data, err := Serialize(s, 0, 0, 1234567890, false)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if len(data)%16 != 0 {
		t.Fatalf("serialized snapshot must be padded to a 16-byte boundary, got %d bytes", len(data))
	}

	got := Deserialize(data, fm)
	if !got.Valid() {
		t.Fatalf("deserialized snapshot should be valid")
	}
	if got.Platform() != 2 || got.InitialImageCount() != 5 || got.DyldState() != 7 {
		t.Fatalf("scalar fields mismatch: platform=%d initial=%d state=%d", got.Platform(), got.InitialImageCount(), got.DyldState())
	}
	var paths []string
	got.ForEachImage(func(img *cacheimage.Image) bool {
		paths = append(paths, img.InstallName())
		return true
	})
	if len(paths) != 2 {
		t.Fatalf("expected 2 images after round trip, got %d", len(paths))
	}
}

// TestSerializeDeserializeRoundTripPreservesUUIDs mirrors spec.md §8
// scenario 3: after a serialize/deserialize round trip, the shared
// cache's and every standalone image's own content-identity UUID must
// match the originals, independent of whatever volume/path identity
// their FileRecord resolves to.
func TestSerializeDeserializeRoundTripPreservesUUIDs(t *testing.T) {
	dir := t.TempDir()
	fm := filemgr.New()
	s := New(1, 1, 1)

	cacheUUID := filemgr.UUID{0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA, 0xCA}
	cachePath := filepath.Join(dir, "dyld_shared_cache")
	if err := os.WriteFile(cachePath, []byte("cache-content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cacheRecord := fm.FileRecordForPath(cachePath)
	imgUUID := filemgr.UUID{0xAA, 0xBB, 0xCC}
	cacheImg := cacheimage.NewImage(fm.FileRecordForPath(cachePath), imgUUID, 0x500000, "/usr/lib/cached.dylib", 8, nil)
	cache, err := cacheimage.NewSharedCache(cacheRecord, cacheUUID, 0x500000, 0x10000, []*cacheimage.Image{cacheImg}, nil)
	if err != nil {
		t.Fatalf("NewSharedCache: %v", err)
	}
	s.AddSharedCache(cache)
	s.AddSharedCacheImageAtIndex(0)

	standaloneUUID := filemgr.UUID{0x11, 0x22, 0x33}
	standalonePath := filepath.Join(dir, "standalone.dylib")
	if err := os.WriteFile(standalonePath, []byte("standalone"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	standalone := cacheimage.NewImage(fm.FileRecordForPath(standalonePath), standaloneUUID, 0x100000, "/usr/lib/standalone.dylib", 8, nil)
	s.AddImage(standalone)

	data, err := Serialize(s, 0, 0, 42, false)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got := Deserialize(data, fm)
	if !got.Valid() {
		t.Fatalf("deserialized snapshot should be valid")
	}
	if got.SharedCache() == nil {
		t.Fatalf("expected a shared cache after round trip")
	}
	if got.SharedCache().UUID() != cacheUUID {
		t.Fatalf("cache UUID = %x, want %x", got.SharedCache().UUID(), cacheUUID)
	}

	var sawStandalone bool
	got.ForEachImage(func(img *cacheimage.Image) bool {
		if img.RebasedAddress() == 0x100000 {
			sawStandalone = true
			if img.UUID() != standaloneUUID {
				t.Fatalf("standalone image UUID = %x, want %x", img.UUID(), standaloneUUID)
			}
		}
		return true
	})
	if !sawStandalone {
		t.Fatalf("expected the standalone image to survive the round trip")
	}
}

func TestDeserializeRejectsCorruption(t *testing.T) {
	dir := t.TempDir()
	fm := filemgr.New()
	s := New(1, 1, 1)
	s.AddImage(makeImage(t, fm, dir, "x.dylib", 0x1000))

	data, err := Serialize(s, 0, 0, 1, false)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	corrupted := append([]byte(nil), data...)
	corrupted[len(corrupted)-1] ^= 0xFF

	got := Deserialize(corrupted, fm)
	if got.Valid() {
		t.Fatalf("corrupted snapshot should deserialize as invalid")
	}
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	fm := filemgr.New()
	got := Deserialize([]byte("not a snapshot at all, far too short"), fm)
	if got.Valid() {
		t.Fatalf("garbage input should deserialize as invalid")
	}
}
