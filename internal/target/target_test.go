package target

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
	"github.com/cloudkite-dev/atlasrt/internal/cacheimage"
	"github.com/cloudkite-dev/atlasrt/internal/filemgr"
	"github.com/cloudkite-dev/atlasrt/internal/snapshot"
)

// fakeReader is a scriptable TargetReader used throughout this file.
type fakeReader struct {
	dyldAddr   uintptr
	dyldErr    error
	data       map[uintptr][]byte
	failTimes  map[uintptr]int
	calls      map[uintptr]int
	regions    []Region
	mainExe    string
	mainExeErr error
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		data:      make(map[uintptr][]byte),
		failTimes: make(map[uintptr]int),
		calls:     make(map[uintptr]int),
	}
}

func (f *fakeReader) DyldInfoLocation() (uintptr, error) { return f.dyldAddr, f.dyldErr }

func (f *fakeReader) ReadAt(addr uintptr, size int) ([]byte, error) {
	f.calls[addr]++
	if n := f.failTimes[addr]; n > 0 && f.calls[addr] <= n {
		return nil, fmt.Errorf("fake: simulated read failure at %#x", addr)
	}
	data, ok := f.data[addr]
	if !ok {
		return nil, fmt.Errorf("fake: no data registered at %#x", addr)
	}
	if len(data) > size {
		data = data[:size]
	}
	return data, nil
}

func (f *fakeReader) ForEachRegion(fn func(Region) bool) error {
	for _, r := range f.regions {
		if !fn(r) {
			return nil
		}
	}
	return nil
}

func (f *fakeReader) MainExecutablePath() (string, error) { return f.mainExe, f.mainExeErr }

func encodeHeader(compactAddr uintptr, size uint32) []byte {
	buf := make([]byte, dyldInfoHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(compactAddr))
	binary.LittleEndian.PutUint32(buf[8:12], size)
	return buf
}

// syncQueue runs enqueued work synchronously, for deterministic tests.
type syncQueue struct{}

func (syncQueue) Enqueue(fn func()) { fn() }

func TestGetSnapshotFallsBackWhenDyldInfoNotFound(t *testing.T) {
	fm := filemgr.New()
	r := newFakeReader()
	r.dyldErr = fmt.Errorf("target: %w: none", atlaserr.NotFound)

	p := New(r, fm, nil)
	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !snap.Valid() {
		t.Fatalf("synthesized snapshot should be valid")
	}
}

func TestGetSnapshotFallsBackWhenCompactSizeZero(t *testing.T) {
	fm := filemgr.New()
	r := newFakeReader()
	r.dyldAddr = 0x1000
	r.data[0x1000] = encodeHeader(0x5000, 0)

	p := New(r, fm, nil)
	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !snap.Valid() {
		t.Fatalf("expected valid synthesized snapshot")
	}
}

func TestGetSnapshotReadsCompactInfo(t *testing.T) {
	fm := filemgr.New()
	built := snapshot.New(1, 2, 3)
	data, err := snapshot.Serialize(built, 0, 0, 42, false)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	r := newFakeReader()
	r.dyldAddr = 0x1000
	r.data[0x1000] = encodeHeader(0x5000, uint32(len(data)))
	r.data[0x5000] = data

	p := New(r, fm, nil)
	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !snap.Valid() || snap.Platform() != 1 || snap.InitialImageCount() != 2 || snap.DyldState() != 3 {
		t.Fatalf("unexpected snapshot: valid=%v platform=%d initial=%d state=%d",
			snap.Valid(), snap.Platform(), snap.InitialImageCount(), snap.DyldState())
	}
}

func TestGetSnapshotRetriesOnceThenSucceeds(t *testing.T) {
	fm := filemgr.New()
	built := snapshot.New(1, 1, 1)
	data, err := snapshot.Serialize(built, 0, 0, 1, false)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	r := newFakeReader()
	r.dyldAddr = 0x1000
	r.data[0x1000] = encodeHeader(0x5000, uint32(len(data)))
	r.data[0x5000] = data
	r.failTimes[0x5000] = 1 // fail once, succeed on retry

	p := New(r, fm, nil)
	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot after one retry: %v", err)
	}
	if !snap.Valid() {
		t.Fatalf("expected valid snapshot after retry")
	}
}

func TestGetSnapshotGivesUpAfterRepeatedFailureAtSameAddress(t *testing.T) {
	fm := filemgr.New()
	r := newFakeReader()
	r.dyldAddr = 0x1000
	r.data[0x1000] = encodeHeader(0x5000, 16)
	r.failTimes[0x5000] = 1000 // always fails

	p := New(r, fm, nil)
	if _, err := p.GetSnapshot(); !errors.Is(err, atlaserr.TargetMutation) {
		t.Fatalf("first GetSnapshot: expected TargetMutation, got %v", err)
	}
	callsAfterFirst := r.calls[0x5000]
	if callsAfterFirst != 2 {
		t.Fatalf("expected exactly 2 reads (initial + 1 retry), got %d", callsAfterFirst)
	}

	if _, err := p.GetSnapshot(); !errors.Is(err, atlaserr.TargetMutation) {
		t.Fatalf("second GetSnapshot: expected TargetMutation, got %v", err)
	}
	if r.calls[0x5000] != callsAfterFirst+1 {
		t.Fatalf("second call should give up without retrying (same failed address): calls=%d", r.calls[0x5000])
	}
}

func TestSynthesizeSnapshotRecordsMainExecutableAndLinker(t *testing.T) {
	fm := filemgr.New()
	r := newFakeReader()
	r.mainExe = "/usr/bin/myapp"
	r.data[0x1000] = []byte{0xcf, 0xfa, 0xed, 0xfe, 0, 0, 0, 0} // MH_MAGIC_64
	r.data[0x2000] = []byte{0xcf, 0xfa, 0xed, 0xfe, 0, 0, 0, 0}
	r.data[0x3000] = []byte{0xcf, 0xfa, 0xed, 0xfe, 0, 0, 0, 0}
	r.regions = []Region{
		{Start: 0x1000, End: 0x1100, Readable: true, Executable: true, Path: "/usr/bin/myapp"},
		{Start: 0x2000, End: 0x2100, Readable: true, Executable: true, Path: "/lib64/ld-linux-x86-64.so.2"},
		{Start: 0x3000, End: 0x3100, Readable: true, Executable: true, Path: "/usr/lib/libunrelated.so"},
	}

	p := New(r, fm, nil)
	snap, err := p.SynthesizeSnapshot()
	if err != nil {
		t.Fatalf("SynthesizeSnapshot: %v", err)
	}

	var paths []string
	snap.ForEachImage(func(img *cacheimage.Image) bool {
		paths = append(paths, img.InstallName())
		return true
	})
	if len(paths) != 2 {
		t.Fatalf("expected 2 recorded images (main exe + linker), got %v", paths)
	}
}

func TestRegisterAndDeliverDispatchesRemovalsThenAdditions(t *testing.T) {
	fm := filemgr.New()
	r := newFakeReader()
	r.dyldErr = fmt.Errorf("target: %w: none", atlaserr.NotFound)
	r.mainExe = "/usr/bin/myapp"
	r.data[0x1000] = []byte{0xcf, 0xfa, 0xed, 0xfe, 0, 0, 0, 0}
	r.regions = []Region{
		{Start: 0x1000, End: 0x1100, Readable: true, Executable: true, Path: "/usr/bin/myapp"},
	}

	p := New(r, fm, nil)

	prior := snapshot.New(1, 1, 1)
	removedImg := cacheimage.NewImage(fm.FileRecordForPath(""), filemgr.UUID{}, 0x9000, "/removed", 8, nil)
	prior.AddImage(removedImg)
	p.mu.Lock()
	p.prior = prior
	p.mu.Unlock()

	var order []string
	if _, err := p.RegisterNotification(syncQueue{}, func(kind ChangeKind, img *cacheimage.Image) {
		order = append(order, fmt.Sprintf("%s:%s", kind, img.InstallName()))
	}); err != nil {
		t.Fatalf("RegisterNotification: %v", err)
	}

	if err := p.Deliver(AtlasChanged); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if len(order) != 2 {
		t.Fatalf("expected 2 dispatched changes, got %v", order)
	}
	if order[0] != "removed:/removed" {
		t.Fatalf("expected removal dispatched first, got %v", order)
	}
	if order[1] != "added:/usr/bin/myapp" {
		t.Fatalf("expected addition dispatched second, got %v", order)
	}
}

func TestCloseIsIdempotentAndDropsFutureDeliveries(t *testing.T) {
	fm := filemgr.New()
	r := newFakeReader()
	r.mainExe = "/usr/bin/myapp"

	p := New(r, fm, nil)
	delivered := 0
	if _, err := p.RegisterNotification(syncQueue{}, func(ChangeKind, *cacheimage.Image) {
		delivered++
	}); err != nil {
		t.Fatalf("RegisterNotification: %v", err)
	}

	p.Close()
	p.Close() // must not panic

	if err := p.Deliver(AtlasChanged); err != nil {
		t.Fatalf("Deliver after close: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected no deliveries after Close, got %d", delivered)
	}

	if _, err := p.RegisterNotification(syncQueue{}, func(ChangeKind, *cacheimage.Image) {}); !errors.Is(err, atlaserr.Protocol) {
		t.Fatalf("expected Protocol error registering on a torn-down Process, got %v", err)
	}
}
