// Package target implements Process (spec.md §4.P): a per-target
// handle that obtains a ProcessSnapshot either by reading the target's
// published compact-info blob or by synthesizing one from a VM region
// walk, and that dispatches image add/remove notifications to
// registered handlers.
//
// The out-of-process read/enumerate primitives spec.md describes (task
// port, region-to-path syscall, dyld-info notify endpoint) are
// Mach-specific; this port abstracts them behind TargetReader and
// supplies a Linux /proc-backed implementation in the idiom of
// ja7ad-consumption/pkg/system/proc, grounded in SPEC_FULL.md's
// DOMAIN STACK decision.
package target

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
	"github.com/cloudkite-dev/atlasrt/internal/cacheimage"
	"github.com/cloudkite-dev/atlasrt/internal/filemgr"
	"github.com/cloudkite-dev/atlasrt/internal/snapshot"
)

// State is one of the three states a Process moves through (spec.md
// §4.P).
type State int

const (
	Disconnected State = iota
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Region describes one mapped VM region of the target (spec.md §4.P
// synthesize_snapshot "walk VM regions").
type Region struct {
	Start, End              uintptr
	Readable, Executable    bool
	Path                    string
}

// TargetReader abstracts the out-of-process primitives a live Process
// needs: reading the target's dyld-info header, reading arbitrary
// memory ranges, and walking VM regions. A fake implementation drives
// the package's tests; reader_linux.go supplies a /proc-backed one.
type TargetReader interface {
	// DyldInfoLocation returns the address of the target's dyld-info
	// header. It returns an error wrapping atlaserr.NotFound on a
	// platform with no such published location (spec.md §7: NotFound
	// -- "the Process falls back to VM-walk synthesis").
	DyldInfoLocation() (uintptr, error)
	// ReadAt reads size bytes from the target's address space at addr.
	ReadAt(addr uintptr, size int) ([]byte, error)
	// ForEachRegion visits every mapped VM region, stopping early if
	// fn returns false.
	ForEachRegion(fn func(Region) bool) error
	// MainExecutablePath returns the path of the target's main
	// executable, used to recognize it during VM-walk synthesis.
	MainExecutablePath() (string, error)
}

const dyldInfoHeaderSize = 12

// addressTagMask clears the top byte of a 64-bit pointer (spec.md
// §4.P get_snapshot step 2: "clearing any pointer-tag bits"),
// mirroring AArch64's top-byte-ignore tagging scheme.
const addressTagMask = 0x00FFFFFFFFFFFFFF

// Process is a per-target handle (spec.md §4.P).
type Process struct {
	reader TargetReader
	fm     *filemgr.Manager
	log    *log.Entry

	mu             sync.Mutex
	state          State
	prior          *snapshot.ProcessSnapshot
	hasLastFailed  bool
	lastFailedAddr uintptr

	notifyMu   sync.Mutex
	handlers   map[uint64]*registration
	nextHandle uint64
	done       chan struct{}
}

// New returns a Connected Process over reader, resolving file
// identities through fm. A nil logger defaults to the standard logger.
func New(reader TargetReader, fm *filemgr.Manager, logger *log.Entry) *Process {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Process{
		reader:   reader,
		fm:       fm,
		log:      logger,
		state:    Connected,
		handlers: make(map[uint64]*registration),
		done:     make(chan struct{}),
	}
}

// State reports the Process's current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// GetSnapshot obtains a ProcessSnapshot, reading the target's
// published compact-info blob when one is advertised and falling back
// to synthesize_snapshot otherwise (spec.md §4.P get_snapshot).
func (p *Process) GetSnapshot() (*snapshot.ProcessSnapshot, error) {
	addr, err := p.reader.DyldInfoLocation()
	if err != nil {
		if errors.Is(err, atlaserr.NotFound) {
			return p.SynthesizeSnapshot()
		}
		return nil, fmt.Errorf("target: locating dyld-info: %w", err)
	}

	header, err := p.reader.ReadAt(addr, dyldInfoHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("target: reading dyld-info header: %w", err)
	}
	compactAddr := binary.LittleEndian.Uint64(header[0:8]) & addressTagMask
	compactSize := binary.LittleEndian.Uint32(header[8:12])
	if compactSize == 0 {
		return p.SynthesizeSnapshot()
	}

	data, err := p.readWithRetry(uintptr(compactAddr), int(compactSize))
	if err != nil {
		return nil, err
	}

	snap := snapshot.Deserialize(data, p.fm)
	if !snap.Valid() {
		return nil, fmt.Errorf("target: %w: compact-info deserialize failed", atlaserr.Invalid)
	}

	p.mu.Lock()
	p.prior = snap
	p.mu.Unlock()
	return snap, nil
}

// readWithRetry reads addr once; on failure it retries exactly once
// unless the previous failure was at the same address, in which case
// it gives up (spec.md §4.P get_snapshot step 4: "if the read fails
// and the source address matches the previously failed address, give
// up; else retry").
func (p *Process) readWithRetry(addr uintptr, size int) ([]byte, error) {
	data, err := p.reader.ReadAt(addr, size)
	if err == nil {
		p.mu.Lock()
		p.hasLastFailed = false
		p.mu.Unlock()
		return data, nil
	}

	p.mu.Lock()
	repeat := p.hasLastFailed && p.lastFailedAddr == addr
	p.hasLastFailed = true
	p.lastFailedAddr = addr
	p.mu.Unlock()

	if repeat {
		return nil, fmt.Errorf("target: %w: repeated read failure at %#x", atlaserr.TargetMutation, addr)
	}

	data, err = p.reader.ReadAt(addr, size)
	if err != nil {
		return nil, fmt.Errorf("target: %w: retry failed at %#x: %w", atlaserr.TargetMutation, addr, err)
	}
	p.mu.Lock()
	p.hasLastFailed = false
	p.mu.Unlock()
	return data, nil
}

// SynthesizeSnapshot walks the target's VM regions directly, recording
// the main executable and the dynamic linker as standalone images
// (spec.md §4.P synthesize_snapshot). No Mach-O/ELF load-command
// parser exists in this module (SPEC_FULL.md's DOMAIN STACK notes this
// is out of scope), so only the region's own header magic, address and
// path are recorded -- segments and UUID are left empty.
func (p *Process) SynthesizeSnapshot() (*snapshot.ProcessSnapshot, error) {
	snap := snapshot.New(0, 0, 0)

	mainExe, err := p.reader.MainExecutablePath()
	if err != nil {
		mainExe = ""
	}

	walkErr := p.reader.ForEachRegion(func(r Region) bool {
		if !r.Readable || !r.Executable || r.Path == "" {
			return true
		}
		header, err := p.reader.ReadAt(r.Start, machHeaderPeekSize)
		if err != nil || !looksLikeMachHeader(header) {
			return true
		}
		if !isMainExecutableOrLinker(r.Path, mainExe) {
			return true
		}
		record := p.fm.FileRecordForPath(r.Path)
		img := cacheimage.NewImage(record, filemgr.UUID{}, r.Start, r.Path, pointerSizeFor(header), nil)
		snap.AddImage(img)
		return true
	})
	if walkErr != nil {
		return nil, fmt.Errorf("target: walking VM regions: %w", walkErr)
	}
	return snap, nil
}

// isMainExecutableOrLinker reports whether path names the target's
// main executable or its dynamic linker (spec.md §4.P synthesize_snapshot:
// "if it is the main executable or the dynamic linker"). Linux's
// ld-linux*.so / ld.so stand in for dyld itself.
func isMainExecutableOrLinker(path, mainExe string) bool {
	if mainExe != "" && path == mainExe {
		return true
	}
	base := filepath.Base(path)
	return base == "ld.so" ||
		len(base) >= len("ld-linux") && base[:len("ld-linux")] == "ld-linux" ||
		len(base) >= len("dyld") && base[:len("dyld")] == "dyld"
}

const machHeaderPeekSize = 8

// looksLikeMachHeader reports whether the first four bytes of header
// match one of the Mach-O 32/64-bit magic numbers, in either byte
// order (spec.md §4.P synthesize_snapshot: "validate a Mach-O header").
func looksLikeMachHeader(header []byte) bool {
	if len(header) < 4 {
		return false
	}
	magic := binary.LittleEndian.Uint32(header[:4])
	switch magic {
	case 0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe:
		return true
	default:
		return false
	}
}

// pointerSizeFor reports the image's pointer width from its Mach-O
// magic (the 64-bit magics are feedfacf/cffaedfe).
func pointerSizeFor(header []byte) int {
	if len(header) < 4 {
		return 8
	}
	magic := binary.LittleEndian.Uint32(header[:4])
	if magic == 0xfeedfacf || magic == 0xcffaedfe {
		return 8
	}
	return 4
}
