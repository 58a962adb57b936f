//go:build linux

package target

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
)

// ProcReader implements TargetReader over a target's /proc/<pid>
// entries, in the idiom of ja7ad-consumption/pkg/system/proc: a
// bufio.Scanner over a /proc text file, parsed field by field. It
// stands in for the Mach task-port transport spec.md assumes, which
// has no Linux analog (SPEC_FULL.md's DOMAIN STACK records this
// substitution).
type ProcReader struct {
	pid int
}

// NewProcReader returns a TargetReader for the process identified by
// pid.
func NewProcReader(pid int) *ProcReader {
	return &ProcReader{pid: pid}
}

// DyldInfoLocation always reports atlaserr.NotFound: Linux has no
// published dyld-info location, so GetSnapshot falls back to
// SynthesizeSnapshot for every Linux target (spec.md §7 NotFound
// semantics).
func (r *ProcReader) DyldInfoLocation() (uintptr, error) {
	return 0, fmt.Errorf("target: %w: no dyld-info location on this platform", atlaserr.NotFound)
}

// ReadAt reads size bytes at addr from /proc/<pid>/mem.
func (r *ProcReader) ReadAt(addr uintptr, size int) ([]byte, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", r.pid), os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("target: opening /proc/%d/mem: %w", r.pid, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(addr))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("target: reading %d bytes at %#x: %w", size, addr, err)
	}
	return buf[:n], nil
}

// ForEachRegion parses /proc/<pid>/maps, one Region per line.
func (r *ProcReader) ForEachRegion(fn func(Region) bool) error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", r.pid))
	if err != nil {
		return fmt.Errorf("target: opening /proc/%d/maps: %w", r.pid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		region, ok := parseMapsLine(scanner.Text())
		if !ok {
			continue
		}
		if !fn(region) {
			return nil
		}
	}
	return scanner.Err()
}

// MainExecutablePath resolves the target's main executable via the
// /proc/<pid>/exe symlink.
func (r *ProcReader) MainExecutablePath() (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", r.pid))
	if err != nil {
		return "", fmt.Errorf("target: resolving /proc/%d/exe: %w", r.pid, err)
	}
	return path, nil
}

// parseMapsLine parses one /proc/<pid>/maps line of the form:
//
//	<start>-<end> <perms> <offset> <dev> <inode> [path]
func parseMapsLine(line string) (Region, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Region{}, false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Region{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Region{}, false
	}
	perms := fields[1]
	region := Region{
		Start:      uintptr(start),
		End:        uintptr(end),
		Readable:   len(perms) > 0 && perms[0] == 'r',
		Executable: len(perms) > 2 && perms[2] == 'x',
	}
	if len(fields) >= 6 {
		region.Path = fields[5]
	}
	return region, true
}
