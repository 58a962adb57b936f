// Package memmgr implements the Memory Manager (spec.md §4.B): a
// single coarse lock plus the write-protect toggle used to flip pages
// between read-only and read-write. The allocators in
// internal/allocator do not take this lock; each guards its own state
// with its own mutex.
package memmgr

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cloudkite-dev/atlasrt/internal/vmem"
)

// Manager owns a single coarse lock, taken by LockGuard and by
// WriteProtect. No allocator in this module acquires it.
type Manager struct {
	mu  sync.Mutex
	log *log.Entry
}

// New returns a Manager. A nil logger defaults to the standard logger.
func New(logger *log.Entry) *Manager {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Manager{log: logger}
}

// Guard is a scoped lock token; it releases the Manager's lock when
// Release is called (ordinarily via defer immediately after LockGuard
// returns). It deliberately has no finalizer — forgetting to release
// it deadlocks the Manager, which is the same failure mode the source
// project accepts for its single coarse lock (spec.md §4.C: "There is
// no finer-grained concurrency").
type Guard struct {
	release func()
}

// Release unlocks the Manager. Calling it more than once panics.
func (g *Guard) Release() {
	if g.release == nil {
		panic("memmgr: Guard released twice")
	}
	g.release()
	g.release = nil
}

// LockGuard acquires the Manager's lock and returns a token that
// releases it on Release (spec.md §4.B: "lock_guard() returns a
// scoped token that releases on destruction").
func (m *Manager) LockGuard() *Guard {
	m.mu.Lock()
	return &Guard{release: m.mu.Unlock}
}

// WriteProtect iterates the regions passed in regions and flips
// their VM protection between read-only and read-write (spec.md §4.B).
// Protection changes are best-effort: a denied mprotect is logged and
// the loop continues rather than failing the whole operation.
func (m *Manager) WriteProtect(protect bool, regions []vmem.Buffer) {
	g := m.LockGuard()
	defer g.Release()

	writable := !protect
	for _, region := range regions {
		if err := vmem.Protect(region, writable); err != nil {
			m.log.WithError(err).WithField("region", region).
				Warn("write_protect: mprotect denied, continuing")
		}
	}
}
