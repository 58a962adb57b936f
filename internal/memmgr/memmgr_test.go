package memmgr

import (
	"testing"

	"github.com/cloudkite-dev/atlasrt/internal/vmem"
)

func TestLockGuardExcludesConcurrentAcquire(t *testing.T) {
	m := New(nil)
	g := m.LockGuard()

	acquired := make(chan struct{})
	go func() {
		g2 := m.LockGuard()
		g2.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("second LockGuard acquired while the first was still held")
	default:
	}

	g.Release()
	<-acquired
}

func TestGuardReleaseTwicePanics(t *testing.T) {
	m := New(nil)
	g := m.LockGuard()
	g.Release()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a second Release to panic")
		}
	}()
	g.Release()
}

func TestWriteProtectContinuesPastDeniedRegion(t *testing.T) {
	m := New(nil)
	region, err := vmem.Allocate(4096)
	if err != nil {
		t.Fatalf("vmem.Allocate: %v", err)
	}
	defer vmem.Deallocate(region)

	invalid := vmem.Buffer{Address: 0x1000, Size: 4096}

	m.WriteProtect(true, []vmem.Buffer{invalid, region})
	m.WriteProtect(false, []vmem.Buffer{invalid, region})
}
