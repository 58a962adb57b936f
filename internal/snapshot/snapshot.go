// Package snapshot implements ProcessSnapshot (spec.md §4.O): the
// ordered set of loaded images plus at most one shared cache plus a
// membership bitmap, and the wire-format Serializer/Deserializer that
// turns that state into a compact, checksummed byte stream.
package snapshot

import (
	"sort"

	"github.com/cloudkite-dev/atlasrt/internal/bitmap"
	"github.com/cloudkite-dev/atlasrt/internal/cacheimage"
	"github.com/cloudkite-dev/atlasrt/internal/mapper"
)

// ProcessSnapshot is the set of loaded images (ordered by rebased
// load address) plus at most one shared cache plus a membership
// bitmap (spec.md §3 "ProcessSnapshot").
type ProcessSnapshot struct {
	images         []*cacheimage.Image
	sharedCache    *cacheimage.SharedCache
	membership     *bitmap.Bitmap
	platform       uint64
	initialImages  uint64
	dyldState      uint64
	identityMapper *mapper.Mapper
	valid          bool
	generation     uint32
}

// New returns an empty, valid ProcessSnapshot.
func New(platform, initialImageCount, dyldState uint64) *ProcessSnapshot {
	return &ProcessSnapshot{
		platform:       platform,
		initialImages:  initialImageCount,
		dyldState:      dyldState,
		identityMapper: mapper.Identity(),
		valid:          true,
	}
}

// Invalid returns a snapshot whose Valid() is false and every accessor
// is inert, matching spec.md §7: "a snapshot whose construction failed
// is functional but inert".
func Invalid() *ProcessSnapshot {
	return &ProcessSnapshot{}
}

// Valid reports whether this snapshot was constructed successfully.
func (s *ProcessSnapshot) Valid() bool { return s.valid }

// Platform, InitialImageCount, DyldState expose the scalar fields
// carried alongside the image set.
func (s *ProcessSnapshot) Platform() uint64          { return s.platform }
func (s *ProcessSnapshot) InitialImageCount() uint64 { return s.initialImages }
func (s *ProcessSnapshot) DyldState() uint64         { return s.dyldState }
func (s *ProcessSnapshot) SharedCache() *cacheimage.SharedCache { return s.sharedCache }
func (s *ProcessSnapshot) Generation() uint32        { return s.generation }

// AddImage inserts img into the ordered image set, keeping it sorted
// by rebased address (spec.md §4.O add_image).
func (s *ProcessSnapshot) AddImage(img *cacheimage.Image) {
	idx := sort.Search(len(s.images), func(i int) bool {
		return s.images[i].RebasedAddress() >= img.RebasedAddress()
	})
	s.images = append(s.images, nil)
	copy(s.images[idx+1:], s.images[idx:])
	s.images[idx] = img
}

// AddSharedCache installs c as this snapshot's shared cache and
// allocates a membership Bitmap sized to c.ImageCount() (spec.md §4.O
// add_shared_cache).
func (s *ProcessSnapshot) AddSharedCache(c *cacheimage.SharedCache) {
	s.sharedCache = c
	s.membership = bitmap.New(c.ImageCount())
}

// AddSharedCacheImageAtIndex marks the cache image at idx as loaded
// (spec.md §4.O add_shared_cache_image).
func (s *ProcessSnapshot) AddSharedCacheImageAtIndex(idx int) {
	if s.membership == nil {
		return
	}
	s.membership.SetBit(idx)
}

// Membership returns the shared-cache image membership bitmap, or nil
// if no shared cache has been installed.
func (s *ProcessSnapshot) Membership() *bitmap.Bitmap { return s.membership }

// RemoveImageAtAddress erases the image whose rebased address equals
// addr, reporting whether one was found (spec.md §4.O
// remove_image_at_address: "linear scan (small N) and erase").
func (s *ProcessSnapshot) RemoveImageAtAddress(addr uintptr) bool {
	for i, img := range s.images {
		if img.RebasedAddress() == addr {
			s.images = append(s.images[:i], s.images[i+1:]...)
			return true
		}
	}
	return false
}

// ForEachImage iterates every standalone image in address order; when
// it reaches the first image at or above the cache's rebased address,
// it first flushes every set-bit cache image, then continues (spec.md
// §4.O for_each_image).
func (s *ProcessSnapshot) ForEachImage(cb func(*cacheimage.Image) bool) {
	flushed := false
	flushCache := func() bool {
		if flushed || s.sharedCache == nil || s.membership == nil {
			flushed = true
			return true
		}
		flushed = true
		keepGoing := true
		s.sharedCache.ForEachImage(func(img *cacheimage.Image) bool {
			idx := cacheIndexOf(s.sharedCache, img)
			if idx >= 0 && s.membership.CheckBit(idx) {
				if !cb(img) {
					keepGoing = false
					return false
				}
			}
			return true
		})
		return keepGoing
	}

	cacheAddr := uintptr(0)
	hasCache := s.sharedCache != nil
	if hasCache {
		cacheAddr = s.sharedCache.RebasedAddress()
	}

	for _, img := range s.images {
		if hasCache && !flushed && img.RebasedAddress() >= cacheAddr {
			if !flushCache() {
				return
			}
		}
		if !cb(img) {
			return
		}
	}
	if hasCache && !flushed {
		flushCache()
	}
}

func cacheIndexOf(c *cacheimage.SharedCache, target *cacheimage.Image) int {
	idx := -1
	i := 0
	c.ForEachImage(func(img *cacheimage.Image) bool {
		if img == target {
			idx = i
			return false
		}
		i++
		return true
	})
	return idx
}

// ForEachImageNotIn merges self and other (both ordered by address)
// and invokes cb for every standalone image present in self but
// absent from other, then invokes cacheCb for every cache-image index
// set in self's membership bitmap but clear in other's (spec.md §4.O
// for_each_image_not_in: "merges two ordered-by-address sequences ...
// cache images present here and absent there are reported via the
// bitmap difference").
func (s *ProcessSnapshot) ForEachImageNotIn(other *ProcessSnapshot, cb func(*cacheimage.Image) bool, cacheCb func(idx int) bool) {
	otherAddrs := make(map[uintptr]bool, len(other.images))
	for _, img := range other.images {
		otherAddrs[img.RebasedAddress()] = true
	}
	for _, img := range s.images {
		if !otherAddrs[img.RebasedAddress()] {
			if !cb(img) {
				return
			}
		}
	}
	if s.membership == nil || cacheCb == nil {
		return
	}
	for i := 0; i < s.membership.Size(); i++ {
		selfSet := s.membership.CheckBit(i)
		otherSet := other.membership != nil && i < other.membership.Size() && other.membership.CheckBit(i)
		if selfSet && !otherSet {
			if !cacheCb(i) {
				return
			}
		}
	}
}
