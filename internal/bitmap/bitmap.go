// Package bitmap implements the fixed-size packed bit array used to
// record per-image shared-cache membership (spec.md §4.I), grounded on
// original_source/lsl/Bitmap.h.
package bitmap

import (
	"fmt"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
)

const bitsPerByte = 8

func errShortBitmap(need, have int) error {
	return fmt.Errorf("bitmap: %w: need %d bytes, have %d", atlaserr.Invalid, need, have)
}

// Bitmap is a byte-packed bit array sized at construction time.
type Bitmap struct {
	bits  []byte
	count int
}

// New allocates a Bitmap able to hold count bits, all initially clear.
func New(count int) *Bitmap {
	return &Bitmap{
		bits:  make([]byte, bytesFor(count)),
		count: count,
	}
}

// FromBytes consumes ceil(count/8) bytes from the front of data to
// build a Bitmap, returning it along with the remaining, unconsumed
// bytes (spec.md §4.I: "consumes the byte view from a span of bytes,
// advancing the span").
func FromBytes(count int, data []byte) (*Bitmap, []byte, error) {
	n := bytesFor(count)
	if len(data) < n {
		return nil, nil, errShortBitmap(n, len(data))
	}
	b := &Bitmap{bits: make([]byte, n), count: count}
	copy(b.bits, data[:n])
	return b, data[n:], nil
}

func bytesFor(count int) int {
	return (count + (bitsPerByte - 1)) / bitsPerByte
}

// SetBit sets bit i. It panics if i is out of range, matching the
// original source's assert-on-bounds contract.
func (b *Bitmap) SetBit(i int) {
	b.checkRange(i)
	b.bits[i/bitsPerByte] |= 1 << uint(i%bitsPerByte)
}

// CheckBit reports whether bit i is set.
func (b *Bitmap) CheckBit(i int) bool {
	b.checkRange(i)
	return b.bits[i/bitsPerByte]&(1<<uint(i%bitsPerByte)) != 0
}

func (b *Bitmap) checkRange(i int) {
	if i < 0 || i >= b.count {
		panic("bitmap: bit index out of range")
	}
}

// Size returns the declared bit count.
func (b *Bitmap) Size() int {
	return b.count
}

// SizeInBytes returns the packed byte length.
func (b *Bitmap) SizeInBytes() int {
	return len(b.bits)
}

// Bytes returns the raw byte view used for serialization. Callers must
// not retain it past the Bitmap's lifetime.
func (b *Bitmap) Bytes() []byte {
	return b.bits
}

// PopCount returns the number of set bits.
func (b *Bitmap) PopCount() int {
	count := 0
	for _, byt := range b.bits {
		count += popcount8(byt)
	}
	return count
}

func popcount8(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

// Clone returns an independent copy of b.
func (b *Bitmap) Clone() *Bitmap {
	out := &Bitmap{bits: make([]byte, len(b.bits)), count: b.count}
	copy(out.bits, b.bits)
	return out
}
