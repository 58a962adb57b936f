// Package pvle implements the project's prefix-length-encoded
// variable-length integer codec (spec.md §4.J), used pervasively in
// the snapshot wire format. Encoding is bit-for-bit grounded on
// original_source/lsl/PVLEInt64.cpp: the first byte's trailing-zero
// count tells the decoder how many additional bytes follow, with an
// 8-byte escape form for values needing more than 56 bits.
package pvle

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
)

// EncodeUint64 appends the PVLE encoding of v to dst and returns the
// extended slice.
func EncodeUint64(v uint64, dst []byte) []byte {
	activeBits := bits.Len64(v)
	if activeBits == 0 {
		activeBits = 1
	}
	if activeBits > 56 {
		var buf [9]byte
		buf[0] = 0
		binary.LittleEndian.PutUint64(buf[1:], v)
		return append(dst, buf[:]...)
	}

	nbytes := (activeBits + 6) / 7 // 1..8
	shifted := v << uint(nbytes)
	shifted |= uint64(1) << uint(nbytes-1)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], shifted)
	return append(dst, buf[:nbytes]...)
}

// EncodeInt64 zig-zag maps v, then encodes it as an unsigned PVLE.
func EncodeInt64(v int64, dst []byte) []byte {
	zz := uint64((v >> 63) ^ (v << 1))
	return EncodeUint64(zz, dst)
}

// DecodeUint64 reads a PVLE-encoded unsigned value from the front of
// data, returning the value and the remaining, unconsumed slice.
func DecodeUint64(data []byte) (uint64, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("pvle: %w: empty input", atlaserr.Invalid)
	}
	additional := bits.TrailingZeros8(data[0])
	if additional == 8 {
		if len(data) < 9 {
			return 0, nil, fmt.Errorf("pvle: %w: escape form needs 9 bytes, have %d", atlaserr.Invalid, len(data))
		}
		v := binary.LittleEndian.Uint64(data[1:9])
		return v, data[9:], nil
	}
	nbytes := additional + 1 // total bytes consumed, including the marker byte
	if len(data) < nbytes {
		return 0, nil, fmt.Errorf("pvle: %w: need %d bytes, have %d", atlaserr.Invalid, nbytes, len(data))
	}
	// The marker byte's low `nbytes` bits are the length marker; its
	// remaining high bits plus all of the following `additional` bytes
	// hold the value, little-endian.
	var buf [8]byte
	copy(buf[:additional], data[1:nbytes])
	raw := binary.LittleEndian.Uint64(buf[:])

	extraBitCount := uint(8 - nbytes)
	extraBits := (uint64(data[0]) >> uint(nbytes)) & ((uint64(1) << extraBitCount) - 1)
	result := (raw << extraBitCount) | extraBits
	return result, data[nbytes:], nil
}

// DecodeInt64 reads a PVLE-encoded signed value, inverting the
// zig-zag map applied by EncodeInt64.
func DecodeInt64(data []byte) (int64, []byte, error) {
	v, rest, err := DecodeUint64(data)
	if err != nil {
		return 0, nil, err
	}
	if v&1 != 0 {
		return int64(v>>1) ^ -1, rest, nil
	}
	return int64(v >> 1), rest, nil
}
