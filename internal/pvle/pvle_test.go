package pvle

import (
	"math"
	"testing"
)

func TestEncodeUint64EdgeCases(t *testing.T) {
	cases := []struct {
		name string
		v    uint64
		want int
	}{
		{"zero", 0, 1},
		{"maxOneByte", (1 << 7) - 1, 1},
		{"maxEightBytes", (1 << 56) - 1, 8},
		{"escape", 1 << 56, 9},
		{"maxUint64", math.MaxUint64, 9},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			enc := EncodeUint64(c.v, nil)
			if len(enc) != c.want {
				t.Fatalf("len(encode(%d)) = %d, want %d (bytes=%x)", c.v, len(enc), c.want, enc)
			}
			got, rest, err := DecodeUint64(enc)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(rest) != 0 {
				t.Fatalf("expected no remainder, got %d bytes", len(rest))
			}
			if got != c.v {
				t.Fatalf("round trip: got %d, want %d", got, c.v)
			}
		})
	}
}

func TestUint64RoundTripSweep(t *testing.T) {
	values := []uint64{0, 1, 2, 63, 64, 127, 128, 255, 256, 1 << 13, 1 << 20, 1 << 32, 1<<48 + 7, math.MaxUint64}
	for _, v := range values {
		enc := EncodeUint64(v, nil)
		got, rest, err := DecodeUint64(enc)
		if err != nil {
			t.Fatalf("decode(%d): %v", v, err)
		}
		if len(rest) != 0 {
			t.Fatalf("decode(%d): leftover bytes", v)
		}
		if got != v {
			t.Fatalf("round trip %d -> %x -> %d", v, enc, got)
		}
	}
}

func TestInt64RoundTripSweep(t *testing.T) {
	values := []int64{0, 1, -1, 2, -2, math.MaxInt64, math.MinInt64, 1 << 40, -(1 << 40)}
	for _, v := range values {
		enc := EncodeInt64(v, nil)
		got, rest, err := DecodeInt64(enc)
		if err != nil {
			t.Fatalf("decode(%d): %v", v, err)
		}
		if len(rest) != 0 {
			t.Fatalf("decode(%d): leftover bytes", v)
		}
		if got != v {
			t.Fatalf("round trip %d -> %x -> %d", v, enc, got)
		}
	}
}

func TestDecodeTruncatedIsInvalid(t *testing.T) {
	enc := EncodeUint64(1<<40, nil)
	if _, _, err := DecodeUint64(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error decoding truncated buffer")
	}
	if _, _, err := DecodeUint64(nil); err == nil {
		t.Fatalf("expected error decoding empty buffer")
	}
}

func TestMultipleValuesConcatenate(t *testing.T) {
	var buf []byte
	buf = EncodeUint64(5, buf)
	buf = EncodeUint64(1<<20, buf)
	buf = EncodeUint64(0, buf)

	v1, rest, err := DecodeUint64(buf)
	if err != nil || v1 != 5 {
		t.Fatalf("v1 = %d, err=%v", v1, err)
	}
	v2, rest, err := DecodeUint64(rest)
	if err != nil || v2 != 1<<20 {
		t.Fatalf("v2 = %d, err=%v", v2, err)
	}
	v3, rest, err := DecodeUint64(rest)
	if err != nil || v3 != 0 {
		t.Fatalf("v3 = %d, err=%v", v3, err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected buffer fully consumed")
	}
}
