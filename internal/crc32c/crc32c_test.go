package crc32c

import (
	"bytes"
	"testing"
)

func TestChecksumMatchesSoftwareTable(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte("a"),
		[]byte("hello, world"),
		bytes.Repeat([]byte{0xAA}, 17),
		bytes.Repeat([]byte{0x00, 0xFF}, 131),
	}
	for _, in := range inputs {
		got := Checksum(in)
		want := SoftwareChecksum(in)
		if got != want {
			t.Errorf("Checksum(%x) = %#x, SoftwareChecksum = %#x", in, got, want)
		}
	}
}

func TestIncrementalMatchesOneShot(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 50)
	c := New()
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		c.Update(data[i:end])
	}
	if got, want := c.Sum(), Checksum(data); got != want {
		t.Fatalf("incremental sum = %#x, one-shot = %#x", got, want)
	}
}

func TestResetClearsState(t *testing.T) {
	c := New()
	c.Update([]byte("some bytes"))
	c.Reset()
	if got, want := c.Sum(), Checksum(nil); got != want {
		t.Fatalf("after reset, Sum() = %#x, want %#x", got, want)
	}
}

func TestScalarUpdatesMatchByteUpdates(t *testing.T) {
	c1 := New()
	c1.UpdateUint32(0x01020304)

	c2 := New()
	c2.Update([]byte{0x04, 0x03, 0x02, 0x01})

	if c1.Sum() != c2.Sum() {
		t.Fatalf("UpdateUint32 mismatch: %#x vs %#x", c1.Sum(), c2.Sum())
	}
}
