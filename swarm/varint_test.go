package swarm

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"pgregory.net/rapid"
)

func TestUvarintRoundTripTableCases(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, ^uint64(0)}
	for _, v := range cases {
		buf := putUvarint(nil, v)
		if len(buf) != uvarintSize(v) {
			t.Errorf("uvarintSize(%d) = %d, putUvarint produced %d bytes", v, uvarintSize(v), len(buf))
		}
		got, err := readUvarint(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("readUvarint(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d -> %v", v, got)
		}
	}
}

func TestUvarintRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Uint64().Draw(t, "v")
		buf := putUvarint(nil, v)
		got, err := readUvarint(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("readUvarint: %v", err)
		}
		if got != v {
			t.Fatalf("round trip mismatch: %d != %d", got, v)
		}
	})
}

func TestReadUvarintEOF(t *testing.T) {
	_, err := readUvarint(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF on empty input, got %v", err)
	}
}

func TestReadUvarintOverflow(t *testing.T) {
	// 10 bytes, each with the continuation bit set, and a final byte whose
	// low bits exceed what fits in the remaining bit of a 64-bit value.
	buf := bytes.Repeat([]byte{0xff}, 9)
	buf = append(buf, 0x02) // 10th byte > 1: invalid
	_, err := readUvarint(bytes.NewReader(buf))
	if !errors.Is(err, ErrInvalidVarint) {
		t.Errorf("expected ErrInvalidVarint, got %v", err)
	}
}

func TestReadUvarintShortRead(t *testing.T) {
	// A single continuation byte with nothing after it.
	_, err := readUvarint(bytes.NewReader([]byte{0x80}))
	if !errors.Is(err, ErrInvalidVarint) {
		t.Errorf("expected ErrInvalidVarint on truncated stream, got %v", err)
	}
}

func TestByteReaderForPassesThroughByteReader(t *testing.T) {
	r := bytes.NewReader([]byte{1, 2, 3})
	if byteReaderFor(r) != io.ByteReader(r) {
		t.Error("byteReaderFor should return the same value when r already implements io.ByteReader")
	}
}
