package compression

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat(`{"k":"key","v":"value"},`, 200))

	for _, c := range []Codec{None, Gzip, Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			packed, err := Compress(c, data)
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			if c != None && len(packed) >= len(data) {
				t.Fatalf("expected repetitive data to shrink, %d >= %d", len(packed), len(data))
			}
			out, err := Decompress(c, packed)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if !bytes.Equal(out, data) {
				t.Fatalf("round trip mismatch")
			}
		})
	}
}

func TestDecompressCorrupt(t *testing.T) {
	if _, err := Decompress(Zstd, []byte("not zstd at all")); err == nil {
		t.Fatalf("expected error for corrupt zstd input")
	}
	if _, err := Decompress(Codec(42), nil); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestParseCodec(t *testing.T) {
	for in, want := range map[string]Codec{"": Zstd, "ZSTD": Zstd, "gzip": Gzip, " none ": None} {
		got, err := ParseCodec(in)
		if err != nil || got != want {
			t.Fatalf("ParseCodec(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseCodec("lz4"); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}
