package compress

import (
	"bytes"
	"math/rand"
	"testing"
)

func compressible(n int) []byte {
	// Long runs of a small alphabet compress very well.
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('a' + (i/512)%4)
	}
	return data
}

func incompressible(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(99)).Read(data)
	return data
}

func TestCompressRoundTrip(t *testing.T) {
	c := New()
	src := compressible(64 * 1024)

	packed, ok := c.Compress(src)
	if !ok {
		t.Fatal("compressible payload did not shrink")
	}
	if len(packed) >= len(src) {
		t.Fatalf("compressed size %d not smaller than %d", len(packed), len(src))
	}

	got, err := c.Decompress(packed, len(src))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("round trip corrupted payload")
	}
}

func TestCompressIncompressiblePassthrough(t *testing.T) {
	c := New()
	src := incompressible(64 * 1024)

	out, ok := c.Compress(src)
	if ok {
		t.Fatal("random payload reported as compressed")
	}
	if !bytes.Equal(out, src) {
		t.Fatal("passthrough altered payload")
	}
}

func TestCompressEmptyPayload(t *testing.T) {
	c := New()
	out, ok := c.Compress(nil)
	if ok || len(out) != 0 {
		t.Fatal("empty payload should pass through")
	}
}

func TestDecideSmallTransfer(t *testing.T) {
	c := New()
	if c.Decide(MinTransferSize-1, compressible(64*1024)) {
		t.Fatal("transfer under the size threshold should not compress")
	}
}

func TestDecideCompressibleTransfer(t *testing.T) {
	c := New()
	if !c.Decide(10*MinTransferSize, compressible(64*1024)) {
		t.Fatal("large compressible transfer should compress")
	}
}

func TestDecideIncompressibleTransfer(t *testing.T) {
	c := New()
	if c.Decide(10*MinTransferSize, incompressible(64*1024)) {
		t.Fatal("random sample should disable compression")
	}
}

func TestDecideEmptySample(t *testing.T) {
	c := New()
	if c.Decide(10*MinTransferSize, nil) {
		t.Fatal("empty sample should disable compression")
	}
}

func TestDecompressRejectsWrongLength(t *testing.T) {
	c := New()
	src := compressible(4096)
	packed, ok := c.Compress(src)
	if !ok {
		t.Fatal("expected compressible payload")
	}
	if _, err := c.Decompress(packed, len(src)+1); err == nil {
		t.Fatal("expected error for wrong raw length")
	}
}
