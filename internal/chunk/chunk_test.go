package chunk

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/byteferry/byteferry/internal/faults"

	"github.com/byteferry/byteferry/pkg/manifest"
)

func writeTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(size) + 1))
	rng.Read(data)
	path := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path, data
}

func entryFor(t *testing.T, path string) manifest.FileEntry {
	t.Helper()
	m, err := manifest.Build([]string{path}, manifest.Options{SenderID: "test"})
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	if len(m.Files) != 1 {
		t.Fatalf("expected 1 file entry, got %d", len(m.Files))
	}
	return m.Files[0]
}

func splitAll(t *testing.T, path string) []Chunk {
	t.Helper()
	sp, err := NewSplitter(path, 0, 0)
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}
	defer sp.Close()

	var chunks []Chunk
	for {
		c, err := sp.Next(nil)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next chunk: %v", err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func assemble(t *testing.T, out string, entry manifest.FileEntry, chunks []Chunk) {
	t.Helper()
	asm, err := NewAssembler(out, entry, 0)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	for _, c := range chunks {
		if err := asm.Accept(c); err != nil {
			t.Fatalf("accept chunk %d: %v", c.Sequence, err)
		}
	}
	if err := asm.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestSplitAssembleRoundTrip(t *testing.T) {
	sizes := []int{
		0,
		1,
		100,
		DefaultChunkSize - 1,
		DefaultChunkSize,
		DefaultChunkSize + 1,
		3*DefaultChunkSize + 17,
	}
	for _, size := range sizes {
		path, want := writeTestFile(t, size)
		entry := entryFor(t, path)
		chunks := splitAll(t, path)

		out := filepath.Join(t.TempDir(), "output.bin")
		assemble(t, out, entry, chunks)

		got, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("size %d: read output: %v", size, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("size %d: reassembled file differs from input", size)
		}
	}
}

func TestSplitterChunkBoundaries(t *testing.T) {
	path, _ := writeTestFile(t, 150000)
	chunks := splitAll(t, path)

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks for 150000 bytes, got %d", len(chunks))
	}
	wantLens := []int{DefaultChunkSize, DefaultChunkSize, 150000 - 2*DefaultChunkSize}
	for i, c := range chunks {
		if len(c.Payload) != wantLens[i] {
			t.Fatalf("chunk %d: payload length %d, want %d", i, len(c.Payload), wantLens[i])
		}
		if c.Offset != int64(i)*DefaultChunkSize {
			t.Fatalf("chunk %d: offset %d, want %d", i, c.Offset, int64(i)*DefaultChunkSize)
		}
	}
	if !chunks[2].Last {
		t.Fatal("final chunk not marked last")
	}
	if chunks[0].Last || chunks[1].Last {
		t.Fatal("non-final chunk marked last")
	}
}

func TestSplitterSeek(t *testing.T) {
	path, want := writeTestFile(t, 150000)
	sp, err := NewSplitter(path, 0, 0)
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}
	defer sp.Close()

	if err := sp.Seek(2); err != nil {
		t.Fatalf("seek: %v", err)
	}
	c, err := sp.Next(nil)
	if err != nil {
		t.Fatalf("next after seek: %v", err)
	}
	if c.Sequence != 2 {
		t.Fatalf("sequence %d after Seek(2)", c.Sequence)
	}
	if !bytes.Equal(c.Payload, want[2*DefaultChunkSize:]) {
		t.Fatal("payload after seek does not match file tail")
	}
	if _, err := sp.Next(nil); err != io.EOF {
		t.Fatalf("expected io.EOF past last chunk, got %v", err)
	}
	if err := sp.Seek(99); err == nil {
		t.Fatal("expected error seeking past end")
	}
}

func TestAssemblerOutOfOrder(t *testing.T) {
	path, want := writeTestFile(t, 3*DefaultChunkSize+500)
	entry := entryFor(t, path)
	chunks := splitAll(t, path)

	// Deliver in scrambled order within the reorder window.
	order := []int{2, 0, 3, 1}
	out := filepath.Join(t.TempDir(), "output.bin")
	asm, err := NewAssembler(out, entry, 0)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	for _, i := range order {
		if err := asm.Accept(chunks[i]); err != nil {
			t.Fatalf("accept chunk %d: %v", i, err)
		}
	}
	if err := asm.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("out-of-order reassembly differs from input")
	}
}

func TestAssemblerDuplicateChunks(t *testing.T) {
	path, want := writeTestFile(t, 2*DefaultChunkSize)
	entry := entryFor(t, path)
	chunks := splitAll(t, path)

	out := filepath.Join(t.TempDir(), "output.bin")
	asm, err := NewAssembler(out, entry, 0)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	for _, c := range chunks {
		if err := asm.Accept(c); err != nil {
			t.Fatalf("accept: %v", err)
		}
		if err := asm.Accept(c); err != nil {
			t.Fatalf("accept duplicate: %v", err)
		}
	}
	if err := asm.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, want) {
		t.Fatal("duplicates corrupted output")
	}
}

func TestAssemblerChecksumMismatch(t *testing.T) {
	path, _ := writeTestFile(t, DefaultChunkSize)
	entry := entryFor(t, path)
	chunks := splitAll(t, path)

	bad := chunks[0]
	corrupted := make([]byte, len(bad.Payload))
	copy(corrupted, bad.Payload)
	corrupted[0] ^= 0xFF
	bad.Payload = corrupted

	asm, err := NewAssembler(filepath.Join(t.TempDir(), "out.bin"), entry, 0)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	defer asm.Abort()

	if err := asm.Accept(bad); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	// Retransmission of the same sequence with the correct payload heals it.
	if err := asm.Accept(chunks[0]); err != nil {
		t.Fatalf("accept retransmission: %v", err)
	}
	if !asm.Complete() {
		t.Fatal("assembler not complete after retransmission")
	}
}

func TestAssemblerStallBeyondWindow(t *testing.T) {
	path, _ := writeTestFile(t, 10*DefaultChunkSize)
	entry := entryFor(t, path)
	chunks := splitAll(t, path)

	asm, err := NewAssembler(filepath.Join(t.TempDir(), "out.bin"), entry, 3)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	defer asm.Abort()

	// Chunks 1..3 fit in the window; chunk 4 opens a gap wider than 3.
	for _, i := range []int{1, 2, 3} {
		if err := asm.Accept(chunks[i]); err != nil {
			t.Fatalf("accept chunk %d: %v", i, err)
		}
	}
	err = asm.Accept(chunks[4])
	var stall *StallError
	if !errors.As(err, &stall) {
		t.Fatalf("expected StallError, got %v", err)
	}
	if stall.Missing != 0 {
		t.Fatalf("stall names chunk %d, want 0", stall.Missing)
	}
}

func TestAssemblerFileDigestMismatch(t *testing.T) {
	path, _ := writeTestFile(t, DefaultChunkSize)
	entry := entryFor(t, path)
	// Corrupt the expected digest so a valid chunk stream fails final
	// verification.
	entry.Checksum[0] ^= 0xFF
	chunks := splitAll(t, path)

	asm, err := NewAssembler(filepath.Join(t.TempDir(), "out.bin"), entry, 0)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	for _, c := range chunks {
		if err := asm.Accept(c); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	err = asm.Finish()
	if !faults.Is(err, faults.KindIntegrity) {
		t.Fatalf("expected integrity fault, got %v", err)
	}
}

func TestResumeAssemblerContinuesPartialFile(t *testing.T) {
	path, want := writeTestFile(t, 4*DefaultChunkSize+321)
	entry := entryFor(t, path)
	chunks := splitAll(t, path)

	out := filepath.Join(t.TempDir(), "output.bin")

	// First run delivers the first two chunks, then dies.
	first, err := NewAssembler(out, entry, 0)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	for _, c := range chunks[:2] {
		if err := first.Accept(c); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	first.f.Close() // simulate process death, no Finish

	resumed, err := ResumeAssembler(out, entry, 0, 2, DefaultChunkSize)
	if err != nil {
		t.Fatalf("resume assembler: %v", err)
	}
	if resumed.NextSequence() != 2 {
		t.Fatalf("resumed at %d, want 2", resumed.NextSequence())
	}
	for _, c := range chunks[2:] {
		if err := resumed.Accept(c); err != nil {
			t.Fatalf("accept resumed chunk %d: %v", c.Sequence, err)
		}
	}
	if err := resumed.Finish(); err != nil {
		t.Fatalf("finish resumed: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("resumed reassembly differs from input")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := make([]byte, 1234)
	rand.New(rand.NewSource(7)).Read(payload)
	in := Chunk{
		FileIndex:  3,
		Sequence:   42,
		Offset:     42 * DefaultChunkSize,
		RawLen:     4096,
		Payload:    payload,
		Checksum:   Sum(payload),
		Compressed: true,
		Last:       true,
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, nil)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}

	if out.FileIndex != in.FileIndex || out.Sequence != in.Sequence ||
		out.Offset != in.Offset || out.RawLen != in.RawLen {
		t.Fatalf("header fields differ: got %+v", out)
	}
	if out.Compressed != in.Compressed || out.Last != in.Last {
		t.Fatal("flags differ after round trip")
	}
	if out.Checksum != in.Checksum {
		t.Fatal("checksum differs after round trip")
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatal("payload differs after round trip")
	}
}

func TestFrameRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Chunk{Payload: []byte("abc"), Checksum: Sum([]byte("abc"))}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	raw := buf.Bytes()
	raw[0] = 'X'
	if _, err := ReadFrame(bytes.NewReader(raw), nil); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Chunk{Payload: []byte("abc"), Checksum: Sum([]byte("abc"))}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	raw := buf.Bytes()
	// payloadLen field lives at offset 24.
	raw[24] = 0xFF
	raw[25] = 0xFF
	raw[26] = 0xFF
	raw[27] = 0xFF
	if _, err := ReadFrame(bytes.NewReader(raw), nil); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestBitmapContiguity(t *testing.T) {
	b := NewBitmap(10)
	if _, ok := b.HighestContiguous(); ok {
		t.Fatal("empty bitmap reports contiguous chunks")
	}
	b.Set(0)
	b.Set(1)
	b.Set(3)
	if got, ok := b.HighestContiguous(); !ok || got != 1 {
		t.Fatalf("HighestContiguous = %d, %v; want 1, true", got, ok)
	}
	if b.CountSet() != 3 {
		t.Fatalf("CountSet = %d, want 3", b.CountSet())
	}
	b.Set(2)
	if got, _ := b.HighestContiguous(); got != 3 {
		t.Fatalf("HighestContiguous = %d, want 3", got)
	}
	if b.Complete() {
		t.Fatal("partial bitmap reports complete")
	}
	for i := 4; i < 10; i++ {
		b.Set(i)
	}
	if !b.Complete() {
		t.Fatal("full bitmap not complete")
	}

	restored, err := BitmapFromBytes(b.Marshal(), 10)
	if err != nil {
		t.Fatalf("restore bitmap: %v", err)
	}
	if !restored.Complete() {
		t.Fatal("restored bitmap lost bits")
	}
	if _, err := BitmapFromBytes([]byte{1}, 100); err == nil {
		t.Fatal("expected length mismatch error")
	}
}
