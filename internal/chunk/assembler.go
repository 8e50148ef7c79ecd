package chunk

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/byteferry/byteferry/internal/faults"

	"github.com/byteferry/byteferry/pkg/manifest"
)

// ErrChecksumMismatch indicates a chunk payload failed verification. The
// caller requests retransmission of that specific chunk, not the file.
var ErrChecksumMismatch = errors.New("chunk checksum mismatch")

// StallError reports that the reorder window filled up while waiting for a
// missing sequence: the sender must retransmit it.
type StallError struct {
	Missing uint32
}

func (e *StallError) Error() string {
	return fmt.Sprintf("reorder window stalled waiting for chunk %d", e.Missing)
}

// Assembler writes verified chunks of one file in sequence order,
// buffering out-of-order arrivals up to a bounded window. After the last
// chunk it recomputes the full-file digest against the manifest entry.
type Assembler struct {
	f      *os.File
	path   string
	entry  manifest.FileEntry
	window int
	next   uint32
	total  uint32
	hash   hashState
	seen   *Bitmap
	// out-of-order chunks keyed by sequence; payloads are copied because
	// callers reuse their buffers.
	pending map[uint32][]byte
	written int64
}

type hashState interface {
	io.Writer
	Sum(b []byte) []byte
}

// NewAssembler creates the output file (and parents) and prepares to
// assemble the manifest entry into it. window 0 selects the default
// reorder window.
func NewAssembler(outPath string, entry manifest.FileEntry, window int) (*Assembler, error) {
	if window <= 0 {
		window = DefaultReorderWindow
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, faults.WithPath(faults.KindStorage, outPath, err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return nil, faults.WithPath(faults.KindStorage, outPath, err)
	}
	return &Assembler{
		f:       f,
		path:    outPath,
		entry:   entry,
		window:  window,
		total:   entry.ChunkCount,
		hash:    sha256.New(),
		seen:    NewBitmap(int(entry.ChunkCount)),
		pending: make(map[uint32][]byte),
	}, nil
}

// ResumeAssembler reopens a partial output file and positions the
// assembler at resumeSeq. The existing prefix is folded into the digest
// state; anything past it is discarded, since only the contiguous
// verified prefix survives a checkpoint.
func ResumeAssembler(outPath string, entry manifest.FileEntry, window int, resumeSeq uint32, chunkSize uint32) (*Assembler, error) {
	if resumeSeq == 0 {
		return NewAssembler(outPath, entry, window)
	}
	if window <= 0 {
		window = DefaultReorderWindow
	}
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.OpenFile(outPath, os.O_RDWR, 0)
	if err != nil {
		return nil, faults.WithPath(faults.KindStorage, outPath, err)
	}
	prefixLen := int64(resumeSeq) * int64(chunkSize)
	h := sha256.New()
	if _, err := io.CopyN(h, f, prefixLen); err != nil {
		f.Close()
		return nil, faults.WithPath(faults.KindStorage, outPath,
			fmt.Errorf("read resumed prefix: %w", err))
	}
	if err := f.Truncate(prefixLen); err != nil {
		f.Close()
		return nil, faults.WithPath(faults.KindStorage, outPath, err)
	}
	if _, err := f.Seek(prefixLen, io.SeekStart); err != nil {
		f.Close()
		return nil, faults.WithPath(faults.KindStorage, outPath, err)
	}

	seen := NewBitmap(int(entry.ChunkCount))
	for i := uint32(0); i < resumeSeq; i++ {
		seen.Set(int(i))
	}
	return &Assembler{
		f:       f,
		path:    outPath,
		entry:   entry,
		window:  window,
		next:    resumeSeq,
		total:   entry.ChunkCount,
		hash:    h,
		seen:    seen,
		pending: make(map[uint32][]byte),
		written: prefixLen,
	}, nil
}

// NextSequence returns the sequence the assembler is waiting to write.
func (a *Assembler) NextSequence() uint32 { return a.next }

// BytesWritten returns the number of payload bytes written so far.
func (a *Assembler) BytesWritten() int64 { return a.written }

// Accept verifies and stores one chunk. The chunk payload must already be
// decompressed; the checksum always covers the pre-compression payload.
// A checksum failure returns ErrChecksumMismatch and leaves the assembler
// state untouched so the same sequence can be retransmitted. A gap wider
// than the reorder window returns a StallError naming the missing
// sequence.
func (a *Assembler) Accept(c Chunk) error {
	if c.Sequence >= a.total {
		return fmt.Errorf("sequence %d out of range (%d chunks)", c.Sequence, a.total)
	}
	if Sum(c.Payload) != c.Checksum {
		return ErrChecksumMismatch
	}
	if a.seen.Get(int(c.Sequence)) {
		return nil // duplicate of a verified chunk
	}

	if c.Sequence != a.next {
		if c.Sequence < a.next {
			return nil // stale retransmission
		}
		if int(c.Sequence-a.next) > a.window {
			return &StallError{Missing: a.next}
		}
		buf := make([]byte, len(c.Payload))
		copy(buf, c.Payload)
		a.pending[c.Sequence] = buf
		return nil
	}

	if err := a.write(c.Sequence, c.Payload); err != nil {
		return err
	}
	// Drain any buffered successors.
	for {
		payload, ok := a.pending[a.next]
		if !ok {
			break
		}
		delete(a.pending, a.next)
		if err := a.write(a.next, payload); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) write(sequence uint32, payload []byte) error {
	if _, err := a.f.Write(payload); err != nil {
		return faults.WithPath(faults.KindStorage, a.path, err)
	}
	a.hash.Write(payload)
	a.seen.Set(int(sequence))
	a.written += int64(len(payload))
	a.next = sequence + 1
	return nil
}

// Complete reports whether every chunk has been written.
func (a *Assembler) Complete() bool {
	return a.next == a.total
}

// Finish closes the output and verifies the full-file digest against the
// manifest entry. A mismatch yields an integrity-kind error naming the
// file; only that file is failed, not the whole transfer.
func (a *Assembler) Finish() error {
	defer a.f.Close()

	if !a.Complete() {
		return fmt.Errorf("file incomplete: %d of %d chunks written", a.seen.CountSet(), a.total)
	}
	var sum [32]byte
	copy(sum[:], a.hash.Sum(nil))
	if sum != a.entry.Checksum {
		return faults.WithPath(faults.KindIntegrity, a.entry.Path,
			fmt.Errorf("file digest mismatch after reassembly"))
	}
	if err := a.f.Sync(); err != nil {
		return faults.WithPath(faults.KindStorage, a.path, err)
	}
	return os.Chmod(a.path, a.entry.Mode)
}

// Abort closes and removes the partial output.
func (a *Assembler) Abort() {
	a.f.Close()
	os.Remove(a.path)
}
