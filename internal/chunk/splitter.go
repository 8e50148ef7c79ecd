package chunk

import (
	"fmt"
	"io"
	"os"

	"github.com/byteferry/byteferry/internal/faults"
)

// Splitter lazily reads a file as a sequence of chunks. It can be
// repositioned to an arbitrary sequence so an interrupted transfer resumes
// without re-reading verified chunks.
type Splitter struct {
	f         *os.File
	path      string
	fileIndex uint32
	chunkSize uint32
	size      int64
	next      uint32
	total     uint32
}

// NewSplitter opens path for chunked reading. chunkSize 0 selects the
// default.
func NewSplitter(path string, fileIndex uint32, chunkSize uint32) (*Splitter, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, faults.WithPath(faults.KindStorage, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, faults.WithPath(faults.KindStorage, path, err)
	}
	size := info.Size()
	total := uint32((size + int64(chunkSize) - 1) / int64(chunkSize))
	return &Splitter{
		f:         f,
		path:      path,
		fileIndex: fileIndex,
		chunkSize: chunkSize,
		size:      size,
		total:     total,
	}, nil
}

// TotalChunks returns the number of chunks the file splits into.
func (s *Splitter) TotalChunks() uint32 { return s.total }

// Seek positions the splitter so the next call to Next returns the chunk
// with the given sequence.
func (s *Splitter) Seek(sequence uint32) error {
	if sequence > s.total {
		return fmt.Errorf("sequence %d beyond end of file (%d chunks)", sequence, s.total)
	}
	s.next = sequence
	return nil
}

// Next reads the next chunk. The payload is read into buf when it has
// sufficient capacity. Returns io.EOF after the last chunk.
func (s *Splitter) Next(buf []byte) (Chunk, error) {
	if s.next >= s.total {
		return Chunk{}, io.EOF
	}
	offset := int64(s.next) * int64(s.chunkSize)
	length := int64(s.chunkSize)
	if offset+length > s.size {
		length = s.size - offset
	}

	var payload []byte
	if cap(buf) >= int(length) {
		payload = buf[:length]
	} else {
		payload = make([]byte, length)
	}
	if _, err := s.f.ReadAt(payload, offset); err != nil {
		return Chunk{}, faults.WithPath(faults.KindStorage, s.path, err)
	}

	c := Chunk{
		FileIndex: s.fileIndex,
		Sequence:  s.next,
		Offset:    offset,
		RawLen:    uint32(length),
		Payload:   payload,
		Checksum:  Sum(payload),
		Last:      s.next == s.total-1,
	}
	s.next++
	return c, nil
}

// Close releases the underlying file.
func (s *Splitter) Close() error {
	return s.f.Close()
}
