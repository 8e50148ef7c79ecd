package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	frameMagic = "BFC1"

	flagCompressed = byte(1 << 0)
	flagLast       = byte(1 << 1)

	// maxFramePayload guards against malformed length fields. LZ4 can
	// expand incompressible blocks slightly, so allow headroom above the
	// chunk size.
	maxFramePayload = DefaultChunkSize + DefaultChunkSize/2
)

var (
	// ErrInvalidMagic indicates the frame magic bytes don't match.
	ErrInvalidMagic = errors.New("invalid chunk frame magic")
	// ErrFrameTooLarge indicates a frame length field exceeds the allowed bound.
	ErrFrameTooLarge = errors.New("chunk frame payload too large")
)

// WriteFrame writes one chunk frame to w.
//
// Layout (big endian): magic[4] fileIndex[4] sequence[4] offset[8]
// rawLen[4] payloadLen[4] flags[1] checksum[32] payload[payloadLen].
func WriteFrame(w io.Writer, c Chunk) error {
	header := make([]byte, 4+4+4+8+4+4+1+32)
	copy(header[0:4], frameMagic)
	binary.BigEndian.PutUint32(header[4:8], c.FileIndex)
	binary.BigEndian.PutUint32(header[8:12], c.Sequence)
	binary.BigEndian.PutUint64(header[12:20], uint64(c.Offset))
	binary.BigEndian.PutUint32(header[20:24], c.RawLen)
	binary.BigEndian.PutUint32(header[24:28], uint32(len(c.Payload)))
	var flags byte
	if c.Compressed {
		flags |= flagCompressed
	}
	if c.Last {
		flags |= flagLast
	}
	header[28] = flags
	copy(header[29:], c.Checksum[:])

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write chunk header: %w", err)
	}
	if _, err := w.Write(c.Payload); err != nil {
		return fmt.Errorf("write chunk payload: %w", err)
	}
	return nil
}

// ReadFrame reads one chunk frame from r. The payload is read into a
// freshly allocated slice unless buf has sufficient capacity.
func ReadFrame(r io.Reader, buf []byte) (Chunk, error) {
	header := make([]byte, 4+4+4+8+4+4+1+32)
	if _, err := io.ReadFull(r, header); err != nil {
		return Chunk{}, err
	}
	if string(header[0:4]) != frameMagic {
		return Chunk{}, ErrInvalidMagic
	}

	c := Chunk{
		FileIndex: binary.BigEndian.Uint32(header[4:8]),
		Sequence:  binary.BigEndian.Uint32(header[8:12]),
		Offset:    int64(binary.BigEndian.Uint64(header[12:20])),
		RawLen:    binary.BigEndian.Uint32(header[20:24]),
	}
	payloadLen := binary.BigEndian.Uint32(header[24:28])
	if payloadLen > maxFramePayload || c.RawLen > maxFramePayload {
		return Chunk{}, ErrFrameTooLarge
	}
	flags := header[28]
	c.Compressed = flags&flagCompressed != 0
	c.Last = flags&flagLast != 0
	copy(c.Checksum[:], header[29:])

	if cap(buf) >= int(payloadLen) {
		c.Payload = buf[:payloadLen]
	} else {
		c.Payload = make([]byte, payloadLen)
	}
	if _, err := io.ReadFull(r, c.Payload); err != nil {
		return Chunk{}, fmt.Errorf("read chunk payload: %w", err)
	}
	return c, nil
}
