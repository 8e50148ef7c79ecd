// Package chunk implements the chunk engine: splitting files into
// fixed-size chunks, framing them for the wire, and reassembling and
// verifying them at the receiver. It is independent of the transport the
// chunks travel over.
package chunk

import (
	"crypto/sha256"
)

const (
	// DefaultChunkSize is the fixed chunk size. The final chunk of a file
	// may be shorter.
	DefaultChunkSize = 64 * 1024

	// DefaultReorderWindow bounds how many out-of-order chunks the
	// assembler buffers before treating a gap as a stall.
	DefaultReorderWindow = 64
)

// Chunk is one unit of file data. Checksum is computed over the payload
// before compression, so corruption and compression effectiveness can be
// reasoned about independently. When Compressed is set, Payload holds the
// LZ4 block and RawLen the pre-compression length.
type Chunk struct {
	FileIndex  uint32
	Sequence   uint32
	Offset     int64
	RawLen     uint32
	Payload    []byte
	Checksum   [32]byte
	Compressed bool
	Last       bool
}

// Sum computes the chunk payload digest.
func Sum(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}
