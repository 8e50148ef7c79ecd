// Package compress implements the optional LZ4 stage applied to chunk
// payloads. Compression is decided once per transfer, never per chunk, so
// both sides agree on the framing without extra negotiation.
package compress

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

const (
	// MinTransferSize is the total transfer size below which compression
	// is never attempted; small transfers finish before the CPU spend
	// pays off.
	MinTransferSize = 1 << 20

	// MinReduction is the fraction a sample must shrink by for
	// compression to stay enabled for the transfer.
	MinReduction = 0.10

	// SampleSize bounds how much of the first chunk is probed when
	// deciding whether a transfer compresses well.
	SampleSize = 64 * 1024
)

// Codec compresses and decompresses chunk payloads with LZ4 block
// encoding. The zero value is not usable; construct with New.
type Codec struct {
	compressor lz4.Compressor
}

// New returns a ready Codec.
func New() *Codec {
	return &Codec{}
}

// Decide reports whether compression should be enabled for a transfer of
// totalSize bytes, probing sample (typically the first chunk of the
// largest file). Transfers under MinTransferSize never compress, and
// payloads that fail to shrink by MinReduction don't either: already-
// compressed media would only burn CPU on both ends.
func (c *Codec) Decide(totalSize int64, sample []byte) bool {
	if totalSize < MinTransferSize {
		return false
	}
	if len(sample) == 0 {
		return false
	}
	if len(sample) > SampleSize {
		sample = sample[:SampleSize]
	}
	dst := make([]byte, lz4.CompressBlockBound(len(sample)))
	n, err := c.compressor.CompressBlock(sample, dst)
	if err != nil || n == 0 {
		// n == 0 means incompressible.
		return false
	}
	reduction := 1.0 - float64(n)/float64(len(sample))
	return reduction >= MinReduction
}

// Compress encodes src as one LZ4 block into a new slice. Returns src
// unchanged and ok=false when the block doesn't shrink, so the caller
// sends the raw payload for that chunk.
func (c *Codec) Compress(src []byte) (out []byte, ok bool) {
	if len(src) == 0 {
		return src, false
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := c.compressor.CompressBlock(src, dst)
	if err != nil || n == 0 || n >= len(src) {
		return src, false
	}
	return dst[:n], true
}

// Decompress decodes one LZ4 block into a slice of exactly rawLen bytes.
func (c *Codec) Decompress(src []byte, rawLen int) ([]byte, error) {
	dst := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != rawLen {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", n, rawLen)
	}
	return dst, nil
}
