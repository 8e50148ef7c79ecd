package chunk

import "fmt"

// Bitmap is a compact bitset tracking which chunks of a file have been
// verified. It is persisted inside resume checkpoints.
type Bitmap struct {
	bits int
	data []byte
}

// NewBitmap allocates a bitmap sized for the given number of chunks.
func NewBitmap(bits int) *Bitmap {
	if bits < 0 {
		bits = 0
	}
	return &Bitmap{
		bits: bits,
		data: make([]byte, (bits+7)/8),
	}
}

// BitmapFromBytes restores a bitmap from persisted bytes.
func BitmapFromBytes(data []byte, bits int) (*Bitmap, error) {
	if bits < 0 {
		return nil, fmt.Errorf("invalid bitmap length %d", bits)
	}
	byteLen := (bits + 7) / 8
	if len(data) != byteLen {
		return nil, fmt.Errorf("bitmap length mismatch: got %d, want %d", len(data), byteLen)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Bitmap{bits: bits, data: buf}, nil
}

// Len returns the number of bits in the bitmap.
func (b *Bitmap) Len() int {
	if b == nil {
		return 0
	}
	return b.bits
}

// Set marks chunk i as verified.
func (b *Bitmap) Set(i int) {
	if b == nil || i < 0 || i >= b.bits {
		return
	}
	b.data[i/8] |= 1 << uint(i%8)
}

// Get reports whether chunk i is verified.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	return b.data[i/8]&(1<<uint(i%8)) != 0
}

// CountSet returns the number of verified chunks.
func (b *Bitmap) CountSet() int {
	if b == nil {
		return 0
	}
	count := 0
	for _, v := range b.data {
		for v != 0 {
			v &= v - 1
			count++
		}
	}
	return count
}

// HighestContiguous returns the highest chunk index such that every chunk
// up to and including it is verified. Returns -1, false when chunk 0 is
// missing.
func (b *Bitmap) HighestContiguous() (int, bool) {
	if b == nil || b.bits == 0 {
		return -1, false
	}
	last := -1
	for i := 0; i < b.bits; i++ {
		if !b.Get(i) {
			break
		}
		last = i
	}
	if last < 0 {
		return -1, false
	}
	return last, true
}

// Complete reports whether every chunk is verified.
func (b *Bitmap) Complete() bool {
	if b == nil {
		return false
	}
	return b.CountSet() == b.bits
}

// Marshal returns a copy of the bitmap bytes for persistence.
func (b *Bitmap) Marshal() []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
