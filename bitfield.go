package peerwire

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"
)

// BitField is an ordered sequence of bits of known length. The wire
// encoding is MSB first with zero padding in the final byte. Length only
// ever grows, and only elastic torrents grow it.
type BitField struct {
	bits   *roaring.Bitmap
	length uint32
}

// NewBitField returns an all-zero bitfield of the given length.
func NewBitField(length uint32) *BitField {
	return &BitField{bits: roaring.NewBitmap(), length: length}
}

// NewBitFieldFromBytes validates and decodes a wire bitfield. The byte
// length must be exactly ceil(length/8) and any spare bits in the final
// byte must be zero.
func NewBitFieldFromBytes(b []byte, length uint32) (*BitField, error) {
	if uint32(len(b)) != (length+7)/8 {
		return nil, errors.Errorf("bitfield of %d bytes cannot hold %d pieces", len(b), length)
	}
	bf := NewBitField(length)
	for i, c := range b {
		for j := 0; j < 8; j++ {
			if c&(1<<uint(7-j)) == 0 {
				continue
			}
			bit := uint32(i*8 + j)
			if bit >= length {
				return nil, errors.New("bitfield has spare bits set")
			}
			bf.bits.Add(bit)
		}
	}
	return bf, nil
}

// Length is the number of bits in the field.
func (bf *BitField) Length() uint32 {
	return bf.length
}

// Get reports whether bit i is set.
func (bf *BitField) Get(i uint32) bool {
	return i < bf.length && bf.bits.Contains(i)
}

// Set sets bit i.
func (bf *BitField) Set(i uint32) {
	if i >= bf.length {
		return
	}
	bf.bits.Add(i)
}

// Not inverts every bit in place.
func (bf *BitField) Not() {
	bf.bits.Flip(0, uint64(bf.length))
}

// Cardinality is the number of set bits.
func (bf *BitField) Cardinality() uint32 {
	return uint32(bf.bits.GetCardinality())
}

// Extend grows the field to newLength bits. It never shrinks.
func (bf *BitField) Extend(newLength uint32) {
	if newLength > bf.length {
		bf.length = newLength
	}
}

// Bytes is the wire encoding.
func (bf *BitField) Bytes() []byte {
	b := make([]byte, (bf.length+7)/8)
	it := bf.bits.Iterator()
	for it.HasNext() {
		i := it.Next()
		b[i/8] |= 1 << uint(7-i%8)
	}
	return b
}
