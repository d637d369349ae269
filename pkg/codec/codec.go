// Package codec packs and unpacks bit fields inside an 8 byte CAN
// payload. Bit 0 is the least significant bit of byte 0 and values are
// stored little endian, as required for PDO mapping. Results do not
// depend on host byte order.
package codec

import "errors"

const FrameBits = 64

var ErrOutOfRange = errors.New("bit field outside of frame")

func checkRange(offset uint, length uint) error {
	if length == 0 || length > 64 || offset+length > FrameBits {
		return ErrOutOfRange
	}
	return nil
}

// GetBits reads length bits starting at bit offset
func GetBits(frame *[8]byte, offset uint, length uint) (uint64, error) {
	if err := checkRange(offset, length); err != nil {
		return 0, err
	}
	var value uint64
	for i := uint(0); i < length; {
		pos := offset + i
		bit := pos % 8
		// Number of bits that can be taken from the current byte
		chunk := 8 - bit
		if chunk > length-i {
			chunk = length - i
		}
		b := uint64(frame[pos/8]>>bit) & (1<<chunk - 1)
		value |= b << i
		i += chunk
	}
	return value, nil
}

// PutBits writes the lowest length bits of value starting at bit offset.
// Other bits of the frame are untouched.
func PutBits(frame *[8]byte, offset uint, length uint, value uint64) error {
	if err := checkRange(offset, length); err != nil {
		return err
	}
	for i := uint(0); i < length; {
		pos := offset + i
		bit := pos % 8
		chunk := 8 - bit
		if chunk > length-i {
			chunk = length - i
		}
		mask := byte((1<<chunk - 1) << bit)
		b := byte((value>>i)&(1<<chunk-1)) << bit
		frame[pos/8] = frame[pos/8]&^mask | b
		i += chunk
	}
	return nil
}

// GetBytes copies length bits starting at offset into dst, as a little
// endian value. dst must hold at least (length+7)/8 bytes.
func GetBytes(frame *[8]byte, offset uint, length uint, dst []byte) error {
	value, err := GetBits(frame, offset, length)
	if err != nil {
		return err
	}
	if len(dst) < int(length+7)/8 {
		return ErrOutOfRange
	}
	for i := 0; i < int(length+7)/8; i++ {
		dst[i] = byte(value >> (8 * i))
	}
	return nil
}

// PutBytes writes length bits read from the little endian value src
func PutBytes(frame *[8]byte, offset uint, length uint, src []byte) error {
	if len(src) < int(length+7)/8 {
		return ErrOutOfRange
	}
	var value uint64
	for i := 0; i < int(length+7)/8; i++ {
		value |= uint64(src[i]) << (8 * i)
	}
	return PutBits(frame, offset, length, value)
}
