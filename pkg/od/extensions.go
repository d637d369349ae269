package od

import (
	"encoding/binary"
)

// Scale converts between the internal unit of an INTEGER32 entry and the
// unit seen on the bus : bus = internal * Numerator / Denominator
type Scale struct {
	Numerator   int64
	Denominator int64
}

// ToBus converts an internal value to bus units
func (s *Scale) ToBus(internal int32) int32 {
	return int32(int64(internal) * s.Numerator / s.Denominator)
}

// ToInternal converts a bus value to internal units
func (s *Scale) ToInternal(value int32) int32 {
	return int32(int64(value) * s.Denominator / s.Numerator)
}

// [StreamInit] for scaled entries, refuses accesses while the factor is invalid
func InitEntryScaled(stream *Stream, write bool) error {
	scale, ok := stream.Object.(*Scale)
	if !ok || scale.Numerator == 0 || scale.Denominator == 0 {
		return ErrDevIncompat
	}
	if stream.DataLength != 4 {
		return ErrTypeMismatch
	}
	return nil
}

// [StreamReader] for scaled entries
func ReadEntryScaled(stream *Stream, data []byte, countRead *uint16) error {
	if stream == nil || data == nil || countRead == nil || stream.mu == nil {
		return ErrDevIncompat
	}
	scale, ok := stream.Object.(*Scale)
	if !ok || scale.Numerator == 0 || scale.Denominator == 0 {
		return ErrDevIncompat
	}
	if len(data) < 4 || len(stream.Data) != 4 {
		return ErrTypeMismatch
	}
	stream.mu.RLock()
	internal := int32(binary.LittleEndian.Uint32(stream.Data))
	stream.mu.RUnlock()
	binary.LittleEndian.PutUint32(data, uint32(scale.ToBus(internal)))
	*countRead = 4
	return nil
}

// [StreamWriter] for scaled entries
func WriteEntryScaled(stream *Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil || stream.mu == nil {
		return ErrDevIncompat
	}
	scale, ok := stream.Object.(*Scale)
	if !ok || scale.Numerator == 0 || scale.Denominator == 0 {
		return ErrDevIncompat
	}
	if len(data) > 4 {
		return ErrDataLong
	}
	if len(data) < 4 {
		return ErrDataShort
	}
	if len(stream.Data) != 4 {
		return ErrTypeMismatch
	}
	internal := scale.ToInternal(int32(binary.LittleEndian.Uint32(data)))
	stream.mu.Lock()
	binary.LittleEndian.PutUint32(stream.Data, uint32(internal))
	stream.mu.Unlock()
	*countWritten = 4
	return nil
}
