package od

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Variable is the main data representation for a value stored inside of OD
// It is used to store a "VAR" or "DOMAIN" object type as well as
// any sub entry of a "RECORD" or "ARRAY" object type
type Variable struct {
	mu           sync.RWMutex
	valueDefault []byte
	value        []byte
	// Name of this variable
	Name string
	// The CiA 301 data type of this variable
	DataType byte
	// Attribute contains the access type as well as the mapping
	// information. e.g. AttributeSdoRw | AttributeRpdo
	Attribute uint8
	// The sub index of this variable, always 0 for VAR
	SubIndex uint8
}

// Create a new variable, value is given as a string e.g. "0x10", "-5" or "name"
func NewVariable(subIndex uint8, name string, dataType uint8, attribute uint8, value string) (*Variable, error) {
	encoded, err := EncodeFromString(value, dataType, 0)
	if err != nil {
		return nil, err
	}
	encodedCopy := make([]byte, len(encoded))
	copy(encodedCopy, encoded)
	return &Variable{
		SubIndex:     subIndex,
		Name:         name,
		value:        encoded,
		valueDefault: encodedCopy,
		Attribute:    attribute,
		DataType:     dataType,
	}, nil
}

// DataLength returns the current length of the variable in bytes
func (variable *Variable) DataLength() uint32 {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	return uint32(len(variable.value))
}

// DefaultValue returns a copy of the default value
func (variable *Variable) DefaultValue() []byte {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	b := make([]byte, len(variable.valueDefault))
	copy(b, variable.valueDefault)
	return b
}

// Bytes returns a copy of the current value
func (variable *Variable) Bytes() []byte {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	b := make([]byte, len(variable.value))
	copy(b, variable.value)
	return b
}

// ReadInto copies the current value into dst without allocating.
// Used by the real-time PDO path.
func (variable *Variable) ReadInto(dst []byte) int {
	variable.mu.RLock()
	defer variable.mu.RUnlock()
	return copy(dst, variable.value)
}

// WriteFrom copies src into the current value without allocating.
// src must not be longer than the variable.
func (variable *Variable) WriteFrom(src []byte) error {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	if len(src) > len(variable.value) {
		return ErrDataLong
	}
	copy(variable.value, src)
	return nil
}

// HasAttribute returns true if all the given attribute bits are set
func (variable *Variable) HasAttribute(attribute uint8) bool {
	return variable.Attribute&attribute == attribute
}

// Restore the default value
func (variable *Variable) Restore() {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	if len(variable.value) != len(variable.valueDefault) {
		variable.value = make([]byte, len(variable.valueDefault))
	}
	copy(variable.value, variable.valueDefault)
}

// EncodeFromString value from EDS into bytes respecting canopen datatype
// offset is added to integer values, it is used for $NODEID
func EncodeFromString(value string, dataType uint8, offset uint8) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" && dataType != VISIBLE_STRING && dataType != OCTET_STRING && dataType != DOMAIN {
		value = "0"
	}
	switch dataType {
	case BOOLEAN, UNSIGNED8, UNSIGNED16, UNSIGNED32, UNSIGNED64:
		parsed, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w : %v", ErrTypeMismatch, err)
		}
		return encodeUint(parsed+uint64(offset), dataTypeSizes[dataType]), nil
	case INTEGER8, INTEGER16, INTEGER32, INTEGER64:
		parsed, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w : %v", ErrTypeMismatch, err)
		}
		return encodeUint(uint64(parsed+int64(offset)), dataTypeSizes[dataType]), nil
	case REAL32:
		parsed, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("%w : %v", ErrTypeMismatch, err)
		}
		return encodeUint(uint64(math.Float32bits(float32(parsed))), 4), nil
	case REAL64:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w : %v", ErrTypeMismatch, err)
		}
		return encodeUint(math.Float64bits(parsed), 8), nil
	case VISIBLE_STRING:
		return []byte(value), nil
	case OCTET_STRING:
		fields := strings.Fields(value)
		data := make([]byte, 0, len(fields))
		for _, field := range fields {
			b, err := strconv.ParseUint(field, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("%w : %v", ErrTypeMismatch, err)
			}
			data = append(data, byte(b))
		}
		return data, nil
	case DOMAIN:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("%w : unsupported datatype x%x", ErrTypeMismatch, dataType)
	}
}

func encodeUint(value uint64, size int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, value)
	return b[:size]
}

// EncodeAttribute from EDS access type and pdo mapping
func EncodeAttribute(accessType string, pdoMapping bool, dataType uint8) uint8 {
	var attribute uint8
	switch strings.ToLower(accessType) {
	case "rw", "rwr", "rww":
		attribute = AttributeSdoRw
	case "ro", "const":
		attribute = AttributeSdoR
	case "wo":
		attribute = AttributeSdoW
	default:
		attribute = AttributeSdoRw
	}
	if pdoMapping {
		if attribute&AttributeSdoR != 0 {
			attribute |= AttributeTpdo
		}
		if attribute&AttributeSdoW != 0 {
			attribute |= AttributeRpdo
		}
	}
	if dataType == VISIBLE_STRING {
		attribute |= AttributeStr
	} else if size := dataTypeSizes[dataType]; size > 1 {
		attribute |= AttributeMb
	}
	return attribute
}
