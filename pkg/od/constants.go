package od

import "fmt"

// ODR is the result of an object dictionary access
type ODR int8

const (
	ErrPartial      ODR = -1
	ErrNo           ODR = 0
	ErrOutOfMem     ODR = 1
	ErrUnsuppAccess ODR = 2
	ErrWriteOnly    ODR = 3
	ErrReadonly     ODR = 4
	ErrIdxNotExist  ODR = 5
	ErrNoMap        ODR = 6
	ErrMapLen       ODR = 7
	ErrParIncompat  ODR = 8
	ErrDevIncompat  ODR = 9
	ErrHw           ODR = 10
	ErrTypeMismatch ODR = 11
	ErrDataLong     ODR = 12
	ErrDataShort    ODR = 13
	ErrSubNotExist  ODR = 14
	ErrInvalidValue ODR = 15
	ErrValueHigh    ODR = 16
	ErrValueLow     ODR = 17
	ErrMaxLessMin   ODR = 18
	ErrNoRessource  ODR = 19
	ErrGeneral      ODR = 20
	ErrDataTransf   ODR = 21
	ErrDataLocCtrl  ODR = 22
	ErrDataDevState ODR = 23
	ErrOdMissing    ODR = 24
	ErrNoData       ODR = 25
)

var odrDescriptionMap = map[ODR]string{
	ErrPartial:      "read/write is only partial, make more calls",
	ErrNo:           "read/write successfully finished",
	ErrOutOfMem:     "out of memory",
	ErrUnsuppAccess: "unsupported access to an object",
	ErrWriteOnly:    "attempt to read a write only object",
	ErrReadonly:     "attempt to write a read only object",
	ErrIdxNotExist:  "object does not exist in the object dictionary",
	ErrNoMap:        "object cannot be mapped to the PDO",
	ErrMapLen:       "number and length of object to be mapped exceeds PDO length",
	ErrParIncompat:  "general parameter incompatibility reasons",
	ErrDevIncompat:  "general internal incompatibility in device",
	ErrHw:           "access failed due to hardware error",
	ErrTypeMismatch: "data type does not match, length does not match",
	ErrDataLong:     "data type does not match, length too high",
	ErrDataShort:    "data type does not match, length too short",
	ErrSubNotExist:  "sub index does not exist",
	ErrInvalidValue: "invalid value for parameter (download only)",
	ErrValueHigh:    "value range of parameter written too high",
	ErrValueLow:     "value range of parameter written too low",
	ErrMaxLessMin:   "maximum value is less than minimum value",
	ErrNoRessource:  "resource not available: SDO connection",
	ErrGeneral:      "general error",
	ErrDataTransf:   "data cannot be transferred or stored to application",
	ErrDataLocCtrl:  "data cannot be transferred because of local control",
	ErrDataDevState: "data cannot be transferred because of present device state",
	ErrOdMissing:    "object dictionary not present or dynamic generation fails",
	ErrNoData:       "no data available",
}

func (odr ODR) Error() string {
	description, ok := odrDescriptionMap[odr]
	if !ok {
		return fmt.Sprintf("OD error %d", int8(odr))
	}
	return description
}

// CiA 301 data types
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)

// Size in bytes of fixed size data types
var dataTypeSizes = map[uint8]int{
	BOOLEAN:    1,
	INTEGER8:   1,
	INTEGER16:  2,
	INTEGER32:  4,
	UNSIGNED8:  1,
	UNSIGNED16: 2,
	UNSIGNED32: 4,
	REAL32:     4,
	REAL64:     8,
	INTEGER64:  8,
	UNSIGNED64: 8,
}

// CiA 301 object types
const (
	ObjectTypeDOMAIN uint8 = 2
	ObjectTypeVAR    uint8 = 7
	ObjectTypeARRAY  uint8 = 8
	ObjectTypeRECORD uint8 = 9
)

// Object dictionary object attribute
const (
	AttributeSdoR  uint8 = 0x01 // SDO server may read from the variable
	AttributeSdoW  uint8 = 0x02 // SDO server may write to the variable
	AttributeSdoRw uint8 = 0x03 // SDO server may read from or write to the variable
	AttributeTpdo  uint8 = 0x04 // Variable is mappable into TPDO (can be read)
	AttributeRpdo  uint8 = 0x08 // Variable is mappable into RPDO (can be written)
	AttributeTrpdo uint8 = 0x0C // Variable is mappable into TPDO or RPDO
	// Variable cannot be written while the device state locks parameters,
	// see [ObjectDictionary.SetStateLock]
	AttributeLocked uint8 = 0x10
	AttributeMb     uint8 = 0x40 // Variable is multi-byte ((u)int16_t to (u)int64_t)
	// Shorter value, than specified variable size, may be
	// written to the variable. SDO write will fill remaining memory with zeroes.
	// Attribute is used for VISIBLE_STRING.
	AttributeStr uint8 = 0x80
)

// Well known indexes
const (
	EntryDeviceType                 uint16 = 0x1000
	EntryErrorRegister              uint16 = 0x1001
	EntryManufacturerStatusRegister uint16 = 0x1002
	EntryCobIdSYNC                  uint16 = 0x1005
	EntryCommunicationCyclePeriod   uint16 = 0x1006
	EntryManufacturerDeviceName     uint16 = 0x1008
	EntryGuardTime                  uint16 = 0x100C
	EntryLifeTimeFactor             uint16 = 0x100D
	EntryCobIdEMCY                  uint16 = 0x1014
	EntryInhibitTimeEMCY            uint16 = 0x1015
	EntryProducerHeartbeatTime      uint16 = 0x1017
	EntryIdentityObject             uint16 = 0x1018
	EntrySynchronousCounterOverflow uint16 = 0x1019
	EntrySDOServerParameter         uint16 = 0x1200
	EntryRPDOCommunicationStart     uint16 = 0x1400
	EntryRPDOMappingStart           uint16 = 0x1600
	EntryTPDOCommunicationStart     uint16 = 0x1800
	EntryTPDOMappingStart           uint16 = 0x1A00
	EntryNMTStartup                 uint16 = 0x1F80
	EntryLSSNodeId                  uint16 = 0x2100
	EntryLSSBitTiming               uint16 = 0x2101
)

const MaxMappedEntriesPdo = 8
