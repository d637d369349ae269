package pdo

import (
	"encoding/binary"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/od"
)

// Number of the PDO described by a communication or mapping entry
func pdoNumber(index uint16) uint16 {
	switch {
	case index >= od.EntryTPDOCommunicationStart:
		return (index-od.EntryTPDOCommunicationStart)%0x200 + IndexFirstTpdo
	default:
		return (index-od.EntryRPDOCommunicationStart)%0x200 + 1
	}
}

// [RPDO][TPDO] validate communication parameter, the parameters are
// used on the next PDO creation
func writeEntry14xxOr18xx(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil || len(data) > 4 {
		return od.ErrDevIncompat
	}
	engine, ok := stream.Object.(*Engine)
	if !ok {
		return od.ErrDevIncompat
	}
	number := pdoNumber(stream.Index)
	isRPDO := number < IndexFirstTpdo
	bufCopy := make([]byte, len(data))
	copy(bufCopy, data)

	switch stream.Subindex {
	case 1:
		if len(data) != 4 {
			return od.ErrTypeMismatch
		}
		cobId := binary.LittleEndian.Uint32(data)
		canId := uint16(cobId & 0x7FF)
		valid := (cobId & CobIdInvalidBit) == 0
		if (cobId&CobIdExtendedBit) != 0 ||
			valid && (canId == 0 || canopen.IsIDRestricted(canId)) {
			return od.ErrInvalidValue
		}
		// If default id is written store to OD without node id
		predefined := predefinedCobId(number, engine.getNodeId())
		if predefined != 0 && canId == predefined {
			binary.LittleEndian.PutUint32(bufCopy, cobId&0xFFFFFF80)
		}
		engine.logger.Debugf("%v COB-ID x%x, valid : %v", Name(number), canId, valid)

	case 2:
		transmissionType := data[0]
		if transmissionType > TransmissionTypeSync240 && transmissionType < TransmissionTypeSyncRtr {
			return od.ErrInvalidValue
		}
		if isRPDO && (transmissionType == TransmissionTypeSyncRtr || transmissionType == TransmissionTypeRtr) {
			return od.ErrInvalidValue
		}

	case 6:
		if data[0] > TransmissionTypeSync240 {
			return od.ErrInvalidValue
		}
	}
	return od.WriteEntryDefault(stream, bufCopy, countWritten)
}

// [RPDO][TPDO] get communication parameter
func readEntry14xxOr18xx(stream *od.Stream, data []byte, countRead *uint16) error {
	err := od.ReadEntryDefault(stream, data, countRead)
	// Add node id when reading subindex 1
	if err == nil && stream.Subindex == 1 && *countRead == 4 {
		engine, ok := stream.Object.(*Engine)
		if !ok {
			return od.ErrDevIncompat
		}
		predefined := predefinedCobId(pdoNumber(stream.Index), engine.getNodeId())
		cobId := binary.LittleEndian.Uint32(data)
		canId := uint16(cobId & 0x7FF)
		if canId != 0 && predefined != 0 && canId == predefined&0xFF80 {
			cobId = (cobId & 0xFFFFF800) | uint32(predefined)
		}
		binary.LittleEndian.PutUint32(data, cobId)
	}
	return err
}

// [RPDO][TPDO] update mapping parameter. Mapped objects can only be
// changed while the number of mapped objects is 0.
func writeEntry16xxOr1Axx(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil || stream.Subindex > od.MaxMappedEntriesPdo {
		return od.ErrDevIncompat
	}
	engine, ok := stream.Object.(*Engine)
	if !ok {
		return od.ErrDevIncompat
	}
	entry := engine.od.Index(stream.Index)
	if entry == nil {
		return od.ErrDevIncompat
	}
	mappedCount, err := entry.Uint8(0)
	if err != nil {
		return od.ErrDevIncompat
	}
	if stream.Subindex > 0 {
		if mappedCount != 0 {
			return od.ErrUnsuppAccess
		}
		if len(data) != 4 {
			return od.ErrTypeMismatch
		}
		mapParam := binary.LittleEndian.Uint32(data)
		if mapParam != 0 && uint(mapParam&0xFF) > MaxPdoBits {
			return od.ErrMapLen
		}
		return od.WriteEntryDefault(stream, data, countWritten)
	}
	// Enabling the mapping checks the total length
	newCount := data[0]
	if newCount > od.MaxMappedEntriesPdo {
		return od.ErrMapLen
	}
	totalBits := uint(0)
	for sub := uint8(1); sub <= newCount; sub++ {
		mapParam, err := entry.Uint32(sub)
		if err != nil {
			return od.ErrDevIncompat
		}
		if mapParam == 0 {
			return od.ErrNoMap
		}
		totalBits += uint(mapParam & 0xFF)
	}
	if totalBits > MaxPdoBits {
		return od.ErrMapLen
	}
	engine.logger.Debugf("%v number of mapped objects : %v", Name(pdoNumber(stream.Index)), newCount)
	return od.WriteEntryDefault(stream, data, countWritten)
}
