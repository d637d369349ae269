package pdo

import (
	"fmt"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/od"
)

const (
	MaxPdoLength   uint8 = 8
	MaxPdoBits           = uint(MaxPdoLength) * 8
	MinPdoNumber         = uint16(1)
	MaxRpdoNumber        = uint16(512)
	MaxTpdoNumber        = MaxRpdoNumber
	IndexFirstTpdo       = MaxRpdoNumber + 1
)

// Default capacity of the PDO tables
const (
	MaxRxPdo = 4
	MaxTxPdo = 4
)

const (
	TransmissionTypeSyncAcyclic = 0    // synchronous (acyclic)
	TransmissionTypeSync1       = 1    // synchronous (cyclic every sync)
	TransmissionTypeSync240     = 0xF0 // synchronous (cyclic every 240-th sync)
	TransmissionTypeSyncRtr     = 0xFC // sampled on sync, sent on remote request
	TransmissionTypeRtr         = 0xFD // event-driven, sent on remote request
	TransmissionTypeSyncEventLo = 0xFE // event-driven, lower value (manufacturer specific)
	TransmissionTypeSyncEventHi = 0xFF // event-driven, higher value (device profile and application profile specific)
)

// COB-ID flags of the communication parameter (sub 1)
const (
	CobIdInvalidBit  uint32 = 0x80000000
	CobIdNoRtrBit    uint32 = 0x40000000
	CobIdExtendedBit uint32 = 0x20000000
)

// Reason of a PDO configuration failure
type Reason uint8

const (
	InvalidCobId Reason = iota + 1
	RtrNotValid
	InvalidTxType
	InvalidMapCount
	OutOfMemory
	InvalidSyncStartValue
	InternalError
	PdoLengthExceed
	HookProcessingFail
	DuplicatedCobId
	NotMappable
)

var reasonDescriptionMap = map[Reason]string{
	InvalidCobId:          "invalid COB-ID",
	RtrNotValid:           "remote request not allowed for RTR transmission type",
	InvalidTxType:         "invalid transmission type",
	InvalidMapCount:       "invalid number of mapped objects",
	OutOfMemory:           "too many PDOs configured",
	InvalidSyncStartValue: "invalid SYNC start value",
	InternalError:         "mapped object or parameter missing",
	PdoLengthExceed:       "mapped objects exceed 8 bytes",
	HookProcessingFail:    "mapped object refused the access",
	DuplicatedCobId:       "COB-ID used by another PDO",
	NotMappable:           "object is not mappable",
}

func (r Reason) String() string {
	description, ok := reasonDescriptionMap[r]
	if !ok {
		return fmt.Sprintf("unknown reason %d", uint8(r))
	}
	return description
}

// ConfigError is returned when the PDO set can not be created.
// PdoNumber is 1..512 for RPDOs and 513..1024 for TPDOs.
type ConfigError struct {
	Reason    Reason
	PdoNumber uint16
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v : %v", Name(e.PdoNumber), e.Reason)
}

// Unwrap gives [canopen.ErrOutOfMemory] when the PDO tables are full
func (e *ConfigError) Unwrap() error {
	if e.Reason == OutOfMemory {
		return canopen.ErrOutOfMemory
	}
	return nil
}

// Subcode used when posting the configuration fault
func (e *ConfigError) Subcode() uint16 {
	return uint16(e.Reason)<<11 | e.PdoNumber&0x7FF
}

// Name returns RPDOx or TPDOx for a PDO number
func Name(number uint16) string {
	if number >= IndexFirstTpdo {
		return fmt.Sprintf("TPDO%d", number-MaxRpdoNumber)
	}
	return fmt.Sprintf("RPDO%d", number)
}

// Capacity of the PDO tables, zero values use [MaxRxPdo] and [MaxTxPdo]
type Capacity struct {
	Rx int
	Tx int
}

type selector uint8

const (
	selectDummy selector = iota
	selectAligned8
	selectAligned16
	selectAligned32
	selectAligned64
	selectUnaligned
)

var selectorNames = map[selector]string{
	selectDummy:     "dummy",
	selectAligned8:  "aligned 8",
	selectAligned16: "aligned 16",
	selectAligned32: "aligned 32",
	selectAligned64: "aligned 64",
	selectUnaligned: "unaligned",
}

func (s selector) String() string {
	return selectorNames[s]
}

// A mapped object inside of a compiled PDO
type element struct {
	selector  selector
	hooked    bool
	streamer  *od.Streamer
	bitOffset uint
	bitLength uint
	buf       []byte
}

// predefinedCobId returns the COB-ID of the predefined connection set,
// 0 if the PDO has none
func predefinedCobId(number uint16, nodeId uint8) uint16 {
	rx := number < IndexFirstTpdo
	n := number
	if !rx {
		n -= MaxRpdoNumber
	}
	if n < 1 || n > 4 {
		return 0
	}
	base := canopen.ServiceRPDO1
	if !rx {
		base = canopen.ServiceTPDO1
	}
	return base + 0x100*(n-1) + uint16(nodeId)
}

// Compile every PDO described in the OD. Disabled PDOs are skipped.
// The first error stops the compilation, nothing of the partial result
// must be used.
func compile(odict *od.ObjectDictionary, nodeId uint8, capacity Capacity) (*pdoSet, error) {
	set := &pdoSet{}
	kinds := []struct {
		rx     bool
		comm   uint16
		offset uint16
		limit  int
	}{
		{true, od.EntryRPDOCommunicationStart, 0, capacity.Rx},
		{false, od.EntryTPDOCommunicationStart, MaxRpdoNumber, capacity.Tx},
	}
	for _, kind := range kinds {
		count := 0
		for i := uint16(0); i < MaxRpdoNumber; i++ {
			entry := odict.Index(kind.comm + i)
			if entry == nil {
				continue
			}
			number := kind.offset + i + 1
			pdo, err := compilePdo(odict, entry, odict.Index(kind.comm+0x200+i), number, kind.rx, nodeId)
			if err != nil {
				set.release()
				return nil, err
			}
			if pdo == nil {
				continue
			}
			count++
			if count > kind.limit {
				pdo.release()
				set.release()
				return nil, &ConfigError{Reason: OutOfMemory, PdoNumber: number}
			}
			if kind.rx {
				set.rx = append(set.rx, pdo)
			} else {
				set.tx = append(set.tx, pdo)
			}
		}
	}
	// Union of Rx and Tx COB-IDs must not contain duplicates
	used := make(map[uint16]uint16)
	for _, pdo := range set.all() {
		if _, ok := used[pdo.cobId]; ok {
			set.release()
			return nil, &ConfigError{Reason: DuplicatedCobId, PdoNumber: pdo.number}
		}
		used[pdo.cobId] = pdo.number
	}
	return set, nil
}

func compilePdo(odict *od.ObjectDictionary, comm *od.Entry, mapping *od.Entry, number uint16, rx bool, nodeId uint8) (*compiledPdo, error) {
	fail := func(reason Reason) (*compiledPdo, error) {
		return nil, &ConfigError{Reason: reason, PdoNumber: number}
	}
	cobId, err := comm.Uint32(1)
	if err != nil {
		return fail(InternalError)
	}
	if cobId&CobIdInvalidBit != 0 {
		return nil, nil
	}
	if cobId&CobIdExtendedBit != 0 {
		return fail(InvalidCobId)
	}
	canId := uint16(cobId & 0x7FF)
	// Predefined ids are stored without node id
	predefined := predefinedCobId(number, nodeId)
	if canId != 0 && predefined != 0 && canId == predefined&0xFF80 {
		canId = predefined
	}
	if canId == 0 || canopen.IsIDRestricted(canId) {
		return fail(InvalidCobId)
	}
	txType, err := comm.Uint8(2)
	if err != nil {
		return fail(InternalError)
	}
	if txType > TransmissionTypeSync240 && txType < TransmissionTypeSyncRtr {
		return fail(InvalidTxType)
	}
	rtrOnly := txType == TransmissionTypeSyncRtr || txType == TransmissionTypeRtr
	if !rx && rtrOnly && cobId&CobIdNoRtrBit != 0 {
		return fail(RtrNotValid)
	}
	pdo := &compiledPdo{
		number:      number,
		rx:          rx,
		cobId:       canId,
		txType:      txType,
		synchronous: txType <= TransmissionTypeSync240 || txType == TransmissionTypeSyncRtr,
		rtrOnly:     !rx && rtrOnly,
	}
	if !rx {
		// Optional parameters
		pdo.syncStart, _ = comm.Uint8(6)
		if pdo.syncStart > TransmissionTypeSync240 {
			return fail(InvalidSyncStartValue)
		}
		inhibitTime, _ := comm.Uint16(3)
		eventTime, _ := comm.Uint16(5)
		pdo.inhibitTimeUs = uint32(inhibitTime) * 100
		pdo.eventTimeUs = uint32(eventTime) * 1000
		pdo.reset()
	}
	if mapping == nil {
		return fail(InternalError)
	}
	mappedCount, err := mapping.Uint8(0)
	if err != nil {
		return fail(InternalError)
	}
	if mappedCount < 1 || mappedCount > od.MaxMappedEntriesPdo {
		return fail(InvalidMapCount)
	}
	bitOffset := uint(0)
	for sub := uint8(1); sub <= mappedCount; sub++ {
		mapParam, err := mapping.Uint32(sub)
		if err != nil {
			pdo.release()
			return fail(InternalError)
		}
		el, reason := compileElement(odict, mapParam, bitOffset, rx)
		if reason != 0 {
			pdo.release()
			return fail(reason)
		}
		pdo.elements = append(pdo.elements, el)
		bitOffset += el.bitLength
		if bitOffset > MaxPdoBits {
			pdo.release()
			return fail(PdoLengthExceed)
		}
	}
	pdo.length = uint8((bitOffset + 7) / 8)
	return pdo, nil
}

// Resolve one mapping parameter : index (16) | subindex (8) | bit length (8)
func compileElement(odict *od.ObjectDictionary, mapParam uint32, bitOffset uint, rx bool) (element, Reason) {
	index := uint16(mapParam >> 16)
	subIndex := uint8(mapParam >> 8)
	el := element{bitOffset: bitOffset, bitLength: uint(mapParam & 0xFF)}
	if el.bitLength == 0 {
		return el, NotMappable
	}
	// Dummy entries only take room inside of the frame
	if index < 0x20 && subIndex == 0 {
		el.selector = selectDummy
		return el, 0
	}
	streamer, err := odict.Search(index, subIndex, od.SelectRuntime)
	if err != nil {
		return el, InternalError
	}
	attribute := od.AttributeTpdo
	if rx {
		attribute = od.AttributeRpdo
	}
	size := streamer.DataLength
	switch {
	case !streamer.HasAttribute(attribute):
		return el, NotMappable
	case rx && streamer.HasAttribute(od.AttributeLocked):
		return el, NotMappable
	case size == 0 || size > uint32(MaxPdoLength) || el.bitLength > uint(size)*8:
		return el, NotMappable
	}
	if streamer.Hooked() {
		if err := streamer.Init(rx); err != nil {
			return el, HookProcessingFail
		}
		el.hooked = true
	}
	el.streamer = streamer
	el.buf = make([]byte, size)
	el.selector = selectUnaligned
	if bitOffset%8 == 0 && el.bitLength == uint(size)*8 {
		switch size {
		case 1:
			el.selector = selectAligned8
		case 2:
			el.selector = selectAligned16
		case 4:
			el.selector = selectAligned32
		case 8:
			el.selector = selectAligned64
		}
	}
	return el, 0
}
