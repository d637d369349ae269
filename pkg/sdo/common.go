package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/samsamfire/canopen-drive/pkg/od"
)

const (
	DefaultServerTimeout = 800 // Segment timeout in ms
	ClientServiceId      = 0x600
	ServerServiceId      = 0x580
	// Maximum size of a transfer that is staged in the server buffer
	MaxTransferSize = 1024
	segmentSize     = 7
)

// Command specifiers
const (
	ccsDownloadSegment  = 0
	ccsDownloadInitiate = 1
	ccsUploadInitiate   = 2
	ccsUploadSegment    = 3
	ccsAbort            = 4
	ccsBlockUpload      = 5
	ccsBlockDownload    = 6
)

// Abort is an SDO abort code, as sent in an abort frame
type Abort uint32

const (
	AbortToggleBit         Abort = 0x05030000
	AbortTimeout           Abort = 0x05040000
	AbortCmd               Abort = 0x05040001
	AbortBlockSize         Abort = 0x05040002
	AbortSeqNum            Abort = 0x05040003
	AbortCRC               Abort = 0x05040004
	AbortOutOfMem          Abort = 0x05040005
	AbortUnsupportedAccess Abort = 0x06010000
	AbortWriteOnly         Abort = 0x06010001
	AbortReadOnly          Abort = 0x06010002
	AbortNotExist          Abort = 0x06020000
	AbortNoMap             Abort = 0x06040041
	AbortMapLen            Abort = 0x06040042
	AbortParamIncompat     Abort = 0x06040043
	AbortDeviceIncompat    Abort = 0x06040047
	AbortHardware          Abort = 0x06060000
	AbortTypeMismatch      Abort = 0x06070010
	AbortDataLong          Abort = 0x06070012
	AbortDataShort         Abort = 0x06070013
	AbortSubUnknown        Abort = 0x06090011
	AbortInvalidValue      Abort = 0x06090030
	AbortValueHigh         Abort = 0x06090031
	AbortValueLow          Abort = 0x06090032
	AbortMaxLessMin        Abort = 0x06090036
	AbortNoRessource       Abort = 0x060A0023
	AbortGeneral           Abort = 0x08000000
	AbortDataTransfer      Abort = 0x08000020
	AbortDataLocalControl  Abort = 0x08000021
	AbortDataDeviceState   Abort = 0x08000022
	AbortDataOD            Abort = 0x08000023
	AbortNoData            Abort = 0x08000024
)

var AbortCodeDescriptionMap = map[Abort]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortBlockSize:         "Invalid block size in block mode",
	AbortSeqNum:            "Invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortNoMap:             "Object cannot be mapped to the PDO",
	AbortMapLen:            "Num and len of object to be mapped exceeds PDO len",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortMaxLessMin:        "Maximum value is less than minimum value.",
	AbortNoRessource:       "Resource not available: SDO connection",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataLocalControl:  "Data cannot be transferred because of local control",
	AbortDataDeviceState:   "Data cannot be tran. because of present device state",
	AbortDataOD:            "Object dict. not present or dynamic generation fails",
	AbortNoData:            "No data available",
}

var OdToAbortMap = map[od.ODR]Abort{
	od.ErrOutOfMem:     AbortOutOfMem,
	od.ErrUnsuppAccess: AbortUnsupportedAccess,
	od.ErrWriteOnly:    AbortWriteOnly,
	od.ErrReadonly:     AbortReadOnly,
	od.ErrIdxNotExist:  AbortNotExist,
	od.ErrNoMap:        AbortNoMap,
	od.ErrMapLen:       AbortMapLen,
	od.ErrParIncompat:  AbortParamIncompat,
	od.ErrDevIncompat:  AbortDeviceIncompat,
	od.ErrHw:           AbortHardware,
	od.ErrTypeMismatch: AbortTypeMismatch,
	od.ErrDataLong:     AbortDataLong,
	od.ErrDataShort:    AbortDataShort,
	od.ErrSubNotExist:  AbortSubUnknown,
	od.ErrInvalidValue: AbortInvalidValue,
	od.ErrValueHigh:    AbortValueHigh,
	od.ErrValueLow:     AbortValueLow,
	od.ErrMaxLessMin:   AbortMaxLessMin,
	od.ErrNoRessource:  AbortNoRessource,
	od.ErrGeneral:      AbortGeneral,
	od.ErrDataTransf:   AbortDataTransfer,
	od.ErrDataLocCtrl:  AbortDataLocalControl,
	od.ErrDataDevState: AbortDataDeviceState,
	od.ErrOdMissing:    AbortDataOD,
	od.ErrNoData:       AbortNoData,
}

// Get the associated abort code, if the code is not present in map, return [AbortDeviceIncompat]
func ConvertOdToSdoAbort(oderr od.ODR) Abort {
	abortCode, ok := OdToAbortMap[oderr]
	if ok {
		return abortCode
	}
	return AbortDeviceIncompat
}

// toAbort converts any error returned while accessing the OD
func toAbort(err error) Abort {
	var abort Abort
	if errors.As(err, &abort) {
		return abort
	}
	var odr od.ODR
	if errors.As(err, &odr) {
		return ConvertOdToSdoAbort(odr)
	}
	return AbortGeneral
}

func (abort Abort) Error() string {
	return fmt.Sprintf("x%x : %s", uint32(abort), abort.Description())
}

func (abort Abort) Description() string {
	description, ok := AbortCodeDescriptionMap[abort]
	if ok {
		return description
	}
	return AbortCodeDescriptionMap[AbortGeneral]
}

// SDOMessage is a request received from the client
type SDOMessage struct {
	raw [8]byte
}

// Command specifier, i.e. bits 7..5 of byte 0
func (m *SDOMessage) Command() uint8 {
	return m.raw[0] >> 5
}

func (m *SDOMessage) Index() uint16 {
	return binary.LittleEndian.Uint16(m.raw[1:3])
}

func (m *SDOMessage) Subindex() uint8 {
	return m.raw[3]
}

func (m *SDOMessage) Toggle() uint8 {
	return m.raw[0] & 0x10
}

// Field "e" in CiA 301
func (m *SDOMessage) IsExpedited() bool {
	return m.raw[0]&0x02 != 0
}

// Field "s" in CiA 301
func (m *SDOMessage) IsSizeIndicated() bool {
	return m.raw[0]&0x01 != 0
}

// Field "c" in CiA 301, last segment
func (m *SDOMessage) IsLastSegment() bool {
	return m.raw[0]&0x01 != 0
}

// Number of data bytes in a download segment
func (m *SDOMessage) SegmentSize() int {
	return segmentSize - int((m.raw[0]>>1)&0x07)
}

// Number of data bytes in an expedited download, 0 if not indicated
func (m *SDOMessage) ExpeditedSize() int {
	if !m.IsSizeIndicated() {
		return 0
	}
	return 4 - int((m.raw[0]>>2)&0x03)
}

func (m *SDOMessage) AbortCode() Abort {
	return Abort(binary.LittleEndian.Uint32(m.raw[4:]))
}
