package canopen

import "sync/atomic"

const (
	CanRtrFlag uint32 = 0x40000000
	CanSffMask uint32 = 0x000007FF
	CanEffFlag uint32 = 0x80000000
)

// CAN bus status bits, as reported by [BusStatusReporter]
const (
	CanErrorTxWarning   = 0x0001 // CAN transmitter warning
	CanErrorTxPassive   = 0x0002 // CAN transmitter passive
	CanErrorTxBusOff    = 0x0004 // CAN transmitter bus off
	CanErrorTxOverflow  = 0x0008 // CAN transmitter overflow
	CanErrorRxWarning   = 0x0100 // CAN receiver warning
	CanErrorRxPassive   = 0x0200 // CAN receiver passive
	CanErrorRxOverflow  = 0x0800 // CAN receiver overflow
	CanErrorWarnPassive = 0x0303 // Combination
)

// LatchError sets error bits in a status word shared between goroutines
func LatchError(status *atomic.Uint32, bits uint32) {
	for {
		old := status.Load()
		if old&bits == bits || status.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

// A CAN frame. The RTR flag is carried inside ID like socketcan does.
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// CobId returns the 11 bit identifier without flags
func (f Frame) CobId() uint16 {
	return uint16(f.ID & CanSffMask)
}

// IsRTR returns true for remote transmission requests
func (f Frame) IsRTR() bool {
	return f.ID&CanRtrFlag != 0
}
