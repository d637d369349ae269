// Package fault holds the communication fault register of the node.
// Faults are latched bits, each bit is reported to the alarm subsystem
// only when it goes from cleared to set.
package fault

import (
	"fmt"
	"strings"
	"sync"

	canopen "github.com/samsamfire/canopen-drive"
	log "github.com/sirupsen/logrus"
)

type Bit uint16

const (
	CanHwOverrun Bit = 1 << iota
	CanPassive
	CanBusOff
	CanBusOffRecovered
	SoftwareOverrun
	GuardHeartbeat
	GuardHeartbeatWrongParams
	EmcyWrongCobId
	SyncWrongCobId
	PdoLengthError
	PdoConfiguration
	SyncTimeout
)

// All known fault bits, lowest first
var Bits = []Bit{
	CanHwOverrun,
	CanPassive,
	CanBusOff,
	CanBusOffRecovered,
	SoftwareOverrun,
	GuardHeartbeat,
	GuardHeartbeatWrongParams,
	EmcyWrongCobId,
	SyncWrongCobId,
	PdoLengthError,
	PdoConfiguration,
	SyncTimeout,
}

var bitDescriptionMap = map[Bit]string{
	CanHwOverrun:              "CAN hardware overrun",
	CanPassive:                "CAN error passive",
	CanBusOff:                 "CAN bus off",
	CanBusOffRecovered:        "CAN recovered from bus off",
	SoftwareOverrun:           "software overrun, frame lost",
	GuardHeartbeat:            "life guarding timeout",
	GuardHeartbeatWrongParams: "wrong guard time / heartbeat parameters",
	EmcyWrongCobId:            "wrong EMCY COB-ID",
	SyncWrongCobId:            "wrong SYNC COB-ID",
	PdoLengthError:            "PDO not processed due to length error",
	PdoConfiguration:          "PDO configuration error",
	SyncTimeout:               "SYNC timeout",
}

func (b Bit) String() string {
	var names []string
	for _, bit := range Bits {
		if b&bit != 0 {
			names = append(names, bitDescriptionMap[bit])
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("none (x%x)", uint16(b))
	}
	return strings.Join(names, ", ")
}

// Poster is the alarm subsystem, it receives every newly raised fault
type Poster interface {
	PostAlarm(bit Bit, subcode uint16)
}

// Raiser is implemented by [Register], services use it to report faults
type Raiser interface {
	Raise(bit Bit, subcode uint16) bool
	Clear(bit Bit)
}

type Register struct {
	mu        sync.Mutex
	logger    *log.Entry
	poster    Poster
	bits      Bit
	busStatus uint16
}

// Raise sets a fault bit, returns true if the bit was not already set.
// The alarm subsystem is only notified on the first raise.
func (r *Register) Raise(bit Bit, subcode uint16) bool {
	r.mu.Lock()
	if r.bits&bit == bit {
		r.mu.Unlock()
		return false
	}
	r.bits |= bit
	poster := r.poster
	r.mu.Unlock()
	r.logger.Warnf("raised %v (subcode x%x)", bit, subcode)
	if poster != nil {
		poster.PostAlarm(bit, subcode)
	}
	return true
}

// Clear a single fault bit, e.g. when the cause disappeared
func (r *Register) Clear(bit Bit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bits&bit != 0 {
		r.logger.Infof("cleared %v", r.bits&bit)
	}
	r.bits &^= bit
}

// ClearAll clears all the latched faults at once
func (r *Register) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bits = 0
	r.logger.Info("cleared all faults")
}

// Bits returns the currently latched faults
func (r *Register) Bits() Bit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bits
}

// IsSet returns true if all the given bits are latched
func (r *Register) IsSet(bit Bit) bool {
	return r.Bits()&bit == bit
}

// UpdateBus translates the CAN status word into faults.
// Only rising edges raise a fault, except for bus off where the
// falling edge raises [CanBusOffRecovered].
func (r *Register) UpdateBus(status uint16) {
	r.mu.Lock()
	previous := r.busStatus
	r.busStatus = status
	r.mu.Unlock()
	rising := status &^ previous
	falling := previous &^ status
	if rising&canopen.CanErrorRxOverflow != 0 {
		r.Raise(CanHwOverrun, status)
	}
	if rising&canopen.CanErrorTxOverflow != 0 {
		r.Raise(SoftwareOverrun, status)
	}
	if rising&(canopen.CanErrorTxPassive|canopen.CanErrorRxPassive) != 0 {
		r.Raise(CanPassive, status)
	}
	if rising&canopen.CanErrorTxBusOff != 0 {
		r.Raise(CanBusOff, status)
	}
	if falling&canopen.CanErrorTxBusOff != 0 {
		r.Raise(CanBusOffRecovered, status)
	}
}

func NewRegister(poster Poster, logger *log.Entry) *Register {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Register{poster: poster, logger: logger.WithField("service", "[FAULT]")}
}
