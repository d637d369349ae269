// Package alarm is the alarm translation table of the drive. Faults of
// the communication stack and application alarms are translated into
// emergency error codes, the EMCY producer walks the active alarms.
package alarm

import (
	"errors"
	"sync"

	"github.com/samsamfire/canopen-drive/pkg/emergency"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	log "github.com/sirupsen/logrus"
)

var ErrUnknownAlarm = errors.New("alarm code is not defined")

// Definition of an alarm
type Definition struct {
	Code        uint16 // EMCY error code
	Class       uint8  // Error register bits
	Mask        uint32 // Manufacturer specific bits
	Description string
}

// Translation of the communication faults
var faultDefinitions = map[fault.Bit]Definition{
	fault.CanHwOverrun:              {emergency.ErrCanOverrun, emergency.ErrRegCommunication, uint32(fault.CanHwOverrun), "CAN overrun"},
	fault.CanPassive:                {emergency.ErrCanPassive, emergency.ErrRegCommunication, uint32(fault.CanPassive), "CAN passive"},
	fault.CanBusOff:                 {emergency.ErrCommunication, emergency.ErrRegCommunication, uint32(fault.CanBusOff), "CAN bus off"},
	fault.CanBusOffRecovered:        {emergency.ErrBusOffRecovered, emergency.ErrRegCommunication, uint32(fault.CanBusOffRecovered), "CAN recovered from bus off"},
	fault.SoftwareOverrun:           {emergency.ErrCanOverrun, emergency.ErrRegCommunication, uint32(fault.SoftwareOverrun), "software overrun"},
	fault.GuardHeartbeat:            {emergency.ErrHeartbeat, emergency.ErrRegCommunication, uint32(fault.GuardHeartbeat), "life guard error"},
	fault.GuardHeartbeatWrongParams: {emergency.ErrDataSet, emergency.ErrRegCommunication, uint32(fault.GuardHeartbeatWrongParams), "wrong guard / heartbeat parameters"},
	fault.EmcyWrongCobId:            {emergency.ErrDataSet, emergency.ErrRegCommunication, uint32(fault.EmcyWrongCobId), "wrong EMCY COB-ID"},
	fault.SyncWrongCobId:            {emergency.ErrDataSet, emergency.ErrRegCommunication, uint32(fault.SyncWrongCobId), "wrong SYNC COB-ID"},
	fault.PdoLengthError:            {emergency.ErrPdoLength, emergency.ErrRegCommunication, uint32(fault.PdoLengthError), "PDO length error"},
	fault.PdoConfiguration:          {emergency.ErrProtocolError, emergency.ErrRegCommunication, uint32(fault.PdoConfiguration), "PDO configuration error"},
	fault.SyncTimeout:               {emergency.ErrCommunication, emergency.ErrRegCommunication, uint32(fault.SyncTimeout), "SYNC timeout"},
}

// Table of active alarms, alarms are kept in the order they were raised.
// It implements [emergency.AlarmSource] and [fault.Poster].
type Table struct {
	mu          sync.Mutex
	logger      *log.Entry
	definitions map[uint16]Definition
	active      []emergency.Alarm
}

// Define adds an application alarm, an existing definition is replaced
func (t *Table) Define(def Definition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.definitions[def.Code] = def
}

func (t *Table) add(alarm emergency.Alarm) bool {
	for _, existing := range t.active {
		if existing == alarm {
			return false
		}
	}
	t.active = append(t.active, alarm)
	return true
}

// PostAlarm is called once per newly raised fault
func (t *Table) PostAlarm(bit fault.Bit, subcode uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	def, ok := faultDefinitions[bit]
	if !ok {
		t.logger.Warnf("no translation for fault x%x", uint16(bit))
		def = Definition{Code: emergency.ErrGeneric, Class: emergency.ErrRegGeneric, Mask: uint32(bit)}
	}
	if t.add(emergency.Alarm{Code: def.Code, Subcode: subcode, Class: def.Class, Mask: def.Mask}) {
		t.logger.Infof("posted %v", def.Description)
	}
}

// Raise an application alarm by its error code
func (t *Table) Raise(code uint16, subcode uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	def, ok := t.definitions[code]
	if !ok {
		return ErrUnknownAlarm
	}
	if t.add(emergency.Alarm{Code: def.Code, Subcode: subcode, Class: def.Class, Mask: def.Mask}) {
		t.logger.Infof("raised x%x %v (subcode x%x)", code, def.Description, subcode)
	}
	return nil
}

// Remove every active alarm with the given code
func (t *Table) Remove(code uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.active[:0]
	for _, alarm := range t.active {
		if alarm.Code != code {
			kept = append(kept, alarm)
		}
	}
	t.active = kept
}

// Clear all the active alarms
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = nil
	t.logger.Info("cleared")
}

// NextAlarm implements [emergency.AlarmSource]
func (t *Table) NextAlarm(cursor int) (emergency.Alarm, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cursor < 0 || cursor >= len(t.active) {
		return emergency.Alarm{}, 0, false
	}
	return t.active[cursor], cursor + 1, true
}

// Active returns a copy of the active alarms
func (t *Table) Active() []emergency.Alarm {
	t.mu.Lock()
	defer t.mu.Unlock()
	alarms := make([]emergency.Alarm, len(t.active))
	copy(alarms, t.active)
	return alarms
}

// NewTable with the drive alarms defined, more can be added with [Table.Define]
func NewTable(logger *log.Entry) *Table {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	t := &Table{
		logger:      logger.WithField("service", "[ALARM]"),
		definitions: make(map[uint16]Definition),
	}
	for _, def := range []Definition{
		{emergency.Err402OverCurrent, emergency.ErrRegCurrent, 0x00010000, "over current"},
		{emergency.Err402ShortCircuit, emergency.ErrRegCurrent, 0x00020000, "short circuit"},
		{emergency.Err402DcLinkOverVol, emergency.ErrRegVoltage, 0x00040000, "DC link over-voltage"},
		{emergency.Err402DcLinkUndrVol, emergency.ErrRegVoltage, 0x00080000, "DC link under-voltage"},
		{emergency.Err402DriveTemp, emergency.ErrRegTemperature, 0x00100000, "drive temperature"},
		{emergency.Err402MotorTemp, emergency.ErrRegTemperature, 0x00200000, "motor temperature"},
		{emergency.Err402MotorBlocked, emergency.ErrRegDevProfile, 0x00400000, "motor blocked"},
		{emergency.Err402Encoder, emergency.ErrRegDevProfile, 0x00800000, "encoder"},
		{emergency.Err402FollowingErr, emergency.ErrRegDevProfile, 0x01000000, "following error"},
	} {
		t.definitions[def.Code] = def
	}
	return t
}
