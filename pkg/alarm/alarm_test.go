package alarm

import (
	"testing"

	"github.com/samsamfire/canopen-drive/pkg/emergency"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/stretchr/testify/assert"
)

func TestPostAlarm(t *testing.T) {
	table := NewTable(nil)
	faults := fault.NewRegister(table, nil)
	faults.Raise(fault.GuardHeartbeat, 3)
	faults.Raise(fault.GuardHeartbeat, 4)
	active := table.Active()
	assert.Equal(t, []emergency.Alarm{{
		Code:    emergency.ErrHeartbeat,
		Subcode: 3,
		Class:   emergency.ErrRegCommunication,
		Mask:    uint32(fault.GuardHeartbeat),
	}}, active)
}

func TestRaise(t *testing.T) {
	table := NewTable(nil)
	assert.Equal(t, ErrUnknownAlarm, table.Raise(0x1234, 0))
	table.Define(Definition{Code: 0x1234, Class: emergency.ErrRegManufacturer, Mask: 0x80000000})
	assert.Nil(t, table.Raise(0x1234, 1))
	assert.Nil(t, table.Raise(emergency.Err402OverCurrent, 0))
	assert.Nil(t, table.Raise(emergency.Err402OverCurrent, 0))
	assert.Len(t, table.Active(), 2)
	table.Remove(0x1234)
	assert.Len(t, table.Active(), 1)
	table.Clear()
	assert.Len(t, table.Active(), 0)
}

func TestNextAlarm(t *testing.T) {
	table := NewTable(nil)
	_, _, ok := table.NextAlarm(0)
	assert.False(t, ok)
	table.Raise(emergency.Err402DriveTemp, 0)
	table.Raise(emergency.Err402MotorTemp, 0)
	codes := []uint16{}
	cursor := 0
	for {
		alarm, next, ok := table.NextAlarm(cursor)
		if !ok {
			break
		}
		codes = append(codes, alarm.Code)
		cursor = next
	}
	assert.Equal(t, []uint16{emergency.Err402DriveTemp, emergency.Err402MotorTemp}, codes)
	_, _, ok = table.NextAlarm(-1)
	assert.False(t, ok)
}
