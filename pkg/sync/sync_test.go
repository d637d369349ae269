package sync

import (
	"testing"
	"time"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/internal/testbus"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/od"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	posted map[fault.Bit]int
}

func (c *counter) PostAlarm(bit fault.Bit, subcode uint16) {
	c.posted[bit]++
}

type fixture struct {
	sync   *SYNC
	bus    *testbus.Bus
	odict  *od.ObjectDictionary
	faults *fault.Register
	alarms *counter
}

func newFixture(t *testing.T, cobId uint32) *fixture {
	bm, bus := testbus.NewManager()
	t.Cleanup(bm.Stop)
	odict := od.Default()
	require.Nil(t, odict.Index(od.EntryCobIdSYNC).PutUint32(0, cobId, true))
	alarms := &counter{posted: map[fault.Bit]int{}}
	faults := fault.NewRegister(alarms, nil)
	sync, err := NewSYNC(bm, nil, faults,
		odict.Index(od.EntryCobIdSYNC),
		odict.Index(od.EntryCommunicationCyclePeriod),
		odict.Index(od.EntrySynchronousCounterOverflow),
	)
	require.Nil(t, err)
	t.Cleanup(sync.Close)
	return &fixture{sync: sync, bus: bus, odict: odict, faults: faults, alarms: alarms}
}

func syncFrame(dlc uint8, counter uint8) canopen.Frame {
	frame := canopen.NewFrame(ServiceId, 0, dlc)
	frame.Data[0] = counter
	return frame
}

func TestSyncReception(t *testing.T) {
	f := newFixture(t, ServiceId)
	events := f.sync.SubscribeSync()

	// Not installed yet
	f.bus.Inject(syncFrame(0, 0))
	assert.Len(t, events, 0)

	f.sync.Process(true, 1000)
	assert.True(t, f.sync.Valid())
	f.bus.Inject(syncFrame(0, 0))
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no sync event")
	}
	assert.True(t, f.sync.RxToggle())

	f.sync.Process(false, 1000)
	assert.False(t, f.sync.Valid())
	f.bus.Inject(syncFrame(0, 0))
	assert.Len(t, events, 0)
}

func TestSyncWrongCobId(t *testing.T) {
	f := newFixture(t, 0x601)
	assert.True(t, f.faults.IsSet(fault.SyncWrongCobId))
	assert.Equal(t, 1, f.alarms.posted[fault.SyncWrongCobId])
	f.sync.Process(true, 1000)
	assert.False(t, f.sync.Valid())

	// A valid configuration enables reception again
	assert.Nil(t, f.odict.Index(od.EntryCobIdSYNC).PutUint32(0, 0x81, false))
	f.sync.Process(true, 1000)
	assert.True(t, f.sync.Valid())
}

func TestSyncWriteCobId(t *testing.T) {
	f := newFixture(t, ServiceId)
	entry := f.odict.Index(od.EntryCobIdSYNC)
	assert.Equal(t, od.ErrInvalidValue, entry.PutUint32(0, 0x40000080, false))
	assert.Equal(t, od.ErrInvalidValue, entry.PutUint32(0, 0x701, false))
	assert.Equal(t, od.ErrInvalidValue, entry.PutUint32(0, 0x20000080, false))
	cobId, err := entry.Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, ServiceId, cobId)
}

func TestSyncTimeout(t *testing.T) {
	f := newFixture(t, ServiceId)
	require.Nil(t, f.odict.Index(od.EntryCommunicationCyclePeriod).PutUint32(0, 10000, false))
	f.sync.Process(true, 0)

	for i := 0; i < 15; i++ {
		f.sync.Process(true, 1000)
	}
	assert.False(t, f.faults.IsSet(fault.SyncTimeout))
	for i := 0; i < 10; i++ {
		f.sync.Process(true, 1000)
	}
	assert.True(t, f.faults.IsSet(fault.SyncTimeout))
	assert.Equal(t, 1, f.alarms.posted[fault.SyncTimeout])

	f.bus.Inject(syncFrame(0, 0))
	f.sync.Process(true, 1000)
	assert.False(t, f.faults.IsSet(fault.SyncTimeout))
}

func TestSyncCounter(t *testing.T) {
	f := newFixture(t, ServiceId)
	entry := f.odict.Index(od.EntrySynchronousCounterOverflow)
	assert.Equal(t, od.ErrInvalidValue, entry.PutUint8(0, 1, false))
	assert.Equal(t, od.ErrInvalidValue, entry.PutUint8(0, 241, false))
	require.Nil(t, entry.PutUint8(0, 10, false))
	assert.EqualValues(t, 10, f.sync.CounterOverflow())

	f.sync.Process(true, 1000)
	f.bus.Inject(syncFrame(1, 5))
	assert.EqualValues(t, 5, f.sync.Counter())

	// Longer frames are accepted but counted
	f.bus.Inject(syncFrame(2, 6))
	assert.EqualValues(t, 6, f.sync.Counter())
	assert.EqualValues(t, 1, f.sync.Anomalies())

	// Counter overflow can't change while a cycle period is configured
	require.Nil(t, f.odict.Index(od.EntryCommunicationCyclePeriod).PutUint32(0, 10000, false))
	assert.Equal(t, od.ErrDataDevState, entry.PutUint8(0, 0, false))
}
