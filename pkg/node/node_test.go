package node

import (
	"path/filepath"
	"testing"
	"time"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/internal/testbus"
	"github.com/samsamfire/canopen-drive/pkg/alarm"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/lss"
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/od"
	"github.com/samsamfire/canopen-drive/pkg/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNodeId = 0x10
	cycleUs    = 1000
)

type fixture struct {
	node     *Node
	bus      *testbus.Bus
	odict    *od.ObjectDictionary
	platform *platform.Platform
	alarms   *alarm.Table
}

func newFixture(t *testing.T, nodeId uint8, store platform.Store) *fixture {
	bm, bus := testbus.NewManager()
	odict := od.Default()
	alarms := alarm.NewTable(nil)
	hw := platform.New(nil, store, nil)
	hw.SetStatus(platform.StatusFullyOperative)
	node, err := New(NewHost(bm, odict, alarms, hw), nil, Settings{NodeId: nodeId, BitTiming: 2})
	require.Nil(t, err)
	t.Cleanup(node.Close)
	return &fixture{node: node, bus: bus, odict: odict, platform: hw, alarms: alarms}
}

func (f *fixture) nmtCommand(command nmt.Command, nodeId uint8) {
	frame := canopen.NewFrame(nmt.ServiceId, 0, 2)
	frame.Data[0] = byte(command)
	frame.Data[1] = nodeId
	f.bus.Inject(frame)
	f.node.Process(cycleUs)
}

func (f *fixture) lssCommand(command lss.LSSCommand, args ...byte) {
	frame := canopen.NewFrame(lss.ServiceMasterId, 0, 8)
	frame.Data[0] = byte(command)
	copy(frame.Data[1:], args)
	f.bus.Inject(frame)
	f.node.Process(cycleUs)
}

func (f *fixture) lssResponses() []canopen.Frame {
	return f.bus.SentWithId(lss.ServiceSlaveId)
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	select {
	case event := <-events:
		return event
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, nil, Settings{})
	assert.Equal(t, canopen.ErrIllegalArgument, err)

	bm, _ := testbus.NewManager()
	defer bm.Stop()
	host := NewHost(bm, od.Default(), alarm.NewTable(nil), platform.New(nil, nil, nil))
	_, err = New(host, nil, Settings{NodeId: 0})
	assert.ErrorIs(t, err, lss.ErrInvalidNodeId)
}

func TestBootup(t *testing.T) {
	bm, bus := testbus.NewManager()
	hw := platform.New(nil, nil, nil)
	node, err := New(NewHost(bm, od.Default(), alarm.NewTable(nil), hw), nil, Settings{NodeId: testNodeId})
	require.Nil(t, err)
	defer node.Close()

	// Held in bootup while the platform is booting
	node.Process(cycleUs)
	assert.Len(t, bus.SentWithId(0x700+testNodeId), 0)
	assert.Equal(t, nmt.StateInitializing, node.Context().NmtState)

	hw.SetStatus(platform.StatusFullyOperative)
	node.Process(cycleUs)
	bootup := bus.SentWithId(0x700 + testNodeId)
	require.Len(t, bootup, 1)
	assert.EqualValues(t, 1, bootup[0].DLC)
	assert.EqualValues(t, 0, bootup[0].Data[0])
	assert.Equal(t, nmt.StatePreOperational, node.Context().NmtState)
	assert.NotZero(t, hw.WatchdogClears())
}

func TestStartOperational(t *testing.T) {
	f := newFixture(t, testNodeId, nil)
	events, cancel := f.node.Subscribe()
	defer cancel()

	f.node.Process(cycleUs)
	event := nextEvent(t, events)
	assert.Equal(t, EventNmtState, event.Kind)
	assert.Equal(t, "PRE-OPERATIONAL", event.NmtState)
	assert.Nil(t, f.node.PDO.Summaries())

	f.nmtCommand(nmt.CommandEnterOperational, testNodeId)
	assert.Equal(t, nmt.StateOperational, f.node.Context().NmtState)
	assert.Equal(t, "OPERATIONAL", nextEvent(t, events).NmtState)
	summaries := f.node.Context().Pdos
	require.Len(t, summaries, 3)
	assert.Equal(t, "RPDO1", summaries[0].Name)
	assert.EqualValues(t, 0x200+testNodeId, summaries[0].CobId)
	assert.Equal(t, "RPDO2", summaries[1].Name)
	assert.EqualValues(t, 0x300+testNodeId, summaries[1].CobId)
	assert.Equal(t, "TPDO1", summaries[2].Name)
	assert.EqualValues(t, 0x180+testNodeId, summaries[2].CobId)
	assert.True(t, f.odict.StateLocked())

	// Not for this node
	f.nmtCommand(nmt.CommandEnterStopped, testNodeId+1)
	assert.Equal(t, nmt.StateOperational, f.node.Context().NmtState)

	// Broadcast
	f.nmtCommand(nmt.CommandEnterPreOperational, 0)
	assert.Equal(t, nmt.StatePreOperational, f.node.Context().NmtState)
	assert.Len(t, f.node.Context().Pdos, 0)
	assert.False(t, f.odict.StateLocked())
}

func TestSendCommand(t *testing.T) {
	f := newFixture(t, testNodeId, nil)
	f.node.Process(cycleUs)
	require.Nil(t, f.node.SendCommand(nmt.CommandEnterStopped))
	f.node.Process(cycleUs)
	assert.Equal(t, nmt.StateStopped, f.node.Context().NmtState)
	assert.Equal(t, "STOPPED", f.node.Context().NmtStateName)
}

func TestSynchronousPdo(t *testing.T) {
	f := newFixture(t, testNodeId, nil)
	// TPDO1 sent on every SYNC
	require.Nil(t, f.odict.Index(od.EntryTPDOCommunicationStart).PutUint8(2, 1, true))
	f.node.Process(cycleUs)
	f.nmtCommand(nmt.CommandEnterOperational, testNodeId)
	require.Equal(t, nmt.StateOperational, f.node.Context().NmtState)
	f.bus.Clear()

	f.bus.Inject(canopen.NewFrame(0x80, 0, 0))
	assert.Eventually(t, func() bool {
		return len(f.bus.SentWithId(0x180+testNodeId)) == 1
	}, time.Second, time.Millisecond)
}

func TestResetCommunication(t *testing.T) {
	f := newFixture(t, testNodeId, nil)
	f.node.Process(cycleUs)
	f.nmtCommand(nmt.CommandEnterOperational, testNodeId)
	events, cancel := f.node.Subscribe()
	defer cancel()
	f.bus.Clear()

	f.nmtCommand(nmt.CommandResetCommunication, testNodeId)
	assert.Equal(t, EventReset, nextEvent(t, events).Kind)
	assert.Equal(t, nmt.StateInitializing, f.node.Context().NmtState)
	assert.Len(t, f.node.Context().Pdos, 0)

	// Bootup is sent again
	f.node.Process(cycleUs)
	assert.Len(t, f.bus.SentWithId(0x700+testNodeId), 1)
	assert.Equal(t, nmt.StatePreOperational, f.node.Context().NmtState)
}

func TestResetNode(t *testing.T) {
	bm, _ := testbus.NewManager()
	codes := make([]uint8, 0)
	hw := platform.New(nil, nil, func(code uint8) { codes = append(codes, code) })
	hw.SetStatus(platform.StatusFullyOperative)
	node, err := New(NewHost(bm, od.Default(), alarm.NewTable(nil), hw), nil, Settings{NodeId: testNodeId})
	require.Nil(t, err)
	defer node.Close()
	node.Process(cycleUs)

	require.Nil(t, node.SendCommand(nmt.CommandResetNode))
	node.Process(cycleUs)
	assert.Equal(t, []uint8{platform.ResetNode}, codes)
	assert.Equal(t, platform.StatusResetting, hw.Status())
	assert.Equal(t, nmt.StateInitializing, node.Context().NmtState)
}

func TestLssConfigureNodeId(t *testing.T) {
	store := platform.NewIniStore(filepath.Join(t.TempDir(), "lss.ini"))
	f := newFixture(t, testNodeId, store)
	f.node.Process(cycleUs)
	require.Len(t, f.bus.SentWithId(0x700+testNodeId), 1)

	f.lssCommand(lss.CmdSwitchStateGlobal, byte(lss.ModeConfiguration))
	assert.True(t, f.node.Context().LssActive)

	f.lssCommand(lss.CmdConfigureNodeId, 5)
	responses := f.lssResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, [8]byte{byte(lss.CmdConfigureNodeId), lss.ConfigOk}, responses[0].Data)
	assert.EqualValues(t, testNodeId, f.node.GetID())

	f.lssCommand(lss.CmdConfigureStoreParameters)
	responses = f.lssResponses()
	require.Len(t, responses, 2)
	assert.Equal(t, [8]byte{byte(lss.CmdConfigureStoreParameters), lss.ConfigOk}, responses[1].Data)
	settings, err := store.Load()
	require.Nil(t, err)
	assert.Equal(t, platform.Settings{NodeId: 5, BitTiming: 2}, settings)

	// Communication was reset with the new node id, held in bootup while
	// LSS is in configuration
	assert.EqualValues(t, 5, f.node.GetID())
	f.node.Process(cycleUs)
	assert.Len(t, f.bus.SentWithId(0x705), 0)

	f.lssCommand(lss.CmdSwitchStateGlobal, byte(lss.ModeWaiting))
	assert.Len(t, f.bus.SentWithId(0x705), 1)
	assert.Equal(t, nmt.StatePreOperational, f.node.Context().NmtState)

	f.nmtCommand(nmt.CommandEnterOperational, 5)
	summaries := f.node.Context().Pdos
	require.NotEmpty(t, summaries)
	assert.EqualValues(t, 0x205, summaries[0].CobId)
}

func TestUnconfiguredNode(t *testing.T) {
	f := newFixture(t, lss.NodeIdUnconfigured, nil)
	assert.False(t, f.node.Configured())
	f.node.Process(cycleUs)
	assert.Equal(t, 0, f.bus.Count())
	assert.Equal(t, nmt.StateInitializing, f.node.Context().NmtState)
	assert.Equal(t, canopen.ErrNodeIdUnconfigured, f.node.SendCommand(nmt.CommandEnterOperational))

	f.lssCommand(lss.CmdSwitchStateGlobal, byte(lss.ModeConfiguration))
	f.lssCommand(lss.CmdConfigureNodeId, 0x22)
	assert.EqualValues(t, lss.ConfigOk, f.lssResponses()[0].Data[1])
	f.lssCommand(lss.CmdSwitchStateGlobal, byte(lss.ModeWaiting))
	assert.True(t, f.node.Configured())
	assert.EqualValues(t, 0x22, f.node.GetID())

	f.node.Process(cycleUs)
	assert.Len(t, f.bus.SentWithId(0x722), 1)
	assert.Equal(t, nmt.StatePreOperational, f.node.Context().NmtState)
}

func TestFaults(t *testing.T) {
	f := newFixture(t, testNodeId, nil)
	f.node.Process(cycleUs)
	events, cancel := f.node.Subscribe()
	defer cancel()

	f.bus.SetStatus(canopen.CanErrorTxBusOff)
	f.node.Process(cycleUs)
	event := nextEvent(t, events)
	assert.Equal(t, EventFaults, event.Kind)
	assert.Contains(t, event.Faults, fault.CanBusOff.String())
	assert.True(t, f.node.Context().FaultBits&fault.CanBusOff != 0)
	assert.NotEmpty(t, f.alarms.Active())

	f.bus.SetStatus(0)
	f.node.ClearFaults()
	assert.Zero(t, f.node.Faults().Bits())
	assert.Empty(t, f.alarms.Active())
}

func TestRead(t *testing.T) {
	f := newFixture(t, testNodeId, nil)
	data, err := f.node.Read(od.EntryManufacturerDeviceName, 0)
	require.Nil(t, err)
	assert.Equal(t, "canopen-drive", string(data))

	// Predefined COB-ID read through the PDO extension
	data, err = f.node.Read(od.EntryTPDOCommunicationStart, 1)
	require.Nil(t, err)
	assert.Equal(t, []byte{0x90, 0x01, 0, 0}, data)

	_, err = f.node.Read(0x5FFF, 0)
	assert.Equal(t, od.ErrIdxNotExist, err)
}

func TestSubscribeCancel(t *testing.T) {
	f := newFixture(t, testNodeId, nil)
	events, cancel := f.node.Subscribe()
	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)
}
