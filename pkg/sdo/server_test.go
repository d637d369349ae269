package sdo

import (
	"encoding/binary"
	"testing"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/internal/testbus"
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/od"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nodeId = 0x10

// Writable string of 16 characters
const entryDriveTag uint16 = 0x2001

type fixture struct {
	server *SDOServer
	bus    *testbus.Bus
	odict  *od.ObjectDictionary
}

func newFixture(t *testing.T) *fixture {
	bm, bus := testbus.NewManager()
	t.Cleanup(bm.Stop)
	odict := od.Default()
	_, err := odict.AddVariableType(entryDriveTag, "Drive tag", od.VISIBLE_STRING, od.AttributeSdoRw|od.AttributeStr, "0123456789ABCDEF")
	require.Nil(t, err)
	server, err := NewSDOServer(bm, nil, odict, nodeId, DefaultServerTimeout, odict.Index(od.EntrySDOServerParameter))
	require.Nil(t, err)
	t.Cleanup(server.Close)
	return &fixture{server: server, bus: bus, odict: odict}
}

// Send a request and return the response, if any
func (f *fixture) request(t *testing.T, data [8]byte) (canopen.Frame, bool) {
	t.Helper()
	f.bus.Clear()
	frame := canopen.NewFrame(ClientServiceId+nodeId, 0, 8)
	frame.Data = data
	f.bus.Inject(frame)
	f.server.Process(nmt.StatePreOperational, 1000)
	responses := f.bus.SentWithId(ServerServiceId + nodeId)
	if len(responses) == 0 {
		return canopen.Frame{}, false
	}
	require.Len(t, responses, 1)
	return responses[0], true
}

func initiate(cmd byte, index uint16, subindex uint8, value uint32) [8]byte {
	data := [8]byte{cmd, byte(index), byte(index >> 8), subindex}
	binary.LittleEndian.PutUint32(data[4:], value)
	return data
}

func abortCode(frame canopen.Frame) Abort {
	return Abort(binary.LittleEndian.Uint32(frame.Data[4:]))
}

func segment(cmd byte, payload []byte, toggle byte, last bool) [8]byte {
	data := [8]byte{cmd | toggle | byte(7-len(payload))<<1}
	if last {
		data[0] |= 0x01
	}
	copy(data[1:], payload)
	return data
}

// Download through segmented transfer, with indicated size
func (f *fixture) downloadSegmented(t *testing.T, index uint16, subindex uint8, payload []byte) {
	response, ok := f.request(t, initiate(0x21, index, subindex, uint32(len(payload))))
	require.True(t, ok)
	require.EqualValues(t, 0x60, response.Data[0], "abort %v", abortCode(response))
	toggle := byte(0)
	for len(payload) > 0 {
		n := min(7, len(payload))
		response, ok = f.request(t, segment(0x00, payload[:n], toggle, n == len(payload)))
		require.True(t, ok)
		require.EqualValues(t, 0x20|toggle, response.Data[0], "abort %v", abortCode(response))
		payload = payload[n:]
		toggle ^= 0x10
	}
}

func (f *fixture) upload(t *testing.T, index uint16, subindex uint8) []byte {
	response, ok := f.request(t, initiate(0x40, index, subindex, 0))
	require.True(t, ok)
	if response.Data[0]&0x02 != 0 {
		n := 4 - (response.Data[0]>>2)&0x03
		return response.Data[4 : 4+n]
	}
	require.EqualValues(t, 0x41, response.Data[0], "abort %v", abortCode(response))
	size := binary.LittleEndian.Uint32(response.Data[4:])
	data := make([]byte, 0, size)
	toggle := byte(0)
	for {
		response, ok = f.request(t, [8]byte{0x60 | toggle})
		require.True(t, ok)
		require.EqualValues(t, toggle, response.Data[0]&0x10)
		n := 7 - (response.Data[0]>>1)&0x07
		data = append(data, response.Data[1:1+n]...)
		toggle ^= 0x10
		if response.Data[0]&0x01 != 0 {
			break
		}
	}
	assert.EqualValues(t, size, len(data))
	return data
}

func TestExpeditedDownloadHeartbeat(t *testing.T) {
	f := newFixture(t)
	response, ok := f.request(t, initiate(0x23, od.EntryProducerHeartbeatTime, 0, 1000))
	require.True(t, ok)
	assert.Equal(t, [8]byte{0x60, 0x17, 0x10, 0x00}, response.Data)
	value, err := f.odict.Index(od.EntryProducerHeartbeatTime).Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 1000, value)
	assert.Equal(t, "IDLE", f.server.State())
}

func TestExpeditedDownloadSize(t *testing.T) {
	f := newFixture(t)
	// 2 bytes indicated for an UNSIGNED32
	response, ok := f.request(t, initiate(0x2B, od.EntryProducerHeartbeatTime, 0, 10))
	require.True(t, ok)
	assert.EqualValues(t, 0x80, response.Data[0])
	assert.Equal(t, AbortDataShort, abortCode(response))

	// Size not indicated for an UNSIGNED16, size of OD is used
	response, ok = f.request(t, initiate(0x22, od.EntryGuardTime, 0, 100))
	require.True(t, ok)
	assert.EqualValues(t, 0x60, response.Data[0])
	value, err := f.odict.Index(od.EntryGuardTime).Uint16(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 100, value)
}

func TestExpeditedUpload(t *testing.T) {
	f := newFixture(t)
	response, ok := f.request(t, initiate(0x40, od.EntryDeviceType, 0, 0))
	require.True(t, ok)
	assert.EqualValues(t, 0x43, response.Data[0])
	assert.EqualValues(t, 0x00020192, binary.LittleEndian.Uint32(response.Data[4:]))

	response, ok = f.request(t, initiate(0x40, od.EntryErrorRegister, 0, 0))
	require.True(t, ok)
	assert.EqualValues(t, 0x4F, response.Data[0])
}

func TestSegmentedUpload(t *testing.T) {
	f := newFixture(t)
	name := f.upload(t, od.EntryManufacturerDeviceName, 0)
	assert.Equal(t, "canopen-drive", string(name))
}

func TestSegmentedRoundTrip(t *testing.T) {
	f := newFixture(t)
	for _, value := range []string{"drive-A", "motor drive 12", "x", "0123456789abcdef"} {
		f.downloadSegmented(t, entryDriveTag, 0, []byte(value))
		assert.Equal(t, value, string(f.upload(t, entryDriveTag, 0)))
	}
	// Longer than OD variable
	response, ok := f.request(t, initiate(0x21, entryDriveTag, 0, 17))
	require.True(t, ok)
	assert.Equal(t, AbortDataLong, abortCode(response))
}

func TestSegmentedToggleError(t *testing.T) {
	f := newFixture(t)
	previous := f.upload(t, entryDriveTag, 0)
	payload := []byte("new drive name")

	response, ok := f.request(t, initiate(0x21, entryDriveTag, 0, uint32(len(payload))))
	require.True(t, ok)
	require.EqualValues(t, 0x60, response.Data[0])
	response, ok = f.request(t, segment(0x00, payload[:7], 0x00, false))
	require.True(t, ok)
	assert.EqualValues(t, 0x20, response.Data[0])

	// Same toggle twice
	response, ok = f.request(t, segment(0x00, payload[7:], 0x00, true))
	require.True(t, ok)
	assert.EqualValues(t, 0x80, response.Data[0])
	assert.Equal(t, AbortToggleBit, abortCode(response))
	assert.Equal(t, "IDLE", f.server.State())

	// Nothing was committed
	assert.Equal(t, previous, f.upload(t, entryDriveTag, 0))
}

func TestSegmentTimeout(t *testing.T) {
	f := newFixture(t)
	_, ok := f.request(t, initiate(0x21, entryDriveTag, 0, 10))
	require.True(t, ok)
	f.bus.Clear()
	for i := 0; i < DefaultServerTimeout-1; i++ {
		assert.True(t, f.server.Process(nmt.StatePreOperational, 1000))
	}
	assert.Len(t, f.bus.Sent(), 0)
	f.server.Process(nmt.StatePreOperational, 1000)
	responses := f.bus.SentWithId(ServerServiceId + nodeId)
	require.Len(t, responses, 1)
	assert.Equal(t, AbortTimeout, abortCode(responses[0]))
	assert.False(t, f.server.Process(nmt.StatePreOperational, 1000))
}

func TestClientAbort(t *testing.T) {
	f := newFixture(t)
	_, ok := f.request(t, initiate(0x21, entryDriveTag, 0, 10))
	require.True(t, ok)
	_, ok = f.request(t, initiate(0x80, entryDriveTag, 0, uint32(AbortGeneral)))
	assert.False(t, ok)
	assert.Equal(t, "IDLE", f.server.State())
}

func TestAborts(t *testing.T) {
	f := newFixture(t)
	f.odict.SetStateLock(true)
	tests := []struct {
		name     string
		request  [8]byte
		expected Abort
	}{
		{"object not found", initiate(0x40, 0x3000, 0, 0), AbortNotExist},
		{"sub index not found", initiate(0x40, od.EntryIdentityObject, 9, 0), AbortSubUnknown},
		{"read only", initiate(0x23, od.EntryDeviceType, 0, 1), AbortReadOnly},
		{"const string", initiate(0x21, od.EntryManufacturerDeviceName, 0, 4), AbortReadOnly},
		{"state locked", initiate(0x23, od.EntryCobIdSYNC, 0, 0x81), AbortDataDeviceState},
		{"block download", initiate(0xC2, od.EntryDeviceType, 0, 0), AbortCmd},
		{"block upload", initiate(0xA0, od.EntryDeviceType, 0, 0), AbortCmd},
		{"segment without transfer", segment(0x00, []byte{1}, 0, true), AbortCmd},
		{"size too long", initiate(0x21, od.EntryProducerHeartbeatTime, 0, 5), AbortDataLong},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response, ok := f.request(t, test.request)
			require.True(t, ok)
			assert.EqualValues(t, 0x80, response.Data[0])
			assert.Equal(t, test.expected, abortCode(response))
		})
	}
}

func TestNotServedWhenStopped(t *testing.T) {
	f := newFixture(t)
	frame := canopen.NewFrame(ClientServiceId+nodeId, 0, 8)
	frame.Data = initiate(0x40, od.EntryDeviceType, 0, 0)
	f.bus.Inject(frame)
	f.server.Process(nmt.StateStopped, 1000)
	assert.Len(t, f.bus.Sent(), 0)
	// Request was dropped
	f.server.Process(nmt.StatePreOperational, 1000)
	assert.Len(t, f.bus.Sent(), 0)
}

func TestServerParameters(t *testing.T) {
	f := newFixture(t)
	response, ok := f.request(t, initiate(0x40, od.EntrySDOServerParameter, 1, 0))
	require.True(t, ok)
	assert.EqualValues(t, ClientServiceId+nodeId, binary.LittleEndian.Uint32(response.Data[4:]))
	response, ok = f.request(t, initiate(0x40, od.EntrySDOServerParameter, 2, 0))
	require.True(t, ok)
	assert.EqualValues(t, ServerServiceId+nodeId, binary.LittleEndian.Uint32(response.Data[4:]))
}

func TestScaledEntry(t *testing.T) {
	f := newFixture(t)
	require.Nil(t, f.odict.Index(0x6091).PutUint32(1, 4, true))
	f.odict.AddScaledExtensions()
	response, ok := f.request(t, initiate(0x23, 0x607A, 0, 400))
	require.True(t, ok)
	require.EqualValues(t, 0x60, response.Data[0])
	raw, err := f.odict.Index(0x607A).Uint32(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 100, raw)
	assert.EqualValues(t, 400, binary.LittleEndian.Uint32(f.upload(t, 0x607A, 0)))
}

func TestConvertOdToSdoAbort(t *testing.T) {
	assert.Equal(t, AbortNotExist, ConvertOdToSdoAbort(od.ErrIdxNotExist))
	assert.Equal(t, AbortDataDeviceState, ConvertOdToSdoAbort(od.ErrDataDevState))
	assert.Equal(t, AbortDeviceIncompat, ConvertOdToSdoAbort(od.ErrPartial))
	assert.Equal(t, "x5030000 : Toggle bit not altered", AbortToggleBit.Error())
}
