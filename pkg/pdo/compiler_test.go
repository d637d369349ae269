package pdo

import (
	"errors"
	"testing"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/od"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Map objects into a PDO mapping entry
func (f *fixture) mapObjects(t *testing.T, index uint16, params ...uint32) {
	f.put8(t, index, 0, 0)
	for i, param := range params {
		f.put32(t, index, uint8(i+1), param)
	}
	f.put8(t, index, 0, uint8(len(params)))
}

func TestCreateFailures(t *testing.T) {
	tests := []struct {
		name      string
		configure func(t *testing.T, f *fixture)
		capacity  Capacity
		reason    Reason
		number    uint16
	}{
		{"restricted COB-ID", func(t *testing.T, f *fixture) {
			f.put32(t, 0x1400, 1, 0x701)
		}, Capacity{}, InvalidCobId, 1},
		{"29 bit COB-ID", func(t *testing.T, f *fixture) {
			f.put32(t, 0x1401, 1, 0x20000310)
		}, Capacity{}, InvalidCobId, 2},
		{"transmission type 241", func(t *testing.T, f *fixture) {
			f.put8(t, 0x1800, 2, 241)
		}, Capacity{}, InvalidTxType, IndexFirstTpdo},
		{"transmission type 251", func(t *testing.T, f *fixture) {
			f.put8(t, 0x1800, 2, 251)
		}, Capacity{}, InvalidTxType, IndexFirstTpdo},
		{"remote request not allowed", func(t *testing.T, f *fixture) {
			f.put8(t, 0x1800, 2, TransmissionTypeRtr)
			f.put32(t, 0x1800, 1, CobIdNoRtrBit|0x180)
		}, Capacity{}, RtrNotValid, IndexFirstTpdo},
		{"no mapped objects", func(t *testing.T, f *fixture) {
			f.put8(t, 0x1600, 0, 0)
		}, Capacity{}, InvalidMapCount, 1},
		{"too many mapped objects", func(t *testing.T, f *fixture) {
			f.put8(t, 0x1A00, 0, 9)
		}, Capacity{}, InvalidMapCount, IndexFirstTpdo},
		{"sync start value", func(t *testing.T, f *fixture) {
			f.put8(t, 0x1800, 6, 241)
		}, Capacity{}, InvalidSyncStartValue, IndexFirstTpdo},
		{"missing object", func(t *testing.T, f *fixture) {
			f.mapObjects(t, 0x1600, 0x50000010)
		}, Capacity{}, InternalError, 1},
		{"read only object in RPDO", func(t *testing.T, f *fixture) {
			f.mapObjects(t, 0x1600, 0x60410010)
		}, Capacity{}, NotMappable, 1},
		{"state locked object in RPDO", func(t *testing.T, f *fixture) {
			_, err := f.odict.AddVariableType(0x2002, "locked", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeRpdo|od.AttributeLocked, "0")
			require.Nil(t, err)
			f.mapObjects(t, 0x1601, 0x20020008)
		}, Capacity{}, NotMappable, 2},
		{"mapped length bigger than object", func(t *testing.T, f *fixture) {
			f.mapObjects(t, 0x1A00, 0x60410020)
		}, Capacity{}, NotMappable, IndexFirstTpdo},
		{"more than 8 bytes", func(t *testing.T, f *fixture) {
			f.mapObjects(t, 0x1A00, 0x60640020, 0x607A0020, 0x60410010)
		}, Capacity{}, PdoLengthExceed, IndexFirstTpdo},
		{"hook refuses access", func(t *testing.T, f *fixture) {
			entry, err := f.odict.AddVariableType(0x2003, "hooked", od.INTEGER32, od.AttributeSdoRw|od.AttributeRpdo, "0")
			require.Nil(t, err)
			entry.AddExtension(nil, od.ReadEntryDefault, od.WriteEntryDefault)
			entry.AddStageHandlers(func(stream *od.Stream, write bool) error { return od.ErrHw }, nil)
			f.mapObjects(t, 0x1600, 0x20030020)
		}, Capacity{}, HookProcessingFail, 1},
		{"duplicated COB-ID", func(t *testing.T, f *fixture) {
			f.put32(t, 0x1801, 1, 0x210)
		}, Capacity{}, DuplicatedCobId, IndexFirstTpdo + 1},
		{"capacity exceeded", func(t *testing.T, f *fixture) {}, Capacity{Rx: 1}, OutOfMemory, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.capacity)
			tc.configure(t, f)
			err := f.engine.Create(testNodeId)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tc.reason, cfgErr.Reason)
			assert.Equal(t, tc.number, cfgErr.PdoNumber)
			assert.Equal(t, tc.reason == OutOfMemory, errors.Is(err, canopen.ErrOutOfMemory))
			assert.False(t, f.engine.Active())
			assert.Nil(t, f.engine.Summaries())
			assert.True(t, f.faults.IsSet(fault.PdoConfiguration))
			assert.Equal(t, 1, f.alarms.posted[fault.PdoConfiguration])
		})
	}
}

func TestCreateAllOrNothing(t *testing.T) {
	f := newFixture(t, Capacity{})
	// RPDO1 is fine, TPDO1 is not
	f.put8(t, 0x1800, 2, 245)
	require.NotNil(t, f.engine.Create(testNodeId))
	f.bus.Inject(canopen.Frame{ID: 0x210, DLC: 3, Data: [8]byte{0x0F, 0x00, 0x03}})
	f.engine.Process(1000)
	f.engine.ProcessSync(0)
	controlword, _ := f.odict.Index(0x6040).Uint16(0)
	assert.EqualValues(t, 0, controlword)
	assert.Equal(t, 0, f.bus.Count())

	// Reported once, even if creation fails again
	require.NotNil(t, f.engine.Create(testNodeId))
	assert.Equal(t, 1, f.alarms.posted[fault.PdoConfiguration])
}

func TestCreateExactlyEightBytes(t *testing.T) {
	f := newFixture(t, Capacity{})
	f.mapObjects(t, 0x1A00, 0x60640020, 0x607A0020)
	require.Nil(t, f.engine.Create(testNodeId))
	summaries := f.engine.Summaries()
	require.Len(t, summaries, 3)
	assert.EqualValues(t, 8, summaries[2].Length)
}

func TestUnaligned(t *testing.T) {
	f := newFixture(t, Capacity{})
	// 4 bits of controlword followed by the mode of operation
	f.mapObjects(t, 0x1600, 0x60400004, 0x60600008)
	f.mapObjects(t, 0x1A00, 0x60410004, 0x10010008)
	f.put16(t, 0x6041, 0, 0x0007)
	f.put8(t, od.EntryErrorRegister, 0, 0x81)
	require.Nil(t, f.engine.Create(testNodeId))

	f.bus.Inject(canopen.Frame{ID: 0x210, DLC: 2, Data: [8]byte{0xCA, 0x05}})
	f.engine.Process(1000)
	controlword, _ := f.odict.Index(0x6040).Uint16(0)
	mode, _ := f.odict.Index(0x6060).Uint8(0)
	assert.EqualValues(t, 0x0A, controlword)
	assert.EqualValues(t, 0x5C, mode)

	f.waitSent(t, 0x190, 1)
	frame := f.bus.SentWithId(0x190)[0]
	assert.EqualValues(t, 2, frame.DLC)
	assert.Equal(t, [8]byte{0x17, 0x08}, frame.Data)
}

func TestDummyMapping(t *testing.T) {
	f := newFixture(t, Capacity{})
	f.mapObjects(t, 0x1600, 0x00050008, 0x60600008)
	require.Nil(t, f.engine.Create(testNodeId))
	f.bus.Inject(canopen.Frame{ID: 0x210, DLC: 2, Data: [8]byte{0xFF, 0x22}})
	f.engine.Process(1000)
	mode, _ := f.odict.Index(0x6060).Uint8(0)
	assert.EqualValues(t, 0x22, mode)
}

func TestPredefinedCobId(t *testing.T) {
	assert.EqualValues(t, 0x201, predefinedCobId(1, 1))
	assert.EqualValues(t, 0x57F, predefinedCobId(4, 0x7F))
	assert.EqualValues(t, 0x181, predefinedCobId(IndexFirstTpdo, 1))
	assert.EqualValues(t, 0x4A0, predefinedCobId(IndexFirstTpdo+3, 0x20))
	assert.EqualValues(t, 0, predefinedCobId(5, 1))
	assert.Equal(t, "TPDO2", Name(IndexFirstTpdo+1))
	assert.Equal(t, "RPDO3", Name(3))
}
