package config

import (
	"errors"
	"testing"

	"github.com/samsamfire/canopen-drive/internal/testbus"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/od"
	"github.com/samsamfire/canopen-drive/pkg/pdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nodeId = 0x10

func newConfigurator(t *testing.T) (*NodeConfigurator, *pdo.Engine, *od.ObjectDictionary) {
	bm, _ := testbus.NewManager()
	t.Cleanup(bm.Stop)
	odict := od.Default()
	faults := fault.NewRegister(nil, nil)
	engine, err := pdo.NewEngine(bm, nil, odict, faults, nil, nodeId, pdo.Capacity{})
	require.Nil(t, err)
	t.Cleanup(engine.Close)
	return NewNodeConfigurator(odict, nil), engine, odict
}

func TestApplyIdentity(t *testing.T) {
	configurator, _, _ := newConfigurator(t)
	config, err := Parse([]byte(testYaml))
	require.Nil(t, err)
	require.Nil(t, configurator.Apply(config))

	identity, err := configurator.ReadIdentity()
	require.Nil(t, err)
	assert.Equal(t, Identity{VendorId: 0x1234, ProductCode: 0x10, RevisionNumber: 0x20003, SerialNumber: 0xCAFE}, *identity)

	info := configurator.ReadManufacturerInformation()
	assert.Equal(t, "canopen-drive", info.ManufacturerDeviceName)
	assert.Equal(t, "2.3.1", info.ManufacturerSoftwareVersion)
	assert.Equal(t, "", info.ManufacturerHardwareVersion)
}

func TestApplyCommunication(t *testing.T) {
	configurator, _, odict := newConfigurator(t)
	heartbeat := uint16(250)
	guardTime := uint16(100)
	lifeTimeFactor := uint8(3)
	period := uint32(10000)
	autostart := true
	config := Default()
	config.Communication = Communication{
		HeartbeatMs:    &heartbeat,
		GuardTimeMs:    &guardTime,
		LifeTimeFactor: &lifeTimeFactor,
		SyncPeriodUs:   &period,
		Autostart:      &autostart,
	}
	require.Nil(t, configurator.Apply(config))

	heartbeatMs, err := configurator.ReadHeartbeatPeriod()
	require.Nil(t, err)
	assert.EqualValues(t, 250, heartbeatMs)
	guard, _ := configurator.ReadGuardTime()
	factor, _ := configurator.ReadLifeTimeFactor()
	assert.EqualValues(t, 100, guard)
	assert.EqualValues(t, 3, factor)
	syncPeriod, _ := configurator.ReadCommunicationPeriod()
	assert.EqualValues(t, 10000*1000, syncPeriod.Nanoseconds())
	startup, _ := odict.Index(od.EntryNMTStartup).Uint32(0)
	assert.EqualValues(t, 0x04, startup)
	// SYNC COB-ID kept from EDS
	cobId, _ := configurator.ReadCobIdSYNC()
	assert.EqualValues(t, 0x80, cobId)

	autostart = false
	require.Nil(t, configurator.Apply(config))
	startup, _ = odict.Index(od.EntryNMTStartup).Uint32(0)
	assert.EqualValues(t, 0, startup)
}

func TestPdoConfiguration(t *testing.T) {
	configurator, engine, odict := newConfigurator(t)
	tpdo2 := PDOConfigurationParameter{
		Type:             "tpdo",
		Number:           2,
		TransmissionType: 1,
		EventTimer:       100,
		Mappings:         []PDOMappingParameter{{0x6064, 0, 32}, {0x6041, 0, 16}},
	}
	require.Nil(t, configurator.WriteConfigurationPDO(tpdo2.pdoNumber(), tpdo2))

	enabled, err := configurator.ReadEnabledPDO(tpdo2.pdoNumber())
	require.Nil(t, err)
	assert.True(t, enabled)
	conf, err := configurator.ReadConfigurationPDO(tpdo2.pdoNumber())
	require.Nil(t, err)
	assert.EqualValues(t, 0x290, conf.CanId)
	assert.EqualValues(t, 1, conf.TransmissionType)
	assert.EqualValues(t, 100, conf.EventTimer)
	assert.Equal(t, tpdo2.Mappings, conf.Mappings)
	// Predefined COB-ID is stored without node id
	raw, _ := odict.Index(uint16(0x1801)).Uint32(1)
	assert.EqualValues(t, 0x280, raw)

	require.Nil(t, engine.Create(nodeId))
	summaries := engine.Summaries()
	require.Len(t, summaries, 4)
	assert.Equal(t, pdo.Summary{Name: "TPDO2", CobId: 0x290, Length: 6, TransmissionType: 1, Synchronous: true}, summaries[3])
}

func TestPdoConfigurationCustomId(t *testing.T) {
	configurator, _, _ := newConfigurator(t)
	rpdo1 := PDOConfigurationParameter{Type: "rpdo", Number: 1, CanId: 0x345, TransmissionType: 0xFF}
	require.Nil(t, configurator.WriteConfigurationPDO(rpdo1.pdoNumber(), rpdo1))
	conf, err := configurator.ReadConfigurationPDO(1)
	require.Nil(t, err)
	assert.EqualValues(t, 0x345, conf.CanId)
	assert.False(t, conf.Disabled)
	// Mapping of the EDS is kept
	assert.Len(t, conf.Mappings, 2)

	rpdo1.Disabled = true
	require.Nil(t, configurator.WriteConfigurationPDO(1, rpdo1))
	enabled, _ := configurator.ReadEnabledPDO(1)
	assert.False(t, enabled)
}

func TestPdoConfigurationInvalid(t *testing.T) {
	configurator, _, _ := newConfigurator(t)
	err := configurator.WriteConfigurationPDO(pdo.IndexFirstTpdo, PDOConfigurationParameter{Type: "tpdo", Number: 1, TransmissionType: 245})
	assert.True(t, errors.Is(err, od.ErrInvalidValue), "got %v", err)

	err = configurator.WriteConfigurationPDO(1, PDOConfigurationParameter{Type: "rpdo", Number: 1, TransmissionType: 0xFD})
	assert.True(t, errors.Is(err, od.ErrInvalidValue), "got %v", err)

	err = configurator.WriteConfigurationPDO(2, PDOConfigurationParameter{Type: "rpdo", Number: 2, CanId: 0x701, TransmissionType: 0xFF})
	assert.True(t, errors.Is(err, od.ErrInvalidValue), "got %v", err)
}

func TestReadConfigurationAllPDO(t *testing.T) {
	configurator, _, _ := newConfigurator(t)
	rpdos, tpdos, err := configurator.ReadConfigurationAllPDO()
	require.Nil(t, err)
	assert.Len(t, rpdos, od.DefaultPdoCount)
	assert.Len(t, tpdos, od.DefaultPdoCount)
	assert.EqualValues(t, 0x190, tpdos[0].CanId)
	assert.True(t, tpdos[1].Disabled)
}
