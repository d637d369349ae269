package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYaml = `
bus:
  interface: virtual
  channel: localhost:18888
node_id: 0x22
bit_timing: 3
eds: drive.eds
device:
  vendor_id: 0x1234
  product_code: 0x10
  serial_number: 0xCAFE
  software_version: 2.3.1
cycle_period: 2ms
log_level: debug
persistence:
  backend: storm
  path: /tmp/lss.db
diag_address: ":8080"
communication:
  heartbeat_ms: 100
  autostart: true
pdos:
  - type: tpdo
    number: 2
    transmission_type: 1
    mappings:
      - {index: 0x6064, subindex: 0, length: 32}
      - {index: 0x6041, subindex: 0, length: 16}
`

func TestDefault(t *testing.T) {
	config := Default()
	assert.Nil(t, config.Validate())
	assert.Equal(t, "socketcan", config.Bus.Interface)
	assert.Equal(t, time.Millisecond, config.CyclePeriod)
}

func TestParse(t *testing.T) {
	config, err := Parse([]byte(testYaml))
	require.Nil(t, err)
	assert.Equal(t, Bus{Interface: "virtual", Channel: "localhost:18888"}, config.Bus)
	assert.EqualValues(t, 0x22, config.NodeId)
	assert.EqualValues(t, 3, config.BitTiming)
	assert.Equal(t, "drive.eds", config.EDS)
	assert.EqualValues(t, 0x1234, config.Device.VendorId)
	assert.EqualValues(t, 0xCAFE, config.Device.SerialNumber)
	assert.Equal(t, 2*time.Millisecond, config.CyclePeriod)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, Persistence{Backend: "storm", Path: "/tmp/lss.db"}, config.Persistence)
	assert.Equal(t, ":8080", config.DiagAddress)
	// Not in file
	assert.EqualValues(t, 800, config.SdoTimeoutMs)

	require.NotNil(t, config.Communication.HeartbeatMs)
	assert.EqualValues(t, 100, *config.Communication.HeartbeatMs)
	assert.Nil(t, config.Communication.GuardTimeMs)
	require.NotNil(t, config.Communication.Autostart)
	assert.True(t, *config.Communication.Autostart)

	require.Len(t, config.PDOs, 1)
	assert.Equal(t, "tpdo", config.PDOs[0].Type)
	assert.EqualValues(t, 514, config.PDOs[0].pdoNumber())
	assert.Equal(t, []PDOMappingParameter{{0x6064, 0, 32}, {0x6041, 0, 16}}, config.PDOs[0].Mappings)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("CANOPEN_NODE_ID", "5")
	t.Setenv("CANOPEN_INTERFACE", "slcan")
	t.Setenv("CANOPEN_CYCLE_PERIOD", "5ms")
	t.Setenv("CANOPEN_SOFTWARE_VERSION", "3.1.0")
	config, err := Parse([]byte(testYaml))
	require.Nil(t, err)
	assert.EqualValues(t, 5, config.NodeId)
	assert.Equal(t, "slcan", config.Bus.Interface)
	assert.Equal(t, "localhost:18888", config.Bus.Channel)
	assert.Equal(t, 5*time.Millisecond, config.CyclePeriod)
	revision, err := config.Device.Revision()
	require.Nil(t, err)
	assert.EqualValues(t, 0x30001, revision)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"no interface", func(c *Config) { c.Bus.Interface = "" }},
		{"node id 0", func(c *Config) { c.NodeId = 0 }},
		{"node id 128", func(c *Config) { c.NodeId = 128 }},
		{"bit timing", func(c *Config) { c.BitTiming = 9 }},
		{"cycle period", func(c *Config) { c.CyclePeriod = 0 }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"backend", func(c *Config) { c.Persistence.Backend = "redis" }},
		{"backend path", func(c *Config) { c.Persistence.Path = "" }},
		{"capacity", func(c *Config) { c.PdoCapacity.Rx = 600 }},
		{"software version", func(c *Config) { c.Device.SoftwareVersion = "latest" }},
		{"pdo type", func(c *Config) { c.PDOs = []PDOConfigurationParameter{{Type: "xpdo", Number: 1}} }},
		{"pdo number", func(c *Config) { c.PDOs = []PDOConfigurationParameter{{Type: "rpdo", Number: 0}} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config := Default()
			tc.modify(config)
			err := config.Validate()
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}

	t.Run("unconfigured node id", func(t *testing.T) {
		config := Default()
		config.NodeId = 0xFF
		config.Persistence.Backend = "none"
		config.Persistence.Path = ""
		assert.Nil(t, config.Validate())
	})
}

func TestRevision(t *testing.T) {
	revision, err := Device{SoftwareVersion: "2.3.1"}.Revision()
	require.Nil(t, err)
	assert.EqualValues(t, 0x20003, revision)
	revision, err = Device{SoftwareVersion: "v1.12"}.Revision()
	require.Nil(t, err)
	assert.EqualValues(t, 0x1000C, revision)
	_, err = Device{SoftwareVersion: "70000.0.0"}.Revision()
	assert.NotNil(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drive.yaml")
	require.Nil(t, os.WriteFile(path, []byte(testYaml), 0644))
	config, err := Load(path)
	require.Nil(t, err)
	assert.EqualValues(t, 0x22, config.NodeId)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotNil(t, err)

	config, err = Load("")
	require.Nil(t, err)
	assert.Equal(t, Default(), config)
}
