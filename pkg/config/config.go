// Package config loads the configuration of the drive from a YAML file
// and the environment, and applies it to the local object dictionary.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver"
	"github.com/caarlos0/env/v6"
	"github.com/samsamfire/canopen-drive/pkg/lss"
	"github.com/samsamfire/canopen-drive/pkg/pdo"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Bus struct {
	Interface string `yaml:"interface" env:"CANOPEN_INTERFACE"`
	Channel   string `yaml:"channel" env:"CANOPEN_CHANNEL"`
}

// Device describes the identity of the drive, the revision number of
// 0x1018 is computed from the software version.
type Device struct {
	VendorId        uint32 `yaml:"vendor_id" env:"CANOPEN_VENDOR_ID"`
	ProductCode     uint32 `yaml:"product_code" env:"CANOPEN_PRODUCT_CODE"`
	SerialNumber    uint32 `yaml:"serial_number" env:"CANOPEN_SERIAL_NUMBER"`
	SoftwareVersion string `yaml:"software_version" env:"CANOPEN_SOFTWARE_VERSION"`
}

type Persistence struct {
	Backend string `yaml:"backend" env:"CANOPEN_STORE"`
	Path    string `yaml:"path" env:"CANOPEN_STORE_PATH"`
}

type Capacity struct {
	Rx int `yaml:"rx"`
	Tx int `yaml:"tx"`
}

// Communication parameters, nil values keep the value of the EDS
type Communication struct {
	HeartbeatMs      *uint16 `yaml:"heartbeat_ms"`
	GuardTimeMs      *uint16 `yaml:"guard_time_ms"`
	LifeTimeFactor   *uint8  `yaml:"life_time_factor"`
	SyncCobId        *uint32 `yaml:"sync_cob_id"`
	SyncPeriodUs     *uint32 `yaml:"sync_period_us"`
	CounterOverflow  *uint8  `yaml:"counter_overflow"`
	EmcyInhibit100us *uint16 `yaml:"emcy_inhibit_100us"`
	Autostart        *bool   `yaml:"autostart"`
}

type Config struct {
	Bus           Bus                         `yaml:"bus"`
	NodeId        uint8                       `yaml:"node_id" env:"CANOPEN_NODE_ID"`
	BitTiming     uint8                       `yaml:"bit_timing" env:"CANOPEN_BIT_TIMING"`
	EDS           string                      `yaml:"eds" env:"CANOPEN_EDS"`
	Device        Device                      `yaml:"device"`
	CyclePeriod   time.Duration               `yaml:"cycle_period" env:"CANOPEN_CYCLE_PERIOD"`
	SdoTimeoutMs  uint32                      `yaml:"sdo_timeout_ms" env:"CANOPEN_SDO_TIMEOUT_MS"`
	PdoCapacity   Capacity                    `yaml:"pdo_capacity"`
	LogLevel      string                      `yaml:"log_level" env:"CANOPEN_LOG_LEVEL"`
	Persistence   Persistence                 `yaml:"persistence"`
	DiagAddress   string                      `yaml:"diag_address" env:"CANOPEN_DIAG_ADDRESS"`
	Communication Communication               `yaml:"communication"`
	PDOs          []PDOConfigurationParameter `yaml:"pdos"`
}

// Default configuration, used for every value missing from the file
func Default() *Config {
	return &Config{
		Bus:          Bus{Interface: "socketcan", Channel: "can0"},
		NodeId:       0x10,
		BitTiming:    2,
		Device:       Device{SoftwareVersion: "1.0.0"},
		CyclePeriod:  time.Millisecond,
		SdoTimeoutMs: 800,
		PdoCapacity:  Capacity{Rx: pdo.MaxRxPdo, Tx: pdo.MaxTxPdo},
		LogLevel:     "info",
		Persistence:  Persistence{Backend: "ini", Path: "lss.ini"},
	}
}

// Parse a YAML configuration, environment variables override the file
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("decoding yaml : %w", err)
	}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("reading environment : %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Load the configuration file, an empty path only uses the defaults
// and the environment
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w : %v", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the ranges of every value
func (config *Config) Validate() error {
	if config.Bus.Interface == "" {
		return invalid("no bus interface")
	}
	if !(config.NodeId >= lss.NodeIdMin && config.NodeId <= lss.NodeIdMax || config.NodeId == lss.NodeIdUnconfigured) {
		return invalid("node id %v out of range", config.NodeId)
	}
	if int(config.BitTiming) >= len(lss.Bitrates) {
		return invalid("bit timing %v out of range", config.BitTiming)
	}
	if config.CyclePeriod <= 0 || config.CyclePeriod > time.Second {
		return invalid("cycle period %v out of range", config.CyclePeriod)
	}
	if _, err := log.ParseLevel(config.LogLevel); err != nil {
		return invalid("%v", err)
	}
	switch config.Persistence.Backend {
	case "", "none":
	case "ini", "storm":
		if config.Persistence.Path == "" {
			return invalid("no path for %v persistence", config.Persistence.Backend)
		}
	default:
		return invalid("unknown persistence backend %q", config.Persistence.Backend)
	}
	if config.PdoCapacity.Rx < 0 || config.PdoCapacity.Rx > int(pdo.MaxRpdoNumber) ||
		config.PdoCapacity.Tx < 0 || config.PdoCapacity.Tx > int(pdo.MaxTpdoNumber) {
		return invalid("pdo capacity %+v out of range", config.PdoCapacity)
	}
	if _, err := config.Device.Revision(); err != nil {
		return invalid("%v", err)
	}
	for _, conf := range config.PDOs {
		if err := conf.validate(); err != nil {
			return invalid("%v", err)
		}
	}
	return nil
}

// Revision number of the identity object, major in the upper 16 bits
// and minor in the lower 16 bits
func (device Device) Revision() (uint32, error) {
	version, err := semver.NewVersion(device.SoftwareVersion)
	if err != nil {
		return 0, fmt.Errorf("software version %q : %w", device.SoftwareVersion, err)
	}
	if version.Major() > 0xFFFF || version.Minor() > 0xFFFF {
		return 0, fmt.Errorf("software version %v does not fit in revision number", version)
	}
	return uint32(version.Major())<<16 | uint32(version.Minor()), nil
}

// Identity of the device
func (device Device) Identity() (Identity, error) {
	revision, err := device.Revision()
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		VendorId:       device.VendorId,
		ProductCode:    device.ProductCode,
		RevisionNumber: revision,
		SerialNumber:   device.SerialNumber,
	}, nil
}
