package config

import (
	"encoding/binary"
	"fmt"

	"github.com/samsamfire/canopen-drive/pkg/od"
	log "github.com/sirupsen/logrus"
)

// NodeConfigurator provides helper methods for reading / updating the
// CANopen reserved configuration objects of the local dictionary.
// Accesses go through the same streamers as SDO, so the extensions of
// the services validate every write.
type NodeConfigurator struct {
	od     *od.ObjectDictionary
	logger *log.Entry
}

func (config *NodeConfigurator) read(index uint16, subindex uint8, size int) ([]byte, error) {
	streamer, err := config.od.Search(index, subindex, od.SelectRuntime)
	if err != nil {
		return nil, err
	}
	if err := streamer.Init(false); err != nil {
		return nil, err
	}
	data := make([]byte, size)
	n, err := streamer.Read(data)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, od.ErrTypeMismatch
	}
	return data, nil
}

func (config *NodeConfigurator) readUint8(index uint16, subindex uint8) (uint8, error) {
	data, err := config.read(index, subindex, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (config *NodeConfigurator) readUint16(index uint16, subindex uint8) (uint16, error) {
	data, err := config.read(index, subindex, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (config *NodeConfigurator) readUint32(index uint16, subindex uint8) (uint32, error) {
	data, err := config.read(index, subindex, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Write an unsigned value, it is encoded on the size of the entry
func (config *NodeConfigurator) write(index uint16, subindex uint8, value uint32) error {
	streamer, err := config.od.Search(index, subindex, od.SelectRuntime)
	if err != nil {
		return err
	}
	var data []byte
	switch streamer.DataLength {
	case 1:
		data = []byte{uint8(value)}
	case 2:
		data = binary.LittleEndian.AppendUint16(nil, uint16(value))
	case 4:
		data = binary.LittleEndian.AppendUint32(nil, value)
	default:
		return od.ErrTypeMismatch
	}
	if streamer.DataLength < 4 && value>>(8*streamer.DataLength) != 0 {
		return od.ErrValueHigh
	}
	if err := streamer.Init(true); err != nil {
		return err
	}
	_, err = streamer.Write(data)
	if err != nil {
		return fmt.Errorf("writing x%x:x%x : %w", index, subindex, err)
	}
	return nil
}

// Apply writes the configuration into the dictionary, the values of the
// EDS are kept for everything the configuration leaves empty
func (config *NodeConfigurator) Apply(cfg *Config) error {
	identity, err := cfg.Device.Identity()
	if err != nil {
		return err
	}
	if err := config.WriteIdentity(identity); err != nil {
		return err
	}
	if err := config.WriteManufacturerSoftwareVersion(cfg.Device.SoftwareVersion); err != nil {
		return err
	}
	if err := config.applyCommunication(cfg.Communication); err != nil {
		return err
	}
	for _, conf := range cfg.PDOs {
		if err := config.WriteConfigurationPDO(conf.pdoNumber(), conf); err != nil {
			return fmt.Errorf("configuring %v%d : %w", conf.Type, conf.Number, err)
		}
	}
	config.logger.Infof("applied configuration, identity %+v, %d PDO(s)", identity, len(cfg.PDOs))
	return nil
}

func (config *NodeConfigurator) applyCommunication(comm Communication) error {
	if comm.HeartbeatMs != nil {
		if err := config.WriteHeartbeatPeriod(*comm.HeartbeatMs); err != nil {
			return err
		}
	}
	if comm.GuardTimeMs != nil || comm.LifeTimeFactor != nil {
		guardTime, _ := config.ReadGuardTime()
		lifeTimeFactor, _ := config.ReadLifeTimeFactor()
		if comm.GuardTimeMs != nil {
			guardTime = *comm.GuardTimeMs
		}
		if comm.LifeTimeFactor != nil {
			lifeTimeFactor = *comm.LifeTimeFactor
		}
		if err := config.WriteGuarding(guardTime, lifeTimeFactor); err != nil {
			return err
		}
	}
	if comm.SyncCobId != nil {
		if err := config.WriteCobIdSYNC(*comm.SyncCobId); err != nil {
			return err
		}
	}
	if comm.SyncPeriodUs != nil {
		if err := config.WriteCommunicationPeriod(*comm.SyncPeriodUs); err != nil {
			return err
		}
	}
	if comm.CounterOverflow != nil {
		if err := config.WriteCounterOverflow(*comm.CounterOverflow); err != nil {
			return err
		}
	}
	if comm.EmcyInhibit100us != nil {
		if err := config.write(od.EntryInhibitTimeEMCY, 0, uint32(*comm.EmcyInhibit100us)); err != nil {
			return err
		}
	}
	if comm.Autostart != nil {
		if err := config.WriteAutostart(*comm.Autostart); err != nil {
			return err
		}
	}
	return nil
}

// Create a new [NodeConfigurator] for the given dictionary
func NewNodeConfigurator(odict *od.ObjectDictionary, logger *log.Entry) *NodeConfigurator {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &NodeConfigurator{od: odict, logger: logger.WithField("service", "[CONFIG]")}
}
