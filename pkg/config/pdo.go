package config

import (
	"errors"
	"fmt"

	"github.com/samsamfire/canopen-drive/pkg/od"
	"github.com/samsamfire/canopen-drive/pkg/pdo"
)

type PDOMappingParameter struct {
	Index      uint16 `yaml:"index"`
	Subindex   uint8  `yaml:"subindex"`
	LengthBits uint8  `yaml:"length"`
}

// Holds a PDO configuration. A zero CanId keeps the COB-ID of the
// dictionary, e.g. the predefined connection set.
type PDOConfigurationParameter struct {
	Type             string                `yaml:"type"`   // "rpdo" or "tpdo"
	Number           uint16                `yaml:"number"` // 1 to 512
	Disabled         bool                  `yaml:"disabled"`
	CanId            uint16                `yaml:"can_id"`
	TransmissionType uint8                 `yaml:"transmission_type"`
	InhibitTime      uint16                `yaml:"inhibit_time"`
	EventTimer       uint16                `yaml:"event_timer"`
	SyncStart        uint8                 `yaml:"sync_start"`
	Mappings         []PDOMappingParameter `yaml:"mappings"`
}

func (conf PDOConfigurationParameter) validate() error {
	if conf.Type != "rpdo" && conf.Type != "tpdo" {
		return fmt.Errorf("pdo type %q, expected rpdo or tpdo", conf.Type)
	}
	if conf.Number < pdo.MinPdoNumber || conf.Number > pdo.MaxRpdoNumber {
		return fmt.Errorf("%v number %v out of range", conf.Type, conf.Number)
	}
	if len(conf.Mappings) > od.MaxMappedEntriesPdo {
		return fmt.Errorf("%v%d has %d mappings", conf.Type, conf.Number, len(conf.Mappings))
	}
	return nil
}

// PDO number, TPDOs are numbered after the RPDOs
func (conf PDOConfigurationParameter) pdoNumber() uint16 {
	if conf.Type == "tpdo" {
		return conf.Number + pdo.MaxRpdoNumber
	}
	return conf.Number
}

func (conf *NodeConfigurator) getType(pdoNb uint16) string {
	if pdoNb <= pdo.MaxRpdoNumber {
		return "RPDO"
	}
	return "TPDO"
}

func (conf *NodeConfigurator) getMappingIndex(pdoNb uint16) uint16 {
	if pdoNb <= pdo.MaxRpdoNumber {
		return od.EntryRPDOMappingStart + pdoNb - 1
	}
	return od.EntryTPDOMappingStart + pdoNb - pdo.MaxRpdoNumber - 1
}

func (conf *NodeConfigurator) getCommunicationIndex(pdoNb uint16) uint16 {
	if pdoNb <= pdo.MaxRpdoNumber {
		return od.EntryRPDOCommunicationStart + pdoNb - 1
	}
	return od.EntryTPDOCommunicationStart + pdoNb - pdo.MaxRpdoNumber - 1
}

func (config *NodeConfigurator) ReadCobIdPDO(pdoNb uint16) (uint32, error) {
	return config.readUint32(config.getCommunicationIndex(pdoNb), 1)
}

func (config *NodeConfigurator) ReadEnabledPDO(pdoNb uint16) (bool, error) {
	cobId, err := config.ReadCobIdPDO(pdoNb)
	if err != nil {
		return false, err
	}
	return cobId&pdo.CobIdInvalidBit == 0, nil
}

func (config *NodeConfigurator) ReadTransmissionType(pdoNb uint16) (uint8, error) {
	return config.readUint8(config.getCommunicationIndex(pdoNb), 2)
}

func (config *NodeConfigurator) ReadInhibitTime(pdoNb uint16) (uint16, error) {
	return config.readUint16(config.getCommunicationIndex(pdoNb), 3)
}

func (config *NodeConfigurator) ReadEventTimer(pdoNb uint16) (uint16, error) {
	return config.readUint16(config.getCommunicationIndex(pdoNb), 5)
}

func (config *NodeConfigurator) ReadNbMappings(pdoNb uint16) (uint8, error) {
	return config.readUint8(config.getMappingIndex(pdoNb), 0)
}

func (config *NodeConfigurator) ReadMappings(pdoNb uint16) ([]PDOMappingParameter, error) {
	pdoMappingIndex := config.getMappingIndex(pdoNb)
	mappings := make([]PDOMappingParameter, 0)
	nbMappings, err := config.ReadNbMappings(pdoNb)
	if err != nil {
		return nil, err
	}
	for i := uint8(0); i < nbMappings; i++ {
		rawMap, err := config.readUint32(pdoMappingIndex, i+1)
		if err != nil {
			return nil, err
		}
		mapping := PDOMappingParameter{}
		mapping.LengthBits = uint8(rawMap)
		mapping.Subindex = uint8(rawMap >> 8)
		mapping.Index = uint16(rawMap >> 16)
		mappings = append(mappings, mapping)
	}
	return mappings, nil
}

// Reads configuration of a single PDO
func (config *NodeConfigurator) ReadConfigurationPDO(pdoNb uint16) (PDOConfigurationParameter, error) {
	conf := PDOConfigurationParameter{Type: "rpdo", Number: pdoNb}
	if pdoNb > pdo.MaxRpdoNumber {
		conf.Type = "tpdo"
		conf.Number = pdoNb - pdo.MaxRpdoNumber
	}
	cobId, err := config.ReadCobIdPDO(pdoNb)
	if err != nil {
		return conf, err
	}
	conf.CanId = uint16(cobId & 0x7FF)
	conf.Disabled = cobId&pdo.CobIdInvalidBit != 0
	conf.TransmissionType, err = config.ReadTransmissionType(pdoNb)
	if err != nil {
		return conf, err
	}
	// Optional
	conf.InhibitTime, _ = config.ReadInhibitTime(pdoNb)
	// Optional
	conf.EventTimer, _ = config.ReadEventTimer(pdoNb)
	conf.Mappings, err = config.ReadMappings(pdoNb)
	config.logger.Debugf("read configuration of %v%d : %+v", config.getType(pdoNb), conf.Number, conf)
	return conf, err
}

// Reads configuration of a range of PDOs, stops at the first PDO
// missing from the dictionary
func (config *NodeConfigurator) ReadConfigurationRangePDO(
	pdoStartNb uint16, pdoEndNb uint16,
) ([]PDOConfigurationParameter, error) {

	if pdoStartNb < pdo.MinPdoNumber || pdoEndNb > pdo.MaxRpdoNumber+pdo.MaxTpdoNumber {
		return nil, errors.New("pdo number or length is incorrect")
	}
	pdos := make([]PDOConfigurationParameter, 0)
	for pdoNb := pdoStartNb; pdoNb <= pdoEndNb; pdoNb++ {
		conf, err := config.ReadConfigurationPDO(pdoNb)
		if errors.Is(err, od.ErrIdxNotExist) {
			config.logger.Debugf("no more %v after %v", config.getType(pdoNb), pdoNb)
			break
		} else if err != nil {
			config.logger.Errorf("failed to read configuration of %v %v : %v", config.getType(pdoNb), pdoNb, err)
			return pdos, err
		}
		pdos = append(pdos, conf)
	}
	return pdos, nil
}

// Reads complete PDO configuration (RPDO, TPDO)
// Returns RPDOs and TPDOs configurations in two seperate lists
func (config *NodeConfigurator) ReadConfigurationAllPDO() (
	rpdos []PDOConfigurationParameter, tpdos []PDOConfigurationParameter, err error,
) {
	rpdos, err = config.ReadConfigurationRangePDO(pdo.MinPdoNumber, pdo.MaxRpdoNumber)
	if err != nil {
		return rpdos, tpdos, err
	}
	tpdos, err = config.ReadConfigurationRangePDO(pdo.IndexFirstTpdo, pdo.MaxRpdoNumber+pdo.MaxTpdoNumber)
	return rpdos, tpdos, err
}

// Disable PDO
func (config *NodeConfigurator) DisablePDO(pdoNb uint16) error {
	cobId, err := config.ReadCobIdPDO(pdoNb)
	if err != nil {
		return err
	}
	cobId |= pdo.CobIdInvalidBit
	return config.write(config.getCommunicationIndex(pdoNb), 1, cobId)
}

// Enable PDO
func (config *NodeConfigurator) EnablePDO(pdoNb uint16) error {
	cobId, err := config.ReadCobIdPDO(pdoNb)
	if err != nil {
		return err
	}
	cobId &^= pdo.CobIdInvalidBit
	return config.write(config.getCommunicationIndex(pdoNb), 1, cobId)
}

func (config *NodeConfigurator) WriteCanIdPDO(pdoNb uint16, canId uint16) error {
	cobId, err := config.ReadCobIdPDO(pdoNb)
	if err != nil {
		return err
	}
	cobId &= 0xFFFFF800 // clear cobid bits
	cobId |= uint32(canId)
	return config.write(config.getCommunicationIndex(pdoNb), 1, cobId)
}

func (config *NodeConfigurator) WriteTransmissionType(pdoNb uint16, transType uint8) error {
	return config.write(config.getCommunicationIndex(pdoNb), 2, uint32(transType))
}

func (config *NodeConfigurator) WriteInhibitTime(pdoNb uint16, inhibitTime uint16) error {
	return config.write(config.getCommunicationIndex(pdoNb), 3, uint32(inhibitTime))
}

func (config *NodeConfigurator) WriteEventTimer(pdoNb uint16, eventTimer uint16) error {
	return config.write(config.getCommunicationIndex(pdoNb), 5, uint32(eventTimer))
}

func (config *NodeConfigurator) WriteSyncStart(pdoNb uint16, syncStart uint8) error {
	return config.write(config.getCommunicationIndex(pdoNb), 6, uint32(syncStart))
}

// Clear all the PDO mappings
func (config *NodeConfigurator) ClearMappings(pdoNb uint16) error {
	pdoMappingIndex := config.getMappingIndex(pdoNb)
	// First clear nb of mapped entries
	err := config.write(pdoMappingIndex, 0, 0)
	if err != nil {
		return err
	}
	for i := uint8(0); i < uint8(od.MaxMappedEntriesPdo); i++ {
		err := config.write(pdoMappingIndex, i+1, 0)
		if err != nil {
			return err
		}
	}
	return nil
}

// Write new PDO mapping
// Takes a list of objects to map and will fill them up in the given order
// This will first clear the current mapping
func (config *NodeConfigurator) WriteMappings(pdoNb uint16, mappings []PDOMappingParameter) error {
	pdoMappingIndex := config.getMappingIndex(pdoNb)
	err := config.ClearMappings(pdoNb)
	if err != nil {
		return err
	}
	for sub, mapping := range mappings {
		rawMap := uint32(mapping.Index)<<16 + uint32(mapping.Subindex)<<8 + uint32(mapping.LengthBits)
		err := config.write(pdoMappingIndex, uint8(sub)+1, rawMap)
		if err != nil {
			return err
		}
	}
	// Update number of mapped objects
	return config.write(pdoMappingIndex, 0, uint32(len(mappings)))
}

// Update whole configuration, the PDO is disabled while it is changed
func (config *NodeConfigurator) WriteConfigurationPDO(pdoNb uint16, conf PDOConfigurationParameter) error {
	config.logger.Debugf("updating configuration of %v%d : %+v", config.getType(pdoNb), conf.Number, conf)
	err := config.DisablePDO(pdoNb)
	if err != nil {
		return err
	}
	err = config.WriteTransmissionType(pdoNb, conf.TransmissionType)
	if err != nil {
		return err
	}
	if pdoNb > pdo.MaxRpdoNumber {
		err = config.WriteInhibitTime(pdoNb, conf.InhibitTime)
		if err != nil {
			return err
		}
		err = config.WriteEventTimer(pdoNb, conf.EventTimer)
		if err != nil {
			return err
		}
		if conf.SyncStart != 0 {
			err = config.WriteSyncStart(pdoNb, conf.SyncStart)
			if err != nil {
				return err
			}
		}
	}
	if len(conf.Mappings) > 0 {
		err = config.WriteMappings(pdoNb, conf.Mappings)
		if err != nil {
			return err
		}
	}
	if conf.CanId != 0 {
		err = config.WriteCanIdPDO(pdoNb, conf.CanId)
		if err != nil {
			return err
		}
	}
	if conf.Disabled {
		return nil
	}
	return config.EnablePDO(pdoNb)
}
