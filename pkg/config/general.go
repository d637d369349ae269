package config

import (
	"github.com/samsamfire/canopen-drive/pkg/od"
)

const (
	entryManufacturerHardwareVersion uint16 = 0x1009
	entryManufacturerSoftwareVersion uint16 = 0x100A
)

type Identity struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

type ManufacturerInformation struct {
	ManufacturerDeviceName      string
	ManufacturerHardwareVersion string
	ManufacturerSoftwareVersion string
}

// Read identity object (0x1018, mandatory)
func (config *NodeConfigurator) ReadIdentity() (*Identity, error) {
	// Vendor ID is the only mandatory field
	vendorId, err := config.readUint32(od.EntryIdentityObject, 1)
	if err != nil {
		return nil, err
	}
	productCode, _ := config.readUint32(od.EntryIdentityObject, 2)
	revisionNumber, _ := config.readUint32(od.EntryIdentityObject, 3)
	serialNumber, _ := config.readUint32(od.EntryIdentityObject, 4)
	return &Identity{
		VendorId:       vendorId,
		ProductCode:    productCode,
		RevisionNumber: revisionNumber,
		SerialNumber:   serialNumber,
	}, nil
}

// Write identity object, this is also the LSS address of the node
func (config *NodeConfigurator) WriteIdentity(identity Identity) error {
	values := []uint32{identity.VendorId, identity.ProductCode, identity.RevisionNumber, identity.SerialNumber}
	for i, value := range values {
		if err := config.write(od.EntryIdentityObject, uint8(i+1), value); err != nil {
			return err
		}
	}
	return nil
}

func (config *NodeConfigurator) readString(index uint16) (string, error) {
	streamer, err := config.od.Search(index, 0, od.SelectRuntime)
	if err != nil {
		return "", err
	}
	raw := make([]byte, streamer.DataLength)
	n, err := streamer.Read(raw)
	if err != nil {
		return "", err
	}
	return string(raw[:n]), nil
}

// Read manufacturer device name
func (config *NodeConfigurator) ReadManufacturerDeviceName() (string, error) {
	return config.readString(od.EntryManufacturerDeviceName)
}

// Read Manufacturer hardware version
func (config *NodeConfigurator) ReadManufacturerHardwareVersion() (string, error) {
	return config.readString(entryManufacturerHardwareVersion)
}

// Read manufacturer software version
func (config *NodeConfigurator) ReadManufacturerSoftwareVersion() (string, error) {
	return config.readString(entryManufacturerSoftwareVersion)
}

// Write manufacturer software version, the entry is created if the EDS
// does not describe it
func (config *NodeConfigurator) WriteManufacturerSoftwareVersion(version string) error {
	_, err := config.od.AddVariableType(
		entryManufacturerSoftwareVersion,
		"Manufacturer software version",
		od.VISIBLE_STRING,
		od.AttributeSdoR|od.AttributeStr,
		version,
	)
	return err
}

// Read manufacturer objects (0x1008,0x1009,0x100A, these are all optional)
func (config *NodeConfigurator) ReadManufacturerInformation() ManufacturerInformation {
	info := ManufacturerInformation{}
	info.ManufacturerDeviceName, _ = config.ReadManufacturerDeviceName()
	info.ManufacturerHardwareVersion, _ = config.ReadManufacturerHardwareVersion()
	info.ManufacturerSoftwareVersion, _ = config.ReadManufacturerSoftwareVersion()
	return info
}
