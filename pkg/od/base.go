package od

import (
	_ "embed"
)

//go:embed base.eds
var rawDefaultOd []byte

// Number of PDOs of each kind in the default dictionary
const DefaultPdoCount = 4

// Default returns the dictionary of the drive : DS301 communication
// objects, LSS owned parameters and the CiA 402 process image.
// PDO parameters not described in the EDS are added disabled.
func Default() *ObjectDictionary {
	defaultOd, err := Parse(rawDefaultOd, 0)
	if err != nil {
		panic(err)
	}
	defaultOd.AddMissingPDOs(DefaultPdoCount)
	defaultOd.AddScaledExtensions()
	return defaultOd
}

// AddMissingPDOs adds disabled RPDO and TPDO parameters up to count
func (od *ObjectDictionary) AddMissingPDOs(count uint16) {
	for i := uint16(0); i < count; i++ {
		if od.Index(EntryRPDOCommunicationStart+i) == nil {
			od.AddRPDO(i + 1)
		}
		if od.Index(EntryTPDOCommunicationStart+i) == nil {
			od.AddTPDO(i + 1)
		}
	}
}

// AddScaledExtensions installs the unit conversion of the CiA 402
// position objects, internal unit is encoder increments and the bus sees
// user units. Factor is taken from 0x6091 (gear ratio) if present.
func (od *ObjectDictionary) AddScaledExtensions() {
	numerator, denominator := uint32(1), uint32(1)
	if gear := od.Index(uint16(0x6091)); gear != nil {
		if n, err := gear.Uint32(1); err == nil && n != 0 {
			numerator = n
		}
		if d, err := gear.Uint32(2); err == nil && d != 0 {
			denominator = d
		}
	}
	for _, index := range []uint16{0x6064, 0x607A} {
		entry := od.Index(index)
		if entry == nil {
			continue
		}
		scale := &Scale{Numerator: int64(numerator), Denominator: int64(denominator)}
		entry.AddExtension(scale, ReadEntryScaled, WriteEntryScaled)
		entry.AddStageHandlers(InitEntryScaled, nil)
	}
}
