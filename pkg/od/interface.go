// Package od is the object dictionary of the node. Entries are loaded
// from an EDS file and accessed through [Streamer] objects, services
// attach extensions to the entries they own.
package od

import (
	"fmt"
	"sort"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// ObjectDictionary is used for storing all entries of a CANopen node
// according to CiA 301. This is the internal representation of an EDS file
type ObjectDictionary struct {
	logger              *log.Entry
	entriesByIndexValue map[uint16]*Entry
	entriesByIndexName  map[string]*Entry
	stateLocked         atomic.Bool
}

func NewOD() *ObjectDictionary {
	return &ObjectDictionary{
		logger:              log.WithField("service", "[OD]"),
		entriesByIndexValue: make(map[uint16]*Entry),
		entriesByIndexName:  make(map[string]*Entry),
	}
}

// Add an entry to OD, any existing entry will be replaced
func (od *ObjectDictionary) addEntry(entry *Entry) {
	if _, exists := od.entriesByIndexValue[entry.Index]; exists {
		entry.logger.Warn("overwritting entry")
	}
	od.entriesByIndexValue[entry.Index] = entry
	od.entriesByIndexName[entry.Name] = entry
}

// AddVariableType adds an entry of type VAR to OD
// the value should be given as a string with hex representation
// e.g. 0x22 or 0x55555
// If the variable already exists, it will be overwritten
func (od *ObjectDictionary) AddVariableType(
	index uint16,
	name string,
	dataType uint8,
	attribute uint8,
	value string,
) (*Entry, error) {
	variable, err := NewVariable(0, name, dataType, attribute, value)
	if err != nil {
		return nil, err
	}
	entry := NewEntry(od.logger, index, name, variable, ObjectTypeVAR)
	od.addEntry(entry)
	return entry, nil
}

// AddVariableList adds an entry of type ARRAY or RECORD depending on [VariableList]
func (od *ObjectDictionary) AddVariableList(index uint16, name string, varList *VariableList) *Entry {
	entry := NewEntry(od.logger, index, name, varList, varList.objectType)
	od.addEntry(entry)
	return entry
}

func (od *ObjectDictionary) addPDO(pdoNb uint16, isRPDO bool) error {
	indexOffset := pdoNb - 1
	pdoType := "RPDO"
	cobId := uint32(0x200)
	if !isRPDO {
		indexOffset += 0x400
		pdoType = "TPDO"
		cobId = 0x180
	}
	// Predefined connection set only covers the first 4 PDOs, the node id
	// is added when the PDO is created. PDO is disabled until mapped.
	if pdoNb <= 4 {
		cobId += 0x100 * uint32(pdoNb-1)
	} else {
		cobId = 0
	}
	cobId |= 0x80000000
	pdoComm := NewRecord()
	pdoComm.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x6")
	pdoComm.AddSubObject(1, fmt.Sprintf("COB-ID used by %s", pdoType), UNSIGNED32, AttributeSdoRw, fmt.Sprintf("0x%X", cobId))
	pdoComm.AddSubObject(2, "Transmission type", UNSIGNED8, AttributeSdoRw, "0xFF")
	pdoComm.AddSubObject(3, "Inhibit time", UNSIGNED16, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(4, "Reserved", UNSIGNED8, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(5, "Event timer", UNSIGNED16, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(6, "SYNC start value", UNSIGNED8, AttributeSdoRw, "0x0")
	od.AddVariableList(EntryRPDOCommunicationStart+indexOffset, fmt.Sprintf("%s%d communication parameter", pdoType, pdoNb), pdoComm)

	pdoMap := NewRecord()
	pdoMap.AddSubObject(0, "Number of mapped application objects in PDO", UNSIGNED8, AttributeSdoRw, "0x0")
	for i := 1; i <= MaxMappedEntriesPdo; i++ {
		pdoMap.AddSubObject(uint8(i), fmt.Sprintf("Application object %d", i), UNSIGNED32, AttributeSdoRw, "0x0")
	}
	od.AddVariableList(EntryRPDOMappingStart+indexOffset, fmt.Sprintf("%s%d mapping parameter", pdoType, pdoNb), pdoMap)
	od.logger.Debugf("added %s%d parameters", pdoType, pdoNb)
	return nil
}

// AddRPDO adds an RPDO entry to the OD.
// This means that an RPDO Communication & Mapping parameter
// entries are created with the given rpdoNb.
// This however does not create the corresponding CANopen objects
func (od *ObjectDictionary) AddRPDO(rpdoNb uint16) error {
	if rpdoNb < 1 || rpdoNb > 512 {
		return ErrDevIncompat
	}
	return od.addPDO(rpdoNb, true)
}

// AddTPDO adds a TPDO entry to the OD, see [ObjectDictionary.AddRPDO]
func (od *ObjectDictionary) AddTPDO(tpdoNb uint16) error {
	if tpdoNb < 1 || tpdoNb > 512 {
		return ErrDevIncompat
	}
	return od.addPDO(tpdoNb, false)
}

// Index returns an OD entry at the specified index.
// index can either be a string, int or uint16.
// This method does not return an error but instead returns
// nil if no corresponding [Entry] is found.
func (od *ObjectDictionary) Index(index any) *Entry {
	switch ind := index.(type) {
	case string:
		return od.entriesByIndexName[ind]
	case int:
		return od.entriesByIndexValue[uint16(ind)]
	case uint16:
		return od.entriesByIndexValue[ind]
	default:
		return nil
	}
}

// Search an entry and create a [Streamer] for accessing it.
// Errors with [ErrIdxNotExist] or [ErrSubNotExist].
func (od *ObjectDictionary) Search(index uint16, subIndex uint8, selector Selector) (*Streamer, error) {
	entry := od.entriesByIndexValue[index]
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	return NewStreamer(entry, subIndex, selector)
}

// Indexes returns the sorted indexes of all entries
func (od *ObjectDictionary) Indexes() []uint16 {
	indexes := make([]uint16, 0, len(od.entriesByIndexValue))
	for index := range od.entriesByIndexValue {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes
}

// SetStateLock locks or unlocks writing of the entries with
// [AttributeLocked]. The node locks them while operational.
func (od *ObjectDictionary) SetStateLock(locked bool) {
	od.stateLocked.Store(locked)
}

// StateLocked returns true if entries with [AttributeLocked] are read only
func (od *ObjectDictionary) StateLocked() bool {
	return od.stateLocked.Load()
}

// Restore the default value of every entry
func (od *ObjectDictionary) Restore() {
	for _, entry := range od.entriesByIndexValue {
		switch object := entry.object.(type) {
		case *Variable:
			object.Restore()
		case *VariableList:
			for _, variable := range object.Variables {
				if variable != nil {
					variable.Restore()
				}
			}
		}
	}
}
