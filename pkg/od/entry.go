package od

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// An Entry object is the main building block of an [ObjectDictionary].
// it holds an OD entry, i.e. an OD object at a specific index.
// An entry can be one of the following object types, defined by CiA 301
//   - VAR [Variable]
//   - DOMAIN [Variable]
//   - ARRAY [VariableList]
//   - RECORD [VariableList]
type Entry struct {
	// The OD index e.g. x1006
	Index uint16
	// The OD name inside of EDS
	Name string
	// The OD object type, as cited above.
	ObjectType uint8
	// Either a [Variable] or a [VariableList] object
	object    any
	extension *extension
	logger    *log.Entry
}

func NewEntry(logger *log.Entry, index uint16, name string, object any, objectType uint8) *Entry {
	return &Entry{
		Index:      index,
		Name:       name,
		ObjectType: objectType,
		object:     object,
		logger:     logger.WithField("index", index),
	}
}

// SubIndex returns the [Variable] at a given subindex.
func (entry *Entry) SubIndex(subIndex uint8) (*Variable, error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	switch object := entry.object.(type) {
	case *Variable:
		if subIndex != 0 {
			return nil, ErrSubNotExist
		}
		return object, nil
	case *VariableList:
		return object.GetSubObject(subIndex)
	default:
		return nil, ErrDevIncompat
	}
}

// SubCount returns the number of sub entries inside entry.
// If entry is of VAR type it will return 1
func (entry *Entry) SubCount() int {
	switch object := entry.object.(type) {
	case *VariableList:
		return len(object.Variables)
	default:
		return 1
	}
}

// Add an extension to an OD entry
// This allows an OD entry to perform custom behaviour on read or on write.
// Some extensions are defined by the services for CiA entries
// e.g. objects x1005, x1017, etc.
// Implementation of the default StreamReader & StreamWriter for a regular OD entry
// can be found here [ReadEntryDefault] & [WriteEntryDefault].
func (entry *Entry) AddExtension(object any, read StreamReader, write StreamWriter) {
	entry.logger.Debug("added OD extension")
	entry.extension = &extension{object: object, read: read, write: write}
}

// AddStageHandlers sets the optional first and last stages of the
// extension protocol. init is called when a new access is started and may
// refuse it, abort is called when an access is cancelled before its end.
// Must be called after [Entry.AddExtension].
func (entry *Entry) AddStageHandlers(init StreamInit, abort StreamAbort) {
	if entry.extension == nil {
		entry.logger.Warn("stage handlers need an extension")
		return
	}
	entry.extension.init = init
	entry.extension.abort = abort
}

// HasExtension returns true if accesses go through an extension
func (entry *Entry) HasExtension() bool {
	return entry.extension != nil
}

// Read exactly len(b) bytes from OD at (index,subIndex)
// origin parameter controls extension usage if exists
func (entry *Entry) readSubExactly(subIndex uint8, b []byte, origin bool) error {
	selector := SelectRuntime
	if origin {
		selector = SelectRaw
	}
	streamer, err := NewStreamer(entry, subIndex, selector)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Read(b)
	return err
}

// Write exactly len(b) bytes to OD at (index,subIndex)
// origin parameter controls extension usage if exists
func (entry *Entry) writeSubExactly(subIndex uint8, b []byte, origin bool) error {
	selector := SelectRuntime
	if origin {
		selector = SelectRaw
	}
	streamer, err := NewStreamer(entry, subIndex, selector)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Write(b)
	return err
}

// Uint8 reads data inside of OD as if it were and UNSIGNED8.
// It returns an error if length is incorrect or read failed.
func (entry *Entry) Uint8(subIndex uint8) (uint8, error) {
	b := make([]byte, 1)
	err := entry.readSubExactly(subIndex, b, true)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads data inside of OD as if it were and UNSIGNED16.
// It returns an error if length is incorrect or read failed.
func (entry *Entry) Uint16(subIndex uint8) (uint16, error) {
	b := make([]byte, 2)
	err := entry.readSubExactly(subIndex, b, true)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads data inside of OD as if it were and UNSIGNED32.
// It returns an error if length is incorrect or read failed.
func (entry *Entry) Uint32(subIndex uint8) (uint32, error) {
	b := make([]byte, 4)
	err := entry.readSubExactly(subIndex, b, true)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// PutUint8 writes an UNSIGNED8 to OD entry.
// It returns an error if length is incorrect or write failed.
// origin parameter controls extension usage if exists
func (entry *Entry) PutUint8(subIndex uint8, value uint8, origin bool) error {
	return entry.writeSubExactly(subIndex, []byte{value}, origin)
}

// PutUint16 writes an UNSIGNED16 to OD entry.
// It returns an error if length is incorrect or write failed.
// origin parameter controls extension usage if exists
func (entry *Entry) PutUint16(subIndex uint8, value uint16, origin bool) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, value)
	return entry.writeSubExactly(subIndex, b, origin)
}

// PutUint32 writes an UNSIGNED32 to OD entry.
// It returns an error if length is incorrect or write failed.
// origin parameter controls extension usage if exists
func (entry *Entry) PutUint32(subIndex uint8, value uint32, origin bool) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	return entry.writeSubExactly(subIndex, b, origin)
}
