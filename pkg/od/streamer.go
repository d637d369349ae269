package od

import (
	"sync"
)

// Selector chooses which value set of the dictionary is accessed
type Selector uint8

const (
	SelectRuntime Selector = iota // Runtime value, through the extension if any
	SelectRaw                     // Runtime value, bypassing any extension
	SelectDefault                 // Default value, never through an extension
)

// A Stream object is used for streaming data from / to an OD entry.
// It is meant to be used inside of a [StreamReader] or [StreamWriter] function
// and provides low level access for defining custom behaviour when reading
// or writing to an OD entry.
type Stream struct {
	// Mutex used for synchronizing OD access
	mu *sync.RWMutex
	// The actual corresponding data stored inside of OD
	Data []byte
	// This is used to keep track of how much has been written or read.
	// It is typically used for long running segmented transfers.
	DataOffset uint32
	// The actual length of the data inside of the OD. Extensions may
	// change it in their init stage, when the size is only known at run time.
	DataLength uint32
	// A custom object that can be used when using a custom extension
	// see [Entry.AddExtension]
	Object any
	// The OD attribute of the entry inside OD. e.g. AttributeSdoR
	Attribute uint8
	// The index and subindex of this OD entry
	Index    uint16
	Subindex uint8
}

// A StreamReader is a function that reads from a [Stream] object and
// updates the countRead and the read slice with the read bytes.
// It returns [ErrPartial] as long as more data is available.
type StreamReader func(stream *Stream, read []byte, countRead *uint16) error

// A StreamWriter is a function that writes to a [Stream] object
// using the to_write slice and updates countWritten.
// It returns [ErrPartial] as long as more data is expected.
type StreamWriter func(stream *Stream, toWrite []byte, countWritten *uint16) error

// StreamInit is the init stage of an access, write is true for downloads.
// Returning an error refuses the access.
type StreamInit func(stream *Stream, write bool) error

// StreamAbort is called when an access started with [StreamInit] does
// not reach its end, e.g. an SDO transfer aborted by the client
type StreamAbort func(stream *Stream)

// extension object, is used for extending functionnality of an OD entry
type extension struct {
	object any          // Any object to link with extension
	read   StreamReader // A [StreamReader] that will be called when reading entry
	write  StreamWriter // A [StreamWriter] that will be called when writing to entry
	init   StreamInit
	abort  StreamAbort
}

// Streamer is created before accessing an OD entry
// It creates a buffer from OD Data []byte slice and provides a default reader
// and a default writer
type Streamer struct {
	Stream
	reader StreamReader
	writer StreamWriter
	init   StreamInit
	abort  StreamAbort
	hooked bool
}

// Implements io.Reader
func (s *Streamer) Read(b []byte) (n int, err error) {
	countRead := uint16(0)
	err = s.reader(&s.Stream, b, &countRead)
	return int(countRead), err
}

// Implements io.Writer
func (s *Streamer) Write(b []byte) (n int, err error) {
	countWritten := uint16(0)
	err = s.writer(&s.Stream, b, &countWritten)
	return int(countWritten), err
}

// Abort an access in progress. The extension, if any, is notified so it
// can release resources held for a partial write.
func (s *Streamer) Abort() {
	if s.abort != nil {
		s.abort(&s.Stream)
	}
	s.DataOffset = 0
}

// HasAttribute returns true if all the given attribute bits are set
func (s *Streamer) HasAttribute(attribute uint8) bool {
	return s.Attribute&attribute == attribute
}

// Hooked returns true if accesses go through an extension
func (s *Streamer) Hooked() bool {
	return s.hooked
}

// Create an object streamer for a given od entry + subindex
func NewStreamer(entry *Entry, subIndex uint8, selector Selector) (*Streamer, error) {
	if entry == nil || entry.object == nil {
		return nil, ErrIdxNotExist
	}
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return nil, err
	}
	streamer := &Streamer{}
	streamer.Attribute = variable.Attribute
	streamer.Index = entry.Index
	streamer.Subindex = subIndex
	streamer.mu = &variable.mu
	variable.mu.RLock()
	if selector == SelectDefault {
		streamer.Data = variable.valueDefault
	} else {
		streamer.Data = variable.value
	}
	variable.mu.RUnlock()
	streamer.DataLength = uint32(len(streamer.Data))

	// Domain entries require extensions to be used, by default they are disabled
	if variable.DataType == DOMAIN && (entry.extension == nil || selector != SelectRuntime) {
		streamer.reader = ReadEntryDisabled
		streamer.writer = WriteEntryDisabled
		return streamer, nil
	}
	// Add normal reader / writer for object
	if entry.extension == nil || selector != SelectRuntime {
		streamer.reader = ReadEntryDefault
		streamer.writer = WriteEntryDefault
		return streamer, nil
	}
	// Add extension reader / writer for object
	ext := entry.extension
	streamer.hooked = true
	streamer.reader = ext.read
	if streamer.reader == nil {
		streamer.reader = ReadEntryDisabled
	}
	streamer.writer = ext.write
	if streamer.writer == nil {
		streamer.writer = WriteEntryDisabled
	}
	streamer.init = ext.init
	streamer.abort = ext.abort
	streamer.Object = ext.object
	return streamer, nil
}

// Init runs the init stage of the extension, if any.
// write is true when the access is a write.
func (s *Streamer) Init(write bool) error {
	s.DataOffset = 0
	if s.init == nil {
		return nil
	}
	return s.init(&s.Stream, write)
}

// This is the default "StreamReader" type for every OD entry
// It Reads a value from the original OD location i.e. [Stream] object
// And writes it inside data. It also updates the actual read count, countRead
func ReadEntryDefault(stream *Stream, data []byte, countRead *uint16) error {
	if stream == nil || stream.Data == nil || data == nil || countRead == nil || stream.mu == nil {
		return ErrDevIncompat
	}
	stream.mu.RLock()
	defer stream.mu.RUnlock()

	dataLenToCopy := int(stream.DataLength)
	count := len(data)
	var err error

	// If reading already started or not enough space in buffer, read
	// in several calls
	if stream.DataOffset > 0 || dataLenToCopy > count {
		if stream.DataOffset >= uint32(dataLenToCopy) {
			return ErrDevIncompat
		}
		dataLenToCopy -= int(stream.DataOffset)
		if dataLenToCopy > count {
			// Partial read
			dataLenToCopy = count
			err = ErrPartial
		}
	}
	copy(data, stream.Data[stream.DataOffset:stream.DataOffset+uint32(dataLenToCopy)])
	if err == ErrPartial {
		stream.DataOffset += uint32(dataLenToCopy)
	} else {
		stream.DataOffset = 0
	}
	*countRead = uint16(dataLenToCopy)
	return err
}

// This is the default "StreamWriter" type for every OD entry
// It writes data to the [Stream] object
// It also updates the number write count, countWritten
func WriteEntryDefault(stream *Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.Data == nil || data == nil || countWritten == nil || stream.mu == nil {
		return ErrDevIncompat
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()

	dataLenToCopy := int(stream.DataLength)
	count := len(data)
	var err error

	// If writing already started or not enough space in buffer, write
	// in several calls
	if stream.DataOffset > 0 || dataLenToCopy > count {
		if stream.DataOffset >= uint32(dataLenToCopy) {
			return ErrDevIncompat
		}
		dataLenToCopy -= int(stream.DataOffset)
		if dataLenToCopy > count {
			// Partial write
			dataLenToCopy = count
			err = ErrPartial
		}
	}
	// OD variable is smaller than the provided buffer
	if dataLenToCopy < count ||
		stream.DataOffset+uint32(dataLenToCopy) > uint32(len(stream.Data)) {
		return ErrDataLong
	}
	copy(stream.Data[stream.DataOffset:stream.DataOffset+uint32(dataLenToCopy)], data)
	if err == ErrPartial {
		stream.DataOffset += uint32(dataLenToCopy)
	} else {
		stream.DataOffset = 0
	}
	*countWritten = uint16(dataLenToCopy)
	return err
}

// "StreamReader" when the actual OD entry to be read is disabled
func ReadEntryDisabled(stream *Stream, data []byte, countRead *uint16) error {
	return ErrUnsuppAccess
}

// "StreamWriter" when the actual OD entry to be written is disabled
func WriteEntryDisabled(stream *Stream, data []byte, countWritten *uint16) error {
	return ErrUnsuppAccess
}
