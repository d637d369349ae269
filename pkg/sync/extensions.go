package sync

import (
	"encoding/binary"

	"github.com/samsamfire/canopen-drive/pkg/od"
)

// [SYNC] update cob id
func writeEntry1005(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || stream.Subindex != 0 || countWritten == nil || len(data) != 4 {
		return od.ErrDevIncompat
	}
	sync, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	sync.mu.Lock()
	defer sync.mu.Unlock()

	cobId := binary.LittleEndian.Uint32(data)
	if !validCobId(cobId) {
		sync.logger.Warnf("rejected cob id x%x", cobId)
		return od.ErrInvalidValue
	}
	if cobId != sync.cobId {
		sync.logger.Debugf("updated cob id to x%x (prev x%x)", cobId, sync.cobId)
		sync.configure(cobId)
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}

// [SYNC] update communication cycle period
func writeEntry1006(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || stream.Subindex != 0 || countWritten == nil || len(data) != 4 {
		return od.ErrDevIncompat
	}
	sync, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	sync.mu.Lock()
	defer sync.mu.Unlock()

	sync.cyclePeriodUs = binary.LittleEndian.Uint32(data)
	sync.timerUs = 0
	sync.logger.Debugf("updated communication cycle period to %v us", sync.cyclePeriodUs)
	return od.WriteEntryDefault(stream, data, countWritten)
}

// [SYNC] update synchronous counter overflow
func writeEntry1019(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || stream.Subindex != 0 || countWritten == nil || len(data) != 1 {
		return od.ErrDevIncompat
	}
	sync, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	sync.mu.Lock()
	defer sync.mu.Unlock()

	counterOverflow := data[0]
	if counterOverflow == 1 || counterOverflow > MaxCounterOverflow {
		return od.ErrInvalidValue
	}
	if sync.cyclePeriodUs != 0 {
		return od.ErrDataDevState
	}
	sync.counterOverflow = counterOverflow
	sync.logger.Debugf("updated synchronous counter overflow to %v", counterOverflow)
	return od.WriteEntryDefault(stream, data, countWritten)
}
