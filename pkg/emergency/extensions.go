package emergency

import (
	"encoding/binary"

	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/od"
)

// [EMCY] read emergency cob id
func readEntry1014(stream *od.Stream, data []byte, countRead *uint16) error {
	if stream == nil || data == nil || countRead == nil || len(data) < 4 || stream.Subindex != 0 {
		return od.ErrDevIncompat
	}
	em, ok := stream.Object.(*EMCY)
	if !ok {
		return od.ErrDevIncompat
	}
	em.mu.Lock()
	defer em.mu.Unlock()

	cobId := uint32(em.canId())
	if !em.producerEnabled {
		cobId |= 0x80000000
	}
	binary.LittleEndian.PutUint32(data, cobId)
	*countRead = 4
	return nil
}

// [EMCY] update emergency producer cob id
func writeEntry1014(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil || len(data) != 4 || stream.Subindex != 0 {
		return od.ErrDevIncompat
	}
	em, ok := stream.Object.(*EMCY)
	if !ok {
		return od.ErrDevIncompat
	}
	em.mu.Lock()
	defer em.mu.Unlock()

	cobId := binary.LittleEndian.Uint32(data)
	newCanId := uint16(cobId & 0x7FF)
	newEnabled := cobId&0x80000000 == 0
	if newEnabled && !validCobId(cobId, em.nodeId) {
		em.logger.Warnf("rejected cob id x%x", cobId)
		em.producerEnabled = false
		em.faults.Raise(fault.EmcyWrongCobId, newCanId)
		return od.ErrInvalidValue
	}
	// Cob id musn't change while enabled
	if em.producerEnabled && newEnabled && newCanId != em.canId() {
		return od.ErrInvalidValue
	}
	// Keep default cob id relative to node id
	stored := cobId
	if newCanId == ServiceId+uint16(em.nodeId) {
		newCanId = ServiceId
		stored = cobId&0x80000000 | ServiceId
	}
	em.producerEnabled = newEnabled
	em.producerIdent = newCanId
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, stored)
	return od.WriteEntryDefault(stream, raw, countWritten)
}

// [EMCY] update inhibit time
func writeEntry1015(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.Subindex != 0 || data == nil || countWritten == nil || len(data) != 2 {
		return od.ErrDevIncompat
	}
	em, ok := stream.Object.(*EMCY)
	if !ok {
		return od.ErrDevIncompat
	}
	em.mu.Lock()
	defer em.mu.Unlock()

	em.inhibitTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 100
	em.inhibitTimer = 0
	return od.WriteEntryDefault(stream, data, countWritten)
}
