package sdo

import (
	"encoding/binary"
)

func (s *SDOServer) rxUploadSegment(rx SDOMessage) error {
	s.logger.Debugf("[RX] upload segment x%x:x%x %x", s.index, s.subindex, rx.raw)
	if (rx.raw[0] & 0xEF) != 0x60 {
		return AbortCmd
	}
	if rx.Toggle() != s.toggle {
		return AbortToggleBit
	}
	if s.txUploadSegment() {
		s.release(true)
	}
	return nil
}

func (s *SDOServer) txUploadInitiate() {
	data := [8]byte{0x41, byte(s.index), byte(s.index >> 8), s.subindex}
	binary.LittleEndian.PutUint32(data[4:], s.sizeIndicated)
	s.send(data)
	s.toggle = 0x00
	s.state = stateUploadSegmentReq
	s.logger.Debugf("[TX] segmented upload initiate x%x:x%x size %v", s.index, s.subindex, s.sizeIndicated)
}

// Send next segment, returns true if it was the last one
func (s *SDOServer) txUploadSegment() bool {
	data := [8]byte{s.toggle}
	s.toggle ^= 0x10
	n, _ := s.buf.Read(data[1:])
	s.sizeTransferred += uint32(n)
	last := s.buf.Len() == 0
	data[0] |= byte(segmentSize-n) << 1
	if last {
		data[0] |= 0x01
	}
	s.send(data)
	s.logger.Debugf("[TX] upload segment x%x:x%x %x", s.index, s.subindex, data)
	return last
}
