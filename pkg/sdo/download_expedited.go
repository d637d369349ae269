package sdo

import (
	"encoding/binary"

	"github.com/samsamfire/canopen-drive/pkg/od"
)

func (s *SDOServer) rxDownloadInitiate(rx SDOMessage) error {
	sizeInOd := s.streamer.DataLength

	// Segmented transfer type
	if !rx.IsExpedited() {
		s.logger.Debugf("[RX] segmented download x%x:x%x %x", s.index, s.subindex, rx.raw)
		// If size is indicated, it must match the size in OD
		if rx.IsSizeIndicated() {
			s.sizeIndicated = binary.LittleEndian.Uint32(rx.raw[4:])
			if sizeInOd > 0 {
				if s.sizeIndicated > sizeInOd {
					return AbortDataLong
				} else if s.sizeIndicated < sizeInOd && !s.streamer.HasAttribute(od.AttributeStr) {
					return AbortDataShort
				}
			}
			if s.sizeIndicated > MaxTransferSize {
				return AbortOutOfMem
			}
		}
		s.txDownloadInitiate()
		s.toggle = 0x00
		s.state = stateDownloadSegmentReq
		return nil
	}

	// Expedited transfer type, 4 bytes of data max
	s.logger.Debugf("[RX] expedited download x%x:x%x %x", s.index, s.subindex, rx.raw)
	nbToWrite := rx.ExpeditedSize()
	if nbToWrite == 0 {
		nbToWrite = 4
		if sizeInOd > 0 && sizeInOd < 4 {
			nbToWrite = int(sizeInOd)
		}
	} else {
		s.sizeIndicated = uint32(nbToWrite)
	}
	if err := s.stage(rx.raw[4 : 4+nbToWrite]); err != nil {
		return err
	}
	if err := s.commit(); err != nil {
		return err
	}
	s.txDownloadInitiate()
	s.release(true)
	return nil
}

func (s *SDOServer) txDownloadInitiate() {
	s.send([8]byte{0x60, byte(s.index), byte(s.index >> 8), s.subindex})
}
