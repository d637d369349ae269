package sdo

func (s *SDOServer) rxDownloadSegment(rx SDOMessage) error {
	s.logger.Debugf("[RX] download segment x%x:x%x %x", s.index, s.subindex, rx.raw)
	if rx.Toggle() != s.toggle {
		return AbortToggleBit
	}
	if err := s.stage(rx.raw[1 : 1+rx.SegmentSize()]); err != nil {
		return err
	}
	last := rx.IsLastSegment()
	if last {
		if err := s.commit(); err != nil {
			return err
		}
	}
	s.txDownloadSegment()
	if last {
		s.release(true)
	}
	return nil
}

func (s *SDOServer) txDownloadSegment() {
	s.send([8]byte{0x20 | s.toggle})
	s.toggle ^= 0x10
}
