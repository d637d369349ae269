package sdo

func (s *SDOServer) rxUploadInitiate(rx SDOMessage) error {
	s.logger.Debugf("[RX] upload initiate x%x:x%x %x", s.index, s.subindex, rx.raw)
	if err := s.load(); err != nil {
		return err
	}
	// Expedited transfer
	if s.sizeIndicated > 0 && s.sizeIndicated <= 4 {
		s.txUploadExpedited()
		s.release(true)
		return nil
	}
	// Switch to segmented response
	s.txUploadInitiate()
	return nil
}

func (s *SDOServer) txUploadExpedited() {
	data := [8]byte{0x43 | ((4 - byte(s.sizeIndicated)) << 2), byte(s.index), byte(s.index >> 8), s.subindex}
	_, _ = s.buf.Read(data[4 : 4+s.sizeIndicated])
	s.send(data)
	s.logger.Debugf("[TX] expedited upload x%x:x%x %x", s.index, s.subindex, data)
}
