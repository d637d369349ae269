package sdo

import (
	"encoding/binary"

	"github.com/samsamfire/canopen-drive/pkg/od"
)

// [SDO server] read server parameters, cob ids are relative to node id
func readEntry1200(stream *od.Stream, data []byte, countRead *uint16) error {
	if stream == nil || data == nil || countRead == nil {
		return od.ErrDevIncompat
	}
	server, ok := stream.Object.(*SDOServer)
	if !ok {
		return od.ErrDevIncompat
	}
	switch stream.Subindex {
	case 1:
		if len(data) < 4 {
			return od.ErrDevIncompat
		}
		binary.LittleEndian.PutUint32(data, uint32(server.cobIdClientToServer))
		*countRead = 4
		return nil
	case 2:
		if len(data) < 4 {
			return od.ErrDevIncompat
		}
		binary.LittleEndian.PutUint32(data, uint32(server.cobIdServerToClient))
		*countRead = 4
		return nil
	default:
		return od.ReadEntryDefault(stream, data, countRead)
	}
}
