package nmt

import (
	"encoding/binary"

	"github.com/samsamfire/canopen-drive/pkg/od"
)

// [NMT] update startup behaviour, applies on next bootup
func writeEntry1F80(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || stream.Subindex != 0 || data == nil || countWritten == nil || len(data) != 4 {
		return od.ErrDevIncompat
	}
	nmt, ok := stream.Object.(*NMT)
	if !ok {
		return od.ErrDevIncompat
	}
	nmt.mu.Lock()
	defer nmt.mu.Unlock()

	nmt.startup = binary.LittleEndian.Uint32(data)
	nmt.logger.Debugf("updated startup x%x", nmt.startup)
	return od.WriteEntryDefault(stream, data, countWritten)
}
