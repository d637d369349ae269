package sdo

import (
	"bytes"
	"encoding/binary"
	"sync"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/od"
	log "github.com/sirupsen/logrus"
)

type internalState uint8

const (
	stateIdle internalState = iota
	stateDownloadSegmentReq
	stateUploadSegmentReq
)

var stateNames = map[internalState]string{
	stateIdle:               "IDLE",
	stateDownloadSegmentReq: "DOWNLOAD SEGMENT",
	stateUploadSegmentReq:   "UPLOAD SEGMENT",
}

func (s internalState) String() string {
	return stateNames[s]
}

// SDOServer answers object dictionary accesses from an SDO client.
// Only one transfer is handled at a time, segments are staged in a buffer
// and written to the OD once the transfer is complete.
type SDOServer struct {
	*canopen.BusManager
	logger              *log.Entry
	mu                  sync.Mutex
	od                  *od.ObjectDictionary
	nodeId              uint8
	rx                  canopen.Mailbox
	txBuffer            canopen.Frame
	cobIdClientToServer uint16
	cobIdServerToClient uint16
	cancel              func()
	streamer            *od.Streamer
	accessing           bool // Init stage of streamer was done
	buf                 *bytes.Buffer
	index               uint16
	subindex            uint8
	sizeIndicated       uint32
	sizeTransferred     uint32
	toggle              uint8
	state               internalState
	timeoutTimeUs       uint32
	timerUs             uint32
}

// Handle [SDOServer] related RX CAN frames
func (server *SDOServer) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	if err := server.rx.Store(frame); err != nil {
		server.logger.Warnf("dropped x%x : %v", frame.ID, err)
	}
}

// Process [SDOServer] state machine and TX CAN frames.
// Requests are only served in pre-operational and operational.
// Returns true while a transfer is in progress.
func (server *SDOServer) Process(nmtState uint8, timeDifferenceUs uint32) bool {
	server.mu.Lock()
	defer server.mu.Unlock()

	if nmtState != nmt.StateOperational && nmtState != nmt.StatePreOperational {
		if server.state != stateIdle {
			server.logger.Debugf("transfer x%x:x%x dropped in state %v", server.index, server.subindex, nmt.StateName(nmtState))
			server.release(false)
		}
		if _, ok := server.rx.Take(); ok {
			server.rx.Release()
		}
		return false
	}
	if server.rx.Overrun() {
		server.logger.Warn("request received before previous was processed")
	}
	frame, ok := server.rx.Take()
	if ok {
		server.rx.Release()
		server.timerUs = 0
		rx := SDOMessage{raw: frame.Data}
		if err := server.processIncoming(rx); err != nil {
			server.txAbort(toAbort(err))
		}
		return server.state != stateIdle
	}
	if server.state == stateIdle {
		return false
	}
	server.timerUs += timeDifferenceUs
	if server.timerUs >= server.timeoutTimeUs {
		server.txAbort(AbortTimeout)
	}
	return server.state != stateIdle
}

// Process a request, every error returned is sent as an abort
func (server *SDOServer) processIncoming(rx SDOMessage) error {
	cmd := rx.Command()
	if cmd == ccsAbort {
		if server.state != stateIdle {
			server.logger.Infof("[RX] client abort x%x:x%x : %v", server.index, server.subindex, rx.AbortCode())
			server.release(false)
		}
		return nil
	}

	switch server.state {
	case stateIdle:
		switch cmd {
		case ccsDownloadInitiate:
			if err := server.updateStreamer(rx, true); err != nil {
				return err
			}
			return server.rxDownloadInitiate(rx)
		case ccsUploadInitiate:
			if err := server.updateStreamer(rx, false); err != nil {
				return err
			}
			return server.rxUploadInitiate(rx)
		case ccsBlockDownload, ccsBlockUpload:
			server.index = rx.Index()
			server.subindex = rx.Subindex()
			server.logger.Debug("[RX] block transfer is not supported")
			return AbortCmd
		default:
			return AbortCmd
		}

	case stateDownloadSegmentReq:
		if cmd != ccsDownloadSegment {
			return AbortCmd
		}
		return server.rxDownloadSegment(rx)

	case stateUploadSegmentReq:
		if cmd != ccsUploadSegment {
			return AbortCmd
		}
		return server.rxUploadSegment(rx)
	}
	return AbortGeneral
}

// Update streamer object with new requested entry and check access
func (server *SDOServer) updateStreamer(rx SDOMessage, download bool) error {
	var err error
	server.index = rx.Index()
	server.subindex = rx.Subindex()
	server.sizeIndicated = 0
	server.sizeTransferred = 0
	server.toggle = 0
	server.buf.Reset()
	server.accessing = false
	server.streamer, err = server.od.Search(server.index, server.subindex, od.SelectRuntime)
	if err != nil {
		return err
	}
	if !server.streamer.HasAttribute(od.AttributeSdoR) && !server.streamer.HasAttribute(od.AttributeSdoW) {
		return AbortUnsupportedAccess
	}
	if !download && !server.streamer.HasAttribute(od.AttributeSdoR) {
		return AbortWriteOnly
	}
	if download && !server.streamer.HasAttribute(od.AttributeSdoW) {
		return AbortReadOnly
	}
	if download && server.streamer.HasAttribute(od.AttributeLocked) && server.od.StateLocked() {
		return AbortDataDeviceState
	}
	if err := server.streamer.Init(download); err != nil {
		return err
	}
	server.accessing = true
	return nil
}

// End of an access, the OD is notified if it did not complete
func (server *SDOServer) release(completed bool) {
	if server.accessing && !completed {
		server.streamer.Abort()
	}
	server.accessing = false
	server.state = stateIdle
	server.buf.Reset()
	server.timerUs = 0
}

// Stage data of a download, checking the OD size
func (server *SDOServer) stage(data []byte) error {
	sizeInOd := server.streamer.DataLength
	if sizeInOd > 0 && server.sizeTransferred+uint32(len(data)) > sizeInOd {
		return AbortDataLong
	}
	if server.sizeTransferred+uint32(len(data)) > MaxTransferSize {
		return AbortOutOfMem
	}
	server.buf.Write(data)
	server.sizeTransferred += uint32(len(data))
	return nil
}

// Commit the staged download to the OD. Strings may be shorter than the
// OD variable, remaining bytes are filled with zeroes.
func (server *SDOServer) commit() error {
	sizeInOd := server.streamer.DataLength
	if server.sizeIndicated > 0 && server.sizeTransferred != server.sizeIndicated {
		if server.sizeTransferred > server.sizeIndicated {
			return AbortDataLong
		}
		return AbortDataShort
	}
	switch {
	case sizeInOd == 0:
		server.streamer.DataLength = server.sizeTransferred
	case server.sizeTransferred < sizeInOd && server.streamer.HasAttribute(od.AttributeStr):
		server.buf.Write(make([]byte, sizeInOd-server.sizeTransferred))
	case server.sizeTransferred < sizeInOd:
		return AbortDataShort
	}
	// Extensions may consume the data in several calls
	data := server.buf.Bytes()
	for {
		n, err := server.streamer.Write(data)
		if err == nil {
			break
		}
		if err != od.ErrPartial || n == 0 {
			return err
		}
		data = data[n:]
		if len(data) == 0 {
			return AbortDataShort
		}
	}
	server.buf.Reset()
	return nil
}

// Read the whole OD value into the buffer. Extensions may return the
// value in several calls.
func (server *SDOServer) load() error {
	chunk := make([]byte, MaxTransferSize)
	for {
		n, err := server.streamer.Read(chunk[:MaxTransferSize-server.buf.Len()])
		if err != nil && err != od.ErrPartial {
			return err
		}
		server.buf.Write(chunk[:n])
		if err == nil {
			break
		}
		if server.buf.Len() >= MaxTransferSize || n == 0 {
			return AbortOutOfMem
		}
	}
	data := server.buf.Bytes()
	// Stop sending at null termination if string
	if server.streamer.HasAttribute(od.AttributeStr) {
		if end := bytes.IndexByte(data, 0); end >= 0 {
			if end == 0 {
				end = 1
			}
			server.buf.Truncate(end)
		}
	}
	server.sizeIndicated = uint32(server.buf.Len())
	return nil
}

func (server *SDOServer) send(data [8]byte) {
	server.txBuffer.Data = data
	if err := server.Send(server.txBuffer); err != nil {
		server.logger.Errorf("[TX] sending x%x failed : %v", server.txBuffer.ID, err)
	}
}

// Create & send abort on bus
func (server *SDOServer) txAbort(abortCode Abort) {
	server.release(false)
	data := [8]byte{0x80, byte(server.index), byte(server.index >> 8), server.subindex}
	binary.LittleEndian.PutUint32(data[4:], uint32(abortCode))
	server.send(data)
	server.logger.Warnf("[TX] server abort x%x:x%x : %v", server.index, server.subindex, abortCode)
}

// State returns a printable transfer state
func (server *SDOServer) State() string {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.state.String()
}

// Close removes the bus registration
func (server *SDOServer) Close() {
	if server.cancel != nil {
		server.cancel()
	}
}

func NewSDOServer(
	bm *canopen.BusManager,
	logger *log.Entry,
	odict *od.ObjectDictionary,
	nodeId uint8,
	timeoutMs uint32,
	entry1200 *od.Entry,
) (*SDOServer, error) {
	if odict == nil || bm == nil || entry1200 == nil || nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if timeoutMs == 0 {
		timeoutMs = DefaultServerTimeout
	}
	server := &SDOServer{
		BusManager:          bm,
		logger:              logger.WithField("service", "[SERVER]"),
		od:                  odict,
		nodeId:              nodeId,
		timeoutTimeUs:       timeoutMs * 1000,
		buf:                 bytes.NewBuffer(make([]byte, 0, MaxTransferSize)),
		cobIdClientToServer: ClientServiceId + uint16(nodeId),
		cobIdServerToClient: ServerServiceId + uint16(nodeId),
	}
	// Default server channel is always relative to node id
	entry1200.AddExtension(server, readEntry1200, od.WriteEntryDisabled)
	server.txBuffer = canopen.NewFrame(uint32(server.cobIdServerToClient), 0, 8)
	var err error
	server.cancel, err = bm.Subscribe(uint32(server.cobIdClientToServer), false, canopen.PriorityNormal, server)
	if err != nil {
		return nil, err
	}
	server.logger.Infof("initialized, rx x%x, tx x%x", server.cobIdClientToServer, server.cobIdServerToClient)
	return server, nil
}
