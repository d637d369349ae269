package lss

import (
	"encoding/binary"
	"fmt"
	"sync"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/od"
	log "github.com/sirupsen/logrus"
)

const rxQueueSize = 10

// Progress of the selective switch, each step must match in order
type Progress uint8

const (
	ProgressNone Progress = iota
	ProgressVendor
	ProgressProduct
	ProgressRevision
	ProgressSerial
)

// Values received during remote slave identification
type identifyRange struct {
	step         uint8
	vendorId     uint32
	productCode  uint32
	revisionLow  uint32
	revisionHigh uint32
	serialLow    uint32
	serialHigh   uint32
}

type LSSSlave struct {
	*canopen.BusManager
	mu               sync.Mutex
	logger           *log.Entry
	address          LSSAddress
	progress         Progress
	identify         identifyRange
	activeNodeId     uint8
	pendingNodeId    uint8
	activeBitTiming  uint8
	pendingBitTiming uint8
	switchDelayMs    uint16
	rx               chan LSSMessage
	state            LSSState
	store            Store
	entryNodeId      *od.Entry
	entryBitTiming   *od.Entry
	identity         *od.Entry
	cancel           func()
}

// Handle [LSSSlave] related RX CAN frames
func (l *LSSSlave) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	msg := LSSMessage{raw: frame.Data}
	select {
	case l.rx <- msg:
	default:
		// Drop frame
		l.logger.Warn("dropped LSS master RX frame")
	}
}

// Process all queued requests from the master. Processing stops at the
// first request that needs an action from the node, remaining messages
// are handled on the next call.
func (l *LSSSlave) Process() Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		select {
		case rx := <-l.rx:
			l.logger.Debugf("received command %v (x%x), raw %x", rx.Command(), uint8(rx.Command()), rx.raw)
			prevState := l.state
			request, err := l.processRequest(rx)
			if err != nil {
				l.logger.Warnf("error processing command %v : %v", rx.Command(), err)
			}
			if prevState != l.state {
				l.logger.Infof("slave moved from state %v to %v", prevState, l.state)
			}
			if request != RequestNone {
				return request
			}
		default:
			return RequestNone
		}
	}
}

// Active returns true if the node may be configured. An unconfigured node
// is always active.
func (l *LSSSlave) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active()
}

func (l *LSSSlave) active() bool {
	return l.state == StateConfiguration || l.activeNodeId == NodeIdUnconfigured
}

// Get current lss state
func (l *LSSSlave) GetState() LSSState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Get current selective switch progress
func (l *LSSSlave) Progress() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress
}

// NodeId returns the active and the pending node id
func (l *LSSSlave) NodeId() (active uint8, pending uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeNodeId, l.pendingNodeId
}

// CommitNodeId makes the pending node id active, called by the node on
// communication reset.
func (l *LSSSlave) CommitNodeId() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeNodeId = l.pendingNodeId
	return l.activeNodeId
}

// BitTiming returns the active and the pending bit timing index
func (l *LSSSlave) BitTiming() (active uint8, pending uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeBitTiming, l.pendingBitTiming
}

// CommitBitTiming makes the pending bit timing active and returns the
// corresponding bit rate
func (l *LSSSlave) CommitBitTiming() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeBitTiming = l.pendingBitTiming
	return Bitrates[l.activeBitTiming]
}

// SwitchDelayMs is the delay requested by the last activate bit timing
func (l *LSSSlave) SwitchDelayMs() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.switchDelayMs
}

// Process new request from master depending on the current LSS mode
// Available commands depend on the state.
func (l *LSSSlave) processRequest(rx LSSMessage) (Request, error) {
	cmd := rx.Command()

	switch {
	case (cmd >= CmdSwitchStateSelectiveVendor && cmd <= CmdSwitchStateSelectiveSerialNb) || cmd == CmdSwitchStateGlobal:
		return l.processSwitchStateService(rx)

	case cmd >= CmdIdentifyRemoteVendor && cmd <= CmdIdentifyNonConfigured:
		return RequestNone, l.processIdentifyService(rx)

	case cmd >= CmdConfigureNodeId && cmd <= CmdConfigureStoreParameters:
		// Configuration service is only valid in configuration mode
		if !l.active() {
			return RequestNone, nil
		}
		return l.processConfigurationService(rx)

	case cmd >= CmdInquireVendor && cmd <= CmdInquireNodeId:
		// Inquire service is only valid in configuration mode
		if !l.active() {
			return RequestNone, nil
		}
		return RequestNone, l.processInquiryService(cmd)
	}
	return RequestNone, nil
}

// Process switch state service message
func (l *LSSSlave) processSwitchStateService(msg LSSMessage) (Request, error) {
	cmd := msg.Command()
	if cmd == CmdSwitchStateGlobal {
		l.progress = ProgressNone
		mode := LSSMode(msg.raw[1])
		switch mode {
		case ModeWaiting:
			l.state = StateWaiting
			// An unconfigured node comes up with its newly configured id
			if l.activeNodeId == NodeIdUnconfigured && l.pendingNodeId != NodeIdUnconfigured {
				return RequestResetComm, nil
			}
		case ModeConfiguration:
			l.state = StateConfiguration
		default:
			return RequestNone, fmt.Errorf("switch mode unknown %v", mode)
		}
		return RequestNone, nil
	}

	// Selective switch, steps must be received in order
	step := Progress(cmd-CmdSwitchStateSelectiveVendor) + 1
	value := binary.LittleEndian.Uint32(msg.raw[1:5])
	var expected uint32
	switch cmd {
	case CmdSwitchStateSelectiveVendor:
		expected = l.address.VendorId
	case CmdSwitchStateSelectiveProduct:
		expected = l.address.ProductCode
	case CmdSwitchStateSelectiveRevision:
		expected = l.address.RevisionNumber
	case CmdSwitchStateSelectiveSerialNb:
		expected = l.address.SerialNumber
	}
	if step == ProgressVendor {
		l.progress = ProgressNone
	}
	if step != l.progress+1 || value != expected {
		if l.progress != ProgressNone {
			l.logger.Debugf("switch state selective reset at step %v (value x%x)", step, value)
		}
		l.progress = ProgressNone
		return RequestNone, nil
	}
	l.progress = step
	if l.progress != ProgressSerial {
		return RequestNone, nil
	}
	// This is the last part of the switch state selective, we have been selected
	l.progress = ProgressNone
	l.state = StateConfiguration
	return RequestNone, l.Send([8]byte{byte(CmdSwitchStateSelectiveResult)})
}

// Process identification services, they are available in every state
func (l *LSSSlave) processIdentifyService(msg LSSMessage) error {
	cmd := msg.Command()
	if cmd == CmdIdentifyNonConfigured {
		if l.activeNodeId != NodeIdUnconfigured {
			return nil
		}
		return l.Send([8]byte{byte(CmdIdentifyNonConfiguredSlave)})
	}
	step := uint8(cmd - CmdIdentifyRemoteVendor)
	if step != l.identify.step {
		l.identify = identifyRange{}
		if step != 0 {
			return nil
		}
	}
	value := binary.LittleEndian.Uint32(msg.raw[1:5])
	switch cmd {
	case CmdIdentifyRemoteVendor:
		l.identify.vendorId = value
	case CmdIdentifyRemoteProduct:
		l.identify.productCode = value
	case CmdIdentifyRemoteRevisionLow:
		l.identify.revisionLow = value
	case CmdIdentifyRemoteRevisionHigh:
		l.identify.revisionHigh = value
	case CmdIdentifyRemoteSerialLow:
		l.identify.serialLow = value
	case CmdIdentifyRemoteSerialHigh:
		l.identify.serialHigh = value
	}
	l.identify.step++
	if cmd != CmdIdentifyRemoteSerialHigh {
		return nil
	}
	id := l.identify
	l.identify = identifyRange{}
	if id.vendorId != l.address.VendorId || id.productCode != l.address.ProductCode {
		return nil
	}
	if l.address.RevisionNumber < id.revisionLow || l.address.RevisionNumber > id.revisionHigh {
		return nil
	}
	if l.address.SerialNumber < id.serialLow || l.address.SerialNumber > id.serialHigh {
		return nil
	}
	return l.Send([8]byte{byte(CmdIdentifySlave)})
}

// Process inquiry service message, prepare TX buffer for sending
func (l *LSSSlave) processInquiryService(cmd LSSCommand) error {
	data := [8]byte{byte(cmd)}
	switch cmd {
	case CmdInquireVendor:
		binary.LittleEndian.PutUint32(data[1:], l.address.VendorId)
	case CmdInquireProduct:
		binary.LittleEndian.PutUint32(data[1:], l.address.ProductCode)
	case CmdInquireRevision:
		binary.LittleEndian.PutUint32(data[1:], l.address.RevisionNumber)
	case CmdInquireSerial:
		binary.LittleEndian.PutUint32(data[1:], l.address.SerialNumber)
	case CmdInquireNodeId:
		data[1] = l.activeNodeId
	default:
		return fmt.Errorf("unknown LSS command %v", cmd)
	}
	return l.Send(data)
}

// Process configuration service, prepare TX buffer for sending
func (l *LSSSlave) processConfigurationService(msg LSSMessage) (Request, error) {
	cmd := msg.Command()
	switch cmd {

	case CmdConfigureNodeId:
		nodeId := msg.raw[1]
		if !(nodeId >= NodeIdMin && nodeId <= NodeIdMax || nodeId == NodeIdUnconfigured) {
			l.logger.Warnf("requested node id is out of range : %v", nodeId)
			return RequestNone, l.Send([8]byte{byte(cmd), ConfigOutOfRange})
		}
		l.pendingNodeId = nodeId
		return RequestNone, l.Send([8]byte{byte(cmd), ConfigOk})

	case CmdConfigureBitTiming:
		table, index := msg.raw[1], msg.raw[2]
		if table != 0 || int(index) >= len(Bitrates) {
			l.logger.Warnf("requested bit timing is not supported : table %v, index %v", table, index)
			return RequestNone, l.Send([8]byte{byte(cmd), ConfigOutOfRange})
		}
		l.pendingBitTiming = index
		return RequestNone, l.Send([8]byte{byte(cmd), ConfigOk})

	case CmdConfigureActivateBitTiming:
		// No response, every node switches at the same time
		l.switchDelayMs = binary.LittleEndian.Uint16(msg.raw[1:3])
		return RequestActivateBitTiming, nil

	case CmdConfigureStoreParameters:
		return l.storeConfiguration()

	default:
		return RequestNone, fmt.Errorf("unknown LSS command %v", cmd)
	}
}

func (l *LSSSlave) storeConfiguration() (Request, error) {
	response := [8]byte{byte(CmdConfigureStoreParameters), ConfigOk}
	if l.store == nil {
		response[1] = ConfigOutOfRange
		return RequestNone, l.Send(response)
	}
	err := l.store.PersistConfiguration(l.pendingNodeId, l.pendingBitTiming)
	if err != nil {
		l.logger.Errorf("storing configuration failed : %v", err)
		response[1] = ConfigStoreFailed
		return RequestNone, l.Send(response)
	}
	if err := l.entryNodeId.PutUint8(0, l.pendingNodeId, true); err != nil {
		l.logger.Warnf("updating x%x failed : %v", od.EntryLSSNodeId, err)
	}
	if err := l.entryBitTiming.PutUint8(0, l.pendingBitTiming, true); err != nil {
		l.logger.Warnf("updating x%x failed : %v", od.EntryLSSBitTiming, err)
	}
	l.logger.Infof("stored node id %v, bit timing %v", l.pendingNodeId, l.pendingBitTiming)
	if err := l.Send(response); err != nil {
		return RequestNone, err
	}
	if l.pendingNodeId != l.activeNodeId {
		return RequestResetComm, nil
	}
	return RequestNone, nil
}

func (l *LSSSlave) Send(data [8]byte) error {
	frame := canopen.NewFrame(ServiceSlaveId, 0, 8)
	frame.Data = data
	return l.BusManager.Send(frame)
}

// Close removes the bus registration
func (l *LSSSlave) Close() {
	if l.cancel != nil {
		l.cancel()
	}
}

// ReloadAddress reads the LSS address from the identity object again,
// after the identity was changed by the application
func (l *LSSSlave) ReloadAddress() error {
	address, err := readAddress(l.identity)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if address != l.address {
		l.logger.Infof("address changed to %+v", address)
	}
	l.address = address
	return nil
}

func readAddress(identity *od.Entry) (LSSAddress, error) {
	var err error
	address := LSSAddress{}
	address.VendorId, err = identity.Uint32(1)
	if err != nil {
		return address, err
	}
	address.ProductCode, err = identity.Uint32(2)
	if err != nil {
		return address, err
	}
	address.RevisionNumber, err = identity.Uint32(3)
	if err != nil {
		return address, err
	}
	address.SerialNumber, err = identity.Uint32(4)
	return address, err
}

func NewLSSSlave(
	bm *canopen.BusManager,
	logger *log.Entry,
	store Store,
	nodeId uint8,
	bitTiming uint8,
	identity *od.Entry,
	entry2100 *od.Entry,
	entry2101 *od.Entry,
) (*LSSSlave, error) {
	if bm == nil || identity == nil || entry2100 == nil || entry2101 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if !(nodeId >= NodeIdMin && nodeId <= NodeIdMax || nodeId == NodeIdUnconfigured) {
		return nil, ErrInvalidNodeId
	}
	if int(bitTiming) >= len(Bitrates) {
		return nil, ErrInvalidBitTiming
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	address, err := readAddress(identity)
	if err != nil {
		return nil, err
	}
	lss := &LSSSlave{
		BusManager:       bm,
		logger:           logger.WithField("service", "[LSS]"),
		address:          address,
		activeNodeId:     nodeId,
		pendingNodeId:    nodeId,
		activeBitTiming:  bitTiming,
		pendingBitTiming: bitTiming,
		state:            StateWaiting,
		store:            store,
		entryNodeId:      entry2100,
		entryBitTiming:   entry2101,
		identity:         identity,
		rx:               make(chan LSSMessage, rxQueueSize),
	}
	lss.cancel, err = bm.Subscribe(ServiceMasterId, false, canopen.PriorityNormal, lss)
	if err != nil {
		return nil, err
	}
	lss.logger.Infof("initialized with address %+v, node id %v", address, nodeId)
	return lss, nil
}
