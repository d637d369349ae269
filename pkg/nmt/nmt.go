package nmt

import (
	"sync"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/od"
	log "github.com/sirupsen/logrus"
)

// 0x1F80 NMT startup, device enters operational on its own
const StartupSelfStarting uint32 = 0x04

const ServiceId = 0

// Possible NMT states
const (
	StateInitializing   uint8 = 0
	StatePreOperational uint8 = 127
	StateOperational    uint8 = 5
	StateStopped        uint8 = 4
	StateUnknown        uint8 = 255
)

var stateMap = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StatePreOperational: "PRE-OPERATIONAL",
	StateOperational:    "OPERATIONAL",
	StateStopped:        "STOPPED",
	StateUnknown:        "UNKNOWN",
}

// StateName returns a printable NMT state
func StateName(state uint8) string {
	name, ok := stateMap[state]
	if !ok {
		return stateMap[StateUnknown]
	}
	return name
}

// Reset requested by an NMT command, to be executed by the node
const (
	ResetNot  uint8 = 0
	ResetComm uint8 = 1
	ResetApp  uint8 = 2
)

// Available NMT commands
// They can be broadcasted to all nodes or to individual nodes
type Command uint8

const (
	CommandEmpty               Command = 0
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

var CommandDescription = map[Command]string{
	CommandEnterOperational:    "ENTER-OPERATIONAL",
	CommandEnterStopped:        "ENTER-STOPPED",
	CommandEnterPreOperational: "ENTER-PREOPERATIONAL",
	CommandResetNode:           "RESET-NODE",
	CommandResetCommunication:  "RESET-COMMUNICATION",
}

// NMT slave state machine. Commands are received in the reception
// context and applied in [NMT.Process].
type NMT struct {
	*canopen.BusManager
	mu                 sync.Mutex
	logger             *log.Entry
	operatingState     uint8
	operatingStatePrev uint8
	internalCommand    Command
	nodeId             uint8
	startup            uint32
	bootupSent         bool
	callback           func(nmtState uint8)
	cancel             func()
}

// Handle NMT command frames, only commands for this node are kept.
// The last received command wins.
func (nmt *NMT) Handle(frame canopen.Frame) {
	if frame.DLC != 2 {
		return
	}
	command := Command(frame.Data[0])
	nodeId := frame.Data[1]
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	if nodeId == 0 || nodeId == nmt.nodeId {
		nmt.internalCommand = command
	}
}

// Process NMT related tasks. lssActive blocks commands while the node is
// being configured. Returns the reset requested by a command, if any.
func (nmt *NMT) Process(lssActive bool) uint8 {
	nmt.mu.Lock()

	state := nmt.operatingState
	resetCommand := ResetNot
	nmtInit := state == StateInitializing

	// Bootup is left once the error control sent the bootup frame
	if nmtInit && nmt.bootupSent {
		if nmt.startup&StartupSelfStarting != 0 {
			state = StateOperational
		} else {
			state = StatePreOperational
		}
	}

	command := nmt.internalCommand
	nmt.internalCommand = CommandEmpty
	if command != CommandEmpty {
		switch {
		case lssActive:
			nmt.logger.Debugf("ignored %v, LSS active", CommandDescription[command])
		case nmtInit:
			nmt.logger.Debugf("ignored %v, booting", CommandDescription[command])
		default:
			switch command {
			case CommandEnterOperational:
				state = StateOperational
			case CommandEnterStopped:
				state = StateStopped
			case CommandEnterPreOperational:
				state = StatePreOperational
			case CommandResetNode:
				resetCommand = ResetApp
			case CommandResetCommunication:
				resetCommand = ResetComm
			default:
				nmt.logger.Debugf("ignored unknown command x%x", uint8(command))
			}
		}
	}
	if resetCommand != ResetNot {
		nmt.logger.Infof("received %v", CommandDescription[command])
	}

	previous := nmt.operatingState
	nmt.operatingStatePrev = previous
	nmt.operatingState = state
	callback := nmt.callback
	nmt.mu.Unlock()

	if previous != state {
		nmt.logger.Infof("state changed | %v ==> %v", StateName(previous), StateName(state))
		if callback != nil {
			callback(state)
		}
	}
	return resetCommand
}

// BootupSent is called once the bootup frame was transmitted
func (nmt *NMT) BootupSent() {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.bootupSent = true
}

// Get a NMT state
func (nmt *NMT) GetInternalState() uint8 {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	return nmt.operatingState
}

// Send NMT command to self, don't send on network
func (nmt *NMT) SendInternalCommand(command uint8) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.internalCommand = Command(command)
}

// SetCallback is called on every state change, from [NMT.Process]
func (nmt *NMT) SetCallback(callback func(nmtState uint8)) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.callback = callback
}

// Close removes the NMT frame registration
func (nmt *NMT) Close() {
	nmt.cancel()
}

func NewNMT(
	bm *canopen.BusManager,
	logger *log.Entry,
	nodeId uint8,
	entry1F80 *od.Entry,
) (*NMT, error) {
	if bm == nil || nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	nmt := &NMT{
		BusManager:         bm,
		logger:             logger.WithField("service", "[NMT]"),
		nodeId:             nodeId,
		operatingState:     StateInitializing,
		operatingStatePrev: StateInitializing,
	}
	if entry1F80 != nil {
		startup, err := entry1F80.Uint32(0)
		if err != nil {
			nmt.logger.Errorf("reading NMT startup x%x failed : %v", od.EntryNMTStartup, err)
			return nil, canopen.ErrOdParameters
		}
		nmt.startup = startup
		entry1F80.AddExtension(nmt, od.ReadEntryDefault, writeEntry1F80)
	}
	cancel, err := bm.Subscribe(uint32(ServiceId), false, canopen.PriorityHigh, nmt)
	if err != nil {
		return nil, err
	}
	nmt.cancel = cancel
	return nmt, nil
}
