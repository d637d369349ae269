package heartbeat

import (
	"sync"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/od"
	log "github.com/sirupsen/logrus"
)

const ServiceId = 0x700

// Allowed range of guard time and heartbeat time, 0 disables
const (
	MinTimeMs = 10
	MaxTimeMs = 60000
)

const toggleBit = 0x80

type Mode uint8

const (
	ModeNone      Mode = 0
	ModeHeartbeat Mode = 1
	ModeGuard     Mode = 2
)

type RunState uint8

const (
	RunBootup RunState = iota
	RunStart
	RunRun
	RunStop
)

var runStateMap = map[RunState]string{
	RunBootup: "BOOTUP",
	RunStart:  "START",
	RunRun:    "RUN",
	RunStop:   "STOP",
}

func (s RunState) String() string {
	return runStateMap[s]
}

type config struct {
	heartbeatTimeMs uint32
	guardTimeMs     uint16
	lifeTimeFactor  uint8
}

// Heartbeat has priority over guarding
func (c config) mode() Mode {
	switch {
	case c.heartbeatTimeMs > 0:
		return ModeHeartbeat
	case c.guardTimeMs > 0:
		return ModeGuard
	default:
		return ModeNone
	}
}

func validTime(timeMs uint32) bool {
	return timeMs == 0 || (timeMs >= MinTimeMs && timeMs <= MaxTimeMs)
}

// ErrorControl is the error control protocol of the node : bootup frame,
// heartbeat producer or answers to node guarding requests.
type ErrorControl struct {
	*canopen.BusManager
	mu          sync.Mutex
	logger      *log.Entry
	faults      fault.Raiser
	nodeId      uint8
	runState    RunState
	mode        Mode
	config      config
	toggle      uint8
	timerUs     uint32
	lifeTimeUs  uint32
	lifeTimerUs uint32
	lastState   uint8
	rx          canopen.Mailbox
	entry1017   *od.Entry
	entry100C   *od.Entry
	entry100D   *od.Entry
	cancel      func()
}

// Handle life guarding requests (RTR)
func (ec *ErrorControl) Handle(frame canopen.Frame) {
	if frame.IsRTR() {
		ec.rx.Store(frame)
	}
}

// Drop any guarding request received so far
func (ec *ErrorControl) drain() {
	if _, ok := ec.rx.Take(); ok {
		ec.rx.Release()
	}
	ec.rx.Overrun()
}

// Process error control. hold keeps the protocol in bootup, it is set
// while LSS is active or while the host is not fully operative.
// Returns true when the bootup frame was sent during this call.
func (ec *ErrorControl) Process(nmtState uint8, hold bool, timeDifferenceUs uint32) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if hold {
		if ec.runState != RunBootup {
			ec.logger.Debug("held in bootup")
		}
		ec.runState = RunBootup
		ec.drain()
		return false
	}
	bootup := false
	if ec.runState == RunBootup {
		ec.send(nmt.StateInitializing)
		ec.runState = RunStart
		bootup = true
	}
	cfg, err := ec.readConfig()
	if err != nil {
		ec.logger.Errorf("reading configuration failed : %v", err)
		cfg = ec.config
	}
	if ec.runState == RunStop || (ec.runState == RunRun && cfg != ec.config) {
		ec.runState = RunStart
	}
	if ec.runState == RunStart {
		ec.start(cfg, nmtState)
	}
	if ec.runState == RunRun {
		ec.run(nmtState, timeDifferenceUs)
	}
	return bootup
}

func (ec *ErrorControl) start(cfg config, nmtState uint8) {
	ec.config = cfg
	ec.drain()
	if !validTime(cfg.heartbeatTimeMs) {
		ec.stop(uint16(od.EntryProducerHeartbeatTime))
		return
	}
	if !validTime(uint32(cfg.guardTimeMs)) {
		ec.stop(uint16(od.EntryGuardTime))
		return
	}
	ec.mode = cfg.mode()
	ec.toggle = 0
	ec.timerUs = cfg.heartbeatTimeMs * 1000
	lifeTimeFactor := uint32(cfg.lifeTimeFactor)
	if lifeTimeFactor == 0 {
		lifeTimeFactor = 1
	}
	ec.lifeTimeUs = uint32(cfg.guardTimeMs) * 1000 * lifeTimeFactor
	ec.lifeTimerUs = ec.lifeTimeUs
	ec.lastState = nmtState
	ec.runState = RunRun
	ec.logger.Debugf("started, mode %v, heartbeat %v ms, guard %v ms x %v",
		ec.mode, cfg.heartbeatTimeMs, cfg.guardTimeMs, cfg.lifeTimeFactor)
}

func (ec *ErrorControl) stop(index uint16) {
	if ec.runState != RunStop {
		ec.logger.Warnf("wrong parameters %+v", ec.config)
	}
	ec.mode = ModeNone
	ec.runState = RunStop
	ec.faults.Raise(fault.GuardHeartbeatWrongParams, index)
}

func (ec *ErrorControl) run(nmtState uint8, timeDifferenceUs uint32) {
	switch ec.mode {
	case ModeHeartbeat:
		ec.drain()
		if ec.timerUs > timeDifferenceUs {
			ec.timerUs -= timeDifferenceUs
		} else {
			ec.timerUs = 0
		}
		if ec.timerUs == 0 || nmtState != ec.lastState {
			// Heartbeat has no toggle bit
			ec.send(nmtState)
			ec.timerUs = ec.config.heartbeatTimeMs * 1000
		}
	case ModeGuard:
		if _, ok := ec.rx.Take(); ok {
			ec.rx.Release()
			ec.send(nmtState | ec.toggle)
			ec.toggle ^= toggleBit
			ec.lifeTimerUs = ec.lifeTimeUs
			break
		}
		if ec.lifeTimerUs > timeDifferenceUs {
			ec.lifeTimerUs -= timeDifferenceUs
		} else {
			ec.logger.Warn("life guarding timeout")
			ec.faults.Raise(fault.GuardHeartbeat, uint16(ec.nodeId))
			ec.lifeTimerUs = ec.lifeTimeUs
		}
	default:
		ec.drain()
	}
	ec.lastState = nmtState
}

func (ec *ErrorControl) send(data uint8) {
	frame := canopen.NewFrame(uint32(ServiceId)+uint32(ec.nodeId), 0, 1)
	frame.Data[0] = data
	if err := ec.Send(frame); err != nil {
		ec.logger.Warnf("failed to send x%x : %v", data, err)
	}
}

// Read heartbeat time, either UNSIGNED32 or UNSIGNED16 depending on EDS
func readTime(entry *od.Entry) (uint32, error) {
	if value, err := entry.Uint32(0); err == nil {
		return value, nil
	}
	value, err := entry.Uint16(0)
	return uint32(value), err
}

func (ec *ErrorControl) readConfig() (config, error) {
	var cfg config
	var err error
	cfg.heartbeatTimeMs, err = readTime(ec.entry1017)
	if err != nil {
		return cfg, err
	}
	if ec.entry100C != nil {
		cfg.guardTimeMs, err = ec.entry100C.Uint16(0)
		if err != nil {
			return cfg, err
		}
	}
	if ec.entry100D != nil {
		cfg.lifeTimeFactor, err = ec.entry100D.Uint8(0)
	}
	return cfg, err
}

// Mode returns the current error control mode
func (ec *ErrorControl) Mode() Mode {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.mode
}

// RunState returns the current state of the protocol
func (ec *ErrorControl) RunState() RunState {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.runState
}

// Close removes the guarding request registration
func (ec *ErrorControl) Close() {
	ec.cancel()
}

func NewErrorControl(
	bm *canopen.BusManager,
	logger *log.Entry,
	faults fault.Raiser,
	nodeId uint8,
	entry1017 *od.Entry,
	entry100C *od.Entry,
	entry100D *od.Entry,
) (*ErrorControl, error) {
	if bm == nil || faults == nil || entry1017 == nil || nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	ec := &ErrorControl{
		BusManager: bm,
		logger:     logger.WithField("service", "[HB]"),
		faults:     faults,
		nodeId:     nodeId,
		runState:   RunBootup,
		entry1017:  entry1017,
		entry100C:  entry100C,
		entry100D:  entry100D,
	}
	if _, err := readTime(entry1017); err != nil {
		ec.logger.Errorf("reading producer heartbeat failed : %v", err)
		return nil, canopen.ErrOdParameters
	}
	cancel, err := bm.Subscribe(uint32(ServiceId)+uint32(nodeId), true, canopen.PriorityHigh, ec)
	if err != nil {
		return nil, err
	}
	ec.cancel = cancel
	return ec, nil
}
