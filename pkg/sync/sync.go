package sync

import (
	s "sync"
	"sync/atomic"
	"time"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/od"
	log "github.com/sirupsen/logrus"
)

const ServiceId = 0x80

// Maximum value of the synchronous counter overflow (0x1019)
const MaxCounterOverflow = 240

// SYNC is the SYNC consumer. Every received SYNC wakes the subscribers,
// the real time context of the node is one of them.
type SYNC struct {
	*canopen.BusManager
	mu              s.Mutex
	logger          *log.Entry
	faults          fault.Raiser
	subMu           s.Mutex
	subscribers     []chan uint8
	cobId           uint32
	configValid     bool
	installed       bool
	cancel          func()
	counterOverflow uint8
	counter         uint8
	cyclePeriodUs   uint32
	timerUs         uint32
	inTimeout       bool
	received        atomic.Bool
	rxToggle        bool
	timeLastRx      time.Time
	anomalies       uint32
}

// Handle [SYNC] related RX CAN frames, called from the reception context
func (sync *SYNC) Handle(frame canopen.Frame) {
	sync.mu.Lock()
	now := time.Now()
	if frame.DLC > 1 {
		sync.anomalies++
		sync.logger.Debugf("unexpected length %v", frame.DLC)
	}
	if sync.cyclePeriodUs != 0 && !sync.timeLastRx.IsZero() &&
		now.Sub(sync.timeLastRx) < time.Duration(sync.cyclePeriodUs/2)*time.Microsecond {
		sync.anomalies++
		sync.logger.Debugf("early reception after %v", now.Sub(sync.timeLastRx))
	}
	if sync.counterOverflow != 0 && frame.DLC >= 1 {
		sync.counter = frame.Data[0]
	} else {
		sync.counter = 0
	}
	sync.timeLastRx = now
	sync.rxToggle = !sync.rxToggle
	counter := sync.counter
	sync.mu.Unlock()

	sync.received.Store(true)
	sync.notifySubscribers(counter)
}

// Process SYNC validity and timeout. enabled is false while the node
// may not process synchronous objects, i.e. LSS active, NMT stopped or
// error control in bootup.
func (sync *SYNC) Process(enabled bool, timeDifferenceUs uint32) {
	sync.mu.Lock()
	defer sync.mu.Unlock()

	valid := enabled && sync.configValid
	if valid != sync.installed {
		if valid {
			sync.install()
		} else {
			sync.uninstall()
		}
	}
	if !sync.installed {
		sync.received.Store(false)
		return
	}
	if sync.received.Swap(false) {
		sync.timerUs = 0
		if sync.inTimeout {
			sync.inTimeout = false
			sync.faults.Clear(fault.SyncTimeout)
			sync.logger.Info("reset sync timeout error")
		}
		return
	}
	if sync.cyclePeriodUs == 0 || sync.inTimeout {
		return
	}
	sync.timerUs += timeDifferenceUs
	if uint64(sync.timerUs) > uint64(sync.cyclePeriodUs)*3/2 {
		sync.inTimeout = true
		sync.faults.Raise(fault.SyncTimeout, uint16(od.EntryCommunicationCyclePeriod))
		sync.logger.Warnf("timeout error, no sync for %v us", sync.timerUs)
	}
}

// Should be called only if mu is locked
func (sync *SYNC) install() {
	cancel, err := sync.Subscribe(sync.cobId&0x7FF, false, canopen.PriorityVeryHigh, sync)
	if err != nil {
		sync.logger.Errorf("subscribing to x%x failed : %v", sync.cobId&0x7FF, err)
		return
	}
	sync.cancel = cancel
	sync.installed = true
	sync.timerUs = 0
	sync.logger.Debugf("installed on x%x", sync.cobId&0x7FF)
}

// Should be called only if mu is locked
func (sync *SYNC) uninstall() {
	if sync.cancel != nil {
		sync.cancel()
		sync.cancel = nil
	}
	sync.installed = false
	sync.inTimeout = false
	sync.counter = 0
	sync.timeLastRx = time.Time{}
	sync.logger.Debug("removed")
}

// Subscribe returns a channel that receives the sync counter
// on every valid SYNC message
func (sync *SYNC) SubscribeSync() <-chan uint8 {
	sync.subMu.Lock()
	defer sync.subMu.Unlock()
	ch := make(chan uint8, 1)
	sync.subscribers = append(sync.subscribers, ch)
	return ch
}

// UnsubscribeSync removes the subscriber channel and closes it
func (sync *SYNC) UnsubscribeSync(ch <-chan uint8) {
	sync.subMu.Lock()
	defer sync.subMu.Unlock()
	for i, sub := range sync.subscribers {
		if sub == ch {
			sync.subscribers = append(sync.subscribers[:i], sync.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (sync *SYNC) notifySubscribers(counter uint8) {
	sync.subMu.Lock()
	defer sync.subMu.Unlock()
	for _, ch := range sync.subscribers {
		select {
		case ch <- counter:
		default:
			// Channel full, drop event
		}
	}
}

// Valid returns true if SYNC reception is installed
func (sync *SYNC) Valid() bool {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.installed
}

func (sync *SYNC) Counter() uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.counter
}

func (sync *SYNC) CounterOverflow() uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.counterOverflow
}

func (sync *SYNC) RxToggle() bool {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.rxToggle
}

// Anomalies is the number of frames received with a wrong length or too early
func (sync *SYNC) Anomalies() uint32 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.anomalies
}

// Close removes the bus registration and closes the subscribers
func (sync *SYNC) Close() {
	sync.mu.Lock()
	sync.uninstall()
	sync.mu.Unlock()
	sync.subMu.Lock()
	defer sync.subMu.Unlock()
	for _, ch := range sync.subscribers {
		close(ch)
	}
	sync.subscribers = nil
}

// Validate a COB-ID for the SYNC consumer, this device can't be producer
func validCobId(cobId uint32) bool {
	return cobId&0xFFFFF800 == 0 && !canopen.IsIDRestricted(uint16(cobId&0x7FF))
}

// Should be called only if mu is locked
func (sync *SYNC) configure(cobId uint32) {
	sync.cobId = cobId
	sync.configValid = validCobId(cobId)
	if !sync.configValid {
		sync.logger.Warnf("invalid cob id x%x, synchronous processing disabled", cobId)
		sync.faults.Raise(fault.SyncWrongCobId, uint16(cobId))
	}
	if sync.installed {
		sync.uninstall()
	}
}

func NewSYNC(
	bm *canopen.BusManager,
	logger *log.Entry,
	faults fault.Raiser,
	entry1005 *od.Entry,
	entry1006 *od.Entry,
	entry1019 *od.Entry,
) (*SYNC, error) {
	if bm == nil || faults == nil || entry1005 == nil || entry1006 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	sync := &SYNC{BusManager: bm, faults: faults, logger: logger.WithField("service", "[SYNC]")}

	cobId, err := entry1005.Uint32(0)
	if err != nil {
		sync.logger.Errorf("reading x%x failed : %v", entry1005.Index, err)
		return nil, canopen.ErrOdParameters
	}
	sync.configure(cobId)
	entry1005.AddExtension(sync, od.ReadEntryDefault, writeEntry1005)

	sync.cyclePeriodUs, err = entry1006.Uint32(0)
	if err != nil {
		sync.logger.Errorf("reading x%x failed : %v", entry1006.Index, err)
		return nil, canopen.ErrOdParameters
	}
	entry1006.AddExtension(sync, od.ReadEntryDefault, writeEntry1006)

	// This one is not mandatory
	if entry1019 != nil {
		counterOverflow, err := entry1019.Uint8(0)
		if err != nil {
			sync.logger.Errorf("reading x%x failed : %v", entry1019.Index, err)
			return nil, canopen.ErrOdParameters
		}
		if counterOverflow == 1 {
			counterOverflow = 2
		} else if counterOverflow > MaxCounterOverflow {
			counterOverflow = MaxCounterOverflow
		}
		sync.counterOverflow = counterOverflow
		entry1019.AddExtension(sync, od.ReadEntryDefault, writeEntry1019)
	}
	sync.logger.Infof("initialized, cob id x%x, period %v us, counter overflow %v",
		cobId, sync.cyclePeriodUs, sync.counterOverflow)
	return sync, nil
}
