package emergency

import (
	"encoding/binary"
	"sync"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/od"
	log "github.com/sirupsen/logrus"
)

const ServiceId = 0x80

// Alarm is an entry of the alarm translation table
type Alarm struct {
	Code    uint16 // CiA 301 error code
	Subcode uint16
	Class   uint8  // Error register bits, e.g. [ErrRegCurrent]
	Mask    uint32 // Manufacturer specific bits
}

// AlarmSource iterates over the active alarms. cursor 0 is the first
// alarm, ok is false once the end of the table is reached.
type AlarmSource interface {
	NextAlarm(cursor int) (alarm Alarm, next int, ok bool)
}

type alarmKey struct {
	code    uint16
	subcode uint16
	mask    uint32
}

// Emergency producer. Active alarms are polled one per cycle and every
// alarm not announced yet is sent in its own EMCY frame.
type EMCY struct {
	*canopen.BusManager
	mu                   sync.Mutex
	logger               *log.Entry
	faults               fault.Raiser
	source               AlarmSource
	nodeId               uint8
	producerIdent        uint16 // Stored COB-ID, [ServiceId] means default
	producerEnabled      bool
	errorRegister        uint8
	manufacturerRegister uint32
	lastErrorCode        uint16
	cursor               int
	active               bool
	announced            map[alarmKey]struct{}
	seen                 map[alarmKey]struct{}
	forced               bool
	inhibitTimeUs        uint32 // Changed by writing to object 0x1015
	inhibitTimer         uint32
	tx                   canopen.Mailbox
	entry1001            *od.Entry
	entry1014            *od.Entry
}

// Process [EMCY] state machine and TX CAN frames
// This should be called periodically. Frames are only sent while
// enabled i.e. NMT is pre-operational or operational.
func (emcy *EMCY) Process(enabled bool, timeDifferenceUs uint32) {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()

	if emcy.inhibitTimer < emcy.inhibitTimeUs {
		emcy.inhibitTimer += timeDifferenceUs
	}
	canSend := enabled &&
		emcy.tx.State() == canopen.SlotIdle &&
		emcy.inhibitTimer >= emcy.inhibitTimeUs

	if emcy.forced && canSend {
		emcy.forced = false
		if emcy.errorRegister != 0 {
			emcy.send()
			return
		}
	}
	emcy.poll(canSend)
}

func (emcy *EMCY) poll(canSend bool) {
	if emcy.source == nil {
		return
	}
	alarm, next, ok := emcy.source.NextAlarm(emcy.cursor)
	if !ok {
		if emcy.cursor == 0 && emcy.active {
			// Every alarm disappeared, announce the reset
			if !canSend {
				return
			}
			emcy.active = false
			emcy.errorRegister = 0
			emcy.manufacturerRegister = 0
			emcy.lastErrorCode = ErrNoError
			emcy.announced = make(map[alarmKey]struct{})
			emcy.logger.Info("all alarms cleared")
			emcy.send()
		}
		// End of a pass, forget the alarms that are gone
		for key := range emcy.announced {
			if _, ok := emcy.seen[key]; !ok {
				delete(emcy.announced, key)
			}
		}
		emcy.seen = make(map[alarmKey]struct{})
		emcy.cursor = 0
		return
	}
	key := alarmKey{code: alarm.Code, subcode: alarm.Subcode, mask: alarm.Mask}
	emcy.seen[key] = struct{}{}
	emcy.active = true
	if _, ok := emcy.announced[key]; !ok {
		// Retried on next cycle
		if !canSend {
			return
		}
		emcy.errorRegister |= alarm.Class | ErrRegGeneric
		emcy.manufacturerRegister |= alarm.Mask
		emcy.lastErrorCode = alarm.Code
		emcy.announced[key] = struct{}{}
		emcy.logger.Infof("new alarm x%x (%v) subcode x%x", alarm.Code, CodeDescription(alarm.Code), alarm.Subcode)
		emcy.send()
	}
	emcy.cursor = next
}

// Mirror the registers and send the frame if producer is enabled
func (emcy *EMCY) send() {
	if emcy.entry1001 != nil {
		_ = emcy.entry1001.PutUint8(0, emcy.errorRegister, true)
	}
	if !emcy.producerEnabled {
		return
	}
	frame := emcy.tx.Acquire()
	if frame == nil {
		return
	}
	frame.ID = uint32(emcy.canId())
	frame.DLC = 8
	binary.LittleEndian.PutUint16(frame.Data[0:2], emcy.lastErrorCode)
	frame.Data[2] = emcy.errorRegister
	binary.LittleEndian.PutUint32(frame.Data[3:7], emcy.manufacturerRegister)
	frame.Data[7] = 0
	emcy.tx.Publish()
	emcy.inhibitTimer = 0
	toSend, _ := emcy.tx.Take()
	err := emcy.SendAsync(toSend, func(err error) { emcy.tx.Release() })
	if err != nil {
		emcy.logger.Warnf("failed to queue emergency : %v", err)
		emcy.tx.Release()
	}
}

func (emcy *EMCY) canId() uint16 {
	if emcy.producerIdent == ServiceId {
		return ServiceId + uint16(emcy.nodeId)
	}
	return emcy.producerIdent
}

// Force re-sends the last emergency state if an error is present
func (emcy *EMCY) Force() {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	emcy.forced = true
}

// Reset is used on communication reset, the producer is configured
// again from OD for the new node id and the last state is re-announced
func (emcy *EMCY) Reset(nodeId uint8) {
	emcy.mu.Lock()
	emcy.nodeId = nodeId
	emcy.tx.Reset()
	emcy.inhibitTimer = emcy.inhibitTimeUs
	emcy.mu.Unlock()
	emcy.configure()
	emcy.Force()
}

// Registers returns the error register, manufacturer register and last error code
func (emcy *EMCY) Registers() (errorRegister uint8, manufacturerRegister uint32, lastErrorCode uint16) {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	return emcy.errorRegister, emcy.manufacturerRegister, emcy.lastErrorCode
}

func (emcy *EMCY) ProducerEnabled() bool {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	return emcy.producerEnabled
}

// Validate a COB-ID for the EMCY producer
func validCobId(cobId uint32, nodeId uint8) bool {
	canId := cobId & 0x7FF
	if canId == ServiceId {
		canId += uint32(nodeId)
	}
	return cobId&0x7FFFF800 == 0 && !canopen.IsIDRestricted(uint16(canId))
}

// Load the COB-ID from 0x1014, a wrong value disables the producer
func (emcy *EMCY) configure() {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	cobId, err := emcy.entry1014.Uint32(0)
	if err != nil {
		emcy.logger.Errorf("reading cob id failed : %v", err)
		emcy.producerEnabled = false
		return
	}
	if cobId&0x80000000 != 0 {
		emcy.producerEnabled = false
		emcy.producerIdent = uint16(cobId & 0x7FF)
		return
	}
	if !validCobId(cobId, emcy.nodeId) {
		emcy.logger.Warnf("invalid cob id x%x, producer disabled", cobId)
		emcy.producerEnabled = false
		emcy.faults.Raise(fault.EmcyWrongCobId, uint16(cobId))
		return
	}
	emcy.producerIdent = uint16(cobId & 0x7FF)
	emcy.producerEnabled = true
}

func NewEMCY(
	bm *canopen.BusManager,
	logger *log.Entry,
	faults fault.Raiser,
	source AlarmSource,
	nodeId uint8,
	entry1001 *od.Entry,
	entry1014 *od.Entry,
	entry1015 *od.Entry,
) (*EMCY, error) {
	if bm == nil || faults == nil || entry1014 == nil ||
		nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	emcy := &EMCY{
		BusManager: bm,
		logger:     logger.WithField("service", "[EMCY]"),
		faults:     faults,
		source:     source,
		nodeId:     nodeId,
		announced:  make(map[alarmKey]struct{}),
		seen:       make(map[alarmKey]struct{}),
		entry1001:  entry1001,
		entry1014:  entry1014,
	}
	if entry1015 != nil {
		inhibitTime100us, err := entry1015.Uint16(0)
		if err != nil {
			return nil, canopen.ErrOdParameters
		}
		emcy.inhibitTimeUs = uint32(inhibitTime100us) * 100
		emcy.inhibitTimer = emcy.inhibitTimeUs
		entry1015.AddExtension(emcy, od.ReadEntryDefault, writeEntry1015)
	}
	emcy.configure()
	entry1014.AddExtension(emcy, readEntry1014, writeEntry1014)
	return emcy, nil
}
