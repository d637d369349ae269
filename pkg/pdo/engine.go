package pdo

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/codec"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/od"
	log "github.com/sirupsen/logrus"
)

// ErrNotCreated is returned when accessing PDOs outside of operational
var ErrNotCreated = errors.New("PDOs are not created")

// SyncCounter gives the SYNC counter overflow value, 0 if SYNC frames
// carry no counter
type SyncCounter interface {
	CounterOverflow() uint8
}

// A compiled RPDO or TPDO
type compiledPdo struct {
	number        uint16
	rx            bool
	cobId         uint16
	length        uint8
	elements      []element
	txType        uint8
	synchronous   bool
	rtrOnly       bool
	syncStart     uint8
	inhibitTimeUs uint32
	eventTimeUs   uint32

	// Only accessed by the context processing this PDO
	syncCounter   uint8
	waitSyncStart bool
	inhibitTimer  uint32
	eventTimer    uint32
	previous      [8]byte
	sampled       bool

	slot     canopen.Mailbox
	request  atomic.Bool // Application request
	remote   atomic.Bool // Remote request received
	frames   atomic.Uint32
	cancel   func()
}

// Handle [RPDO] related RX CAN frames
func (pdo *compiledPdo) Handle(frame canopen.Frame) {
	pdo.slot.Store(frame)
}

// Remote request of a TPDO
type remoteRequest struct {
	pdo *compiledPdo
}

func (r *remoteRequest) Handle(frame canopen.Frame) {
	r.pdo.remote.Store(true)
}

func (pdo *compiledPdo) reset() {
	pdo.syncCounter = pdo.txType
	pdo.waitSyncStart = pdo.syncStart != 0
	pdo.inhibitTimer = 0
	pdo.eventTimer = pdo.eventTimeUs
	pdo.sampled = false
}

// Abort the accesses opened on hooked entries
func (pdo *compiledPdo) release() {
	for i := range pdo.elements {
		if pdo.elements[i].hooked {
			pdo.elements[i].streamer.Abort()
		}
	}
}

// Encode the mapped objects into a frame payload
func (pdo *compiledPdo) encode() ([8]byte, error) {
	var data [8]byte
	for i := range pdo.elements {
		el := &pdo.elements[i]
		if el.selector == selectDummy {
			continue
		}
		if _, err := el.streamer.Read(el.buf); err != nil {
			return data, fmt.Errorf("reading x%x:x%x : %w", el.streamer.Index, el.streamer.Subindex, err)
		}
		if el.selector == selectUnaligned {
			if err := codec.PutBytes(&data, el.bitOffset, el.bitLength, el.buf); err != nil {
				return data, err
			}
			continue
		}
		copy(data[el.bitOffset/8:], el.buf)
	}
	return data, nil
}

// Decode a received payload into the mapped objects
func (pdo *compiledPdo) decode(frame *canopen.Frame) error {
	if frame.DLC != pdo.length {
		return fmt.Errorf("%w : got %d, expected %d", canopen.ErrRxPdoLength, frame.DLC, pdo.length)
	}
	data := &frame.Data
	for i := range pdo.elements {
		el := &pdo.elements[i]
		switch el.selector {
		case selectDummy:
			continue
		case selectUnaligned:
			clear(el.buf)
			if err := codec.GetBytes(data, el.bitOffset, el.bitLength, el.buf); err != nil {
				return err
			}
		default:
			copy(el.buf, data[el.bitOffset/8:])
		}
		if _, err := el.streamer.Write(el.buf); err != nil {
			return fmt.Errorf("writing x%x:x%x : %w", el.streamer.Index, el.streamer.Subindex, err)
		}
	}
	return nil
}

type pdoSet struct {
	rx []*compiledPdo
	tx []*compiledPdo
}

func (set *pdoSet) all() []*compiledPdo {
	all := make([]*compiledPdo, 0, len(set.rx)+len(set.tx))
	all = append(all, set.rx...)
	return append(all, set.tx...)
}

func (set *pdoSet) release() {
	for _, pdo := range set.all() {
		if pdo.cancel != nil {
			pdo.cancel()
		}
		pdo.release()
	}
}

// Summary of a created PDO
type Summary struct {
	Name             string `json:"name"`
	CobId            uint16 `json:"cobId"`
	Length           uint8  `json:"length"`
	TransmissionType uint8  `json:"transmissionType"`
	Synchronous      bool   `json:"synchronous"`
	Frames           uint32 `json:"frames"`
}

// Engine creates the PDOs from the OD when the node becomes operational
// and moves process data between the frames and the OD.
// Synchronous PDOs are processed by [Engine.ProcessSync] in the real-time
// context, the others by [Engine.Process] in the protocol task.
type Engine struct {
	*canopen.BusManager
	logger   *log.Entry
	mu       sync.Mutex
	od       *od.ObjectDictionary
	faults   fault.Raiser
	sync     SyncCounter
	capacity Capacity
	nodeId   uint8
	set      *pdoSet
	enabled  atomic.Bool
	inFlight atomic.Int32
}

// Create compiles every configured PDO and registers them on the bus.
// Creation is all or nothing : on the first configuration error nothing
// is created and the error is reported once to the fault register.
func (e *Engine) Create(nodeId uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.destroy()
	e.nodeId = nodeId
	set, err := compile(e.od, nodeId, e.capacity)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			e.faults.Raise(fault.PdoConfiguration, cfgErr.Subcode())
		}
		e.logger.Warnf("creation failed : %v", err)
		return err
	}
	if err := e.register(set); err != nil {
		set.release()
		return err
	}
	e.set = set
	e.enabled.Store(true)
	e.logger.Infof("created %d RPDO(s) and %d TPDO(s)", len(set.rx), len(set.tx))
	for _, pdo := range set.all() {
		e.logger.Debugf("%v x%x : length %d, transmission type %d, elements %v",
			Name(pdo.number), pdo.cobId, pdo.length, pdo.txType, selectors(pdo))
	}
	return nil
}

func selectors(pdo *compiledPdo) []string {
	names := make([]string, 0, len(pdo.elements))
	for _, el := range pdo.elements {
		name := el.selector.String()
		if el.hooked {
			name += " (hooked)"
		}
		names = append(names, name)
	}
	return names
}

func (e *Engine) register(set *pdoSet) error {
	var err error
	for _, pdo := range set.rx {
		pdo.cancel, err = e.Subscribe(uint32(pdo.cobId), false, canopen.PriorityHigh, pdo)
		if err != nil {
			return err
		}
	}
	for _, pdo := range set.tx {
		if !pdo.rtrOnly {
			continue
		}
		pdo.cancel, err = e.Subscribe(uint32(pdo.cobId), true, canopen.PriorityHigh, &remoteRequest{pdo: pdo})
		if err != nil {
			return err
		}
	}
	return nil
}

// Destroy disables the PDOs, waits for the real-time context and the
// chained transmission to finish, then releases the registrations
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroy()
}

func (e *Engine) destroy() {
	if e.set == nil {
		return
	}
	e.enabled.Store(false)
	for e.inFlight.Load() != 0 {
		runtime.Gosched()
	}
	e.set.release()
	e.set = nil
	e.logger.Info("destroyed")
}

// Active returns true while PDOs are created
func (e *Engine) Active() bool {
	return e.enabled.Load()
}

// ProcessSync runs the synchronous PDOs, it is called from the real-time
// context on each SYNC reception. Received RPDOs are decoded first, then
// the triggered TPDOs are encoded and sent one after the other.
func (e *Engine) ProcessSync(counter uint8) {
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	if !e.enabled.Load() {
		return
	}
	set := e.set
	for _, pdo := range set.rx {
		if pdo.synchronous {
			e.decode(pdo)
		}
	}
	overflow := uint8(0)
	if e.sync != nil {
		overflow = e.sync.CounterOverflow()
	}
	var chain []*compiledPdo
	for _, pdo := range set.tx {
		if !pdo.synchronous {
			continue
		}
		var sent bool
		switch pdo.txType {
		case TransmissionTypeSyncAcyclic:
			sent = e.prepare(pdo, pdo.request.Swap(false), true)
		case TransmissionTypeSyncRtr:
			sent = pdo.remote.Swap(false) && e.prepare(pdo, true, false)
		default:
			sent = pdo.cyclic(counter, overflow) && e.prepare(pdo, true, false)
		}
		if sent {
			chain = append(chain, pdo)
		}
	}
	e.startChain(chain)
}

// Returns true when a cyclic TPDO must be sent on this SYNC
func (pdo *compiledPdo) cyclic(counter uint8, overflow uint8) bool {
	// With a SYNC counter, first transmission waits for the start value
	if pdo.waitSyncStart && overflow != 0 {
		if counter != pdo.syncStart {
			return false
		}
		pdo.waitSyncStart = false
		pdo.syncCounter = pdo.txType
		return true
	}
	pdo.waitSyncStart = false
	pdo.syncCounter--
	if pdo.syncCounter == 0 {
		pdo.syncCounter = pdo.txType
		return true
	}
	return false
}

// Process runs the event driven PDOs, it is called cyclically from the
// protocol task
func (e *Engine) Process(timeDifferenceUs uint32) {
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	if !e.enabled.Load() {
		return
	}
	set := e.set
	for _, pdo := range set.rx {
		if !pdo.synchronous {
			e.decode(pdo)
		}
	}
	var chain []*compiledPdo
	for _, pdo := range set.tx {
		if !pdo.synchronous && e.processEvent(pdo, timeDifferenceUs) {
			chain = append(chain, pdo)
		}
	}
	e.startChain(chain)
}

func countDown(timer uint32, timeDifferenceUs uint32) uint32 {
	if timer > timeDifferenceUs {
		return timer - timeDifferenceUs
	}
	return 0
}

// Returns true if an event driven TPDO was prepared for transmission
func (e *Engine) processEvent(pdo *compiledPdo, timeDifferenceUs uint32) bool {
	pdo.inhibitTimer = countDown(pdo.inhibitTimer, timeDifferenceUs)
	if pdo.txType == TransmissionTypeRtr {
		return pdo.remote.Swap(false) && e.prepare(pdo, true, false)
	}
	force := pdo.request.Swap(false)
	if pdo.eventTimeUs != 0 {
		pdo.eventTimer = countDown(pdo.eventTimer, timeDifferenceUs)
		if pdo.eventTimer == 0 {
			force = true
		}
	}
	if pdo.inhibitTimer > 0 {
		// Keep the request until inhibit time elapsed
		if force && pdo.eventTimer != 0 {
			pdo.request.Store(true)
		}
		return false
	}
	if !e.prepare(pdo, force, true) {
		return false
	}
	pdo.inhibitTimer = pdo.inhibitTimeUs
	pdo.eventTimer = pdo.eventTimeUs
	return true
}

// Encode a TPDO into its slot. With compare set, the frame is only
// published if the content changed since the previous transmission.
func (e *Engine) prepare(pdo *compiledPdo, force bool, compare bool) bool {
	frame := pdo.slot.Acquire()
	if frame == nil {
		e.logger.Debugf("[TX] x%x previous frame still pending", pdo.cobId)
		return false
	}
	data, err := pdo.encode()
	if err != nil {
		pdo.slot.Discard()
		e.logger.Warnf("[TX] encoding x%x failed : %v", pdo.cobId, err)
		return false
	}
	if compare && !force && pdo.sampled && data == pdo.previous {
		pdo.slot.Discard()
		return false
	}
	pdo.previous = data
	pdo.sampled = true
	*frame = canopen.NewFrame(uint32(pdo.cobId), 0, pdo.length)
	frame.Data = data
	pdo.slot.Publish()
	return true
}

// Send the prepared frames, the next one is only sent when the
// previous one was accepted by the driver
func (e *Engine) startChain(chain []*compiledPdo) {
	if len(chain) == 0 {
		return
	}
	e.inFlight.Add(1)
	e.sendNext(chain)
}

func (e *Engine) sendNext(chain []*compiledPdo) {
	for len(chain) > 0 {
		pdo := chain[0]
		chain = chain[1:]
		frame, ok := pdo.slot.Take()
		if !ok {
			continue
		}
		rest := chain
		err := e.SendAsync(frame, func(err error) {
			pdo.slot.Release()
			if err != nil {
				e.logger.Warnf("[TX] x%x failed : %v", pdo.cobId, err)
			} else {
				pdo.frames.Add(1)
			}
			if !e.enabled.Load() {
				drop(rest)
				e.inFlight.Add(-1)
				return
			}
			e.sendNext(rest)
		})
		if err == nil {
			return
		}
		pdo.slot.Release()
		e.logger.Warnf("[TX] x%x not queued : %v", pdo.cobId, err)
	}
	e.inFlight.Add(-1)
}

// Give back the slots of frames that will not be sent
func drop(chain []*compiledPdo) {
	for _, pdo := range chain {
		if _, ok := pdo.slot.Take(); ok {
			pdo.slot.Release()
		}
	}
}

// Decode a received RPDO if any
func (e *Engine) decode(pdo *compiledPdo) {
	if pdo.slot.Overrun() {
		e.logger.Debugf("[RX] x%x overrun", pdo.cobId)
	}
	frame, ok := pdo.slot.Take()
	if !ok {
		return
	}
	pdo.slot.Release()
	err := pdo.decode(&frame)
	if errors.Is(err, canopen.ErrRxPdoLength) {
		if e.faults.Raise(fault.PdoLengthError, pdo.cobId) {
			e.logger.Warnf("[RX] x%x : %v", pdo.cobId, err)
		}
		return
	}
	if err != nil {
		e.logger.Warnf("[RX] x%x : %v", pdo.cobId, err)
		return
	}
	pdo.frames.Add(1)
}

// Trigger requests the transmission of an event driven or acyclic TPDO.
// number is the TPDO number as in [ConfigError].
func (e *Engine) Trigger(number uint16) error {
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	if !e.enabled.Load() {
		return ErrNotCreated
	}
	for _, pdo := range e.set.tx {
		if pdo.number == number && !pdo.rtrOnly {
			pdo.request.Store(true)
			return nil
		}
	}
	return canopen.ErrIllegalArgument
}

// Summaries of the created PDOs, empty if not created
func (e *Engine) Summaries() []Summary {
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	if !e.enabled.Load() {
		return nil
	}
	summaries := make([]Summary, 0)
	for _, pdo := range e.set.all() {
		summaries = append(summaries, Summary{
			Name:             Name(pdo.number),
			CobId:            pdo.cobId,
			Length:           pdo.length,
			TransmissionType: pdo.txType,
			Synchronous:      pdo.synchronous,
			Frames:           pdo.frames.Load(),
		})
	}
	return summaries
}

// SetNodeId changes the node id used for the predefined COB-IDs,
// it is taken into account on the next creation
func (e *Engine) SetNodeId(nodeId uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodeId = nodeId
}

func (e *Engine) getNodeId() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeId
}

// Close destroys the PDOs
func (e *Engine) Close() {
	e.Destroy()
}

func NewEngine(
	bm *canopen.BusManager,
	logger *log.Entry,
	odict *od.ObjectDictionary,
	faults fault.Raiser,
	sync SyncCounter,
	nodeId uint8,
	capacity Capacity,
) (*Engine, error) {
	if bm == nil || odict == nil || faults == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if capacity.Rx <= 0 {
		capacity.Rx = MaxRxPdo
	}
	if capacity.Tx <= 0 {
		capacity.Tx = MaxTxPdo
	}
	e := &Engine{
		BusManager: bm,
		logger:     logger.WithField("service", "[PDO]"),
		od:         odict,
		faults:     faults,
		sync:       sync,
		capacity:   capacity,
		nodeId:     nodeId,
	}
	for i := uint16(0); i < MaxRpdoNumber; i++ {
		for _, index := range []uint16{od.EntryRPDOCommunicationStart + i, od.EntryTPDOCommunicationStart + i} {
			if entry := odict.Index(index); entry != nil {
				entry.AddExtension(e, readEntry14xxOr18xx, writeEntry14xxOr18xx)
			}
			if entry := odict.Index(index + 0x200); entry != nil {
				entry.AddExtension(e, od.ReadEntryDefault, writeEntry16xxOr1Axx)
			}
		}
	}
	return e, nil
}
