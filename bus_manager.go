package canopen

import (
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Priority class of a receive registration. Listeners with a higher
// priority are called first for a given frame.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityVeryHigh
)

const txQueueSize = 64

type subscription struct {
	id       uint64
	priority Priority
	listener FrameListener
}

type txRequest struct {
	frame      Frame
	onComplete func(err error)
}

// Bus manager is a wrapper around the CAN bus interface
// Used by the CANopen stack to dispatch received frames to the
// registered services, transmit frames and report bus errors.
type BusManager struct {
	mu             sync.RWMutex
	logger         *log.Entry
	bus            Bus // Bus interface that can be adapted
	frameListeners map[uint32][]subscription
	nextId         uint64
	txMu           sync.RWMutex // held while enqueuing, taken by Stop
	running        atomic.Bool
	canError       atomic.Uint32
	txQueue        chan txRequest
	txDone         chan struct{}
	wg             sync.WaitGroup
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus. It runs in the reception
// context so it only dispatches to the registered listeners.
func (bm *BusManager) Handle(frame Frame) {
	if !bm.running.Load() {
		return
	}
	// Only 11-bit identifiers are used
	if frame.ID&CanEffFlag != 0 {
		return
	}
	key := frame.ID & (CanSffMask | CanRtrFlag)
	bm.mu.RLock()
	listeners := bm.frameListeners[key]
	bm.mu.RUnlock()
	for _, sub := range listeners {
		sub.listener.Handle(frame)
	}
}

// Set bus
func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.bus
}

// Subscribe to a specific CAN ID. The returned function removes the
// registration, it is safe to call it more than once.
func (bm *BusManager) Subscribe(ident uint32, rtr bool, priority Priority, listener FrameListener) (cancel func(), err error) {
	if listener == nil {
		return nil, ErrIllegalArgument
	}
	ident = ident & CanSffMask
	if rtr {
		ident |= CanRtrFlag
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.nextId++
	id := bm.nextId
	// Copy on write, Handle iterates without holding the lock
	listeners := make([]subscription, 0, len(bm.frameListeners[ident])+1)
	listeners = append(listeners, bm.frameListeners[ident]...)
	listeners = append(listeners, subscription{id: id, priority: priority, listener: listener})
	sort.SliceStable(listeners, func(i, j int) bool {
		return listeners[i].priority > listeners[j].priority
	})
	bm.frameListeners[ident] = listeners
	bm.logger.Debugf("subscribed to x%x (priority %v)", ident, priority)
	var once sync.Once
	return func() { once.Do(func() { bm.unsubscribe(ident, id) }) }, nil
}

func (bm *BusManager) unsubscribe(ident uint32, id uint64) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	current := bm.frameListeners[ident]
	listeners := make([]subscription, 0, len(current))
	for _, sub := range current {
		if sub.id != id {
			listeners = append(listeners, sub)
		}
	}
	if len(listeners) == 0 {
		delete(bm.frameListeners, ident)
		return
	}
	bm.frameListeners[ident] = listeners
}

// Send a CAN message and wait for the driver to accept it
func (bm *BusManager) Send(frame Frame) error {
	bus := bm.Bus()
	if bus == nil || !bm.running.Load() {
		return ErrNoBus
	}
	err := bus.Send(frame)
	if err != nil {
		bm.logger.Warnf("failed to send x%x : %v", frame.ID, err)
	}
	return err
}

// SendAsync queues a frame for transmission. onComplete is called from
// the transmit goroutine once the driver accepted (or refused) the frame.
// Returns [ErrTxOverflow] if the transmit queue is full.
func (bm *BusManager) SendAsync(frame Frame, onComplete func(err error)) error {
	bm.txMu.RLock()
	defer bm.txMu.RUnlock()
	if !bm.running.Load() {
		return ErrNoBus
	}
	select {
	case bm.txQueue <- txRequest{frame: frame, onComplete: onComplete}:
		return nil
	default:
		LatchError(&bm.canError, CanErrorTxOverflow)
		return ErrTxOverflow
	}
}

func (bm *BusManager) transmit(done chan struct{}) {
	defer bm.wg.Done()
	for {
		select {
		case <-done:
			return
		case req := <-bm.txQueue:
			err := bm.Send(req.frame)
			if req.onComplete != nil {
				req.onComplete(err)
			}
		}
	}
}

// Start accepting frames and start the transmit goroutine
func (bm *BusManager) Start() error {
	bus := bm.Bus()
	if bus == nil {
		return ErrNoBus
	}
	if bm.running.Load() {
		return nil
	}
	if err := bus.Subscribe(bm); err != nil {
		return err
	}
	bm.txMu.Lock()
	bm.running.Store(true)
	bm.txMu.Unlock()
	bm.txDone = make(chan struct{})
	bm.wg.Add(1)
	go bm.transmit(bm.txDone)
	bm.logger.Info("started")
	return nil
}

// Stop dispatching and transmitting, pending asynchronous frames are
// completed with [ErrNoBus]. Registrations are kept.
func (bm *BusManager) Stop() {
	// No request can be queued once running is cleared under the lock
	bm.txMu.Lock()
	wasRunning := bm.running.Swap(false)
	bm.txMu.Unlock()
	if !wasRunning {
		return
	}
	close(bm.txDone)
	bm.wg.Wait()
	for {
		select {
		case req := <-bm.txQueue:
			if req.onComplete != nil {
				req.onComplete(ErrNoBus)
			}
		default:
			bm.logger.Info("stopped")
			return
		}
	}
}

// Running returns true if the bus manager was started
func (bm *BusManager) Running() bool {
	return bm.running.Load()
}

// Status returns the CAN error bits (CanError*). The driver status is
// merged with the errors detected by the bus manager itself.
func (bm *BusManager) Status() uint16 {
	status := uint16(bm.canError.Load())
	if reporter, ok := bm.Bus().(BusStatusReporter); ok {
		status |= reporter.Status()
	}
	return status
}

// This should be called cyclically to update errors.
// Returns the current status and clears the latched overflow bits.
func (bm *BusManager) Process() uint16 {
	status := uint16(bm.canError.Swap(0))
	if reporter, ok := bm.Bus().(BusStatusReporter); ok {
		status |= reporter.Status()
	}
	return status
}

func NewBusManager(bus Bus, logger *log.Entry) *BusManager {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	bm := &BusManager{
		bus:            bus,
		logger:         logger.WithField("service", "[CAN]"),
		frameListeners: make(map[uint32][]subscription),
		txQueue:        make(chan txRequest, txQueueSize),
	}
	return bm
}
