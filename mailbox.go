package canopen

import (
	"sync/atomic"
	"time"
)

// SlotState is the ownership state of a [Mailbox]
type SlotState uint32

const (
	SlotIdle    SlotState = iota // Nobody owns the slot
	SlotFilling                  // Producer is writing the frame
	SlotReady                    // Frame is complete, waiting for the consumer
	SlotSending                  // Consumer owns the frame (transmitting or decoding)
)

var slotStateNames = map[SlotState]string{
	SlotIdle:    "IDLE",
	SlotFilling: "FILLING",
	SlotReady:   "READY",
	SlotSending: "SENDING",
}

func (s SlotState) String() string {
	name, ok := slotStateNames[s]
	if !ok {
		return "UNKNOWN"
	}
	return name
}

// Mailbox is a single frame slot shared between a producer and a
// consumer running in different contexts. Ownership of the frame moves
// with the state, only transitions done by compare-and-swap are allowed.
// Rx : reception goroutine produces, protocol task consumes.
// Tx : encoder produces, transmit path consumes.
type Mailbox struct {
	state   atomic.Uint32
	overrun atomic.Bool
	stamp   atomic.Int64
	frame   Frame
}

func (m *Mailbox) State() SlotState {
	return SlotState(m.state.Load())
}

func (m *Mailbox) transition(from SlotState, to SlotState) bool {
	return m.state.CompareAndSwap(uint32(from), uint32(to))
}

// Acquire gives the producer exclusive write access to the frame.
// Returns nil if the previous frame is still owned by somebody.
func (m *Mailbox) Acquire() *Frame {
	if !m.transition(SlotIdle, SlotFilling) {
		return nil
	}
	return &m.frame
}

// Publish hands over a filled frame to the consumer
func (m *Mailbox) Publish() {
	m.stamp.Store(time.Now().UnixMicro())
	m.transition(SlotFilling, SlotReady)
}

// Discard gives back a frame that was acquired but not filled
func (m *Mailbox) Discard() {
	m.transition(SlotFilling, SlotIdle)
}

// Store is used by the reception context. The frame is copied in the
// slot, an unconsumed frame is overwritten and flagged as overrun.
// If the consumer currently owns the slot, the frame is dropped and
// flagged as overrun and [ErrRxOverflow] is returned. Store never blocks.
func (m *Mailbox) Store(frame Frame) error {
	if !m.transition(SlotIdle, SlotFilling) {
		if !m.transition(SlotReady, SlotFilling) {
			m.overrun.Store(true)
			return ErrRxOverflow
		}
		m.overrun.Store(true)
	}
	m.frame = frame
	m.Publish()
	return nil
}

// Take gives the consumer ownership of a ready frame.
// The returned copy stays valid after [Mailbox.Release].
func (m *Mailbox) Take() (Frame, bool) {
	if !m.transition(SlotReady, SlotSending) {
		return Frame{}, false
	}
	return m.frame, true
}

// Release marks the consumer as done, slot goes back to idle
func (m *Mailbox) Release() {
	m.transition(SlotSending, SlotIdle)
}

// Reset forces the slot back to idle, only to be used when
// no producer or consumer can be running, e.g. on communication reset.
func (m *Mailbox) Reset() {
	m.state.Store(uint32(SlotIdle))
	m.overrun.Store(false)
	m.frame = Frame{}
}

// NewData returns true if a frame is ready to be consumed
func (m *Mailbox) NewData() bool {
	return m.State() == SlotReady
}

// Overrun returns and clears the overrun flag
func (m *Mailbox) Overrun() bool {
	return m.overrun.Swap(false)
}

// Timestamp of last published frame in microseconds
func (m *Mailbox) Timestamp() int64 {
	return m.stamp.Load()
}
