// Package testbus is an in-process [canopen.Bus] for service tests.
// Sent frames are recorded and received frames are injected synchronously.
package testbus

import (
	"sync"

	canopen "github.com/samsamfire/canopen-drive"
	log "github.com/sirupsen/logrus"
)

type Bus struct {
	mu       sync.Mutex
	listener canopen.FrameListener
	sent     []canopen.Frame
	status   uint16
	failSend error
}

func (b *Bus) Connect(...any) error { return nil }

func (b *Bus) Disconnect() error { return nil }

func (b *Bus) Send(frame canopen.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSend != nil {
		return b.failSend
	}
	b.sent = append(b.sent, frame)
	return nil
}

func (b *Bus) Subscribe(listener canopen.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

func (b *Bus) Status() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Bus) SetStatus(status uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// FailSend makes every following Send return err, nil restores sending
func (b *Bus) FailSend(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSend = err
}

// Inject a received frame, listeners are called before Inject returns
func (b *Bus) Inject(frame canopen.Frame) {
	b.mu.Lock()
	listener := b.listener
	b.mu.Unlock()
	if listener != nil {
		listener.Handle(frame)
	}
}

// Sent returns a copy of the frames sent so far
func (b *Bus) Sent() []canopen.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := make([]canopen.Frame, len(b.sent))
	copy(frames, b.sent)
	return frames
}

// SentWithId returns the sent frames with the given 11 bit id
func (b *Bus) SentWithId(id uint16) []canopen.Frame {
	frames := make([]canopen.Frame, 0)
	for _, frame := range b.Sent() {
		if frame.CobId() == id {
			frames = append(frames, frame)
		}
	}
	return frames
}

// Count of sent frames
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

// Clear the recorded frames
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
}

// NewManager returns a started bus manager on top of a new test bus
func NewManager() (*canopen.BusManager, *Bus) {
	bus := &Bus{}
	bm := canopen.NewBusManager(bus, log.NewEntry(log.StandardLogger()))
	if err := bm.Start(); err != nil {
		panic(err)
	}
	return bm, bus
}
