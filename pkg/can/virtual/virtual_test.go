package virtual

import (
	"sync"
	"testing"
	"time"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/stretchr/testify/assert"
)

type FrameReceiver struct {
	mu     sync.Mutex
	frames []canopen.Frame
}

func (frameReceiver *FrameReceiver) Handle(frame canopen.Frame) {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	frameReceiver.frames = append(frameReceiver.frames, frame)
}

func (frameReceiver *FrameReceiver) count() int {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	return len(frameReceiver.frames)
}

func newVcan(t *testing.T, channel string) *VirtualCanBus {
	bus, err := NewVirtualCanBus(channel)
	assert.Nil(t, err)
	vcan := bus.(*VirtualCanBus)
	assert.Nil(t, vcan.Connect())
	t.Cleanup(func() { vcan.Disconnect() })
	return vcan
}

func TestSendAndSubscribe(t *testing.T) {
	vcan1 := newVcan(t, t.Name())
	vcan2 := newVcan(t, t.Name())
	receiver := &FrameReceiver{}
	vcan2.Subscribe(receiver)
	frame := canopen.Frame{ID: 0x111, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := 0; i < 100; i++ {
		frame.Data[0] = uint8(i)
		assert.Nil(t, vcan1.Send(frame))
	}
	assert.Eventually(t, func() bool { return receiver.count() == 100 }, time.Second, 5*time.Millisecond)
	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	for i, frame := range receiver.frames {
		assert.Equal(t, uint8(i), frame.Data[0])
	}
}

func TestReceiveOwn(t *testing.T) {
	vcan := newVcan(t, t.Name())
	receiver := &FrameReceiver{}
	vcan.Subscribe(receiver)
	vcan.Send(canopen.Frame{ID: 0x10})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, receiver.count())
	vcan.SetReceiveOwn(true)
	vcan.Send(canopen.Frame{ID: 0x10})
	assert.Eventually(t, func() bool { return receiver.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestChannelsAreIsolated(t *testing.T) {
	vcan1 := newVcan(t, t.Name()+"a")
	vcan2 := newVcan(t, t.Name()+"b")
	receiver := &FrameReceiver{}
	vcan2.Subscribe(receiver)
	vcan1.Send(canopen.Frame{ID: 0x10})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, receiver.count())
}

func TestSendDisconnected(t *testing.T) {
	bus, _ := NewVirtualCanBus(t.Name())
	assert.Equal(t, canopen.ErrNoBus, bus.Send(canopen.Frame{}))
}
