package socketcan

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sockcan "github.com/brutella/can"
	canopen "github.com/samsamfire/canopen-drive"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Frames written are read back, closing fails pending reads with
// io.ErrClosedPipe so that the reception goroutine ends
type loopbackConn struct {
	*io.PipeReader
	*io.PipeWriter
}

func (c loopbackConn) Close() error {
	return c.PipeReader.Close()
}

func newLoopbackBus() *SocketcanBus {
	r, w := io.Pipe()
	raw := sockcan.NewBus(sockcan.NewReadWriteCloser(loopbackConn{r, w}))
	return newSocketcanBus(raw, log.WithField("service", "[SOCKETCAN]"))
}

func TestSingleDeliveryAfterRestart(t *testing.T) {
	bus := newLoopbackBus()
	bm := canopen.NewBusManager(bus, nil)

	var received atomic.Int32
	_, err := bm.Subscribe(0x601, false, canopen.PriorityNormal, canopen.FrameListenerFunc(func(f canopen.Frame) {
		received.Add(1)
	}))
	require.Nil(t, err)
	done := make(chan struct{})
	var once sync.Once
	_, err = bm.Subscribe(0x602, false, canopen.PriorityNormal, canopen.FrameListenerFunc(func(f canopen.Frame) {
		once.Do(func() { close(done) })
	}))
	require.Nil(t, err)

	// Same sequence as a communication reset
	require.Nil(t, bm.Start())
	bm.Stop()
	require.Nil(t, bm.Start())
	defer bm.Stop()

	require.Nil(t, bus.Connect())
	defer bus.Disconnect()
	require.Nil(t, bus.Send(canopen.NewFrame(0x601, 0, 8)))
	// Frames are read in order, 0x601 is fully dispatched once 0x602 arrives
	require.Nil(t, bus.Send(canopen.NewFrame(0x602, 0, 8)))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("frame not received")
	}
	assert.EqualValues(t, 1, received.Load())
}

func TestSubscribeReplacesCallback(t *testing.T) {
	bus := newLoopbackBus()
	first, second := 0, 0
	require.Nil(t, bus.Subscribe(canopen.FrameListenerFunc(func(f canopen.Frame) { first++ })))
	require.Nil(t, bus.Subscribe(canopen.FrameListenerFunc(func(f canopen.Frame) { second++ })))
	bus.Handle(sockcan.Frame{ID: 0x181, Length: 2})
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	require.Nil(t, bus.Subscribe(nil))
	bus.Handle(sockcan.Frame{ID: 0x181, Length: 2})
	assert.Equal(t, 1, second)
}
