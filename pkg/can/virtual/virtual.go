// Package virtual is an in-memory CAN bus. Every bus opened on the same
// channel name sees the frames sent by the others, which is enough to
// run a node and a test peer inside one process.
package virtual

import (
	"sync"
	"sync/atomic"

	canopen "github.com/samsamfire/canopen-drive"
	can "github.com/samsamfire/canopen-drive/pkg/can"
	log "github.com/sirupsen/logrus"
)

const rxQueueSize = 1024

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
}

type broker struct {
	mu    sync.RWMutex
	buses map[*VirtualCanBus]struct{}
}

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*broker)
)

func getBroker(channel string) *broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	b, ok := brokers[channel]
	if !ok {
		b = &broker{buses: make(map[*VirtualCanBus]struct{})}
		brokers[channel] = b
	}
	return b
}

type VirtualCanBus struct {
	mu         sync.Mutex
	channel    string
	broker     *broker
	logger     *log.Entry
	cbMu       sync.RWMutex
	rxCallback canopen.FrameListener
	rxQueue    chan canopen.Frame
	done       chan struct{}
	wg         sync.WaitGroup
	receiveOwn atomic.Bool
	connected  atomic.Bool
	status     atomic.Uint32
}

func NewVirtualCanBus(channel string) (canopen.Bus, error) {
	return &VirtualCanBus{
		channel: channel,
		broker:  getBroker(channel),
		logger:  log.WithFields(log.Fields{"service": "[VIRTUAL]", "channel": channel}),
	}, nil
}

// "Connect" implementation of Bus interface
func (client *VirtualCanBus) Connect(...any) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.connected.Load() {
		return nil
	}
	client.rxQueue = make(chan canopen.Frame, rxQueueSize)
	client.done = make(chan struct{})
	client.wg.Add(1)
	go client.deliver(client.rxQueue, client.done)
	client.broker.mu.Lock()
	client.broker.buses[client] = struct{}{}
	client.broker.mu.Unlock()
	client.connected.Store(true)
	return nil
}

// "Disconnect" implementation of Bus interface
func (client *VirtualCanBus) Disconnect() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.connected.Swap(false) {
		return nil
	}
	client.broker.mu.Lock()
	delete(client.broker.buses, client)
	client.broker.mu.Unlock()
	close(client.done)
	client.wg.Wait()
	return nil
}

// "Send" implementation of Bus interface
func (client *VirtualCanBus) Send(frame canopen.Frame) error {
	if !client.connected.Load() {
		return canopen.ErrNoBus
	}
	client.broker.mu.RLock()
	defer client.broker.mu.RUnlock()
	for bus := range client.broker.buses {
		if bus == client && !client.receiveOwn.Load() {
			continue
		}
		bus.enqueue(frame)
	}
	return nil
}

// "Subscribe" implementation of Bus interface
func (client *VirtualCanBus) Subscribe(rxCallback canopen.FrameListener) error {
	client.cbMu.Lock()
	defer client.cbMu.Unlock()
	client.rxCallback = rxCallback
	return nil
}

// Status implements [canopen.BusStatusReporter]
func (client *VirtualCanBus) Status() uint16 {
	return uint16(client.status.Load())
}

// SetStatus forces the reported controller status, used to simulate
// bus errors
func (client *VirtualCanBus) SetStatus(status uint16) {
	client.status.Store(uint32(status))
}

// Receive own frames, like CAN_RAW_RECV_OWN_MSGS on socketcan
func (client *VirtualCanBus) SetReceiveOwn(receiveOwn bool) {
	client.receiveOwn.Store(receiveOwn)
}

func (client *VirtualCanBus) enqueue(frame canopen.Frame) {
	select {
	case client.rxQueue <- frame:
	default:
		canopen.LatchError(&client.status, canopen.CanErrorRxOverflow)
		client.logger.Warnf("rx queue full, dropping x%x", frame.ID)
	}
}

// deliver emulates the reception interrupt, frames are handed over one
// by one from a dedicated goroutine
func (client *VirtualCanBus) deliver(queue chan canopen.Frame, done chan struct{}) {
	defer client.wg.Done()
	for {
		select {
		case <-done:
			return
		case frame := <-queue:
			client.cbMu.RLock()
			callback := client.rxCallback
			client.cbMu.RUnlock()
			if callback != nil {
				callback.Handle(frame)
			}
		}
	}
}
