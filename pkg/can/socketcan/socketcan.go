// Package socketcan is a basic wrapper around the socketcan
// implementation that can be found here : https://github.com/brutella/can
package socketcan

import (
	"sync"

	sockcan "github.com/brutella/can"
	canopen "github.com/samsamfire/canopen-drive"
	can "github.com/samsamfire/canopen-drive/pkg/can"
	log "github.com/sirupsen/logrus"
)

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	bus        *sockcan.Bus
	mu         sync.RWMutex
	rxCallback canopen.FrameListener
	logger     *log.Entry
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	go func() {
		err := socketcan.bus.ConnectAndPublish()
		if err != nil {
			socketcan.logger.Errorf("reception stopped : %v", err)
		}
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame canopen.Frame) error {
	return socketcan.bus.Publish(
		sockcan.Frame{
			ID:     frame.ID,
			Length: frame.DLC,
			Flags:  frame.Flags,
			Data:   frame.Data,
		})
}

// "Subscribe" implementation of Bus interface, the previous callback
// is replaced
func (socketcan *SocketcanBus) Subscribe(rxCallback canopen.FrameListener) error {
	socketcan.mu.Lock()
	defer socketcan.mu.Unlock()
	socketcan.rxCallback = rxCallback
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	socketcan.mu.RLock()
	rxCallback := socketcan.rxCallback
	socketcan.mu.RUnlock()
	if rxCallback == nil {
		return
	}
	rxCallback.Handle(canopen.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

// brutella/can appends a handler on every subscription, so it is
// registered only once here
func newSocketcanBus(bus *sockcan.Bus, logger *log.Entry) *SocketcanBus {
	socketcan := &SocketcanBus{bus: bus, logger: logger}
	bus.Subscribe(socketcan)
	return socketcan
}

func NewSocketCanBus(name string) (canopen.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	logger := log.WithFields(log.Fields{"service": "[SOCKETCAN]", "channel": name})
	return newSocketcanBus(bus, logger), nil
}
