//go:build linux

// Package socketcanraw talks to a SocketCAN interface through a raw
// socket. Unlike the socketcan backend it subscribes to controller error
// frames and reports them as bus status.
package socketcanraw

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	canopen "github.com/samsamfire/canopen-drive"
	can "github.com/samsamfire/canopen-drive/pkg/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const canFrameSize = 16

// Error frame classes and controller status (linux/can/error.h)
const (
	canErrFlag      uint32 = 0x20000000
	canErrCrtl      uint32 = 0x00000004
	canErrBusOff    uint32 = 0x00000040
	canErrRestarted uint32 = 0x00000100

	canErrCrtlRxOverflow uint8 = 0x01
	canErrCrtlTxOverflow uint8 = 0x02
	canErrCrtlRxWarning  uint8 = 0x04
	canErrCrtlTxWarning  uint8 = 0x08
	canErrCrtlRxPassive  uint8 = 0x10
	canErrCrtlTxPassive  uint8 = 0x20
	canErrCrtlActive     uint8 = 0x40
)

func init() {
	can.RegisterInterface("socketcanraw", NewBus)
}

// rawFrame matches the C layout of struct can_frame
type rawFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

type Bus struct {
	fd         int
	rxCallback canopen.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	status     atomic.Uint32
	logger     *log.Entry
}

// Create a new SocketCAN bus. This expects the CAN channel to be up.
// e.g. running "ip a" should show can0 or something similar.
func NewBus(channel string) (canopen.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %w", err)
	}
	timeout := unix.NsecToTimeval(100_000_000)
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &timeout); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set read timeout : %w", err)
	}
	errMask := int(canErrCrtl | canErrBusOff | canErrRestarted)
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, errMask); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set error filter : %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	logger := log.WithFields(log.Fields{"service": "[SOCKETCANRAW]", "channel": channel})
	return &Bus{fd: fd, logger: logger}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processIncoming(ctx)
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	return unix.Close(b.fd)
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame canopen.Frame) error {
	raw := rawFrame{id: frame.ID, dlc: frame.DLC, data: frame.Data}
	buf := (*(*[canFrameSize]byte)(unsafe.Pointer(&raw)))[:]
	n, err := unix.Write(b.fd, buf)
	if err != nil {
		if errors.Is(err, unix.ENOBUFS) {
			canopen.LatchError(&b.status, canopen.CanErrorTxOverflow)
		}
		return err
	}
	if n != canFrameSize {
		return fmt.Errorf("short write %v bytes", n)
	}
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(rxCallback canopen.FrameListener) error {
	b.rxCallback = rxCallback
	return nil
}

// Status implements [canopen.BusStatusReporter]
func (b *Bus) Status() uint16 {
	return uint16(b.status.Load())
}

// Enable own reception on the bus. CAN be useful when testing for example
func (b *Bus) SetReceiveOwn(enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}

func (b *Bus) processIncoming(ctx context.Context) {
	raw := rawFrame{}
	buf := (*(*[canFrameSize]byte)(unsafe.Pointer(&raw)))[:]
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("exiting CAN bus reception, closed")
			return
		default:
		}
		n, err := unix.Read(b.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			b.logger.Errorf("read error : %v", err)
			return
		}
		if n != canFrameSize {
			continue
		}
		if raw.id&canErrFlag != 0 {
			b.handleErrorFrame(raw)
			continue
		}
		if b.rxCallback != nil {
			b.rxCallback.Handle(canopen.Frame{ID: raw.id, DLC: raw.dlc, Data: raw.data})
		}
	}
}

// Translate an error frame into CanError* status bits
func (b *Bus) handleErrorFrame(raw rawFrame) {
	for {
		old := b.status.Load()
		status := errorFrameStatus(raw, old)
		if b.status.CompareAndSwap(old, status) {
			b.logger.Debugf("error frame x%x, status x%x", raw.id, status)
			return
		}
	}
}

func errorFrameStatus(raw rawFrame, status uint32) uint32 {
	if raw.id&canErrBusOff != 0 {
		status |= canopen.CanErrorTxBusOff
	}
	if raw.id&canErrRestarted != 0 {
		status &^= canopen.CanErrorTxBusOff | canopen.CanErrorWarnPassive
	}
	if raw.id&canErrCrtl != 0 {
		ctrl := raw.data[1]
		if ctrl&canErrCrtlRxOverflow != 0 {
			status |= canopen.CanErrorRxOverflow
		}
		if ctrl&canErrCrtlTxOverflow != 0 {
			status |= canopen.CanErrorTxOverflow
		}
		if ctrl&canErrCrtlRxWarning != 0 {
			status |= canopen.CanErrorRxWarning
		}
		if ctrl&canErrCrtlTxWarning != 0 {
			status |= canopen.CanErrorTxWarning
		}
		if ctrl&canErrCrtlRxPassive != 0 {
			status |= canopen.CanErrorRxPassive
		}
		if ctrl&canErrCrtlTxPassive != 0 {
			status |= canopen.CanErrorTxPassive
		}
		if ctrl&canErrCrtlActive != 0 {
			status &^= canopen.CanErrorWarnPassive
		}
	}
	return status
}
