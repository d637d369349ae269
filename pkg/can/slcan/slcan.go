// Package slcan drives serial line CAN adapters (Lawicel / SLCAN ASCII
// protocol), e.g. CANable or USBtin. The channel has the form
// "<port>[@<bitrate>]" for example "/dev/ttyACM0@500000".
package slcan

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	canopen "github.com/samsamfire/canopen-drive"
	can "github.com/samsamfire/canopen-drive/pkg/can"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	defaultBitrate = 500_000
	serialBaudrate = 115200
	readTimeout    = 100 * time.Millisecond
)

// Sn command index for each supported bitrate
var bitrateCommands = map[int]string{
	10_000:    "S0",
	20_000:    "S1",
	50_000:    "S2",
	100_000:   "S3",
	125_000:   "S4",
	250_000:   "S5",
	500_000:   "S6",
	800_000:   "S7",
	1_000_000: "S8",
}

func init() {
	can.RegisterInterface("slcan", NewBus)
}

type Bus struct {
	mu         sync.Mutex
	port       io.ReadWriteCloser
	bitrate    int
	rxCallback canopen.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *log.Entry
}

// parseChannel splits "<port>@<bitrate>"
func parseChannel(channel string) (string, int, error) {
	port, rate, found := strings.Cut(channel, "@")
	if !found {
		return port, defaultBitrate, nil
	}
	bitrate, err := strconv.Atoi(rate)
	if err != nil {
		return "", 0, fmt.Errorf("invalid bitrate %q : %w", rate, err)
	}
	if _, ok := bitrateCommands[bitrate]; !ok {
		return "", 0, canopen.ErrIllegalBaudrate
	}
	return port, bitrate, nil
}

func NewBus(channel string) (canopen.Bus, error) {
	portName, bitrate, err := parseChannel(channel)
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: serialBaudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %v : %w", portName, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, err
	}
	logger := log.WithFields(log.Fields{"service": "[SLCAN]", "port": portName})
	return newBus(port, bitrate, logger), nil
}

func newBus(port io.ReadWriteCloser, bitrate int, logger *log.Entry) *Bus {
	return &Bus{port: port, bitrate: bitrate, logger: logger}
}

func (b *Bus) command(cmd string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.port, cmd+"\r")
	return err
}

// "Connect" implementation of Bus interface
// Closes any open channel, configures bitrate then opens the channel
func (b *Bus) Connect(...any) error {
	if err := b.command("C"); err != nil {
		return err
	}
	if err := b.command(bitrateCommands[b.bitrate]); err != nil {
		return err
	}
	if err := b.command("O"); err != nil {
		return err
	}
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
	if b.cancel != nil {
		b.cancel()
	}
	err := b.command("C")
	b.port.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame canopen.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.port, EncodeFrame(frame))
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(rxCallback canopen.FrameListener) error {
	b.rxCallback = rxCallback
	return nil
}

func (b *Bus) processIncoming(ctx context.Context) {
	buf := make([]byte, 64)
	line := make([]byte, 0, 32)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// A read timeout returns 0 bytes without error
		n, err := b.port.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Errorf("read error : %v", err)
			}
			return
		}
		for _, c := range buf[:n] {
			switch c {
			case '\r':
				if len(line) > 0 {
					b.handleLine(string(line))
				}
				line = line[:0]
			case 0x07:
				b.logger.Warn("adapter refused last command")
				line = line[:0]
			default:
				line = append(line, c)
			}
		}
	}
}

func (b *Bus) handleLine(line string) {
	frame, err := DecodeFrame(line)
	if err != nil {
		// Command acknowledgments ("z", "Z") and status answers end up here
		b.logger.Debugf("ignoring %q : %v", line, err)
		return
	}
	if b.rxCallback != nil {
		b.rxCallback.Handle(frame)
	}
}

// EncodeFrame converts a CAN frame into the ASCII SLCAN string
func EncodeFrame(frame canopen.Frame) string {
	var builder strings.Builder
	extended := frame.ID&canopen.CanEffFlag != 0
	remote := frame.IsRTR()
	switch {
	case remote && extended:
		builder.WriteByte('R')
	case remote && !extended:
		builder.WriteByte('r')
	case !remote && extended:
		builder.WriteByte('T')
	default:
		builder.WriteByte('t')
	}
	if extended {
		builder.WriteString(fmt.Sprintf("%08X", frame.ID&0x1FFFFFFF))
	} else {
		builder.WriteString(fmt.Sprintf("%03X", frame.ID&canopen.CanSffMask))
	}
	dlc := frame.DLC
	if dlc > 8 {
		dlc = 8
	}
	builder.WriteByte('0' + dlc)
	if !remote {
		for i := uint8(0); i < dlc; i++ {
			builder.WriteString(fmt.Sprintf("%02X", frame.Data[i]))
		}
	}
	builder.WriteByte('\r')
	return builder.String()
}

// DecodeFrame parses an SLCAN frame line, without the trailing '\r'
func DecodeFrame(line string) (canopen.Frame, error) {
	frame := canopen.Frame{}
	if len(line) == 0 {
		return frame, canopen.ErrIllegalArgument
	}
	idLength := 3
	switch line[0] {
	case 't':
	case 'r':
		frame.ID |= canopen.CanRtrFlag
	case 'T':
		idLength = 8
		frame.ID |= canopen.CanEffFlag
	case 'R':
		idLength = 8
		frame.ID |= canopen.CanEffFlag | canopen.CanRtrFlag
	default:
		return frame, fmt.Errorf("not a frame : %w", canopen.ErrIllegalArgument)
	}
	if len(line) < 1+idLength+1 {
		return frame, canopen.ErrRxMsgLength
	}
	id, err := strconv.ParseUint(line[1:1+idLength], 16, 32)
	if err != nil {
		return frame, err
	}
	frame.ID |= uint32(id)
	dlc := line[1+idLength] - '0'
	if dlc > 8 {
		return frame, canopen.ErrRxMsgLength
	}
	frame.DLC = dlc
	if frame.IsRTR() {
		return frame, nil
	}
	data := line[2+idLength:]
	if len(data) < int(dlc)*2 {
		return frame, canopen.ErrRxMsgLength
	}
	for i := 0; i < int(dlc); i++ {
		value, err := strconv.ParseUint(data[2*i:2*i+2], 16, 8)
		if err != nil {
			return frame, err
		}
		frame.Data[i] = uint8(value)
	}
	return frame, nil
}
