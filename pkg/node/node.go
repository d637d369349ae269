// Package node runs the CANopen slave stack of the drive. A [Node] owns
// every service and drives them from a cooperative protocol task
// ([Node.Process]) and a real-time context woken on SYNC.
package node

import (
	"context"
	"sync"

	canopen "github.com/samsamfire/canopen-drive"
	"github.com/samsamfire/canopen-drive/pkg/emergency"
	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/heartbeat"
	"github.com/samsamfire/canopen-drive/pkg/lss"
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/od"
	"github.com/samsamfire/canopen-drive/pkg/pdo"
	"github.com/samsamfire/canopen-drive/pkg/platform"
	"github.com/samsamfire/canopen-drive/pkg/sdo"
	s "github.com/samsamfire/canopen-drive/pkg/sync"
	log "github.com/sirupsen/logrus"
)

// Alarms is the alarm subsystem : it translates the faults to EMCY
// alarms and gives the active alarms to the EMCY producer
type Alarms interface {
	emergency.AlarmSource
	fault.Poster
	Clear()
}

// Platform gives access to the hardware services of the drive
type Platform interface {
	ClearWatchdog()
	Status() platform.Status
	PersistConfiguration(nodeId uint8, bitTiming uint8) error
	ExecuteReset(code uint8)
}

// Host holds every collaborator of the stack
type Host interface {
	Transport() *canopen.BusManager
	Dictionary() *od.ObjectDictionary
	Alarms() Alarms
	Platform() Platform
}

type host struct {
	bm       *canopen.BusManager
	odict    *od.ObjectDictionary
	alarms   Alarms
	platform Platform
}

func (h *host) Transport() *canopen.BusManager   { return h.bm }
func (h *host) Dictionary() *od.ObjectDictionary { return h.odict }
func (h *host) Alarms() Alarms                   { return h.alarms }
func (h *host) Platform() Platform               { return h.platform }

// NewHost groups the collaborators of a [Node]
func NewHost(bm *canopen.BusManager, odict *od.ObjectDictionary, alarms Alarms, hw Platform) Host {
	return &host{bm: bm, odict: odict, alarms: alarms, platform: hw}
}

// Settings of the node at power on
type Settings struct {
	NodeId       uint8 // 1..127 or [lss.NodeIdUnconfigured]
	BitTiming    uint8 // index in [lss.Bitrates]
	SdoTimeoutMs uint32
	Capacity     pdo.Capacity
	// SetBitRate switches the transport to a new bit rate, called while
	// the transport is stopped. May be nil.
	SetBitRate func(bitrate uint32) error
}

// A [Node] is a CiA 301 slave. Services depending on the node id
// (NMT, error control, EMCY and SDO) only exist while the node id is
// configured.
type Node struct {
	host     Host
	bm       *canopen.BusManager
	logger   *log.Entry
	od       *od.ObjectDictionary
	settings Settings
	faults   *fault.Register
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	nodeId   uint8
	closed   bool

	LSS          *lss.LSSSlave
	NMT          *nmt.NMT
	ErrorControl *heartbeat.ErrorControl
	EMCY         *emergency.EMCY
	SYNC         *s.SYNC
	SDO          *sdo.SDOServer
	PDO          *pdo.Engine

	rtWg sync.WaitGroup
	events
}

// New creates every service of the node. The transport of the host is
// started if it is not running.
func New(h Host, logger *log.Entry, settings Settings) (*Node, error) {
	if h == nil || h.Transport() == nil || h.Dictionary() == nil ||
		h.Alarms() == nil || h.Platform() == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	node := &Node{
		host:     h,
		bm:       h.Transport(),
		logger:   logger.WithField("service", "[NODE]"),
		od:       h.Dictionary(),
		settings: settings,
		ctx:      ctx,
		cancel:   cancel,
		nodeId:   settings.NodeId,
	}
	node.events.init()
	node.faults = fault.NewRegister(h.Alarms(), logger)
	if err := node.initAll(); err != nil {
		cancel()
		return nil, err
	}
	if err := node.bm.Start(); err != nil {
		node.Close()
		return nil, err
	}
	node.logger.Infof("initialized with node id %v", node.nodeId)
	return node, nil
}

// Configured returns false while the node id is [lss.NodeIdUnconfigured]
func (node *Node) Configured() bool {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.configured()
}

func (node *Node) configured() bool {
	return node.nodeId >= lss.NodeIdMin && node.nodeId <= lss.NodeIdMax
}

// GetID returns the active node id
func (node *Node) GetID() uint8 {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.nodeId
}

// GetOD returns the object dictionary of the node
func (node *Node) GetOD() *od.ObjectDictionary {
	return node.od
}

// Faults returns the fault register
func (node *Node) Faults() *fault.Register {
	return node.faults
}

// SendCommand applies an NMT command locally, as if it was received
func (node *Node) SendCommand(command nmt.Command) error {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.NMT == nil {
		return canopen.ErrNodeIdUnconfigured
	}
	node.NMT.SendInternalCommand(uint8(command))
	return nil
}

// ClearFaults clears the fault register and the active alarms.
// Faults still present are raised again by their service.
func (node *Node) ClearFaults() {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.faults.ClearAll()
	node.host.Alarms().Clear()
	node.logger.Info("faults cleared")
}

// Read a value of the dictionary through the same path as the SDO server,
// serialized with the protocol task
func (node *Node) Read(index uint16, subindex uint8) ([]byte, error) {
	node.mu.Lock()
	defer node.mu.Unlock()
	streamer, err := node.od.Search(index, subindex, od.SelectRuntime)
	if err != nil {
		return nil, err
	}
	if err := streamer.Init(false); err != nil {
		return nil, err
	}
	data := make([]byte, 0, streamer.DataLength)
	buffer := make([]byte, sdo.MaxTransferSize)
	for {
		n, err := streamer.Read(buffer)
		data = append(data, buffer[:n]...)
		if err == od.ErrPartial {
			continue
		}
		if err != nil {
			streamer.Abort()
			return nil, err
		}
		return data, nil
	}
}

// ResetCommunication performs a communication reset, e.g. after the
// application changed the communication objects
func (node *Node) ResetCommunication() {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.resetCommunication()
}

// Close stops the real-time context, removes every registration and
// stops the transport
func (node *Node) Close() {
	node.cancel()
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.closed {
		return
	}
	node.closed = true
	node.PDO.Close()
	node.closeCommunication()
	node.EMCY = nil
	node.SYNC.Close()
	node.rtWg.Wait()
	node.LSS.Close()
	node.bm.Stop()
	node.events.close()
	node.logger.Info("closed")
}
