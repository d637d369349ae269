package node

import (
	"time"

	"github.com/samsamfire/canopen-drive/pkg/emergency"
	"github.com/samsamfire/canopen-drive/pkg/heartbeat"
	"github.com/samsamfire/canopen-drive/pkg/lss"
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/od"
	"github.com/samsamfire/canopen-drive/pkg/pdo"
	"github.com/samsamfire/canopen-drive/pkg/platform"
	"github.com/samsamfire/canopen-drive/pkg/sdo"
	s "github.com/samsamfire/canopen-drive/pkg/sync"
)

// Polling step of the blocking waits
const waitStepMs = 10

// Process runs one cycle of the protocol task. Services are processed
// in a fixed order and NMT last, so that a state change applies to the
// next cycle. A communication reset requested by LSS or NMT is executed
// at the end of the cycle.
func (node *Node) Process(timeDifferenceUs uint32) {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.closed {
		return
	}
	hw := node.host.Platform()
	hw.ClearWatchdog()
	node.faults.UpdateBus(node.bm.Process())

	resetComm := false
	switch node.LSS.Process() {
	case lss.RequestResetComm:
		resetComm = true
	case lss.RequestActivateBitTiming:
		node.activateBitTiming()
	}
	lssActive := node.LSS.Active()

	if node.NMT != nil {
		state := node.NMT.GetInternalState()
		hold := lssActive || hw.Status() != platform.StatusFullyOperative
		if node.ErrorControl.Process(state, hold, timeDifferenceUs) {
			node.NMT.BootupSent()
		}
		preOrOperational := state == nmt.StatePreOperational || state == nmt.StateOperational
		node.EMCY.Process(preOrOperational, timeDifferenceUs)
		node.SYNC.Process(
			!lssActive && state != nmt.StateStopped && node.ErrorControl.RunState() != heartbeat.RunBootup,
			timeDifferenceUs,
		)
		node.PDO.Process(timeDifferenceUs)
		node.SDO.Process(state, timeDifferenceUs)

		switch node.NMT.Process(lssActive) {
		case nmt.ResetApp:
			// The application reset runs with the dictionary unlocked
			node.PDO.Destroy()
			node.od.SetStateLock(false)
			hw.ExecuteReset(platform.ResetNode)
			resetComm = true
		case nmt.ResetComm:
			resetComm = true
		}
	}
	if resetComm {
		node.resetCommunication()
	}
	node.publishFaults()
}

// Called from [nmt.NMT.Process] on every state change
func (node *Node) onStateChange(state uint8) {
	if state == nmt.StateOperational {
		if err := node.PDO.Create(node.nodeId); err != nil {
			node.logger.Warnf("PDOs not created : %v", err)
		}
		node.od.SetStateLock(true)
	} else {
		node.PDO.Destroy()
		node.od.SetStateLock(false)
	}
	node.emit(Event{Kind: EventNmtState, NodeId: node.nodeId, NmtState: nmt.StateName(state)})
}

// Communication reset : the pending node id becomes active and every
// service depending on it is created again
func (node *Node) resetCommunication() {
	node.logger.Info("resetting communication")
	node.PDO.Destroy()
	node.od.SetStateLock(false)
	node.bm.Stop()
	node.closeCommunication()

	node.nodeId = node.LSS.CommitNodeId()
	if err := node.LSS.ReloadAddress(); err != nil {
		node.logger.Warnf("reading LSS address failed : %v", err)
	}
	node.PDO.SetNodeId(node.nodeId)
	if node.configured() {
		if err := node.initCommunication(); err != nil {
			node.logger.Errorf("communication reset failed : %v", err)
		}
	} else {
		node.EMCY = nil
		node.logger.Warn("node id unconfigured, waiting for LSS")
	}
	if err := node.bm.Start(); err != nil {
		node.logger.Errorf("restarting transport failed : %v", err)
	}
	node.emit(Event{Kind: EventReset, NodeId: node.nodeId, NmtState: nmt.StateName(nmt.StateInitializing)})
}

// Switch to the pending bit timing. The transport is silent during the
// switch delay before and after the new bit rate is set.
func (node *Node) activateBitTiming() {
	delay := time.Duration(node.LSS.SwitchDelayMs()) * time.Millisecond
	node.bm.Stop()
	node.wait(delay)
	bitrate := node.LSS.CommitBitTiming()
	node.logger.Infof("switching to %v bit/s", bitrate)
	if node.settings.SetBitRate != nil {
		if err := node.settings.SetBitRate(bitrate); err != nil {
			node.logger.Errorf("setting bit rate failed : %v", err)
		}
	}
	node.wait(delay)
	if err := node.bm.Start(); err != nil {
		node.logger.Errorf("restarting transport failed : %v", err)
	}
	node.emit(Event{Kind: EventBitTiming, NodeId: node.nodeId})
}

// Bounded wait, the watchdog is cleared while waiting
func (node *Node) wait(delay time.Duration) {
	deadline := time.Now().Add(delay)
	for {
		node.host.Platform().ClearWatchdog()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		step := min(remaining, waitStepMs*time.Millisecond)
		select {
		case <-node.ctx.Done():
			return
		case <-time.After(step):
		}
	}
}

// Initialize [lss.LSSSlave], always present so that an unconfigured
// node can be given a node id
func (node *Node) initLSSSlave() error {
	slave, err := lss.NewLSSSlave(
		node.bm,
		node.logger,
		node.host.Platform(),
		node.nodeId,
		node.settings.BitTiming,
		node.od.Index(od.EntryIdentityObject),
		node.od.Index(od.EntryLSSNodeId),
		node.od.Index(od.EntryLSSBitTiming),
	)
	if err != nil {
		node.logger.Errorf("init failed [LSS] : %v", err)
		return err
	}
	node.LSS = slave
	return nil
}

// Initialize [s.SYNC] consumer
func (node *Node) initSYNC() error {
	sync, err := s.NewSYNC(
		node.bm,
		node.logger,
		node.faults,
		node.od.Index(od.EntryCobIdSYNC),
		node.od.Index(od.EntryCommunicationCyclePeriod),
		node.od.Index(od.EntrySynchronousCounterOverflow),
	)
	if err != nil {
		node.logger.Errorf("init failed [SYNC] : %v", err)
		return err
	}
	node.SYNC = sync
	return nil
}

// Initialize the [pdo.Engine], PDOs are only created in operational
func (node *Node) initPDO() error {
	engine, err := pdo.NewEngine(
		node.bm,
		node.logger,
		node.od,
		node.faults,
		node.SYNC,
		node.nodeId,
		node.settings.Capacity,
	)
	if err != nil {
		node.logger.Errorf("init failed [PDO] : %v", err)
		return err
	}
	node.PDO = engine
	return nil
}

// Initialize [emergency.EMCY] producer, or reset it for the new node id
func (node *Node) initEMCY() error {
	if node.EMCY != nil {
		node.EMCY.Reset(node.nodeId)
		return nil
	}
	emcy, err := emergency.NewEMCY(
		node.bm,
		node.logger,
		node.faults,
		node.host.Alarms(),
		node.nodeId,
		node.od.Index(od.EntryErrorRegister),
		node.od.Index(od.EntryCobIdEMCY),
		node.od.Index(od.EntryInhibitTimeEMCY),
	)
	if err != nil {
		node.logger.Errorf("init failed [EMCY] : %v", err)
		return err
	}
	node.EMCY = emcy
	return nil
}

// Initialize [nmt.NMT]
func (node *Node) initNMT() error {
	nm, err := nmt.NewNMT(node.bm, node.logger, node.nodeId, node.od.Index(od.EntryNMTStartup))
	if err != nil {
		node.logger.Errorf("init failed [NMT] : %v", err)
		return err
	}
	nm.SetCallback(node.onStateChange)
	node.NMT = nm
	return nil
}

// Initialize [heartbeat.ErrorControl]
func (node *Node) initErrorControl() error {
	ec, err := heartbeat.NewErrorControl(
		node.bm,
		node.logger,
		node.faults,
		node.nodeId,
		node.od.Index(od.EntryProducerHeartbeatTime),
		node.od.Index(od.EntryGuardTime),
		node.od.Index(od.EntryLifeTimeFactor),
	)
	if err != nil {
		node.logger.Errorf("init failed [HB] : %v", err)
		return err
	}
	node.ErrorControl = ec
	return nil
}

// Initialize [sdo.SDOServer], only the default channel is supported
func (node *Node) initSDOServer() error {
	server, err := sdo.NewSDOServer(
		node.bm,
		node.logger,
		node.od,
		node.nodeId,
		node.settings.SdoTimeoutMs,
		node.od.Index(od.EntrySDOServerParameter),
	)
	if err != nil {
		node.logger.Errorf("init failed [SDO] : %v", err)
		return err
	}
	node.SDO = server
	return nil
}

// Initialize the services depending on the node id, this is called on
// every communication reset
func (node *Node) initCommunication() error {
	if err := node.initEMCY(); err != nil {
		return err
	}
	if err := node.initNMT(); err != nil {
		return err
	}
	if err := node.initErrorControl(); err != nil {
		return err
	}
	return node.initSDOServer()
}

func (node *Node) closeCommunication() {
	if node.NMT != nil {
		node.NMT.Close()
		node.NMT = nil
	}
	if node.ErrorControl != nil {
		node.ErrorControl.Close()
		node.ErrorControl = nil
	}
	if node.SDO != nil {
		node.SDO.Close()
		node.SDO = nil
	}
}

// Initialize all CANopen services and the real-time context
func (node *Node) initAll() error {
	if err := node.initLSSSlave(); err != nil {
		return err
	}
	if err := node.initSYNC(); err != nil {
		node.LSS.Close()
		return err
	}
	if err := node.initPDO(); err != nil {
		node.LSS.Close()
		node.SYNC.Close()
		return err
	}
	if node.configured() {
		if err := node.initCommunication(); err != nil {
			node.closeCommunication()
			node.LSS.Close()
			node.SYNC.Close()
			return err
		}
	} else {
		node.logger.Warn("node id unconfigured, waiting for LSS")
	}
	node.rtWg.Add(1)
	go node.realtime(node.SYNC.SubscribeSync())
	return nil
}
