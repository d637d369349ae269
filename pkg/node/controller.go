package node

import (
	"context"
	"time"

	"github.com/samsamfire/canopen-drive/pkg/fault"
	"github.com/samsamfire/canopen-drive/pkg/lss"
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/pdo"
	"github.com/samsamfire/canopen-drive/pkg/platform"
)

// Context is a snapshot of the node state, for diagnostics
type Context struct {
	NodeId               uint8         `json:"nodeId"`
	BitTiming            uint8         `json:"bitTiming"`
	Bitrate              uint32        `json:"bitrate"`
	NmtState             uint8         `json:"nmtState"`
	NmtStateName         string        `json:"nmtStateName"`
	LssActive            bool          `json:"lssActive"`
	LssState             string        `json:"lssState"`
	Platform             string        `json:"platform"`
	Operative            bool          `json:"operative"`
	FaultBits            fault.Bit     `json:"faultBits"`
	Faults               []string      `json:"faults"`
	ErrorRegister        uint8         `json:"errorRegister"`
	ManufacturerRegister uint32        `json:"manufacturerRegister"`
	LastErrorCode        uint16        `json:"lastErrorCode"`
	SyncCounter          uint8         `json:"syncCounter"`
	SdoState             string        `json:"sdoState,omitempty"`
	Pdos                 []pdo.Summary `json:"pdos"`
}

// Context returns the current state of the node
func (node *Node) Context() Context {
	node.mu.Lock()
	defer node.mu.Unlock()
	bitTiming, _ := node.LSS.BitTiming()
	status := node.host.Platform().Status()
	ctx := Context{
		NodeId:       node.nodeId,
		BitTiming:    bitTiming,
		Bitrate:      lss.Bitrates[bitTiming],
		NmtState:     nmt.StateInitializing,
		LssActive:    node.LSS.Active(),
		LssState:     node.LSS.GetState().String(),
		Platform:     status.String(),
		Operative:    status == platform.StatusFullyOperative,
		FaultBits:    node.faults.Bits(),
		SyncCounter:  node.SYNC.Counter(),
		Pdos:         node.PDO.Summaries(),
		Faults:       faultNames(node.faults.Bits()),
		NmtStateName: nmt.StateName(nmt.StateInitializing),
	}
	if node.NMT != nil {
		ctx.NmtState = node.NMT.GetInternalState()
		ctx.NmtStateName = nmt.StateName(ctx.NmtState)
	}
	if node.EMCY != nil {
		ctx.ErrorRegister, ctx.ManufacturerRegister, ctx.LastErrorCode = node.EMCY.Registers()
	}
	if node.SDO != nil {
		ctx.SdoState = node.SDO.State()
	}
	if ctx.Pdos == nil {
		ctx.Pdos = []pdo.Summary{}
	}
	return ctx
}

// Real-time context, synchronous PDOs are processed on every SYNC.
// Exits once the SYNC consumer is closed.
func (node *Node) realtime(syncs <-chan uint8) {
	defer node.rtWg.Done()
	node.logger.Info("starting node real-time process")
	for counter := range syncs {
		node.PDO.ProcessSync(counter)
	}
	node.logger.Info("exited node real-time process")
}

// Run the protocol task every period until ctx is cancelled or the node
// is closed. The measured time between two cycles is given to the
// services.
func (node *Node) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	last := time.Now()
	node.logger.Infof("starting node main process, period %v", period)
	for {
		select {
		case <-ctx.Done():
			node.logger.Info("exited node main process")
			return ctx.Err()
		case <-node.ctx.Done():
			node.logger.Info("exited node main process, node closed")
			return nil
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			node.Process(uint32(elapsed.Microseconds()))
		}
	}
}
