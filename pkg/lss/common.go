package lss

import (
	"errors"
)

const (
	ServiceSlaveId     = 0x7E4
	ServiceMasterId    = 0x7E5
	NodeIdUnconfigured = 0xFF
	NodeIdMin          = 0x1
	NodeIdMax          = 0x7F
)

var (
	ErrInvalidNodeId    = errors.New("invalid node id")
	ErrInvalidBitTiming = errors.New("invalid bit timing")
)

type LSSMode uint8

const (
	ModeWaiting       LSSMode = 0
	ModeConfiguration LSSMode = 1
)

type LSSCommand uint8

const (
	// Switch mode services, used to connect master & slave for configuration
	CmdSwitchStateGlobal            LSSCommand = 4
	CmdSwitchStateSelectiveVendor   LSSCommand = 64
	CmdSwitchStateSelectiveProduct  LSSCommand = 65
	CmdSwitchStateSelectiveRevision LSSCommand = 66
	CmdSwitchStateSelectiveSerialNb LSSCommand = 67
	CmdSwitchStateSelectiveResult   LSSCommand = 68

	// Configuration services, only available in configuration mode
	CmdConfigureNodeId            LSSCommand = 17
	CmdConfigureBitTiming         LSSCommand = 19
	CmdConfigureActivateBitTiming LSSCommand = 21
	CmdConfigureStoreParameters   LSSCommand = 23

	// Inquiry services, only available in configuration mode
	CmdInquireVendor   LSSCommand = 90
	CmdInquireProduct  LSSCommand = 91
	CmdInquireRevision LSSCommand = 92
	CmdInquireSerial   LSSCommand = 93
	CmdInquireNodeId   LSSCommand = 94

	// Identification services, available in every state
	CmdIdentifyRemoteVendor       LSSCommand = 70
	CmdIdentifyRemoteProduct      LSSCommand = 71
	CmdIdentifyRemoteRevisionLow  LSSCommand = 72
	CmdIdentifyRemoteRevisionHigh LSSCommand = 73
	CmdIdentifyRemoteSerialLow    LSSCommand = 74
	CmdIdentifyRemoteSerialHigh   LSSCommand = 75
	CmdIdentifyNonConfigured      LSSCommand = 76
	CmdIdentifySlave              LSSCommand = 79
	CmdIdentifyNonConfiguredSlave LSSCommand = 80
)

// Configuration service results
const (
	ConfigOk           = 0
	ConfigOutOfRange   = 1
	ConfigStoreFailed  = 2
	ConfigManufacturer = 0xFF
)

// Bit rates by bit timing index, CiA 305 table 0
var Bitrates = []uint32{1000000, 800000, 500000, 250000, 125000, 100000, 50000, 20000, 10000}

// The LSS address is used to uniquely identify each node on the CANopen network.
// It corresponds to the concatenated values of the identity object (0x1018)
type LSSAddress struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

type LSSMessage struct {
	raw [8]byte
}

func (m *LSSMessage) Command() LSSCommand {
	return LSSCommand(m.raw[0])
}

type LSSState uint8

func (state LSSState) String() string {
	switch state {
	case StateWaiting:
		return "WAITING"
	case StateConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// LSS states as defined by CiA 305
const (
	// LSS waiting: In this state, the LSS slave devices may be identified. Otherwise the LSS
	// slave device waits for a request to enter LSS configuration state.
	// The LSS slave is operating on its active bit rate.
	// The virtual node-ID and bit rate variables are not changeable by means of LSS in this
	// state.
	StateWaiting LSSState = 1
	// LSS configuration: In this state the virtual node-ID and bit rate variables may be
	// configured at the LSS slave. Device can be configured in this state.
	StateConfiguration LSSState = 2
)

// Request to the node, returned by [LSSSlave.Process]
type Request uint8

const (
	RequestNone              Request = 0
	RequestResetComm         Request = 1 // Node id changed
	RequestActivateBitTiming Request = 2 // Switch bit timing after delay
)

// Store persists the LSS configuration
type Store interface {
	PersistConfiguration(nodeId uint8, bitTiming uint8) error
}
