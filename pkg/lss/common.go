package lss

import (
	"errors"

	"github.com/kestrelsys/cansafe/pkg/config"
)

const (
	ServiceSlaveId     = 0x7E4
	ServiceMasterId    = 0x7E5
	NodeIdUnconfigured = 0xFF
	NodeIdMin          = 0x1
	NodeIdMax          = 0x7F
)

var (
	ErrTimeout       = errors.New("no answer received")
	ErrInvalidNodeId = errors.New("invalid node id")
)

type LSSMode uint8

const (
	ModeWaiting       LSSMode = 0
	ModeConfiguration LSSMode = 1
)

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

	// Identification services, available in operational & configuration mode
	CmdIdentSlave    LSSCommand = 0x4F // fastscan ack, sent by slave
	CmdIdentFastscan LSSCommand = 0x51 // fastscan probe, sent by master
)

const (
	ConfigNodeIdOk           = 0
	ConfigNodeIdOutOfRange   = 1
	ConfigNodeIdManufacturer = 0xFF
)

const (
	ConfigBitTimingOk           = 0
	ConfigBitTimingOutOfRange   = 1
	ConfigBitTimingManufacturer = 0xFF
)

const (
	ConfigStoreOk           = 0
	ConfigStoreNotSupported = 1
	ConfigStoreFailed       = 2
	ConfigStoreManufacturer = 0xFF
)

// Fastscan bitCheck values. 0x00-0x1F select which trailing bits of idNumber
// are compared against the slave's stored address field; 0x80 asks every
// waiting slave to reset its scan position and acknowledge.
const (
	FastscanBit0    uint8 = 0x00
	FastscanBit31   uint8 = 0x1F
	FastscanConfirm uint8 = 0x80
)

func fastscanBitCheckValid(bit uint8) bool {
	return (bit >= FastscanBit0 && bit <= FastscanBit31) || bit == FastscanConfirm
}

// Fastscan lssSub / lssNext: which of the four 32-bit identity fields is
// being narrowed down.
const (
	FastscanVendorId uint8 = 0
	FastscanProduct  uint8 = 1
	FastscanRev      uint8 = 2
	FastscanSerial   uint8 = 3
)

func fastscanSubValid(sub uint8) bool {
	return sub >= FastscanVendorId && sub <= FastscanSerial
}

// CiA301 bit timing table, table index -> kbit/s. Index 5 is reserved.
var bitTimingTable = [10]uint16{
	1000,
	800,
	500,
	250,
	125,
	0,
	50,
	20,
	10,
	0, // automatic bit rate detection
}

func bitTimingValid(index uint8) bool {
	return index != 5 && int(index) < len(bitTimingTable)
}

// addrField returns the uint32 identity field selected by a fastscan lssSub
// index (0=vendor, 1=product, 2=revision, 3=serial).
func (a LSSAddress) addrField(sub uint8) uint32 {
	switch sub {
	case FastscanVendorId:
		return a.VendorId
	case FastscanProduct:
		return a.ProductCode
	case FastscanRev:
		return a.RevisionNumber
	case FastscanSerial:
		return a.SerialNumber
	default:
		return 0
	}
}

// The LSS address is used to uniquely identify each node on the CANopen network.
// It corresponds to the concatenated values of the identity object (0x1018)
type LSSAddress struct {
	config.Identity
}

type LSSMessage struct {
	raw [8]byte
}

type LSSCommand uint8

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
