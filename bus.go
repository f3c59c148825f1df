package canopen

import can "github.com/kestrelsys/cansafe/pkg/can"

// Frame, Bus and FrameListener alias pkg/can's definitions so the service
// packages (nmt, emergency, heartbeat, lss, pdo, sdo, srdo, ...) can depend
// on this package alone for both bus plumbing (BusManager) and wire types.
type Frame = can.Frame
type Bus = can.Bus
type FrameListener = can.FrameListener

func NewFrame(ident uint32, flags uint8, dlc uint8) Frame {
	return can.NewFrame(ident, flags, dlc)
}

// CAN bus error bits, aliased from pkg/can so EMCY's error-status tracking
// can depend on this package alone, same as Frame/Bus above.
const (
	CanErrorTxWarning   = can.CanErrorTxWarning
	CanErrorTxPassive   = can.CanErrorTxPassive
	CanErrorTxBusOff    = can.CanErrorTxBusOff
	CanErrorTxOverflow  = can.CanErrorTxOverflow
	CanErrorPdoLate     = can.CanErrorPdoLate
	CanErrorRxWarning   = can.CanErrorRxWarning
	CanErrorRxPassive   = can.CanErrorRxPassive
	CanErrorRxOverflow  = can.CanErrorRxOverflow
	CanErrorWarnPassive = can.CanErrorWarnPassive
)

// IsIDRestricted reports whether ident falls outside the range a
// user-writable COB-ID parameter is allowed to occupy.
func IsIDRestricted(ident uint16) bool {
	return ident == 0 || ident > MaxCanId
}
