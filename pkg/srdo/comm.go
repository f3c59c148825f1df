package srdo

import (
	"fmt"

	canopen "github.com/kestrelsys/cansafe"
	can "github.com/kestrelsys/cansafe/pkg/can"
)

// cobIdMask rejects any set bit outside the 11-bit CAN-ID field other than
// bit 30: bits 31 and 29..11 must be clear.
const cobIdMask uint32 = 0xBFFFF800

// resolveCobId applies the node-id offset (only when the stored ID still
// matches its default seed and node-id <= 64) and range/parity-checks the
// result. parityBit is 0 for the normal COB-ID, 1 for the inverted one.
func (s *SRDO) resolveCobId(stored uint32, seed uint16, parityBit uint16) (uint16, error) {
	if stored&cobIdMask != 0 {
		return 0, canopen.ErrOdParameters
	}
	canId := uint16(stored & 0x7FF)
	if canId == seed && s.nodeId <= 64 {
		canId += 2 * uint16(s.nodeId)
	}
	if canId < MinCobId || canId > MaxCobId {
		return 0, canopen.ErrOdParameters
	}
	if canId&1 != parityBit {
		return 0, canopen.ErrOdParameters
	}
	return canId, nil
}

// configComLocked validates both COB-IDs, installs the TX buffers or RX
// subscriptions, and only then marks the slot valid for its direction.
// Proceeds only when direction is TX or RX, configuration is CRC-valid, and
// the mapping resolved a non-zero payload.
func (s *SRDO) configComLocked() error {
	if s.direction != DirectionTX && s.direction != DirectionRX {
		return nil
	}
	if !s.guard.Valid() {
		return canopen.ErrWrongNMTState
	}
	if s.dataLength == 0 {
		return canopen.ErrOdParameters
	}

	canIdNormal, err := s.resolveCobId(uint32(s.cobIdNormal), s.cobIdNormalSeed, 0)
	if err != nil {
		s.logger.Warn("normal COB-ID rejected", "raw", fmt.Sprintf("x%x", s.cobIdNormal))
		return err
	}
	canIdInverted, err := s.resolveCobId(uint32(s.cobIdInverted), s.cobIdInvertedSeed, 1)
	if err != nil {
		s.logger.Warn("inverted COB-ID rejected", "raw", fmt.Sprintf("x%x", s.cobIdInverted))
		return err
	}

	s.unsubscribeLocked()

	switch s.direction {
	case DirectionTX:
		s.txNormal = canopen.NewFrame(uint32(canIdNormal), 0, uint8(s.dataLength))
		s.txInverted = canopen.NewFrame(uint32(canIdInverted), 0, uint8(s.dataLength))
		stagger := StaggerPerNodeUs * uint32(s.nodeId)
		if stagger > s.refreshTimeUs && s.refreshTimeUs > 0 {
			// Clamp to the refresh period, so the first frame never waits
			// longer than one refresh period.
			stagger = s.refreshTimeUs
		}
		s.timerUs = stagger
		s.toggle = false

	case DirectionRX:
		cancelNormal, err := s.bm.Subscribe(uint32(canIdNormal), 0x7FF, false, can.FrameListener(frameHandler(s.handleRxNormal)))
		if err != nil {
			return err
		}
		cancelInverted, err := s.bm.Subscribe(uint32(canIdInverted), 0x7FF, false, can.FrameListener(frameHandler(s.handleRxInverted)))
		if err != nil {
			cancelNormal()
			return err
		}
		s.rxCancelNormal = cancelNormal
		s.rxCancelInverted = cancelInverted
		s.timerUs = s.refreshTimeUs
		s.toggle = false
		s.clearRxNew()
	}

	s.cobIdNormal = canIdNormal
	s.cobIdInverted = canIdInverted
	s.valid = s.direction
	s.logger.Info("communication configured",
		"cobIdNormal", fmt.Sprintf("x%x", canIdNormal),
		"cobIdInverted", fmt.Sprintf("x%x", canIdInverted),
	)
	return nil
}

func (s *SRDO) unsubscribeLocked() {
	if s.rxCancelNormal != nil {
		s.rxCancelNormal()
		s.rxCancelNormal = nil
	}
	if s.rxCancelInverted != nil {
		s.rxCancelInverted()
		s.rxCancelInverted = nil
	}
}

// frameHandler adapts a plain function into a [can.FrameListener], the way
// the existing teacher services wrap anonymous RX handling for a single
// callback; SRDO needs two distinct handlers per slot (normal/inverted),
// which no existing single-COB-ID service models.
type frameHandler func(can.Frame)

func (f frameHandler) Handle(frame can.Frame) { f(frame) }
