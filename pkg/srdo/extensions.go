package srdo

import (
	"encoding/binary"

	"github.com/kestrelsys/cansafe/pkg/od"
)

// writeEntryComm gates writes to an SRDO communication record. §4.8.7:
// any write while the shared configuration is trusted and this slot is
// configured (valid) is refused with DataDevState; the NMT state itself is
// not consulted, so a slot configured before leaving Operational still
// refuses writes. An accepted write always invalidates the shared
// configuration-valid latch, forcing a CRC re-check before the slot may go
// valid again.
func writeEntryComm(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil {
		return od.ErrDevIncompat
	}
	s, ok := stream.Object.(*SRDO)
	if !ok {
		return od.ErrDevIncompat
	}
	if s.guard.Valid() && s.valid != DirectionInvalid {
		return od.ErrDataDevState
	}
	switch stream.Subindex {
	case 1:
		if len(data) != 1 {
			return od.ErrTypeMismatch
		}
	case 2, 3, 5, 6:
	case 4:
		if len(data) != 1 {
			return od.ErrTypeMismatch
		}
	case 7:
	default:
		return od.ErrSubNotExist
	}
	if stream.Subindex == 5 || stream.Subindex == 6 {
		if len(data) != 4 {
			return od.ErrTypeMismatch
		}
		cobId := binary.LittleEndian.Uint32(data)
		parity := uint16(0)
		seed := s.cobIdNormalSeed
		if stream.Subindex == 6 {
			parity = 1
			seed = s.cobIdInvertedSeed
		}
		if _, err := s.resolveCobId(cobId, seed, parity); err != nil {
			return od.ErrInvalidValue
		}
	}
	s.guard.Invalidate()
	return od.WriteEntryDefault(stream, data, countWritten)
}

// writeEntryMap gates writes to an SRDO mapping record. §4.8.7: only sub 0
// (number-of-mapped-objects) is ever settable, and only while the slot is
// disabled (direction == invalid); it must be even and within range.
func writeEntryMap(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil {
		return od.ErrDevIncompat
	}
	s, ok := stream.Object.(*SRDO)
	if !ok {
		return od.ErrDevIncompat
	}
	if s.direction != DirectionInvalid {
		return od.ErrDataDevState
	}
	if stream.Subindex != 0 {
		return od.ErrUnsuppAccess
	}
	if len(data) != 1 {
		return od.ErrTypeMismatch
	}
	count := data[0]
	if count%2 != 0 || count > uint8(2*MaxMappedPairs) {
		return od.ErrInvalidValue
	}
	s.guard.Invalidate()
	return od.WriteEntryDefault(stream, data, countWritten)
}
