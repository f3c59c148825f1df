package sync

import (
	"encoding/binary"

	can "github.com/kestrelsys/cansafe/pkg/can"
	"github.com/kestrelsys/cansafe/pkg/od"
)

// writeEntry1005 updates the SYNC COB-ID and producer/consumer role.
func writeEntry1005(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || stream.Subindex != 0 || len(data) != 4 {
		return od.ErrDevIncompat
	}
	s, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cobIdSync := binary.LittleEndian.Uint32(data)
	canId := cobIdSync & 0x7FF
	isProducer := (cobIdSync & 0x40000000) != 0
	if (cobIdSync & 0xBFFFF800) != 0 {
		return od.ErrInvalidValue
	}
	if s.isProducer {
		if err := s.Unsubscribe(s.cobId, 0x7FF, false, s); err == nil {
			_, _ = s.Subscribe(canId, 0x7FF, false, s)
		}
	}
	s.isProducer = isProducer
	s.cobId = canId
	var frameSize uint8
	if s.counterOverflow != 0 {
		frameSize = 1
	}
	s.txBuffer = can.NewFrame(s.cobId, 0, frameSize)
	return od.WriteEntryDefault(stream, data, countWritten)
}

// writeEntry1006 updates the communication cycle period (µs).
func writeEntry1006(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || stream.Subindex != 0 || len(data) != 4 {
		return od.ErrDevIncompat
	}
	s, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawCommunicationCyclePeriod = append([]byte(nil), data...)
	s.timer = 0
	return od.WriteEntryDefault(stream, data, countWritten)
}

// writeEntry1007 updates the synchronous window length (µs).
func writeEntry1007(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || stream.Subindex != 0 || len(data) != 4 {
		return od.ErrDevIncompat
	}
	s, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawSynchronousWindowLength = append([]byte(nil), data...)
	return od.WriteEntryDefault(stream, data, countWritten)
}

// writeEntry1019 updates the synchronous counter overflow.
func writeEntry1019(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || len(data) != 1 {
		return od.ErrDevIncompat
	}
	s, ok := stream.Object.(*SYNC)
	if !ok {
		return od.ErrDevIncompat
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	overflow := data[0]
	if overflow == 1 || overflow > 240 {
		return od.ErrInvalidValue
	}
	commCyclePeriod := binary.LittleEndian.Uint32(s.rawCommunicationCyclePeriod)
	if commCyclePeriod != 0 {
		return od.ErrDataDevState
	}
	var frameSize uint8
	if overflow != 0 {
		frameSize = 1
	}
	s.txBuffer = can.NewFrame(s.cobId, 0, frameSize)
	s.counterOverflow = overflow
	return od.WriteEntryDefault(stream, data, countWritten)
}
