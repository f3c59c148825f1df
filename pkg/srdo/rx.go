package srdo

import (
	can "github.com/kestrelsys/cansafe/pkg/can"
)

// handleRxNormal stages an incoming normal-parity frame. Called from the
// bus's receive context (via BusManager.Handle fan-out), so it only copies
// bytes and sets a flag; all consistency checking and OD propagation happens
// later from [SRDO.processRxLocked] on the next tick.
func (s *SRDO) handleRxNormal(frame can.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid != DirectionRX {
		return
	}
	if uint32(frame.DLC) < s.dataLength || s.rxNew[1] {
		return
	}
	copy(s.rxData[0][:], frame.Data[:])
	s.rxNew[0] = true
}

// handleRxInverted stages an incoming inverted-parity frame. Accepted only
// once the normal half of the pair has already arrived and is still
// pending, matching the toggle-sequenced protocol.
func (s *SRDO) handleRxInverted(frame can.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid != DirectionRX {
		return
	}
	if !s.rxNew[0] || s.rxNew[1] {
		return
	}
	if uint32(frame.DLC) < s.dataLength {
		return
	}
	copy(s.rxData[1][:], frame.Data[:])
	s.rxNew[1] = true
}

// processRxLocked drives the RX state machine once per tick, with toggle
// used as an RX-side expected-slot pointer: toggle==0 means "waiting on the
// normal half", toggle==1 means "normal received, waiting on inverted".
// Caller must hold s.mu.
func (s *SRDO) processRxLocked(timeDifferenceUs uint32) {
	slot := 0
	if s.toggle {
		slot = 1
	}

	if s.rxNew[slot] {
		if s.toggle {
			if !s.bytesComplementLocked() {
				s.clearRxNew()
				s.enterSafeState()
				s.toggle = false
				s.timerUs = s.srvtUs
				return
			}
			s.commitRxLocked()
			s.clearRxNew()
			s.timerUs = s.refreshTimeUs
		} else {
			s.timerUs = s.srvtUs
		}
		s.toggle = !s.toggle
		return
	}

	if s.timerUs == 0 {
		s.clearRxNew()
		s.toggle = false
		s.timerUs = s.srvtUs
		s.enterSafeState()
		return
	}
	if timeDifferenceUs >= s.timerUs {
		s.timerUs = 0
	} else {
		s.timerUs -= timeDifferenceUs
	}
}

// bytesComplementLocked checks rx[1][i] == ^rx[0][i] for every byte in
// [0, dataLength). Caller must hold s.mu.
func (s *SRDO) bytesComplementLocked() bool {
	for i := uint32(0); i < s.dataLength; i++ {
		if s.rxData[1][i] != ^s.rxData[0][i] {
			return false
		}
	}
	return true
}

// commitRxLocked copies the normal half into the OD through the normal
// mapping, and the inverted half through the inverted mapping only where it
// points at a distinct OD location (dual-use entries already hold the
// correct value via the normal write). Caller must hold s.mu.
func (s *SRDO) commitRxLocked() {
	offset := uint32(0)
	for i := range s.mapNormal {
		entry := &s.mapNormal[i]
		if !entry.dummy {
			writeMapped(entry, s.rxData[0][offset:offset+entry.length])
		}
		offset += entry.length
	}

	offset = 0
	for i := range s.mapInverted {
		entry := &s.mapInverted[i]
		if !s.dualUse[i] && !entry.dummy {
			writeMapped(entry, s.rxData[1][offset:offset+entry.length])
		}
		offset += entry.length
	}
}

// writeMapped writes b into entry's streamer, temporarily zeroing the
// streamer's DataOffset (which configMap repurposes to hold the mapped
// width rather than a partial-transfer cursor) and restoring it afterward,
// the same dance sendLocked performs for TPDO reads.
func writeMapped(entry *mapEntry, b []byte) {
	length := entry.streamer.DataOffset
	entry.streamer.DataOffset = 0
	_, _ = entry.streamer.Write(b)
	entry.streamer.DataOffset = length
}

// readMapped reads into b from entry's streamer, with the same
// DataOffset save/restore dance as [writeMapped].
func readMapped(entry *mapEntry, b []byte) {
	length := entry.streamer.DataOffset
	entry.streamer.DataOffset = 0
	_, _ = entry.streamer.Read(b)
	entry.streamer.DataOffset = length
}
