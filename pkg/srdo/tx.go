package srdo

// processTxLocked drives the TX state machine once per tick. toggle==false
// builds and emits the normal frame (plus the inverted payload for next
// cycle); toggle==true emits the inverted frame prepared last cycle. Caller
// must hold s.mu.
func (s *SRDO) processTxLocked(timeDifferenceUs uint32) {
	if timeDifferenceUs < s.timerUs {
		s.timerUs -= timeDifferenceUs
		return
	}

	if !s.toggle {
		s.buildAndSendNormalLocked()
	} else {
		s.sendInvertedLocked()
	}
	s.toggle = !s.toggle
}

// buildAndSendNormalLocked assembles both payloads for this cycle and
// transmits the normal half immediately; the inverted half is queued for
// the following tick. Implementers must take the OD lock across the entire
// assembly (not per mapped byte) to avoid a torn read against concurrent
// writers - s.mu already serves that purpose here since the whole method
// runs under it.
func (s *SRDO) buildAndSendNormalLocked() {
	normalBuf := make([]byte, s.dataLength)
	invertedBuf := make([]byte, s.dataLength)

	offset := uint32(0)
	for i := range s.mapNormal {
		entry := &s.mapNormal[i]
		readMapped(entry, normalBuf[offset:offset+entry.length])
		offset += entry.length
	}

	offset = 0
	mismatch := false
	for i := range s.mapInverted {
		entry := &s.mapInverted[i]
		width := entry.length
		if s.dualUse[i] {
			for j := uint32(0); j < width; j++ {
				invertedBuf[offset+j] = ^normalBuf[offset+j]
			}
		} else {
			readMapped(entry, invertedBuf[offset:offset+width])
			if s.checkTxConsistency {
				for j := uint32(0); j < width; j++ {
					if invertedBuf[offset+j] != ^normalBuf[offset+j] {
						mismatch = true
					}
				}
			}
		}
		offset += width
	}

	if mismatch {
		s.enterSafeState()
		// Re-run the full compute next tick instead of transmitting the
		// stale inverted half.
		s.toggle = true
		s.timerUs = 0
		return
	}

	copy(s.txNormal.Data[:], normalBuf)
	copy(s.txInverted.Data[:], invertedBuf)
	_ = s.bm.Send(s.txNormal)
	s.timerUs = MinInterFrameDelayUs
}

func (s *SRDO) sendInvertedLocked() {
	_ = s.bm.Send(s.txInverted)
	if s.refreshTimeUs > MinInterFrameDelayUs {
		s.timerUs = s.refreshTimeUs - MinInterFrameDelayUs
	} else {
		s.timerUs = 0
	}
}
