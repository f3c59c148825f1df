package heartbeat

import (
	"sync"

	canopen "github.com/kestrelsys/cansafe"
	"github.com/kestrelsys/cansafe/pkg/emergency"
	"github.com/kestrelsys/cansafe/pkg/nmt"
)

// Node specific hearbeat consumer part. Timeout detection is tick-driven:
// timeoutTimer accumulates Process()'s timeDifferenceUs and is cleared by
// every received heartbeat frame, mirroring the comm-timeout accumulators
// used by sync.SYNC and emergency.EMCY.
type hbConsumerEntry struct {
	mu            sync.Mutex
	nodeId        uint8
	cobId         uint16
	nmtState      uint8
	nmtStatePrev  uint8
	hbState       uint8
	timeoutPeriodUs uint32
	timeoutTimer  uint32
	rxNew         bool
	rxCancel      func()
	parent        *HBConsumer
	odIndex       int
}

// Handle [HBConsumer] related RX CAN frames
func (entry *hbConsumerEntry) Handle(frame canopen.Frame) {
	entry.mu.Lock()

	if frame.DLC != 1 {
		entry.mu.Unlock()
		return
	}

	consumer := entry.parent
	entry.nmtState = frame.Data[0]
	entry.timeoutTimer = 0
	event := EventNone

	if entry.nmtState == nmt.StateInitializing {
		// Boot up message is an error if previously received (means reboot)
		if entry.hbState == HeartbeatActive {
			consumer.emcy.ErrorReport(emergency.EmHBConsumerRemoteReset, emergency.ErrHeartbeat, uint32(entry.odIndex))
		}
		// Signal reboot
		event = EventBoot
		entry.hbState = HeartbeatUnknown
	} else {
		// Signal Boot-up
		if entry.hbState != HeartbeatActive {
			event = EventStarted
		}
		// Heartbeat message
		entry.hbState = HeartbeatActive
	}

	// Execute callbacks
	if event != EventNone && consumer.eventCallback != nil {
		consumer.eventCallback(
			event,
			uint8(entry.odIndex+1),
			entry.nodeId,
			nmt.StateInitializing,
		)
	}

	nmtChanged := entry.nmtState != entry.nmtStatePrev

	if nmtChanged && consumer.eventCallback != nil {
		consumer.eventCallback(
			EventChanged,
			uint8(entry.odIndex+1),
			entry.nodeId,
			entry.nmtState,
		)
	}
	entry.nmtStatePrev = entry.nmtState
	entry.mu.Unlock()

	consumer.checkAllMonitored()
}

// process advances the timeout accumulator by timeDifferenceUs. Called by
// HBConsumer.Process once per monitored entry, every tick.
func (entry *hbConsumerEntry) process(timeDifferenceUs uint32, timerNextUs *uint32) uint8 {
	entry.mu.Lock()

	if entry.timeoutPeriodUs == 0 {
		entry.mu.Unlock()
		return EventNone
	}

	entry.timeoutTimer += timeDifferenceUs
	var eventType uint8
	if entry.timeoutTimer >= entry.timeoutPeriodUs {
		if entry.hbState == HeartbeatActive {
			entry.parent.emcy.ErrorReport(emergency.EmHeartbeatConsumer, emergency.ErrHeartbeat, uint32(entry.odIndex))
			entry.nmtState = nmt.StateUnknown
			entry.hbState = HeartbeatTimeout
			eventType = EventTimeout
		}
	} else if timerNextUs != nil {
		remaining := entry.timeoutPeriodUs - entry.timeoutTimer
		if remaining < *timerNextUs {
			*timerNextUs = remaining
		}
	}
	parent := entry.parent
	entry.mu.Unlock()

	if eventType != 0 && parent.eventCallback != nil {
		parent.eventCallback(
			EventTimeout,
			uint8(entry.odIndex+1),
			entry.nodeId,
			nmt.StateUnknown,
		)
	}
	return eventType
}

// Update a heartbeat consumer entry to monitor a new node id & with expected period
func (entry *hbConsumerEntry) update(nodeId uint8, periodUs uint32) {
	entry.nodeId = nodeId
	entry.timeoutPeriodUs = periodUs
	entry.timeoutTimer = 0
	entry.nmtState = nmt.StateUnknown
	entry.nmtStatePrev = nmt.StateUnknown

	if entry.nodeId != 0 && entry.timeoutPeriodUs != 0 {
		entry.cobId = uint16(entry.nodeId) + ServiceId
		entry.hbState = HeartbeatUnknown
	} else {
		entry.cobId = 0
		entry.timeoutPeriodUs = 0
		entry.hbState = HeartbeatUnconfigured
	}
}
