package canopen

import (
	"fmt"
	"sync"

	can "github.com/kestrelsys/cansafe/pkg/can"
	log "github.com/sirupsen/logrus"
)

const (
	// Max Standard CAN ID is 0x7FF (2047).
	MaxCanId = 0x7FF

	// The array must hold standard frames + RTR frames (so 2x size)
	LookupArraySize = (MaxCanId + 1) * 2
)

type subscriber struct {
	id       uint64
	callback can.FrameListener
}

// BusManager wraps a can.Bus and fans incoming frames out to per-COB-ID
// subscribers, and tracks the latched bus-error state used by Emergency.
type BusManager struct {
	logger    *log.Entry
	mu        sync.Mutex
	bus       can.Bus
	listeners [LookupArraySize][]subscriber
	nextSubId uint64
	canError  uint16
}

// Handle implements can.FrameListener. It must not block.
func (bm *BusManager) Handle(frame can.Frame) {
	canId := frame.ID & can.CanSffMask
	if canId >= LookupArraySize {
		return
	}

	bm.mu.Lock()
	listeners := bm.listeners[canId]
	bm.mu.Unlock()

	for _, sub := range listeners {
		sub.callback.Handle(frame)
	}
}

func (bm *BusManager) SetBus(bus can.Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() can.Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send transmits a frame. Overflow is the caller's responsibility to report
// to Emergency (CAN-TX-OVERFLOW) since only the caller knows which service
// buffer failed.
func (bm *BusManager) Send(frame can.Frame) error {
	err := bm.Bus().Send(frame)
	if err != nil {
		bm.logger.WithError(err).Warn("error sending frame")
	}
	return err
}

// Error returns the latched CAN bus-error bitfield (warning/passive/off),
// updated by whichever component observes bus state (see can.Bus).
func (bm *BusManager) Error() uint16 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.canError
}

// SetError latches the bus-error bitfield; called by the driver-facing code
// that observes transitions to/from bus-warning, bus-passive, bus-off.
func (bm *BusManager) SetError(errorState uint16) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.canError = errorState
}

// Subscribe registers callback for frames whose identifier equals ident; the
// mask argument is not used. Returns a cancel func to remove the subscription.
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback can.FrameListener) (cancel func(), err error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if ident > MaxCanId {
		return nil, fmt.Errorf("array-based manager only supports standard 11-bit IDs, got %#x", ident)
	}

	idx := ident
	if rtr {
		idx += MaxCanId + 1
	}

	bm.nextSubId++
	subId := bm.nextSubId
	bm.listeners[idx] = append(bm.listeners[idx], subscriber{id: subId, callback: callback})

	cancel = func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()
		subs := bm.listeners[idx]
		for i, sub := range subs {
			if sub.id == subId {
				bm.listeners[idx] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return cancel, nil
}

// Unsubscribe removes the first listener registered for ident/rtr whose
// callback equals callback. Present for
// callers that track only the (ident, rtr) pair rather than the cancel
// func returned by Subscribe.
func (bm *BusManager) Unsubscribe(ident uint32, mask uint32, rtr bool, callback can.FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	idx := ident
	if rtr {
		idx += MaxCanId + 1
	}
	if int(idx) >= len(bm.listeners) {
		return fmt.Errorf("array-based manager only supports standard 11-bit IDs, got %#x", ident)
	}
	subs := bm.listeners[idx]
	for i, sub := range subs {
		if sub.callback == callback {
			bm.listeners[idx] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no registered callback for id %#x", ident)
}

func NewBusManager(bus can.Bus) *BusManager {
	return &BusManager{
		bus:    bus,
		logger: log.WithField("service", "BUS"),
	}
}
