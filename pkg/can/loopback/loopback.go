// Package loopback provides an in-process CAN bus used by the test suite
// and by examples that need a bus without a real interface. Several
// endpoints dialing the same channel name observe each other's frames,
// mirroring the fan-out behaviour of a real bus segment.
package loopback

import (
	"sync"

	can "github.com/kestrelsys/cansafe/pkg/can"
)

func init() {
	can.RegisterInterface("loopback", NewBus)
	can.RegisterInterface("virtual", NewBus)
}

type segment struct {
	mu        sync.Mutex
	endpoints []*Bus
}

var (
	registryMu sync.Mutex
	segments   = map[string]*segment{}
)

func segmentFor(channel string) *segment {
	registryMu.Lock()
	defer registryMu.Unlock()
	seg, ok := segments[channel]
	if !ok {
		seg = &segment{}
		segments[channel] = seg
	}
	return seg
}

// Bus is one endpoint on a named in-memory segment. Frames sent by one
// endpoint are delivered to every other endpoint's subscriber on the same
// channel, never back to the sender.
type Bus struct {
	channel    string
	seg        *segment
	mu         sync.Mutex
	subscriber can.FrameListener
	connected  bool
}

func NewBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel, seg: segmentFor(channel)}, nil
}

func (b *Bus) Connect(...any) error {
	b.seg.mu.Lock()
	defer b.seg.mu.Unlock()
	b.seg.endpoints = append(b.seg.endpoints, b)
	b.connected = true
	return nil
}

func (b *Bus) Disconnect() error {
	b.seg.mu.Lock()
	defer b.seg.mu.Unlock()
	for i, ep := range b.seg.endpoints {
		if ep == b {
			b.seg.endpoints = append(b.seg.endpoints[:i], b.seg.endpoints[i+1:]...)
			break
		}
	}
	b.connected = false
	return nil
}

func (b *Bus) Send(frame can.Frame) error {
	b.seg.mu.Lock()
	peers := make([]*Bus, len(b.seg.endpoints))
	copy(peers, b.seg.endpoints)
	b.seg.mu.Unlock()

	for _, peer := range peers {
		if peer == b {
			continue
		}
		peer.mu.Lock()
		sub := peer.subscriber
		peer.mu.Unlock()
		if sub != nil {
			sub.Handle(frame)
		}
	}
	return nil
}

func (b *Bus) Subscribe(callback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriber = callback
	return nil
}
