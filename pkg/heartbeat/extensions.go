package heartbeat

import (
	"encoding/binary"

	"github.com/kestrelsys/cansafe/pkg/od"
)

// [HBConsumer] update heartbeat consumer
func writeEntry1016(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || len(data) != 4 {
		return od.ErrDevIncompat
	}
	consumer, ok := stream.Object.(*HBConsumer)
	if !ok {
		return od.ErrDevIncompat
	}
	consumer.mu.Lock()
	subindex := stream.Subindex
	if subindex < 1 || int(subindex) > len(consumer.entries) {
		consumer.mu.Unlock()
		return od.ErrDevIncompat
	}
	consumer.mu.Unlock()

	hbConsValue := binary.LittleEndian.Uint32(data)
	nodeId := uint8(hbConsValue >> 16)
	periodMs := uint16(hbConsValue & 0xFFFF)
	err := consumer.updateConsumerEntry(subindex-1, nodeId, uint32(periodMs)*1000)
	if err != nil {
		return od.ErrParIncompat
	}
	return od.WriteEntryDefault(stream, data, countWritten)
}
