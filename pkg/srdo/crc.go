package srdo

import "github.com/kestrelsys/cansafe/internal/crc"

// checksum computes the CRC-16/CCITT-FALSE over the slot's communication
// and mapping record, in the exact field order CiA 304 requires: direction,
// refresh/SCT, SRVT, both COB-IDs, mapped-object count, then each mapped
// descriptor prefixed by its 1-based subindex.
func (s *SRDO) checksum() uint16 {
	var sum crc.CRC16

	sum.Single(uint8(s.direction))
	sum.Single(uint8(s.refreshTimeUs / 1000))
	sum.Single(uint8((s.refreshTimeUs / 1000) >> 8))
	sum.Single(uint8(s.srvtUs / 1000))
	sum.Block(le32(uint32(s.cobIdNormal)))
	sum.Block(le32(uint32(s.cobIdInverted)))

	count, err := s.mapEntry.Uint8(0)
	if err != nil {
		count = 0
	}
	sum.Single(count)
	for i := uint8(1); i <= count; i++ {
		sum.Single(i)
		mapParam, err := s.mapEntry.Uint32(i)
		if err != nil {
			mapParam = 0
		}
		sum.Block(le32(mapParam))
	}

	return uint16(sum)
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
