package srdo

import (
	"fmt"

	canopen "github.com/kestrelsys/cansafe"
	"github.com/kestrelsys/cansafe/pkg/emergency"
	"github.com/kestrelsys/cansafe/pkg/od"
)

// requiredAttribute returns the PDO-mappable attribute bit a variable must
// carry to be usable by this slot, based on its configured direction.
func (s *SRDO) requiredAttribute() uint8 {
	if s.direction == DirectionRX {
		return od.AttributeRsrdo
	}
	return od.AttributeTsrdo
}

// resolveMapEntry decodes one 32-bit map descriptor (index:16, sub:8,
// bit-length:8) into a mapEntry, following the same validation sequence as
// the classic PDO mapper: bit-length must be byte-aligned, dummy entries
// (index <= 7, sub 0) bind to a static zero-filled region, everything else
// must carry the slot's required mapping attribute and enough width.
func (s *SRDO) resolveMapEntry(mapParam uint32) (mapEntry, error) {
	index := uint16(mapParam >> 16)
	sub := uint8(mapParam >> 8)
	bitLength := uint8(mapParam)

	if bitLength%8 != 0 {
		return mapEntry{}, od.ErrNoMap
	}
	length := uint32(bitLength) / 8

	if index >= 1 && index <= 7 && sub == 0 {
		maxWidth, ok := dummyWidths[index]
		if !ok || length > maxWidth {
			return mapEntry{}, od.ErrNoMap
		}
		entry := mapEntry{index: index, sub: sub, length: length, dummy: true}
		entry.streamer.ResetData(length, length)
		entry.streamer.SetReader(readDummy)
		entry.streamer.SetWriter(writeDummy)
		return entry, nil
	}

	odEntry := s.odict.Index(index)
	streamer, err := od.NewStreamer(odEntry, sub, false)
	if err != nil {
		s.logger.Warn("mapping failed",
			"index", fmt.Sprintf("x%x", index),
			"subindex", sub,
			"error", err,
		)
		return mapEntry{}, err
	}
	if !streamer.HasAttribute(s.requiredAttribute()) {
		s.logger.Warn("mapping failed: attribute error",
			"index", fmt.Sprintf("x%x", index),
			"subindex", sub,
		)
		return mapEntry{}, od.ErrNoMap
	}
	if streamer.DataLength < length {
		s.logger.Warn("mapping failed: length error",
			"index", fmt.Sprintf("x%x", index),
			"subindex", sub,
		)
		return mapEntry{}, od.ErrNoMap
	}
	streamer.DataOffset = length

	return mapEntry{
		streamer: *streamer,
		index:    index,
		sub:      sub,
		length:   length,
	}, nil
}

// configMapLocked rebuilds mapNormal/mapInverted from the mapping record.
// Entries are read in consecutive (normal, inverted) pairs starting at sub
// 1; a gap reported as SubNotExist is tolerated (sparse record), any other
// OD error bails the whole slot out as NoMap. The normal-side and
// inverted-side total lengths must match; a mismatch zeroes dataLength and
// reports PDO-wrong-mapping to Emergency, exactly as the classic PDO mapper
// does for its own mismatches.
func (s *SRDO) configMapLocked() error {
	count, err := s.mapEntry.Uint8(0)
	if err != nil {
		return canopen.ErrOdParameters
	}
	if count%2 != 0 || count > uint8(2*MaxMappedPairs) {
		return od.ErrMapLen
	}

	normal := make([]mapEntry, 0, count/2)
	inverted := make([]mapEntry, 0, count/2)
	dual := make([]bool, 0, count/2)

	var normalLen, invertedLen uint32

	for i := uint8(0); i < count; i += 2 {
		normalParam, err := s.mapEntry.Uint32(i + 1)
		if err == od.ErrSubNotExist {
			continue
		}
		if err != nil {
			return od.ErrNoMap
		}
		invertedParam, err := s.mapEntry.Uint32(i + 2)
		if err == od.ErrSubNotExist {
			continue
		}
		if err != nil {
			return od.ErrNoMap
		}

		nEntry, err := s.resolveMapEntry(normalParam)
		if err != nil {
			return err
		}
		iEntry, err := s.resolveMapEntry(invertedParam)
		if err != nil {
			return err
		}

		normal = append(normal, nEntry)
		inverted = append(inverted, iEntry)
		dual = append(dual, nEntry.index == iEntry.index && nEntry.sub == iEntry.sub && !nEntry.dummy)
		normalLen += nEntry.length
		invertedLen += iEntry.length
	}

	if normalLen != invertedLen {
		s.dataLength = 0
		s.mapNormal = nil
		s.mapInverted = nil
		s.dualUse = nil
		s.emcy.ErrorReport(emergency.EmPDOWrongMapping, emergency.ErrProtocolError, uint32(s.slot))
		return od.ErrNoMap
	}

	s.mapNormal = normal
	s.mapInverted = inverted
	s.dualUse = dual
	s.dataLength = normalLen
	return nil
}

func readDummy(stream *od.Stream, data []byte, countRead *uint16) error {
	for i := range data {
		data[i] = 0
	}
	*countRead = uint16(len(data))
	return nil
}

func writeDummy(stream *od.Stream, data []byte, countWritten *uint16) error {
	*countWritten = uint16(len(data))
	return nil
}
