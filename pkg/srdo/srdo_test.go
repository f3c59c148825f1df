package srdo

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	canopen "github.com/kestrelsys/cansafe"
	can "github.com/kestrelsys/cansafe/pkg/can"
	"github.com/kestrelsys/cansafe/pkg/emergency"
	"github.com/kestrelsys/cansafe/pkg/od"
	"github.com/kestrelsys/cansafe/pkg/srdoguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus is an in-memory can.Bus double: Send just records the frame.
// Nothing here redelivers a sent frame to a subscriber - RX scenarios feed
// frames through bm.Handle directly, same as a real driver's receive loop
// would, without needing a loopback wire.
type fakeBus struct {
	mu  sync.Mutex
	out []can.Frame
}

func (b *fakeBus) Connect(...any) error              { return nil }
func (b *fakeBus) Disconnect() error                 { return nil }
func (b *fakeBus) Subscribe(can.FrameListener) error { return nil }

func (b *fakeBus) Send(frame can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, frame)
	return nil
}

func (b *fakeBus) frames() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame(nil), b.out...)
}

func hex8(v uint8) string   { return fmt.Sprintf("0x%x", v) }
func hex16(v uint16) string { return fmt.Sprintf("0x%x", v) }
func hex32(v uint32) string { return fmt.Sprintf("0x%x", v) }

func mapParam(index uint16, sub uint8, bitLength uint8) uint32 {
	return uint32(index)<<16 | uint32(sub)<<8 | uint32(bitLength)
}

func addCommRecord(dict *od.ObjectDictionary, index uint16, direction Direction, refreshMs uint16, srvtMs uint8, cobIdNormal, cobIdInverted uint32) *od.Entry {
	rec := od.NewRecord()
	rec.AddSubObject(0, "highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x6")
	rec.AddSubObject(1, "direction", od.UNSIGNED8, od.AttributeSdoRw, hex8(uint8(direction)))
	rec.AddSubObject(2, "refresh time", od.UNSIGNED16, od.AttributeSdoRw, hex16(refreshMs))
	rec.AddSubObject(3, "safety related validation time", od.UNSIGNED8, od.AttributeSdoRw, hex8(srvtMs))
	rec.AddSubObject(4, "transmission type", od.UNSIGNED8, od.AttributeSdoRw, "0x0")
	rec.AddSubObject(5, "COB-ID normal", od.UNSIGNED32, od.AttributeSdoRw, hex32(cobIdNormal))
	rec.AddSubObject(6, "COB-ID inverted", od.UNSIGNED32, od.AttributeSdoRw, hex32(cobIdInverted))
	return dict.AddVariableList(index, "SRDO communication parameter", rec)
}

func addMapRecord(dict *od.ObjectDictionary, index uint16, pairs ...uint32) *od.Entry {
	rec := od.NewRecord()
	rec.AddSubObject(0, "number of mapped objects", od.UNSIGNED8, od.AttributeSdoRw, hex8(uint8(len(pairs))))
	for i, p := range pairs {
		rec.AddSubObject(uint8(i+1), "mapped object", od.UNSIGNED32, od.AttributeSdoRw, hex32(p))
	}
	return dict.AddVariableList(index, "SRDO mapping parameter", rec)
}

func addCRCEntry(dict *od.ObjectDictionary, index uint16, slots int) *od.Entry {
	arr := od.NewArray(uint8(slots + 1))
	arr.AddSubObject(0, "highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, hex8(uint8(slots)))
	for i := 1; i <= slots; i++ {
		arr.AddSubObject(uint8(i), "crc", od.UNSIGNED16, od.AttributeSdoRw, "0x0")
	}
	return dict.AddVariableList(index, "SRDO CRC", arr)
}

// testHarness bundles everything one SRDO slot needs, wired the way a real
// node's init sequence would build them.
type testHarness struct {
	dict  *od.ObjectDictionary
	bus   *fakeBus
	bm    *canopen.BusManager
	emcy  *emergency.EMCY
	guard *srdoguard.SRDOGuard
}

func newHarness(t *testing.T, crcEnabled bool) *testHarness {
	t.Helper()
	dict := od.NewOD()
	valid := od.NewRecord()
	valid.AddSubObject(0, "highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x1")
	valid.AddSubObject(1, "configuration valid", od.UNSIGNED8, od.AttributeSdoRw, hex8(srdoguard.ConfigurationValidMagic))
	guardEntry := dict.AddVariableList(0x13FE, "SRDO configuration valid", valid)
	require.NotNil(t, guardEntry)
	guard, err := srdoguard.New(guardEntry, crcEnabled)
	require.NoError(t, err)
	bus := &fakeBus{}
	return &testHarness{
		dict:  dict,
		bus:   bus,
		bm:    canopen.NewBusManager(bus),
		emcy:  emergency.NewEMCYForLogging(slog.New(slog.NewTextHandler(io.Discard, nil))),
		guard: guard,
	}
}

func TestSRDO_TXDualUseSendsComplementPair(t *testing.T) {
	h := newHarness(t, false)
	target, err := h.dict.AddVariableType(0x2000, "target", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeTsrdo|od.AttributeRsrdo, "0x55")
	require.NoError(t, err)

	comm := addCommRecord(h.dict, 0x1301, DirectionTX, 10, 0, 0x102, 0x103)
	mapRec := addMapRecord(h.dict, 0x1381, mapParam(0x2000, 0, 8), mapParam(0x2000, 0, 8))
	crc := addCRCEntry(h.dict, 0x13FF, 1)

	var safeStateCalls int
	s, err := New(h.bm, h.dict, nil, h.emcy, h.guard, 5, 0, comm, mapRec, crc, 0x999, 0x998, func() { safeStateCalls++ })
	require.NoError(t, err)

	s.Process(srdoguard.CmdEnteredOperational, 0)
	assert.Equal(t, DirectionTX, s.valid)

	// first tick: stagger must elapse before the normal frame goes out
	s.Process(0, 3000)
	frames := h.bus.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(0x102), frames[0].ID)
	tval, err := target.Uint8(0)
	require.NoError(t, err)
	assert.Equal(t, tval, frames[0].Data[0])

	// second tick: inverted half of the pair, bitwise complement
	s.Process(0, 0)
	frames = h.bus.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(0x103), frames[1].ID)
	assert.Equal(t, ^frames[0].Data[0], frames[1].Data[0])

	assert.Equal(t, 0, safeStateCalls)
}

func TestSRDO_RXConsistentPairCommitsToOD(t *testing.T) {
	h := newHarness(t, false)
	target, err := h.dict.AddVariableType(0x2000, "target", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeTsrdo|od.AttributeRsrdo, "0x00")
	require.NoError(t, err)

	comm := addCommRecord(h.dict, 0x1301, DirectionRX, 10, 5, 0x104, 0x105)
	mapRec := addMapRecord(h.dict, 0x1381, mapParam(0x2000, 0, 8), mapParam(0x2000, 0, 8))
	crc := addCRCEntry(h.dict, 0x13FF, 1)

	s, err := New(h.bm, h.dict, nil, h.emcy, h.guard, 1, 0, comm, mapRec, crc, 0x999, 0x998, nil)
	require.NoError(t, err)

	s.Process(srdoguard.CmdEnteredOperational, 0)
	require.Equal(t, DirectionRX, s.valid)

	h.bm.Handle(can.Frame{ID: 0x104, DLC: 1, Data: [8]byte{0x77}})
	s.Process(0, 100)

	h.bm.Handle(can.Frame{ID: 0x105, DLC: 1, Data: [8]byte{0x88}}) // ^0x77 == 0x88
	s.Process(0, 100)

	tval, err := target.Uint8(0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x77), tval)
}

func TestSRDO_RXMismatchEntersSafeState(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.dict.AddVariableType(0x2000, "target", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeTsrdo|od.AttributeRsrdo, "0x00")
	require.NoError(t, err)

	comm := addCommRecord(h.dict, 0x1301, DirectionRX, 10, 5, 0x104, 0x105)
	mapRec := addMapRecord(h.dict, 0x1381, mapParam(0x2000, 0, 8), mapParam(0x2000, 0, 8))
	crc := addCRCEntry(h.dict, 0x13FF, 1)

	var safeStateCalls int
	s, err := New(h.bm, h.dict, nil, h.emcy, h.guard, 1, 0, comm, mapRec, crc, 0x999, 0x998, func() { safeStateCalls++ })
	require.NoError(t, err)
	s.Process(srdoguard.CmdEnteredOperational, 0)

	h.bm.Handle(can.Frame{ID: 0x104, DLC: 1, Data: [8]byte{0x77}})
	s.Process(0, 100)

	// not the complement of 0x77
	h.bm.Handle(can.Frame{ID: 0x105, DLC: 1, Data: [8]byte{0x00}})
	s.Process(0, 100)

	assert.Equal(t, 1, safeStateCalls)
	assert.False(t, s.toggle)
}

func TestSRDO_RXTimeoutEntersSafeState(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.dict.AddVariableType(0x2000, "target", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeTsrdo|od.AttributeRsrdo, "0x00")
	require.NoError(t, err)

	comm := addCommRecord(h.dict, 0x1301, DirectionRX, 10, 5, 0x104, 0x105)
	mapRec := addMapRecord(h.dict, 0x1381, mapParam(0x2000, 0, 8), mapParam(0x2000, 0, 8))
	crc := addCRCEntry(h.dict, 0x13FF, 1)

	var safeStateCalls int
	s, err := New(h.bm, h.dict, nil, h.emcy, h.guard, 1, 0, comm, mapRec, crc, 0x999, 0x998, func() { safeStateCalls++ })
	require.NoError(t, err)
	s.Process(srdoguard.CmdEnteredOperational, 0)

	// no frame ever arrives: first tick exhausts the timer, second observes it at zero
	s.Process(0, s.refreshTimeUs)
	assert.Equal(t, 0, safeStateCalls)
	s.Process(0, 0)
	assert.Equal(t, 1, safeStateCalls)
}

func TestSRDO_CRCValidateMismatchInvalidatesGuard(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.dict.AddVariableType(0x2000, "target", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeTsrdo|od.AttributeRsrdo, "0x00")
	require.NoError(t, err)

	comm := addCommRecord(h.dict, 0x1301, DirectionTX, 10, 0, 0x102, 0x103)
	mapRec := addMapRecord(h.dict, 0x1381, mapParam(0x2000, 0, 8), mapParam(0x2000, 0, 8))
	crc := addCRCEntry(h.dict, 0x13FF, 1)

	s, err := New(h.bm, h.dict, nil, h.emcy, h.guard, 1, 0, comm, mapRec, crc, 0x999, 0x998, nil)
	require.NoError(t, err)
	require.True(t, h.guard.Valid())

	expected := s.checksum()
	require.NoError(t, crc.PutUint16(1, expected, false))
	s.Process(srdoguard.CmdValidateChecksum, 0)
	assert.True(t, h.guard.Valid())

	require.NoError(t, crc.PutUint16(1, expected+1, false))
	s.Process(srdoguard.CmdValidateChecksum, 0)
	assert.False(t, h.guard.Valid())
}

func TestSRDO_MappingLengthMismatchRejected(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.dict.AddVariableType(0x2000, "byte target", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeTsrdo|od.AttributeRsrdo, "0x00")
	require.NoError(t, err)
	_, err = h.dict.AddVariableType(0x2001, "word target", od.UNSIGNED16, od.AttributeSdoRw|od.AttributeTsrdo|od.AttributeRsrdo, "0x0000")
	require.NoError(t, err)

	comm := addCommRecord(h.dict, 0x1301, DirectionTX, 10, 0, 0x102, 0x103)
	// normal side maps 1 byte, inverted side maps 2 bytes: lengths disagree
	mapRec := addMapRecord(h.dict, 0x1381, mapParam(0x2000, 0, 8), mapParam(0x2001, 0, 16))
	crc := addCRCEntry(h.dict, 0x13FF, 1)

	s, err := New(h.bm, h.dict, nil, h.emcy, h.guard, 1, 0, comm, mapRec, crc, 0x999, 0x998, nil)
	require.NoError(t, err)

	err = s.configMapLocked()
	assert.Equal(t, od.ErrNoMap, err)
	assert.Equal(t, uint32(0), s.dataLength)
}

func TestSRDO_WriteEntryCommRefusedWhileConfiguredAndValid(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.dict.AddVariableType(0x2000, "target", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeTsrdo|od.AttributeRsrdo, "0x00")
	require.NoError(t, err)

	comm := addCommRecord(h.dict, 0x1301, DirectionTX, 10, 0, 0x102, 0x103)
	mapRec := addMapRecord(h.dict, 0x1381, mapParam(0x2000, 0, 8), mapParam(0x2000, 0, 8))
	crc := addCRCEntry(h.dict, 0x13FF, 1)

	s, err := New(h.bm, h.dict, nil, h.emcy, h.guard, 1, 0, comm, mapRec, crc, 0x999, 0x998, nil)
	require.NoError(t, err)
	s.Process(srdoguard.CmdEnteredOperational, 0)
	require.Equal(t, DirectionTX, s.valid)

	stream := &od.Stream{Object: s, Subindex: 1}
	var countWritten uint16
	err = writeEntryComm(stream, []byte{2}, &countWritten)
	assert.Equal(t, od.ErrDataDevState, err)
}

func TestSRDO_WriteEntryMapRefusedOnceDirectionConfigured(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.dict.AddVariableType(0x2000, "target", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeTsrdo|od.AttributeRsrdo, "0x00")
	require.NoError(t, err)

	comm := addCommRecord(h.dict, 0x1301, DirectionTX, 10, 0, 0x102, 0x103)
	mapRec := addMapRecord(h.dict, 0x1381, mapParam(0x2000, 0, 8), mapParam(0x2000, 0, 8))
	crc := addCRCEntry(h.dict, 0x13FF, 1)

	s, err := New(h.bm, h.dict, nil, h.emcy, h.guard, 1, 0, comm, mapRec, crc, 0x999, 0x998, nil)
	require.NoError(t, err)
	s.Process(srdoguard.CmdEnteredOperational, 0)
	require.NotEqual(t, DirectionInvalid, s.direction)

	stream := &od.Stream{Object: s, Subindex: 0}
	var countWritten uint16
	err = writeEntryMap(stream, []byte{2}, &countWritten)
	assert.Equal(t, od.ErrDataDevState, err)
}

func TestSRDO_ResolveCobIdAppliesNodeOffsetAndChecksParity(t *testing.T) {
	h := newHarness(t, false)
	comm := addCommRecord(h.dict, 0x1301, DirectionInvalid, 10, 0, 0x100, 0x101)
	mapRec := addMapRecord(h.dict, 0x1381)
	crc := addCRCEntry(h.dict, 0x13FF, 1)

	s, err := New(h.bm, h.dict, nil, h.emcy, h.guard, 2, 0, comm, mapRec, crc, 0x140, 0x141, nil)
	require.NoError(t, err)

	resolved, err := s.resolveCobId(uint32(0x140), 0x140, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x144), resolved) // seed matched: +2*nodeId offset applied

	_, err = s.resolveCobId(uint32(0x144), 0x140, 1) // wrong parity for an even id
	assert.Error(t, err)

	_, err = s.resolveCobId(uint32(0x7FF&^0x1), 0x999, 0) // out of the [MinCobId,MaxCobId] window
	assert.Error(t, err)
}
