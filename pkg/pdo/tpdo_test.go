package pdo

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus is an in-memory can.Bus double: Send just records the frame, same
// pattern as pkg/srdo's test harness - no live TCP broker involved.
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

func hex32(v uint32) string { return fmt.Sprintf("0x%x", v) }

func mapParam(index uint16, sub uint8, bitLength uint8) uint32 {
	return uint32(index)<<16 | uint32(sub)<<8 | uint32(bitLength)
}

// buildTPDOEntries wires a single TPDO mapping one UNSIGNED8 variable, with
// an event-driven transmission type and a valid cob-id, the way a node's
// init sequence would build it from 0x1800/0x1A00.
func buildTPDOEntries(dict *od.ObjectDictionary) (entry18xx, entry1Axx *od.Entry) {
	dict.AddVariableType(0x2100, "target", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeTpdo, "0x2a")

	comm := od.NewRecord()
	comm.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x6")
	comm.AddSubObject(1, "COB-ID used by TPDO", od.UNSIGNED32, od.AttributeSdoRw, hex32(0x182))
	comm.AddSubObject(2, "Transmission type", od.UNSIGNED8, od.AttributeSdoRw, hex32(uint32(TransmissionTypeSyncEventHi)))
	comm.AddSubObject(3, "Inhibit time", od.UNSIGNED16, od.AttributeSdoRw, "0x0")
	comm.AddSubObject(4, "Reserved", od.UNSIGNED8, od.AttributeSdoRw, "0x0")
	comm.AddSubObject(5, "Event timer", od.UNSIGNED16, od.AttributeSdoRw, "0x0")
	comm.AddSubObject(6, "SYNC start value", od.UNSIGNED8, od.AttributeSdoRw, "0x0")
	entry18xx = dict.AddVariableList(0x1800, "TPDO communication parameter", comm)

	mapping := od.NewRecord()
	mapping.AddSubObject(0, "Number of mapped application objects in PDO", od.UNSIGNED8, od.AttributeSdoRw, "0x1")
	mapping.AddSubObject(1, "Application object 1", od.UNSIGNED32, od.AttributeSdoRw, hex32(mapParam(0x2100, 0, 8)))
	entry1Axx = dict.AddVariableList(0x1A00, "TPDO mapping parameter", mapping)

	return entry18xx, entry1Axx
}

func newTestTPDO(t testing.TB) (*TPDO, *fakeBus) {
	t.Helper()
	dict := od.NewOD()
	entry18xx, entry1Axx := buildTPDOEntries(dict)

	bus := &fakeBus{}
	bm := canopen.NewBusManager(bus)
	emcy := emergency.NewEMCYForLogging(slog.New(slog.NewTextHandler(io.Discard, nil)))

	tpdo, err := NewTPDO(bm, nil, dict, emcy, nil, entry18xx, entry1Axx, 0x180)
	require.NoError(t, err)
	return tpdo, bus
}

func TestTPDO_SendAsyncDeliversMappedValue(t *testing.T) {
	tpdo, bus := newTestTPDO(t)
	tpdo.SetOperational(true)

	tpdo.SendAsync()

	frames := bus.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(0x182), frames[0].ID)
	assert.Equal(t, uint8(0x2a), frames[0].Data[0])
}

func TestTPDO_SendAsyncNoopWhenNotOperational(t *testing.T) {
	tpdo, bus := newTestTPDO(t)

	tpdo.SendAsync()

	assert.Empty(t, bus.frames())
}

func BenchmarkTPDOSendAsync(b *testing.B) {
	tpdo, _ := newTestTPDO(b)
	tpdo.SetOperational(true)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		tpdo.SendAsync()
	}
}
