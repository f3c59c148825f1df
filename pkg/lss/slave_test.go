package lss

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	canopen "github.com/kestrelsys/cansafe"
	can "github.com/kestrelsys/cansafe/pkg/can"
	"github.com/kestrelsys/cansafe/pkg/od"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus is an in-memory can.Bus double: Send just records the frame, same
// pattern used by pkg/srdo's tests - no loopback wire needed since these
// tests drive the slave's request handlers directly.
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

func identityEntry(dict *od.ObjectDictionary, vendor, product, revision, serial uint32) *od.Entry {
	rec := od.NewRecord()
	rec.AddSubObject(0, "highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x4")
	rec.AddSubObject(1, "vendor id", od.UNSIGNED32, od.AttributeSdoR, hex32(vendor))
	rec.AddSubObject(2, "product code", od.UNSIGNED32, od.AttributeSdoR, hex32(product))
	rec.AddSubObject(3, "revision number", od.UNSIGNED32, od.AttributeSdoR, hex32(revision))
	rec.AddSubObject(4, "serial number", od.UNSIGNED32, od.AttributeSdoR, hex32(serial))
	return dict.AddVariableList(od.EntryIdentityObject, "identity object", rec)
}

func fastscanFrame(idNumber uint32, bitCheck, lssSub, lssNext uint8) LSSMessage {
	var raw [8]byte
	raw[0] = byte(CmdIdentFastscan)
	binary.LittleEndian.PutUint32(raw[1:5], idNumber)
	raw[5] = bitCheck
	raw[6] = lssSub
	raw[7] = lssNext
	return LSSMessage{raw: raw}
}

func newTestSlave(t *testing.T) (*LSSSlave, *fakeBus) {
	t.Helper()
	bus := &fakeBus{}
	bm := canopen.NewBusManager(bus)
	dict := od.NewOD()
	identity := identityEntry(dict, 0x10, 0x20, 0x30, 0x40)
	slave, err := NewLSSSlave(bm, nil, identity, NodeIdUnconfigured)
	require.NoError(t, err)
	return slave, bus
}

// TestFastscanSelection narrows vendor/product/revision/serial one field at
// a time, mirroring CO_LSSslave_serviceIdent: a CONFIRM probe resets the
// scan, then each field is matched in turn with bitCheck==0 (full match),
// and the last field's match (lssNext<lssSub) moves the slave into
// configuration. A subsequent set-node-id(0x42) then succeeds, and the
// active node id stays untouched until an activate/reset follows.
func TestFastscanSelection(t *testing.T) {
	slave, bus := newTestSlave(t)

	require.NoError(t, slave.processIdentService(fastscanFrame(0, FastscanConfirm, 0, 0)))
	assert.Len(t, bus.frames(), 1)
	assert.EqualValues(t, FastscanVendorId, slave.fastscanPos)

	fields := []uint32{0x10, 0x20, 0x30, 0x40}
	for sub, value := range fields {
		next := uint8(sub + 1)
		if sub == len(fields)-1 {
			next = 0 // wraps below lssSub, completing the address match
		}
		require.NoError(t, slave.processIdentService(fastscanFrame(value, FastscanBit0, uint8(sub), next)))
	}

	assert.Equal(t, StateConfiguration, slave.GetState())
	assert.Len(t, bus.frames(), 1+len(fields))
	for _, frame := range bus.frames() {
		assert.EqualValues(t, CmdIdentSlave, frame.Data[0])
	}

	var raw [8]byte
	raw[0] = byte(CmdConfigureNodeId)
	raw[1] = 0x42
	require.NoError(t, slave.processRequest(LSSMessage{raw: raw}))

	assert.EqualValues(t, 0x42, slave.pendingNodeId)
	assert.EqualValues(t, NodeIdUnconfigured, slave.GetNodeIdActive())

	confirmFrame := bus.frames()[len(bus.frames())-1]
	assert.EqualValues(t, CmdConfigureNodeId, confirmFrame.Data[0])
	assert.EqualValues(t, ConfigNodeIdOk, confirmFrame.Data[1])
}

// TestFastscanMismatchNoAck checks that a probe not matching the slave's
// stored address field is silently dropped, per spec: "invalid requests are
// silently dropped (no ACK)".
func TestFastscanMismatchNoAck(t *testing.T) {
	slave, bus := newTestSlave(t)

	require.NoError(t, slave.processIdentService(fastscanFrame(0, FastscanConfirm, 0, 0)))
	assert.Len(t, bus.frames(), 1)

	require.NoError(t, slave.processIdentService(fastscanFrame(0x99, FastscanBit0, FastscanVendorId, FastscanProduct)))
	assert.Len(t, bus.frames(), 1) // no new frame sent
	assert.Equal(t, StateWaiting, slave.GetState())
}

// TestFastscanIgnoredWhenConfigured checks that an already-configured node
// never answers a fastscan probe, matching the original stack's guard on
// activeNodeID/pendingNodeID.
func TestFastscanIgnoredWhenConfigured(t *testing.T) {
	bus := &fakeBus{}
	bm := canopen.NewBusManager(bus)
	dict := od.NewOD()
	identity := identityEntry(dict, 0x10, 0x20, 0x30, 0x40)
	slave, err := NewLSSSlave(bm, nil, identity, 0x10)
	require.NoError(t, err)

	require.NoError(t, slave.processIdentService(fastscanFrame(0, FastscanConfirm, 0, 0)))
	assert.Empty(t, bus.frames())
}

// TestConfigureBitTimingAndActivate exercises set-bit-timing gated by the
// check callback, then activate-bit-timing, which quiesces request handling
// for 2*delay - a request arriving during that window is dropped.
func TestConfigureBitTimingAndActivate(t *testing.T) {
	slave, bus := newTestSlave(t)
	slave.state = StateConfiguration

	var checked uint16
	slave.SetCheckBitRateCallback(func(bitRate uint16) bool {
		checked = bitRate
		return bitRate == 250
	})

	var raw [8]byte
	raw[0] = byte(CmdConfigureBitTiming)
	raw[1] = 0 // CiA301 table selector
	raw[2] = 3 // table index 3 -> 250kbit/s
	require.NoError(t, slave.processRequest(LSSMessage{raw: raw}))
	assert.EqualValues(t, 250, checked)
	assert.EqualValues(t, 250, slave.pendingBitRate)

	confirmFrame := bus.frames()[len(bus.frames())-1]
	assert.EqualValues(t, CmdConfigureBitTiming, confirmFrame.Data[0])
	assert.EqualValues(t, ConfigBitTimingOk, confirmFrame.Data[1])

	activated := make(chan uint16, 1)
	slave.SetActivateBitRateCallback(func(delayMs uint16) {
		activated <- delayMs
	})

	var activateRaw [8]byte
	activateRaw[0] = byte(CmdConfigureActivateBitTiming)
	binary.LittleEndian.PutUint16(activateRaw[1:3], 5000)
	require.NoError(t, slave.processRequest(LSSMessage{raw: activateRaw}))
	assert.EqualValues(t, 5000, <-activated)

	// Bus is quiescing: any request arriving now is dropped.
	require.NoError(t, slave.processRequest(LSSMessage{raw: [8]byte{byte(CmdInquireNodeId)}}))
	assert.Len(t, bus.frames(), 1) // still just the bit-timing confirmation
}

// TestConfigureStoreParameters always answers, unlike bit-timing/activate.
func TestConfigureStoreParameters(t *testing.T) {
	slave, bus := newTestSlave(t)
	slave.state = StateConfiguration

	var raw [8]byte
	raw[0] = byte(CmdConfigureStoreParameters)
	require.NoError(t, slave.processRequest(LSSMessage{raw: raw}))
	frame := bus.frames()[len(bus.frames())-1]
	assert.EqualValues(t, ConfigStoreNotSupported, frame.Data[1])

	var stored struct {
		nodeId  uint8
		bitRate uint16
	}
	slave.SetStoreCallback(func(nodeId uint8, bitRate uint16) bool {
		stored.nodeId = nodeId
		stored.bitRate = bitRate
		return true
	})
	slave.pendingNodeId = 0x42
	slave.pendingBitRate = 250

	require.NoError(t, slave.processRequest(LSSMessage{raw: raw}))
	frame = bus.frames()[len(bus.frames())-1]
	assert.EqualValues(t, ConfigStoreOk, frame.Data[1])
	assert.EqualValues(t, 0x42, stored.nodeId)
	assert.EqualValues(t, 250, stored.bitRate)
}
