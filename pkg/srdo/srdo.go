// Package srdo implements the Safety-Relevant Data Object engine (CiA 304):
// paired normal/inverted frames, toggle-driven TX/RX, mapping resolution
// against the Object Dictionary, CRC-guarded configuration, and safe-state
// callout. It is the safety-critical core of the node; every other service
// (NMT, SDO, PDO, SRDOGuard) exists to get this engine into and out of the
// Operational state correctly.
package srdo

import (
	"fmt"
	"log/slog"
	"sync"

	canopen "github.com/kestrelsys/cansafe"
	"github.com/kestrelsys/cansafe/pkg/emergency"
	"github.com/kestrelsys/cansafe/pkg/od"
	"github.com/kestrelsys/cansafe/pkg/srdoguard"
)

// Direction is the value of SrdoCommPar sub 1. It also doubles as the
// runtime validity state: a configured-but-unvalidated SRDO sits at
// DirectionInvalid until communication configuration succeeds.
type Direction uint8

const (
	DirectionInvalid Direction = 0
	DirectionTX      Direction = 1
	DirectionRX      Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionTX:
		return "TX"
	case DirectionRX:
		return "RX"
	default:
		return "invalid"
	}
}

const (
	MinCobId = 0x101
	MaxCobId = 0x180

	// MaxMappedBytes is the largest payload either parity of an SRDO may
	// carry: 8 bytes, same ceiling as a classic PDO.
	MaxMappedBytes = 8

	// MaxMappedPairs is the largest number of (normal, inverted) mapped
	// entry pairs a single SRDO slot may hold.
	MaxMappedPairs = 8

	// MinInterFrameDelayUs is the platform constant gap enforced between the
	// normal and inverted frame of one cycle (CiA 304 leaves this
	// implementation-defined; this module uses zero, i.e. back-to-back).
	MinInterFrameDelayUs uint32 = 0

	// StaggerPerNodeUs is the per-node-id TX stagger applied at every
	// communication configuration so a shared bus doesn't pulse at once.
	StaggerPerNodeUs uint32 = 500
)

// SafeStateFunc is invoked whenever the engine detects an inconsistency that
// must suppress OD propagation: TX byte-mismatch, RX byte-mismatch, or an RX
// timeout waiting for the counterpart frame.
type SafeStateFunc func()

// mapEntry describes one mapped OD sub-entry resolved at configMap time.
// streamer is addressed directly (not through a per-byte pointer table):
// Read/Write move length bytes at once, which is the slice-based equivalent
// the teacher's own PDO mapper already uses for the same problem.
type mapEntry struct {
	streamer od.Streamer
	index    uint16
	sub      uint8
	length   uint32
	dummy    bool
}

// SRDO is one configured slot (communication + mapping record pair) of the
// safety engine, addressed by 0-based slot index i against OD 0x1301+i /
// 0x1381+i / 0x13FF sub i+1.
type SRDO struct {
	bm     *canopen.BusManager
	odict  *od.ObjectDictionary
	logger *slog.Logger
	emcy   *emergency.EMCY
	guard  *srdoguard.SRDOGuard

	mu sync.Mutex

	slot   uint8
	nodeId uint8

	commEntry *od.Entry
	mapEntry  *od.Entry
	crcEntry  *od.Entry

	direction         Direction
	refreshTimeUs     uint32
	srvtUs            uint32
	transmissionType  uint8
	cobIdNormalSeed   uint16
	cobIdInvertedSeed uint16
	cobIdNormal       uint16
	cobIdInverted     uint16
	channel           uint8

	checkTxConsistency bool

	mapNormal   []mapEntry
	mapInverted []mapEntry
	dualUse     []bool
	dataLength  uint32

	valid Direction

	toggle      bool
	timerUs     uint32
	txNormal    canopen.Frame
	txInverted  canopen.Frame

	rxNew  [2]bool
	rxData [2][MaxMappedBytes]byte

	rxCancelNormal   func()
	rxCancelInverted func()

	safeState SafeStateFunc
}

// dummyWidths mirrors the classic PDO dummy-mapping table: index in
// [1,7], sub 0, width derived from the standard dummy datatypes.
var dummyWidths = map[uint16]uint32{
	0x0001: 1, // BOOLEAN
	0x0002: 1, // INTEGER8 / UNSIGNED8
	0x0003: 2, // INTEGER16 / UNSIGNED16
	0x0004: 4, // INTEGER32 / UNSIGNED32
	0x0005: 1, // UNSIGNED8 (alias)
	0x0006: 2, // UNSIGNED16 (alias)
	0x0007: 4, // UNSIGNED32 (alias)
}

// New builds one SRDO slot from its OD records. The engine starts at
// DirectionInvalid and only (re)configures on the SRDOGuard's
// entered-operational edge (see [SRDO.Process]).
func New(
	bm *canopen.BusManager,
	odict *od.ObjectDictionary,
	logger *slog.Logger,
	emcy *emergency.EMCY,
	guard *srdoguard.SRDOGuard,
	nodeId uint8,
	slot uint8,
	commEntry *od.Entry,
	mapEntry *od.Entry,
	crcEntry *od.Entry,
	cobIdNormalSeed uint16,
	cobIdInvertedSeed uint16,
	safeState SafeStateFunc,
) (*SRDO, error) {
	if bm == nil || odict == nil || emcy == nil || guard == nil || commEntry == nil || mapEntry == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &SRDO{
		bm:                bm,
		odict:             odict,
		emcy:              emcy,
		guard:             guard,
		nodeId:            nodeId,
		slot:              slot,
		commEntry:         commEntry,
		mapEntry:          mapEntry,
		crcEntry:          crcEntry,
		cobIdNormalSeed:   cobIdNormalSeed,
		cobIdInvertedSeed: cobIdInvertedSeed,
		checkTxConsistency: true,
		safeState:         safeState,
	}
	s.logger = logger.With("service", "SRDO", "slot", slot)

	if err := s.loadCommRecord(); err != nil {
		return nil, err
	}
	if err := s.configMapLocked(); err != nil {
		s.logger.Warn("initial mapping rejected", "error", err)
	}

	commEntry.AddExtension(s, od.ReadEntryDefault, writeEntryComm)
	mapEntry.AddExtension(s, od.ReadEntryDefault, writeEntryMap)

	s.logger.Info("initialised",
		"direction", s.direction.String(),
		"dataLength", s.dataLength,
		"refreshUs", s.refreshTimeUs,
	)
	return s, nil
}

func (s *SRDO) loadCommRecord() error {
	direction, err := s.commEntry.Uint8(1)
	if err != nil {
		return canopen.ErrOdParameters
	}
	refreshMs, err := s.commEntry.Uint16(2)
	if err != nil {
		return canopen.ErrOdParameters
	}
	srvtMs, err := s.commEntry.Uint8(3)
	if err != nil {
		return canopen.ErrOdParameters
	}
	transmissionType, err := s.commEntry.Uint8(4)
	if err != nil {
		return canopen.ErrOdParameters
	}
	cobIdNormal, err := s.commEntry.Uint32(5)
	if err != nil {
		return canopen.ErrOdParameters
	}
	cobIdInverted, err := s.commEntry.Uint32(6)
	if err != nil {
		return canopen.ErrOdParameters
	}
	channel := uint8(0)
	if s.commEntry.SubCount() > 7 {
		// RX ignores channel entirely: it only selects the outgoing bus for
		// TX. Loading it unconditionally here, regardless of the configured
		// direction, avoids carrying a stale value silently into a later TX
		// reconfiguration.
		ch, err := s.commEntry.Uint8(7)
		if err == nil {
			channel = ch
		}
	}

	s.direction = Direction(direction)
	s.refreshTimeUs = uint32(refreshMs) * 1000
	s.srvtUs = uint32(srvtMs) * 1000
	s.transmissionType = transmissionType
	s.cobIdNormal = uint16(cobIdNormal & 0x7FF)
	s.cobIdInverted = uint16(cobIdInverted & 0x7FF)
	s.channel = channel
	return nil
}

// Process is driven once per tick with the command word returned by the
// shared [srdoguard.SRDOGuard]. It (re)configures on the entered-operational
// edge, re-verifies the CRC on request, and otherwise drives the TX or RX
// runtime depending on direction.
func (s *SRDO) Process(guardCmd uint8, timeDifferenceUs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if guardCmd&srdoguard.CmdValidateChecksum != 0 {
		s.verifyChecksumLocked()
	}
	if guardCmd&srdoguard.CmdEnteredOperational != 0 {
		s.configureLocked()
	}

	switch s.valid {
	case DirectionTX:
		s.processTxLocked(timeDifferenceUs)
	case DirectionRX:
		s.processRxLocked(timeDifferenceUs)
	}
}

// configureLocked re-runs configMap/configCom on every entry into
// Operational: dynamic runtime reconfiguration of an already-valid SRDO is
// forbidden by §4.8.7, so only a fresh Operational edge may (re)configure.
func (s *SRDO) configureLocked() {
	s.valid = DirectionInvalid
	if err := s.loadCommRecord(); err != nil {
		s.logger.Error("reloading communication record failed", "error", err)
		return
	}
	if err := s.configMapLocked(); err != nil {
		s.logger.Warn("mapping rejected, slot stays invalid", "error", err)
		return
	}
	if err := s.configComLocked(); err != nil {
		s.logger.Warn("communication configuration rejected, slot stays invalid", "error", err)
	}
}

func (s *SRDO) verifyChecksumLocked() {
	if s.crcEntry == nil {
		return
	}
	computed := s.checksum()
	stored, err := s.crcEntry.Uint16(s.slot + 1)
	if err != nil || stored != computed {
		s.logger.Warn("checksum mismatch", "stored", fmt.Sprintf("x%x", stored), "computed", fmt.Sprintf("x%x", computed))
		s.guard.Invalidate()
		return
	}
	s.logger.Debug("checksum verified", "value", fmt.Sprintf("x%x", computed))
}

// enterSafeState invokes the safe-state callback, if one is registered; the
// slot's validity is left unchanged. Shared by every consistency failure
// path (TX mismatch, RX mismatch, RX timeout).
func (s *SRDO) enterSafeState() {
	if s.safeState != nil {
		s.safeState()
	}
}

func (s *SRDO) clearRxNew() {
	s.rxNew[0] = false
	s.rxNew[1] = false
}
