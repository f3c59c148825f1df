// Package srdoguard implements the single configuration-validity arbiter
// shared by every SRDO on a node: the "configuration valid" magic byte,
// the latched CRC-check request, and NMT rising-edge detection into
// Operational.
package srdoguard

import (
	"sync"

	canopen "github.com/kestrelsys/cansafe"
	"github.com/kestrelsys/cansafe/pkg/nmt"
	"github.com/kestrelsys/cansafe/pkg/od"
	log "github.com/sirupsen/logrus"
)

// ConfigurationValidMagic is the value that, written to OD 0x13FE sub 1,
// asserts that the SRDO comm/map records currently in the OD are trusted.
const ConfigurationValidMagic byte = 0xA5

// Process() return bits.
const (
	CmdEnteredOperational uint8 = 1 << 0
	CmdValidateChecksum   uint8 = 1 << 1
)

// SRDOGuard is the shared arbiter every SRDO consults before going valid.
type SRDOGuard struct {
	logger *log.Entry
	mu     sync.Mutex

	nmtStatePrevious uint8
	configurationValid byte
	checkCRCRequested  bool

	crcEnabled bool
	entry13FE  *od.Entry
}

// New builds the guard from OD 0x13FE sub 1. If crcEnabled is false, the
// configuration is always treated as valid (CRC gating disabled entirely).
func New(entry13FE *od.Entry, crcEnabled bool) (*SRDOGuard, error) {
	if entry13FE == nil {
		return nil, canopen.ErrIllegalArgument
	}
	g := &SRDOGuard{
		logger:           log.WithField("service", "SRDOGUARD"),
		entry13FE:        entry13FE,
		crcEnabled:       crcEnabled,
		nmtStatePrevious: nmt.StateInitializing,
	}

	if !crcEnabled {
		g.configurationValid = ConfigurationValidMagic
	} else {
		stored, err := entry13FE.Uint8(1)
		if err != nil {
			return nil, canopen.ErrOdParameters
		}
		if stored == ConfigurationValidMagic {
			g.configurationValid = ConfigurationValidMagic
		}
	}
	entry13FE.AddExtension(g, od.ReadEntryDefault, writeEntry13FE)
	g.logger.WithField("valid", g.Valid()).Info("initialised")
	return g, nil
}

// Valid reports whether the shared configuration is currently trusted.
func (g *SRDOGuard) Valid() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.configurationValid == ConfigurationValidMagic
}

// Invalidate clears the configuration-valid flag. Called by any SRDO whose
// comm-record or map-record has just been written, and by an SRDO whose
// stored CRC does not match on verification. Writes to the CRC array
// (0x13FF) do not call it.
func (g *SRDOGuard) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.configurationValid != 0 {
		g.logger.Warn("configuration invalidated")
	}
	g.configurationValid = 0
}

// Process is driven once per tick with the current NMT internal state. It
// returns a command word: bit0 set on the Pre-operational/Stopped ->
// Operational rising edge (telling every SRDO to (re)configure), bit1 set
// once per latched checkCRC request (telling every SRDO to re-verify its
// persisted CRC).
func (g *SRDOGuard) Process(nmtState uint8) uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var cmd uint8
	if nmtState == nmt.StateOperational && g.nmtStatePrevious != nmt.StateOperational {
		cmd |= CmdEnteredOperational
	}
	if g.checkCRCRequested {
		cmd |= CmdValidateChecksum
		g.checkCRCRequested = false
	}
	g.nmtStatePrevious = nmtState
	return cmd
}

// writeEntry13FE handles SDO writes to 0x13FE sub 1. Writing the magic
// value latches a CRC-verification request for the next Process() call;
// any other value invalidates the configuration outright.
func writeEntry13FE(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || len(data) != 1 || stream.Subindex != 1 {
		return od.ErrDevIncompat
	}
	g, ok := stream.Object.(*SRDOGuard)
	if !ok {
		return od.ErrDevIncompat
	}
	g.mu.Lock()
	if data[0] == ConfigurationValidMagic {
		g.checkCRCRequested = true
	} else {
		g.configurationValid = 0
	}
	g.mu.Unlock()
	return od.WriteEntryDefault(stream, data, countWritten)
}
