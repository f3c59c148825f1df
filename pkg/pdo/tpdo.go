package pdo

import (
	"fmt"
	"log/slog"
	s "sync"

	canopen "github.com/kestrelsys/cansafe"
	"github.com/kestrelsys/cansafe/pkg/emergency"
	"github.com/kestrelsys/cansafe/pkg/nmt"
	"github.com/kestrelsys/cansafe/pkg/od"
	"github.com/kestrelsys/cansafe/pkg/sync"
)

const (
	SyncCounterReset        = 255
	SyncCounterWaitForStart = 254
)

type TPDO struct {
	*canopen.BusManager
	mu               s.Mutex
	sync             *sync.SYNC
	pdo              *PDOCommon
	txBuffer         canopen.Frame
	transmissionType uint8
	sendRequest      bool
	syncStartValue   uint8
	syncCounter      uint8
	inhibitTimeUs    uint32
	inhibitTimer     uint32
	eventTimeUs      uint32
	eventTimer       uint32
	inhibitActive    bool
	isOperational    bool
}

// onSync is invoked once per tick with the latest sync.Process event. It
// implements the same cyclic/sync-start-value logic the teacher previously
// ran off a dedicated goroutine reading a channel.
func (tpdo *TPDO) onSync() {
	isSyncAcyclic := tpdo.transmissionType == TransmissionTypeSyncAcyclic

	// Send synchronous acyclic tpdo
	if isSyncAcyclic && tpdo.sendRequest {
		tpdo.checkAndSendLocked()
		return
	}

	// Send synchronous cyclic TPDOs
	if tpdo.syncCounter == SyncCounterReset {
		if tpdo.sync.CounterOverflow() != 0 && tpdo.syncStartValue != 0 {
			tpdo.syncCounter = SyncCounterWaitForStart
		} else {
			tpdo.syncCounter = tpdo.transmissionType
		}
	}

	// If sync start value is used, start first TPDO
	// after sync with matched syncstartvalue
	switch tpdo.syncCounter {

	case SyncCounterWaitForStart:
		if tpdo.sync.Counter() == tpdo.syncStartValue {
			tpdo.syncCounter = tpdo.transmissionType
			tpdo.checkAndSendLocked()
		}

	case 1:
		tpdo.syncCounter = tpdo.transmissionType
		tpdo.checkAndSendLocked()

	default:
		tpdo.syncCounter--
	}
}

func (tpdo *TPDO) configureTransmissionType(entry18xx *od.Entry) error {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()

	transmissionType, err := entry18xx.Uint8(od.SubPdoTransmissionType)
	if err != nil {
		tpdo.pdo.logger.Error("reading failed",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"subindex", od.SubPdoTransmissionType,
			"error", err,
		)
		return canopen.ErrOdParameters
	}
	if transmissionType < TransmissionTypeSyncEventLo && transmissionType > TransmissionTypeSync240 {
		transmissionType = TransmissionTypeSyncEventLo
	}
	tpdo.transmissionType = transmissionType
	tpdo.sendRequest = true
	return nil
}

func (tpdo *TPDO) configureCOBID(entry18xx *od.Entry, predefinedIdent uint16, erroneousMap uint32) (canId uint16, e error) {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()

	pdo := tpdo.pdo
	canId, err := pdo.configureCobId(entry18xx, predefinedIdent, erroneousMap)
	if err != nil {
		return 0, err
	}
	tpdo.txBuffer = canopen.NewFrame(uint32(canId), 0, uint8(pdo.dataLength))
	return canId, nil
}

// send transmits the current mapped data. Caller must hold tpdo.mu.
func (tpdo *TPDO) sendLocked() error {
	pdo := tpdo.pdo
	if !pdo.Valid {
		return nil
	}

	totalNbRead := 0
	var err error

	for i := range pdo.nbMapped {
		streamer := &pdo.streamers[i]
		mappedLength := streamer.DataOffset
		streamer.DataOffset = 0
		_, err = streamer.Read(tpdo.txBuffer.Data[totalNbRead:])
		if err != nil {
			tpdo.pdo.logger.Warn("failed to send", "cobId", pdo.configuredId, "error", err)
			return err
		}
		streamer.DataOffset = mappedLength
		totalNbRead += int(mappedLength)
	}
	tpdo.sendRequest = false
	tpdo.eventTimer = 0
	if tpdo.inhibitTimeUs != 0 {
		tpdo.inhibitActive = true
		tpdo.inhibitTimer = 0
	}
	return tpdo.Send(tpdo.txBuffer)
}

// checkAndSendLocked sends immediately unless an inhibit window is active,
// in which case the request is latched for the next inhibit expiry. Caller
// must hold tpdo.mu.
func (tpdo *TPDO) checkAndSendLocked() {
	if tpdo.inhibitActive {
		tpdo.sendRequest = true
		return
	}
	_ = tpdo.sendLocked()
}

// SendAsync sends the TPDO now, or at the end of the inhibit window if one
// is active. It does nothing while the TPDO is not operational.
func (tpdo *TPDO) SendAsync() {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()
	if !tpdo.isOperational {
		return
	}
	tpdo.checkAndSendLocked()
}

func (tpdo *TPDO) OnStateChange(state uint8) {
	tpdo.SetOperational(state == nmt.StateOperational)
}

func (tpdo *TPDO) SetOperational(operational bool) {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()
	tpdo.isOperational = operational
	if operational {
		tpdo.eventTimer = 0
	} else {
		tpdo.inhibitActive = false
		tpdo.inhibitTimer = 0
		tpdo.eventTimer = 0
	}
}

// Process is driven once per tick with the latest sync event (from
// sync.SYNC.Process) and the elapsed time, advancing the inhibit and event
// accumulators exactly like sync.SYNC / emergency.EMCY.
func (tpdo *TPDO) Process(syncEvent uint8, timeDifferenceUs uint32, timerNextUs *uint32) {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()

	if !tpdo.isOperational {
		return
	}

	if tpdo.inhibitActive {
		tpdo.inhibitTimer += timeDifferenceUs
		if tpdo.inhibitTimer >= tpdo.inhibitTimeUs {
			tpdo.inhibitActive = false
			if tpdo.sendRequest {
				_ = tpdo.sendLocked()
			}
		} else if timerNextUs != nil {
			remaining := tpdo.inhibitTimeUs - tpdo.inhibitTimer
			if remaining < *timerNextUs {
				*timerNextUs = remaining
			}
		}
	}

	if tpdo.eventTimeUs != 0 {
		tpdo.eventTimer += timeDifferenceUs
		if tpdo.eventTimer >= tpdo.eventTimeUs {
			tpdo.eventTimer = 0
			tpdo.sendRequest = true
			if !tpdo.inhibitActive {
				_ = tpdo.sendLocked()
			}
		} else if timerNextUs != nil {
			remaining := tpdo.eventTimeUs - tpdo.eventTimer
			if remaining < *timerNextUs {
				*timerNextUs = remaining
			}
		}
	}

	if tpdo.transmissionType < TransmissionTypeSyncEventLo && tpdo.sync != nil && syncEvent == sync.EventRxOrTx {
		tpdo.onSync()
	}
}

// Create a new TPDO
func NewTPDO(
	bm *canopen.BusManager,
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	emcy *emergency.EMCY,
	syncObj *sync.SYNC,
	entry18xx *od.Entry,
	entry1Axx *od.Entry,
	predefinedIdent uint16,

) (*TPDO, error) {
	if odict == nil || entry18xx == nil || entry1Axx == nil || bm == nil || emcy == nil {
		return nil, canopen.ErrIllegalArgument
	}

	tpdo := &TPDO{BusManager: bm}

	// Configure mapping parameters
	erroneousMap := uint32(0)
	pdo, err := NewPDO(odict, logger, entry1Axx, false, emcy, &erroneousMap)
	if err != nil {
		return nil, err
	}
	tpdo.pdo = pdo
	// Configure transmission type
	err = tpdo.configureTransmissionType(entry18xx)
	if err != nil {
		return nil, err
	}
	// Configure COB ID
	canId, err := tpdo.configureCOBID(entry18xx, predefinedIdent, erroneousMap)
	if err != nil {
		return nil, err
	}
	pdo.Valid = canId != 0
	// Configure inhibit time (not mandatory)
	inhibitTime, err := entry18xx.Uint16(od.SubPdoInhibitTime)
	if err != nil {
		tpdo.pdo.logger.Warn("reading inhibit time failed",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"subindex", od.SubPdoInhibitTime,
			"error", err,
		)
	}
	tpdo.inhibitTimeUs = uint32(inhibitTime) * 100

	// Configure event timer (not mandatory)
	eventTime, err := entry18xx.Uint16(od.SubPdoEventTimer)
	if err != nil {
		tpdo.pdo.logger.Warn("reading event timer failed",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"subindex", od.SubPdoEventTimer,
			"error", err,
		)

	}
	tpdo.eventTimeUs = uint32(eventTime) * 1000

	// Configure sync start value (not mandatory)
	tpdo.syncStartValue, err = entry18xx.Uint8(od.SubPdoSyncStart)
	if err != nil {
		tpdo.pdo.logger.Warn("reading sync start failed",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"subindex", od.SubPdoSyncStart,
			"error", err,
		)
	}
	tpdo.sync = syncObj
	tpdo.syncCounter = SyncCounterReset

	// Configure OD extensions
	pdo.IsRPDO = false
	pdo.predefinedId = predefinedIdent
	pdo.configuredId = canId
	entry18xx.AddExtension(tpdo, readEntry14xxOr18xx, writeEntry18xx)
	entry1Axx.AddExtension(tpdo, od.ReadEntryDefault, writeEntry16xxOr1Axx)
	tpdo.pdo.logger.Debug("finished initializing",
		"canId", canId,
		"valid", pdo.Valid,
		"inhibit time", inhibitTime,
		"event time", eventTime,
		"transmission type", tpdo.transmissionType,
	)
	return tpdo, nil
}
