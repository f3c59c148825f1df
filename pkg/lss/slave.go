package lss

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	canopen "github.com/kestrelsys/cansafe"
	"github.com/kestrelsys/cansafe/pkg/od"
)

// LSSCheckBitRateCallback decides whether a bit rate proposed by the master
// (set-bit-timing / activate-bit-timing) is acceptable on this physical layer.
type LSSCheckBitRateCallback func(bitRate uint16) bool

// LSSActivateBitRateCallback is notified once activate-bit-timing is
// requested, so the application can schedule the actual transceiver
// switch-over after the bus has quiesced.
type LSSActivateBitRateCallback func(delayMs uint16)

// LSSStoreCallback persists pendingNodeId/pendingBitRate to non-volatile
// storage. A false return reports a storage failure to the master.
type LSSStoreCallback func(nodeId uint8, bitRate uint16) bool

type LSSSlave struct {
	*canopen.BusManager
	logger          *slog.Logger
	mu              sync.Mutex
	address         LSSAddress
	addressSwitch   LSSAddress
	addressFastscan LSSAddress
	fastscanPos     uint8
	activeNodeId    uint8
	pendingNodeId   uint8
	pendingBitRate  uint16
	quiesced        bool
	quiesceTimer    *time.Timer
	checkBitRate    LSSCheckBitRateCallback
	activateBitRate LSSActivateBitRateCallback
	storeConfig     LSSStoreCallback
	rx              chan LSSMessage
	state           LSSState
}

// SetCheckBitRateCallback registers the callback gating set-bit-timing and
// activate-bit-timing. Without one, both commands are silently dropped.
func (l *LSSSlave) SetCheckBitRateCallback(callback LSSCheckBitRateCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkBitRate = callback
}

// SetActivateBitRateCallback registers the callback notified when the master
// requests activate-bit-timing, receiving the switch delay in milliseconds.
func (l *LSSSlave) SetActivateBitRateCallback(callback LSSActivateBitRateCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activateBitRate = callback
}

// SetStoreCallback registers the callback persisting the pending node id and
// bit rate to non-volatile storage.
func (l *LSSSlave) SetStoreCallback(callback LSSStoreCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.storeConfig = callback
}

// Handle [LSSSlave] related RX CAN frames
func (l *LSSSlave) Handle(frame canopen.Frame) {

	if frame.DLC != 8 {
		return
	}
	msg := LSSMessage{raw: frame.Data}
	l.logger.Info("received new command from master",
		"cmd", msg.Command(),
		"cmdHex", fmt.Sprintf("x%x", msg.Command()),
		"raw", msg.raw,
	)
	select {
	case l.rx <- msg:
	default:
		l.logger.Warn("dropped LSS master RX frame")
		// Drop frame
	}
}

// To be launched inside of a goroutine (replies to incoming messages)
func (l *LSSSlave) Process(ctx context.Context) {
	l.logger.Info("starting lss slave process", "address", l.address)
	for {
		select {
		case rx := <-l.rx:
			prevState := l.state
			l.processRequest(rx)
			currentState := l.state
			if prevState != currentState {
				l.logger.Info("slave moved from state", "previous", prevState.String(), "current", currentState.String())
			}
		case <-ctx.Done():
			l.logger.Info("exiting lss slave process")
			return
		}
	}
}

// Get current lss state
func (l *LSSSlave) GetState() LSSState {
	return l.state
}

// GetNodeIdActive returns the node id currently in effect, which may differ
// from the node id the slave was created with if LSS configured a new one.
func (l *LSSSlave) GetNodeIdActive() uint8 {
	return l.activeNodeId
}

// Process new request from master depending on the current LSS mode
// Available commands depend on the state.
func (l *LSSSlave) processRequest(rx LSSMessage) error {

	l.mu.Lock()
	quiesced := l.quiesced
	l.mu.Unlock()
	if quiesced {
		// Bus is quiescing after activate-bit-timing, drop all requests
		return nil
	}

	cmd := rx.Command()
	state := l.state

	switch {

	case (cmd >= CmdSwitchStateSelectiveVendor && cmd <= CmdSwitchStateSelectiveResult) || cmd == CmdSwitchStateGlobal:
		err := l.processSwitchStateService(rx)
		if err != nil {
			l.logger.Warn("error processing switch state service", "err", err)
		}

	case cmd == CmdIdentFastscan:
		err := l.processIdentService(rx)
		if err != nil {
			l.logger.Warn("error processing identify service", "err", err)
		}

	case cmd >= CmdConfigureNodeId && cmd <= CmdConfigureStoreParameters:
		// Configuration service is only valid in configuration mode
		if state != StateConfiguration {
			return nil
		}
		err := l.processConfigurationService(rx)
		if err != nil {
			l.logger.Warn("error processing configuration service", "err", err)
		}

	case cmd >= CmdInquireVendor && cmd <= CmdInquireNodeId:
		// Inquire service is only valid in configuration mode
		if state != StateConfiguration {
			return nil
		}
		err := l.processInquiryService(cmd)
		if err != nil {
			l.logger.Warn("error processing inquiry service", "err", err)
		}
	}

	return nil
}

// Process fastscan identification service. Fastscan narrows down the 128 bit
// LSS address field by field; a full match on the last field moves the slave
// from waiting to configuration. Only unconfigured nodes answer.
func (l *LSSSlave) processIdentService(msg LSSMessage) error {
	if l.state != StateWaiting {
		return nil
	}
	if l.activeNodeId != NodeIdUnconfigured || l.pendingNodeId != NodeIdUnconfigured {
		return nil
	}

	idNumber := binary.LittleEndian.Uint32(msg.raw[1:5])
	bitCheck := msg.raw[5]
	lssSub := msg.raw[6]
	lssNext := msg.raw[7]

	if !fastscanBitCheckValid(bitCheck) || !fastscanSubValid(lssSub) || !fastscanSubValid(lssNext) {
		return nil
	}

	ack := false
	if bitCheck == FastscanConfirm {
		ack = true
		l.fastscanPos = FastscanVendorId
		l.addressFastscan = LSSAddress{}
	} else if l.fastscanPos == lssSub {
		mask := ^uint32(0) << bitCheck
		if l.address.addrField(lssSub)&mask == idNumber&mask {
			ack = true
			l.fastscanPos = lssNext
			if bitCheck == 0 && lssNext < lssSub {
				l.state = StateConfiguration
			}
		}
	}

	if !ack {
		return nil
	}
	return l.Send([8]byte{byte(CmdIdentSlave)})
}

// Process switch state service message
func (l *LSSSlave) processSwitchStateService(msg LSSMessage) error {
	switch msg.Command() {

	case CmdSwitchStateGlobal:
		mode := LSSMode(msg.raw[1])
		switch mode {

		case ModeWaiting:
			// TODO : unclear whether it is the slave that should perform the reset
			// In case of reset comm, active node id should be taken from pending node id
			l.state = StateWaiting

		case ModeConfiguration:
			l.state = StateConfiguration
		default:
			// Not a standard command
			l.logger.Warn("switch mode unknown", "mode", mode)
		}

	case CmdSwitchStateSelectiveVendor:
		l.addressSwitch.VendorId = binary.LittleEndian.Uint32(msg.raw[1:5])
		l.logger.Debug("switch state selective", "vendor", l.addressSwitch.VendorId)

	case CmdSwitchStateSelectiveProduct:
		l.addressSwitch.ProductCode = binary.LittleEndian.Uint32(msg.raw[1:5])
		l.logger.Debug("switch state selective", "product", l.addressSwitch.ProductCode)

	case CmdSwitchStateSelectiveRevision:
		l.addressSwitch.RevisionNumber = binary.LittleEndian.Uint32(msg.raw[1:5])
		l.logger.Debug("switch state selective", "revision", l.addressSwitch.RevisionNumber)

	case CmdSwitchStateSelectiveSerialNb:
		// This is the last part of the switch state selective.
		// After this we can determine if we are the node that has been selected
		l.addressSwitch.SerialNumber = binary.LittleEndian.Uint32(msg.raw[1:5])
		l.logger.Debug("switch state selective", "serial number", l.addressSwitch.SerialNumber)
		if l.addressSwitch == l.address {
			l.state = StateConfiguration
			// Send successfull response
			return l.Send([8]byte{byte(CmdSwitchStateSelectiveResult)})
		} else {
			l.logger.Debug("switch state selective ignored", "requested", l.addressSwitch, "current", l.address)
		}
	}
	return nil
}

// Process inquiry service message, prepare TX buffer for sending
func (l *LSSSlave) processInquiryService(cmd LSSCommand) error {

	data := [8]byte{byte(cmd)}
	switch cmd {

	case CmdInquireVendor:
		binary.LittleEndian.PutUint32(data[1:], l.address.VendorId)

	case CmdInquireProduct:
		binary.LittleEndian.PutUint32(data[1:], l.address.ProductCode)

	case CmdInquireRevision:
		binary.LittleEndian.PutUint32(data[1:], l.address.RevisionNumber)

	case CmdInquireSerial:
		binary.LittleEndian.PutUint32(data[1:], l.address.SerialNumber)

	case CmdInquireNodeId:
		data[1] = l.activeNodeId

	default:
		return fmt.Errorf("unknown LSS command %v", cmd)
	}
	return l.Send(data)
}

// Process configuration service, prepare TX buffer for sending
func (l *LSSSlave) processConfigurationService(msg LSSMessage) error {

	switch msg.Command() {

	case CmdConfigureNodeId:
		nodeId := msg.raw[1]
		if !(nodeId >= 1 && nodeId <= 0x7F || nodeId == 0xFF) {
			l.logger.Warn("requested nodeId is out of range", "id", nodeId)
			return l.Send([8]byte{byte(msg.Command()), ConfigNodeIdOutOfRange})
		}
		l.pendingNodeId = nodeId
		return l.Send([8]byte{byte(msg.Command()), ConfigNodeIdOk})

	case CmdConfigureBitTiming:
		l.mu.Lock()
		checkBitRate := l.checkBitRate
		l.mu.Unlock()
		if checkBitRate == nil {
			// Setting bit timing is not supported, drop request
			return nil
		}
		tableSelector := msg.raw[1]
		tableIndex := msg.raw[2]
		errorCode := byte(ConfigBitTimingOk)
		if tableSelector == 0 && bitTimingValid(tableIndex) {
			bitRate := bitTimingTable[tableIndex]
			if checkBitRate(bitRate) {
				l.pendingBitRate = bitRate
			} else {
				errorCode = ConfigBitTimingOutOfRange
			}
		} else {
			// Only the CiA301 bit timing table is supported
			errorCode = ConfigBitTimingOutOfRange
		}
		return l.Send([8]byte{byte(msg.Command()), errorCode})

	case CmdConfigureActivateBitTiming:
		l.mu.Lock()
		checkBitRate := l.checkBitRate
		activateBitRate := l.activateBitRate
		l.mu.Unlock()
		if checkBitRate == nil {
			// Setting bit timing is not supported, drop request
			return nil
		}
		delayMs := binary.LittleEndian.Uint16(msg.raw[1:3])
		l.quiesce(delayMs)
		if activateBitRate != nil {
			activateBitRate(delayMs)
		}
		return nil

	case CmdConfigureStoreParameters:
		l.mu.Lock()
		storeConfig := l.storeConfig
		l.mu.Unlock()
		errorCode := byte(ConfigStoreOk)
		if storeConfig == nil {
			errorCode = ConfigStoreNotSupported
		} else if !storeConfig(l.pendingNodeId, l.pendingBitRate) {
			errorCode = ConfigStoreFailed
		}
		return l.Send([8]byte{byte(msg.Command()), errorCode})

	default:
		return fmt.Errorf("unknown LSS command %v", msg.Command())

	}
}

// quiesce suspends request processing for 2*delayMs, giving the bus time to
// settle before the new bit rate takes effect.
func (l *LSSSlave) quiesce(delayMs uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quiesced = true
	duration := 2 * time.Duration(delayMs) * time.Millisecond
	if l.quiesceTimer == nil {
		l.quiesceTimer = time.AfterFunc(duration, l.endQuiesce)
	} else {
		l.quiesceTimer.Reset(duration)
	}
}

func (l *LSSSlave) endQuiesce() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quiesced = false
}

func (l *LSSSlave) Send(data [8]byte) error {
	frame := canopen.NewFrame(ServiceSlaveId, 0, 8)
	frame.Data = data
	return l.BusManager.Send(frame)
}

func NewLSSSlave(bm *canopen.BusManager, logger *slog.Logger, identity *od.Entry, nodeId uint8) (*LSSSlave, error) {

	var err error
	if logger == nil {
		logger = slog.Default()
	}
	lss := &LSSSlave{BusManager: bm, logger: logger}
	lss.logger = logger.With("service", "[LSSSlave]")
	lss.address.VendorId, err = identity.Uint32(1)
	if err != nil {
		return nil, err
	}
	lss.address.ProductCode, err = identity.Uint32(2)
	if err != nil {
		return nil, err
	}
	lss.address.RevisionNumber, err = identity.Uint32(3)
	if err != nil {
		return nil, err
	}
	lss.address.SerialNumber, err = identity.Uint32(4)
	if err != nil {
		return nil, err
	}
	lss.state = StateWaiting
	lss.fastscanPos = FastscanVendorId
	lss.rx = make(chan LSSMessage, 10)
	_, err = lss.Subscribe(ServiceMasterId, 0x7FF, false, lss)
	if err != nil {
		return nil, err
	}
	lss.activeNodeId = nodeId
	lss.pendingNodeId = nodeId
	return lss, nil
}
