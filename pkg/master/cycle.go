package master

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/frame"
	"github.com/samsamfire/goecat/pkg/slave"
)

// ExchangeCycle exchanges one frame with the segment. It returns before
// the frame timeout, with a [ecat.CommError] if the frame was lost, could not be
// decoded or a slave reached the failure threshold.
func (m *Master) ExchangeCycle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.slaves) == 0 {
		return fmt.Errorf("%w : master is not initialized", ecat.ErrInvalidState)
	}
	m.stats.Cycles++
	now := m.now()
	m.drainSubmissions()
	m.checkMailboxTimeouts(now)

	f := &frame.Frame{}
	image := make([]byte, m.imageSize)
	for i, s := range m.slaves {
		region := image[s.OutputOffset : s.OutputOffset+s.Mapping.OutputSize]
		if err := s.Mapping.EncodeCommand(m.outputs[i], region); err != nil {
			return fmt.Errorf("%w : encoding outputs of %v : %w", ecat.ErrIllegalArgument, s, err)
		}
	}
	lrw := f.Add(frame.LRW, 0, image)
	status := make([]*frame.Datagram, len(m.slaves))
	for i, s := range m.slaves {
		status[i] = f.Add(frame.FPRD, frame.PhysicalAddress(s.Station, slave.RegALStatus), make([]byte, slave.ALStatusLength))
	}
	if control, ok := m.alControl(); ok {
		f.Add(frame.BWR, frame.PhysicalAddress(0, slave.RegALControl), control)
	}
	mbx := m.mailboxDatagram(f, now)

	raw, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FrameTimeout)
	defer cancel()
	rawResponse, err := m.bus.Exchange(ctx, raw)
	if err != nil {
		m.stats.FrameTimeouts++
		return m.missed(ecat.CommFrameTimeout, err)
	}
	response, err := frame.Decode(rawResponse)
	if err == nil {
		err = f.Match(response)
	}
	if err != nil {
		m.stats.Malformed++
		return m.missed(ecat.CommMalformed, err)
	}

	unresponsive := ecat.NoSlave
	healthy := make([]bool, len(m.slaves))
	expectedWkc := uint16(0)
	for i, s := range m.slaves {
		dg := response.Datagrams[status[i].Index]
		if dg.WorkingCounter != 1 {
			s.RecordWorkingCounterError()
			failures := s.RecordFailure(fmt.Errorf("AL status working counter %d", dg.WorkingCounter))
			m.logger.Warnf("no status from slave %v (%d consecutive)", s, failures)
			if failures >= m.cfg.FailureThreshold && unresponsive == ecat.NoSlave {
				unresponsive = s.ID
			}
			continue
		}
		s.ResetFailures()
		m.updateState(s, slave.ALState(dg.Data[0]), binary.LittleEndian.Uint16(dg.Data[4:]))
		healthy[i] = true
		if s.State().Base() >= slave.ALSafeOp {
			if s.Mapping.OutputSize > 0 {
				expectedWkc += 2
			}
			if s.Mapping.InputSize > 0 {
				expectedWkc += 1
			}
		}
	}

	if mbx != nil {
		m.handleMailbox(mbx, response.Datagrams[mbx.index])
	}
	m.checkStartup()

	data := response.Datagrams[lrw.Index]
	if data.WorkingCounter != expectedWkc {
		m.stats.WorkingCounterErrors++
		m.logger.Warnf("process data working counter %d, expected %d", data.WorkingCounter, expectedWkc)
	} else {
		m.decodeInputs(data.Data, healthy, now)
	}

	if unresponsive != ecat.NoSlave {
		m.stats.Unresponsive++
		return ecat.NewCommError(ecat.CommSlaveUnresponsive, unresponsive, nil)
	}
	return nil
}

// A lost or undecodable frame counts as a failure for every slave
func (m *Master) missed(kind ecat.CommKind, cause error) error {
	unresponsive := ecat.NoSlave
	for _, s := range m.slaves {
		failures := s.RecordFailure(cause)
		if failures >= m.cfg.FailureThreshold && unresponsive == ecat.NoSlave {
			unresponsive = s.ID
		}
	}
	m.logger.Warnf("cycle lost : %v : %v", kind, cause)
	if unresponsive != ecat.NoSlave {
		m.stats.Unresponsive++
		return ecat.NewCommError(ecat.CommSlaveUnresponsive, unresponsive, cause)
	}
	return ecat.NewCommError(kind, ecat.NoSlave, cause)
}

func (m *Master) updateState(s *slave.Slave, state slave.ALState, code uint16) {
	prev := s.State()
	if !s.SetState(state, code) {
		return
	}
	if state.HasError() {
		m.logger.Errorf("slave %v refused transition, state %v, AL status code x%04x", s, state, code)
	} else {
		m.logger.Infof("slave %v state changed | %v ==> %v", s, prev, state)
	}
	switch {
	case state.Base() < slave.ALPreOp:
		// mailbox content is lost and configuration has to be done again
		s.SetStartupDone(false)
		m.mailboxes[s.ID].startup = nil
		m.mailboxes[s.ID].written = false
		m.mailboxes[s.ID].flush = false
	case state.Base() == slave.ALPreOp && prev.Base() < slave.ALPreOp:
		m.queueStartup(s)
	}
}

// AL control is sent as long as a slave is not in the requested state
func (m *Master) alControl() ([]byte, bool) {
	pending, errored := false, false
	for _, s := range m.slaves {
		state := s.State()
		if state != m.requested {
			pending = true
		}
		if state.HasError() {
			errored = true
		}
		// configuration first
		if m.requested >= slave.ALSafeOp && state.Base() < slave.ALSafeOp && !s.StartupDone() {
			return nil, false
		}
	}
	if !pending {
		return nil, false
	}
	control := byte(m.requested)
	if errored {
		control |= alAck
	}
	return []byte{control, 0}, true
}

func (m *Master) decodeInputs(image []byte, healthy []bool, now time.Time) {
	for i, s := range m.slaves {
		if !healthy[i] || s.State().Base() < slave.ALSafeOp || s.Mapping.InputSize == 0 {
			continue
		}
		rx := s.Mapping.DecodeInputs(image[s.InputOffset : s.InputOffset+s.Mapping.InputSize])
		rx.Slave = s.ID
		rx.Cycle = m.stats.Cycles
		rx.Timestamp = now
		s.SetReceived(rx)
	}
}
