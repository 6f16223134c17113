package master

import (
	"errors"
	"time"

	"github.com/samsamfire/goecat/pkg/frame"
	"github.com/samsamfire/goecat/pkg/sdo"
	"github.com/samsamfire/goecat/pkg/slave"
)

// mailbox datagram sent in the current cycle
type mailboxOp struct {
	index  uint8
	slave  *slave.Slave
	write  bool
	handle *sdo.Handle
}

// SubmitSDO queues an expedited SDO transfer and returns immediately.
// The handle is resolved on a later cycle. Requests of a slave are
// processed in submission order.
func (m *Master) SubmitSDO(req sdo.Request) *sdo.Handle {
	h := sdo.NewHandle(req, m.sequence.Add(1))
	if err := req.Validate(); err != nil {
		h.Fail(err)
		return h
	}
	if req.Slave < 0 || req.Slave >= int(m.count.Load()) {
		h.Fail(sdo.ErrUnknownSlave)
		return h
	}
	select {
	case m.submit <- h:
	default:
		h.Fail(sdo.ErrQueueFull)
	}
	return h
}

func (m *Master) drainSubmissions() {
	for {
		select {
		case h := <-m.submit:
			if err := m.queue.Push(h); err != nil {
				h.Fail(err)
			}
		default:
			return
		}
	}
}

// Startup SDOs go in front of the user requests submitted afterwards
func (m *Master) queueStartup(s *slave.Slave) {
	mb := &m.mailboxes[s.ID]
	mb.startup = nil
	if len(s.Startup) == 0 {
		s.SetStartupDone(true)
		return
	}
	m.logger.Infof("configuring slave %v with %d startup objects", s, len(s.Startup))
	for _, data := range s.Startup {
		req := sdo.Request{Slave: s.ID, Operation: sdo.Write, Data: data}
		h := sdo.NewHandle(req, m.sequence.Add(1))
		if err := req.Validate(); err != nil {
			h.Fail(err)
		} else if err := m.queue.Push(h); err != nil {
			h.Fail(err)
		}
		mb.startup = append(mb.startup, h)
	}
}

func (m *Master) checkStartup() {
	for i, s := range m.slaves {
		mb := &m.mailboxes[i]
		if s.StartupDone() || len(mb.startup) == 0 {
			continue
		}
		done, failed := true, false
		for _, h := range mb.startup {
			switch h.State() {
			case sdo.StatePending:
				done = false
			case sdo.StateFailed:
				m.logger.Errorf("startup of slave %v failed on %v : %v", s, h.Request.Data, h.Err())
				failed = true
			}
		}
		switch {
		case failed:
			// stays in PRE-OPERATIONAL until it goes through INIT again
			mb.startup = nil
		case done:
			m.logger.Infof("slave %v configured", s)
			mb.startup = nil
			s.SetStartupDone(true)
		}
	}
}

func (m *Master) checkMailboxTimeouts(now time.Time) {
	for i, s := range m.slaves {
		h := m.queue.InFlight(i)
		if h == nil {
			continue
		}
		mb := &m.mailboxes[i]
		if now.Sub(mb.since) <= m.cfg.MailboxTimeout {
			continue
		}
		m.logger.Warnf("sdo %v %v timed out on slave %v", h.Request.Operation, h.Request.Data, s)
		s.RecordMailboxTimeout()
		h.Fail(sdo.AbortTimeout)
		m.queue.Release(i)
		// a late response would otherwise block the mailbox
		mb.flush = mb.written
		mb.written = false
	}
}

// Select the slave served by this cycle's mailbox datagram, round-robin
func (m *Master) mailboxDatagram(f *frame.Frame, now time.Time) *mailboxOp {
	n := len(m.slaves)
	for k := 0; k < n; k++ {
		i := (m.nextMbx + k) % n
		s := m.slaves[i]
		if s.State().Base() < slave.ALPreOp {
			continue
		}
		mb := &m.mailboxes[i]
		op := &mailboxOp{slave: s}
		switch h := m.queue.InFlight(i); {
		case h != nil && mb.written:
			op.handle = h
		case mb.flush:
			// read and discard
		case h != nil:
			op.handle, op.write = h, true
		default:
			h = m.queue.Next(i)
			if h == nil {
				continue
			}
			mb.since = now
			mb.counter = sdo.NextCounter(mb.counter)
			op.handle, op.write = h, true
		}
		var dg *frame.Datagram
		if op.write {
			raw, err := sdo.EncodeRequest(op.handle.Request, mb.counter, s.MailboxSize)
			if err != nil {
				op.handle.Fail(err)
				m.queue.Release(i)
				continue
			}
			dg = f.Add(frame.FPWR, frame.PhysicalAddress(s.Station, sdo.DefaultWriteMailbox), raw)
		} else {
			dg = f.Add(frame.FPRD, frame.PhysicalAddress(s.Station, sdo.DefaultReadMailbox), make([]byte, s.MailboxSize))
		}
		op.index = dg.Index
		m.nextMbx = (i + 1) % n
		return op
	}
	return nil
}

func (m *Master) handleMailbox(op *mailboxOp, dg *frame.Datagram) {
	mb := &m.mailboxes[op.slave.ID]
	switch {
	case op.write:
		if dg.WorkingCounter == 1 {
			mb.written = true
		} else {
			// write mailbox still full
			mb.flush = true
		}
	case op.handle == nil:
		mb.flush = false
	case dg.WorkingCounter == 1:
		m.resolve(op, dg.Data)
	}
}

func (m *Master) resolve(op *mailboxOp, response []byte) {
	h := op.handle
	mb := &m.mailboxes[op.slave.ID]
	data, err := sdo.DecodeResponse(response, h.Request)
	var abort sdo.AbortCode
	switch {
	case err == nil:
		op.slave.SetRegister(data)
		h.Complete(data)
	case errors.As(err, &abort):
		m.logger.Warnf("sdo %v %v aborted by slave %v : %v", h.Request.Operation, h.Request.Data, op.slave, abort)
		h.Fail(abort)
	default:
		// stale response of an earlier request, keep waiting
		m.logger.Debugf("ignoring mailbox response of slave %v : %v", op.slave, err)
		return
	}
	mb.written = false
	m.queue.Release(op.slave.ID)
}

// Pending returns the number of unresolved SDO requests of a slave
func (m *Master) Pending(id int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len(id)
}
