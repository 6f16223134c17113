// Package master implements the EtherCAT master.
//
// The master owns the slaves and the process image. It exchanges exactly one
// frame per cycle with the whole segment: cyclic process data, AL status of
// every slave, AL control when a transition is requested and at most one
// mailbox datagram carrying an acyclic SDO transfer.
package master

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/frame"
	"github.com/samsamfire/goecat/pkg/link"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/sdo"
	"github.com/samsamfire/goecat/pkg/slave"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultFrameTimeout     = 500 * time.Microsecond
	DefaultFailureThreshold = 3
	DefaultMailboxTimeout   = 100 * time.Millisecond
	DefaultQueueDepth       = 32
	DefaultSubmitBuffer     = 128
	// Initialization frames are not time critical
	initTimeout = 100 * time.Millisecond
	alAck       = 0x10
)

type Config struct {
	// Maximum time to wait for a frame to come back
	FrameTimeout time.Duration
	// Consecutive failures after which a slave is considered unresponsive
	FailureThreshold int
	// Maximum time for an SDO request once it is sent to a slave
	MailboxTimeout time.Duration
	// Pending SDO requests per slave
	QueueDepth int
	// SDO requests submitted between two cycles
	SubmitBuffer int
}

func (c *Config) applyDefaults() {
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = DefaultFrameTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.MailboxTimeout <= 0 {
		c.MailboxTimeout = DefaultMailboxTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.SubmitBuffer <= 0 {
		c.SubmitBuffer = DefaultSubmitBuffer
	}
}

// Stats are segment wide counters
type Stats struct {
	Cycles               uint64
	FrameTimeouts        uint64
	Malformed            uint64
	WorkingCounterErrors uint64
	Unresponsive         uint64
}

// NetworkHandle describes the initialized segment
type NetworkHandle struct {
	Slaves    []*slave.Slave
	ImageSize int
}

type mailbox struct {
	counter uint8
	// request written, waiting for its response
	written bool
	// inflight since
	since time.Time
	// a response of a previous request may still be in the read mailbox
	flush   bool
	startup []*sdo.Handle
}

type Master struct {
	logger    *log.Entry
	bus       link.Bus
	cfg       Config
	mu        sync.Mutex
	slaves    []*slave.Slave
	count     atomic.Int32
	imageSize int
	outputs   []pdo.Command
	requested slave.ALState
	submit    chan *sdo.Handle
	queue     *sdo.Queue
	sequence  atomic.Uint64
	mailboxes []mailbox
	nextMbx   int
	stats     Stats
	now       func() time.Time
}

func New(bus link.Bus, cfg Config, logger *log.Logger) *Master {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg.applyDefaults()
	return &Master{
		logger:    logger.WithField("service", "[MASTER]"),
		bus:       bus,
		cfg:       cfg,
		requested: slave.ALInit,
		submit:    make(chan *sdo.Handle, cfg.SubmitBuffer),
		queue:     sdo.NewQueue(cfg.QueueDepth),
		now:       time.Now,
	}
}

// exchange a frame outside of the cycle
func (m *Master) transfer(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	raw, err := f.MarshalBinary()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	response, err := m.bus.Exchange(ctx, raw)
	if err != nil {
		return nil, ecat.NewCommError(ecat.CommFrameTimeout, ecat.NoSlave, err)
	}
	decoded, err := frame.Decode(response)
	if err == nil {
		err = f.Match(decoded)
	}
	if err != nil {
		return nil, ecat.NewCommError(ecat.CommMalformed, ecat.NoSlave, err)
	}
	return decoded, nil
}

// Initialize builds the slaves from their configuration, lays out the process image
// and configures the segment. Slaves are left in INIT.
func (m *Master) Initialize(ctx context.Context, configs []slave.Config) (*NetworkHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w : no slave configured", ecat.ErrIllegalArgument)
	}
	positions := map[uint16]bool{}
	slaves := make([]*slave.Slave, 0, len(configs))
	offset := 0
	for id, cfg := range configs {
		if positions[cfg.Position] {
			return nil, fmt.Errorf("%w : position %d used twice", ecat.ErrIllegalArgument, cfg.Position)
		}
		positions[cfg.Position] = true
		s := slave.New(id, cfg)
		if err := s.Mapping.Validate(); err != nil {
			return nil, fmt.Errorf("%w : slave %v : %w", ecat.ErrIllegalArgument, s, err)
		}
		if s.MailboxSize < sdo.MinMailboxSize {
			return nil, fmt.Errorf("%w : slave %v mailbox too small", ecat.ErrIllegalArgument, s)
		}
		s.OutputOffset = offset
		s.InputOffset = offset + s.Mapping.OutputSize
		offset += s.Mapping.OutputSize + s.Mapping.InputSize
		slaves = append(slaves, s)
	}
	if size := worstFrameSize(slaves, offset); size > frame.MaxSize {
		return nil, fmt.Errorf("%w : cyclic frame needs %d bytes", frame.ErrFrameTooLong, size)
	}

	// Probe the segment, every slave answers the broadcast read
	probe := &frame.Frame{}
	probe.Add(frame.BRD, frame.PhysicalAddress(0, slave.RegALStatus), make([]byte, 2))
	response, err := m.transfer(ctx, probe)
	if err != nil {
		return nil, err
	}
	if responding := int(response.Datagrams[0].WorkingCounter); responding != len(slaves) {
		return nil, ecat.NewCommError(ecat.CommSlaveCount, ecat.NoSlave,
			fmt.Errorf("%d slaves responding, %d configured", responding, len(slaves)))
	}

	// Back to INIT, clearing any pending error
	reset := &frame.Frame{}
	reset.Add(frame.BWR, frame.PhysicalAddress(0, slave.RegALControl), []byte{byte(slave.ALInit) | alAck, 0})
	if _, err := m.transfer(ctx, reset); err != nil {
		return nil, err
	}

	// Station address and FMMUs, one frame per slave
	for _, s := range slaves {
		f := &frame.Frame{}
		station := make([]byte, 2)
		binary.LittleEndian.PutUint16(station, s.Station)
		f.Add(frame.APWR, frame.PositionAddress(s.Position, slave.RegStationAddress), station)
		for n, fmmu := range s.FMMUs() {
			raw, _ := fmmu.MarshalBinary()
			f.Add(frame.APWR, frame.PositionAddress(s.Position, slave.FMMUAddress(n)), raw)
		}
		response, err := m.transfer(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, dg := range response.Datagrams {
			if dg.WorkingCounter != 1 {
				return nil, ecat.NewCommError(ecat.CommWorkingCounter, s.ID,
					fmt.Errorf("configuring %v : working counter %d", dg, dg.WorkingCounter))
			}
		}
		m.logger.Infof("configured slave %v at position %d, station x%x, outputs %d@%d, inputs %d@%d",
			s, s.Position, s.Station, s.Mapping.OutputSize, s.OutputOffset, s.Mapping.InputSize, s.InputOffset)
	}

	m.slaves = slaves
	m.count.Store(int32(len(slaves)))
	m.imageSize = offset
	m.outputs = make([]pdo.Command, len(slaves))
	m.mailboxes = make([]mailbox, len(slaves))
	m.requested = slave.ALInit
	return &NetworkHandle{Slaves: slaves, ImageSize: offset}, nil
}

// Largest cyclic frame : LRW, AL status per slave, AL control, one mailbox
func worstFrameSize(slaves []*slave.Slave, imageSize int) int {
	overhead := frame.DatagramHeaderSize + frame.WorkingCounterSize
	size := frame.HeaderSize + overhead + imageSize
	size += len(slaves) * (overhead + slave.ALStatusLength)
	size += overhead + 2
	mailboxSize := 0
	for _, s := range slaves {
		mailboxSize = max(mailboxSize, s.MailboxSize)
	}
	return size + overhead + mailboxSize
}

// SetOutputs stages outputs of every slave, in slave id order, sent on next cycle
func (m *Master) SetOutputs(outputs []pdo.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(outputs) != len(m.slaves) {
		return fmt.Errorf("%w : %d outputs for %d slaves", ecat.ErrIllegalArgument, len(outputs), len(m.slaves))
	}
	copy(m.outputs, outputs)
	return nil
}

// Outputs returns the staged outputs
func (m *Master) Outputs() []pdo.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	outputs := make([]pdo.Command, len(m.outputs))
	copy(outputs, m.outputs)
	return outputs
}

// RequestState sets the AL state slaves are driven to
func (m *Master) RequestState(state slave.ALState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requested != state {
		m.logger.Infof("requesting %v", state)
	}
	m.requested = state
}

func (m *Master) Requested() slave.ALState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested
}

// Acknowledged returns true when every slave reports state without error.
// From SAFE-OPERATIONAL on, startup SDOs must also be done.
func (m *Master) Acknowledged(state slave.ALState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.slaves) == 0 {
		return false
	}
	for _, s := range m.slaves {
		if s.State() != state {
			return false
		}
		if state >= slave.ALSafeOp && !s.StartupDone() {
			return false
		}
	}
	return true
}

func (m *Master) Slaves() []*slave.Slave {
	m.mu.Lock()
	defer m.mu.Unlock()
	slaves := make([]*slave.Slave, len(m.slaves))
	copy(slaves, m.slaves)
	return slaves
}

func (m *Master) Slave(id int) (*slave.Slave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.slaves) {
		return nil, fmt.Errorf("%w : %d", sdo.ErrUnknownSlave, id)
	}
	return m.slaves[id], nil
}

// Received returns the last input snapshot of a slave
func (m *Master) Received(id int) (pdo.ReceivedData, bool) {
	s, err := m.Slave(id)
	if err != nil {
		return pdo.ReceivedData{}, false
	}
	return s.Received()
}

// Health returns communication counters, indexed by slave id
func (m *Master) Health() []slave.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	health := make([]slave.Health, len(m.slaves))
	for i, s := range m.slaves {
		health[i] = s.Health()
	}
	return health
}

func (m *Master) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close fails every pending SDO request
func (m *Master) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainSubmissions()
	for _, s := range m.slaves {
		m.queue.FailAll(s.ID, sdo.ErrCancelled)
	}
}
