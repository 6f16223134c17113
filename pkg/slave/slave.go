package slave

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/sdo"
)

// ESC registers used by the master
const (
	RegStationAddress uint16 = 0x0010
	RegALControl      uint16 = 0x0120
	RegALStatus       uint16 = 0x0130
	RegALStatusCode   uint16 = 0x0134
	// AL status (2) + reserved (2) + AL status code (2)
	ALStatusLength = 6
	// Configured station addresses start here, one per position
	StationBase uint16 = 0x1001
)

// Application layer states of a slave
type ALState uint8

const (
	ALInit   ALState = 0x01
	ALPreOp  ALState = 0x02
	ALBoot   ALState = 0x03
	ALSafeOp ALState = 0x04
	ALOp     ALState = 0x08
	// Set in AL status when the slave refused a transition
	ALErrorFlag ALState = 0x10
)

var alStateMap = map[ALState]string{
	ALInit:   "INIT",
	ALPreOp:  "PRE-OPERATIONAL",
	ALBoot:   "BOOTSTRAP",
	ALSafeOp: "SAFE-OPERATIONAL",
	ALOp:     "OPERATIONAL",
}

func (s ALState) String() string {
	desc, ok := alStateMap[s&^ALErrorFlag]
	if !ok {
		desc = fmt.Sprintf("ALState(x%x)", uint8(s&^ALErrorFlag))
	}
	if s&ALErrorFlag != 0 {
		desc += " (ERROR)"
	}
	return desc
}

// Without the error flag
func (s ALState) Base() ALState {
	return s &^ ALErrorFlag
}

func (s ALState) HasError() bool {
	return s&ALErrorFlag != 0
}

type Kind uint8

const (
	KindGeneric Kind = 0
	KindDrive   Kind = 1
	KindIO      Kind = 2
)

var kindMap = map[string]Kind{
	"generic": KindGeneric,
	"drive":   KindDrive,
	"io":      KindIO,
}

func KindFromString(s string) (Kind, error) {
	kind, ok := kindMap[s]
	if !ok {
		return 0, fmt.Errorf("unknown slave kind %q", s)
	}
	return kind, nil
}

func (k Kind) String() string {
	for name, kind := range kindMap {
		if kind == k {
			return name
		}
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Config is the static description of a slave
type Config struct {
	Name        string
	Position    uint16
	Kind        Kind
	VendorId    uint32
	ProductCode uint32
	Mapping     *pdo.Mapping
	MailboxSize int
	// Written when the slave reaches PRE-OPERATIONAL, must all succeed before SAFE-OPERATIONAL
	Startup []sdo.Data
}

// Health is a snapshot of the communication counters of a slave
type Health struct {
	Failures        int
	TotalFailures   uint64
	WorkingCounter  uint64
	MailboxTimeouts uint64
	LastError       string
}

// Slave is the master side representation of a slave device.
// It is created once by the master and referenced by its ID.
type Slave struct {
	Config
	ID           int
	Station      uint16
	OutputOffset int
	InputOffset  int
	mu           sync.Mutex
	state        ALState
	statusCode   uint16
	health       Health
	received     pdo.ReceivedData
	hasReceived  bool
	registers    map[uint32]sdo.Data
	startupDone  bool
}

func New(id int, cfg Config) *Slave {
	if cfg.Mapping == nil {
		cfg.Mapping = pdo.NewMapping()
	}
	if cfg.MailboxSize == 0 {
		cfg.MailboxSize = sdo.DefaultMailboxSize
	}
	return &Slave{
		Config:    cfg,
		ID:        id,
		Station:   StationBase + cfg.Position,
		state:     ALInit,
		registers: map[uint32]sdo.Data{},
	}
}

func (s *Slave) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%d:%s", s.ID, s.Name)
	}
	return fmt.Sprintf("%d", s.ID)
}

func (s *Slave) State() ALState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StatusCode is the AL status code reported with the error flag
func (s *Slave) StatusCode() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCode
}

// Update the AL state read from the slave, returns true on change
func (s *Slave) SetState(state ALState, code uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.state != state
	s.state = state
	s.statusCode = code
	return changed
}

// RecordFailure counts a failed exchange and returns the consecutive failure count
func (s *Slave) RecordFailure(reason error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.Failures++
	s.health.TotalFailures++
	if reason != nil {
		s.health.LastError = reason.Error()
	}
	return s.health.Failures
}

func (s *Slave) RecordWorkingCounterError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.WorkingCounter++
}

func (s *Slave) RecordMailboxTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.MailboxTimeouts++
}

// ResetFailures is called after a successful exchange
func (s *Slave) ResetFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.Failures = 0
}

func (s *Slave) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health.Failures
}

func (s *Slave) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Received returns the last decoded inputs and false if nothing was received yet
func (s *Slave) Received() (pdo.ReceivedData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.hasReceived
}

func (s *Slave) SetReceived(rx pdo.ReceivedData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = rx
	s.hasReceived = true
}

func registerKey(index uint16, subindex uint8) uint32 {
	return uint32(index)<<8 | uint32(subindex)
}

// Register returns the last known value of an object, updated only by completed SDO requests
func (s *Slave) Register(index uint16, subindex uint8) (sdo.Data, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.registers[registerKey(index, subindex)]
	return d, ok
}

func (s *Slave) SetRegister(d sdo.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[registerKey(d.Index, d.Subindex)] = d
}

func (s *Slave) Registers() []sdo.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	registers := make([]sdo.Data, 0, len(s.registers))
	for _, d := range s.registers {
		registers = append(registers, d)
	}
	slices.SortFunc(registers, func(a, b sdo.Data) int {
		return int(registerKey(a.Index, a.Subindex)) - int(registerKey(b.Index, b.Subindex))
	})
	return registers
}

func (s *Slave) StartupDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startupDone
}

func (s *Slave) SetStartupDone(done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startupDone = done
}
