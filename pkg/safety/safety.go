// Package safety gates the outputs of every cycle.
//
// The [Node] runs once per cycle between the computation of the outputs and
// their transmission. Any violation latches a fault: all outputs are replaced
// by the fail-safe command until the fault is acknowledged and one full
// cycle passes without violation.
package safety

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/slave"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNoFault = errors.New("no active safety fault")
)

const (
	DefaultMaxFailures  = 3
	DefaultStreakBudget = 5
	DefaultAckCycles    = 10
	historySize         = 32
)

// AxisLimits are the hard limits of a drive, checked on every output
type AxisLimits struct {
	Slave int
	// Travel range, only checked when MaxPosition > MinPosition
	MinPosition int32
	MaxPosition int32
	MaxVelocity uint32
	MaxTorque   int16
}

// EmergencyInput is an emergency switch wired to a digital input
type EmergencyInput struct {
	Slave int
	Bit   uint8
	// The switch opens the circuit when pressed
	ActiveLow bool
}

type Config struct {
	Axes []AxisLimits
	// Consecutive communication failures tolerated for a slave
	MaxFailures int
	// Consecutive overruns tolerated
	StreakBudget int
	// Cycles during which an acknowledgement waits for a clean cycle
	AckCycles int
	Emergency *EmergencyInput
}

func (c *Config) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.StreakBudget <= 0 {
		c.StreakBudget = DefaultStreakBudget
	}
	if c.AckCycles <= 0 {
		c.AckCycles = DefaultAckCycles
	}
}

// Output is a candidate command for one slave
type Output struct {
	Slave   int
	Command pdo.Command
}

// Inputs is what the node knows about the current cycle
type Inputs struct {
	Cycle uint64
	Time  time.Time
	// Latest received data and communication health, indexed by slave id
	Received []pdo.ReceivedData
	Health   []slave.Health
	// Consecutive overruns reported by the scheduler
	Streak int
}

func (in Inputs) received(id int) (pdo.ReceivedData, bool) {
	if id < 0 || id >= len(in.Received) {
		return pdo.ReceivedData{}, false
	}
	return in.Received[id], true
}

// Event is a raised fault
type Event struct {
	Fault   *ecat.SafetyFault
	Cycle   uint64
	Time    time.Time
	Cleared time.Time
}

type Counters struct {
	Cycles uint64
	// Cycles with at least one violation
	Violations     uint64
	Faults         uint64
	FailSafeCycles uint64
	EmergencyStops uint64
	Acknowledged   uint64
	Cleared        uint64
	ByKind         map[ecat.SafetyKind]uint64
}

type Node struct {
	logger    *log.Entry
	cfg       Config
	limits    map[int]AxisLimits
	emergency atomic.Pointer[string]

	mu        sync.Mutex
	latched   *ecat.SafetyFault
	ackCycles int
	counters  Counters
	history   []Event
	observers []func(*ecat.SafetyFault)
}

func New(cfg Config, logger *log.Logger) *Node {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.StandardLogger()
	}
	n := &Node{
		logger: logger.WithField("service", "[SAFETY]"),
		cfg:    cfg,
		limits: make(map[int]AxisLimits),
	}
	n.counters.ByKind = make(map[ecat.SafetyKind]uint64)
	for _, l := range cfg.Axes {
		n.limits[l.Slave] = l
	}
	return n
}

// FailSafe is the command sent to a slave while a fault is active : quick stop,
// hold the actual position, no velocity, no torque and digital outputs off.
func FailSafe(rx pdo.ReceivedData) pdo.Command {
	return pdo.Command{
		ControlWord:     cia402.ControlQuickStop,
		ModeOfOperation: rx.ModeDisplay,
		TargetPosition:  rx.ActualPosition,
	}
}

// OnFault registers an observer called from the cyclic task when a fault is raised
func (n *Node) OnFault(observer func(*ecat.SafetyFault)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, observer)
}

// EmergencyStop latches a fault on the next cycle, it can be called from any goroutine
func (n *Node) EmergencyStop(reason string) {
	n.emergency.Store(&reason)
}

// Acknowledge arms the clearing of the active fault. It clears after the
// first cycle without violation, within the acknowledgement window.
func (n *Node) Acknowledge() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.latched == nil {
		return ErrNoFault
	}
	n.ackCycles = n.cfg.AckCycles
	n.counters.Acknowledged++
	n.logger.Infof("fault acknowledged : %v", n.latched)
	return nil
}

// Active returns the latched fault, nil when clean
func (n *Node) Active() *ecat.SafetyFault {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latched
}

// Clean is true when no fault is latched
func (n *Node) Clean() bool {
	return n.Active() == nil
}

func (n *Node) Counters() Counters {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.counters
	c.ByKind = make(map[ecat.SafetyKind]uint64, len(n.counters.ByKind))
	for k, v := range n.counters.ByKind {
		c.ByKind[k] = v
	}
	return c
}

// History of raised faults, oldest first
func (n *Node) History() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.history...)
}

// Validate checks the candidate outputs of a cycle and returns the outputs to
// transmit. The returned fault is only set on the cycle raising it.
func (n *Node) Validate(candidates []Output, in Inputs) ([]Output, *ecat.SafetyFault) {
	violations := n.check(candidates, in)

	n.mu.Lock()
	wasActive := n.latched != nil
	var raised *ecat.SafetyFault
	n.counters.Cycles++
	if len(violations) > 0 {
		n.counters.Violations++
		for _, v := range violations {
			n.counters.ByKind[v.Kind]++
		}
		if n.latched == nil {
			raised = violations[0]
			n.latched = raised
			n.counters.Faults++
			n.history = append(n.history, Event{Fault: raised, Cycle: in.Cycle, Time: in.Time})
			if len(n.history) > historySize {
				n.history = n.history[len(n.history)-historySize:]
			}
			n.logger.Errorf("%v, outputs forced to fail-safe", raised)
		}
	} else if n.latched != nil && n.ackCycles > 0 {
		n.logger.Infof("fault cleared after a clean cycle : %v", n.latched)
		n.latched = nil
		n.ackCycles = 0
		n.counters.Cleared++
		if len(n.history) > 0 {
			n.history[len(n.history)-1].Cleared = in.Time
		}
	}
	if n.ackCycles > 0 {
		n.ackCycles--
		if n.ackCycles == 0 && n.latched != nil {
			n.logger.Warnf("acknowledgement expired, violations still present")
		}
	}
	failSafe := wasActive || n.latched != nil
	if failSafe {
		n.counters.FailSafeCycles++
	}
	observers := n.observers
	n.mu.Unlock()

	if raised != nil {
		for _, observer := range observers {
			observer(raised)
		}
	}
	if !failSafe {
		return candidates, raised
	}
	outputs := make([]Output, len(candidates))
	for i, c := range candidates {
		rx, _ := in.received(c.Slave)
		outputs[i] = Output{Slave: c.Slave, Command: FailSafe(rx)}
	}
	return outputs, raised
}

// check returns every violation of the cycle, the most severe first
func (n *Node) check(candidates []Output, in Inputs) []*ecat.SafetyFault {
	violations := []*ecat.SafetyFault{}
	if reason := n.emergency.Swap(nil); reason != nil {
		n.mu.Lock()
		n.counters.EmergencyStops++
		n.mu.Unlock()
		violations = append(violations, ecat.NewSafetyFault(ecat.SafetyEmergencyStop, ecat.NoSlave, "%s", *reason))
	}
	if e := n.cfg.Emergency; e != nil {
		if rx, ok := in.received(e.Slave); ok && rx.Cycle != 0 {
			set := rx.DigitalInputs&(1<<e.Bit) != 0
			if set != e.ActiveLow {
				violations = append(violations, ecat.NewSafetyFault(ecat.SafetyEmergencyStop, e.Slave, "emergency switch pressed"))
			}
		}
	}
	for id, h := range in.Health {
		if h.Failures >= n.cfg.MaxFailures {
			violations = append(violations, ecat.NewSafetyFault(ecat.SafetyWatchdog, id,
				"%d consecutive communication failures, last : %s", h.Failures, h.LastError))
		}
	}
	if in.Streak >= n.cfg.StreakBudget {
		violations = append(violations, ecat.NewSafetyFault(ecat.SafetyOverrunStreak, ecat.NoSlave,
			"%d consecutive overruns", in.Streak))
	}
	for _, c := range candidates {
		limits, ok := n.limits[c.Slave]
		if !ok {
			continue
		}
		if rx, ok := in.received(c.Slave); ok && rx.Cycle != 0 && rx.StatusWord&cia402.StatusFault != 0 {
			violations = append(violations, ecat.NewSafetyFault(ecat.SafetyDriveFault, c.Slave,
				"drive fault, error code x%04x", rx.ErrorCode))
		}
		if v := checkLimits(c, limits); v != nil {
			violations = append(violations, v)
		}
	}
	return violations
}

func checkLimits(c Output, l AxisLimits) *ecat.SafetyFault {
	cmd := c.Command
	mode := cia402.Mode(cmd.ModeOfOperation)
	switch mode {
	case cia402.ModeProfilePosition, cia402.ModeCyclicSyncPosition:
		if l.MaxPosition > l.MinPosition && (cmd.TargetPosition < l.MinPosition || cmd.TargetPosition > l.MaxPosition) {
			return ecat.NewSafetyFault(ecat.SafetyLimitBreach, c.Slave,
				"target position %d outside [%d, %d]", cmd.TargetPosition, l.MinPosition, l.MaxPosition)
		}
	case cia402.ModeProfileVelocity, cia402.ModeCyclicSyncVelocity:
		if l.MaxVelocity > 0 && abs(int64(cmd.TargetVelocity)) > int64(l.MaxVelocity) {
			return ecat.NewSafetyFault(ecat.SafetyLimitBreach, c.Slave,
				"target velocity %d above %d", cmd.TargetVelocity, l.MaxVelocity)
		}
	}
	if l.MaxTorque > 0 && abs(int64(cmd.TargetTorque)) > int64(l.MaxTorque) {
		return ecat.NewSafetyFault(ecat.SafetyLimitBreach, c.Slave,
			"target torque %d above %d", cmd.TargetTorque, l.MaxTorque)
	}
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
