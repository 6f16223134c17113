// Package lifecycle holds the network state machine.
//
// The network goes Init → PreOperational → SafeOperational → Operational one
// state at a time, each promotion being committed only once every slave
// acknowledged it. Demotions are immediate. Communication faults trigger an
// automatic recovery with exponential backoff, after too many failed attempts
// the network ends in Error until it is reset.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/slave"
	log "github.com/sirupsen/logrus"
)

type State uint8

// Values are the EtherCAT AL state codes
const (
	Init            State = 0x01
	PreOperational  State = 0x02
	SafeOperational State = 0x04
	Operational     State = 0x08
	Error           State = 0x10
)

var stateMap = map[State]string{
	Init:            "INIT",
	PreOperational:  "PRE-OPERATIONAL",
	SafeOperational: "SAFE-OPERATIONAL",
	Operational:     "OPERATIONAL",
	Error:           "ERROR",
}

func (s State) String() string {
	if desc, ok := stateMap[s]; ok {
		return desc
	}
	return fmt.Sprintf("State(x%x)", uint8(s))
}

// ALState is the AL state slaves are driven to, slaves are kept in INIT while in Error
func (s State) ALState() slave.ALState {
	if s == Error {
		return slave.ALInit
	}
	return slave.ALState(s)
}

// Next state of the promotion sequence, 0 if there is none
func (s State) Next() State {
	switch s {
	case Init:
		return PreOperational
	case PreOperational:
		return SafeOperational
	case SafeOperational:
		return Operational
	}
	return 0
}

func StateFromString(s string) (State, error) {
	for state, desc := range stateMap {
		if desc == s {
			return state, nil
		}
	}
	return 0, fmt.Errorf("%w : unknown state %q", ecat.ErrIllegalArgument, s)
}

var (
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrSafetyActive      = errors.New("a safety fault is active")
	ErrPromotionPending  = errors.New("another promotion is pending")
	ErrStateLost         = errors.New("slaves left the network state")
)

const (
	DefaultPromoteTimeout   = 2 * time.Second
	DefaultRecoveryAttempts = 3
	DefaultRecoveryBackoff  = 100 * time.Millisecond
	DefaultMaxBackoff       = 2 * time.Second
)

type Config struct {
	// Maximum time for every slave to acknowledge a promotion
	PromoteTimeout time.Duration
	// Failed recovery attempts before going to Error
	RecoveryAttempts int
	// Delay before the first recovery attempt, doubled on each failure
	RecoveryBackoff time.Duration
	MaxBackoff      time.Duration
}

func (c *Config) applyDefaults() {
	if c.PromoteTimeout <= 0 {
		c.PromoteTimeout = DefaultPromoteTimeout
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = DefaultRecoveryAttempts
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = DefaultRecoveryBackoff
	}
	if c.MaxBackoff < c.RecoveryBackoff {
		c.MaxBackoff = max(DefaultMaxBackoff, c.RecoveryBackoff)
	}
}

type Counters struct {
	Promotions       uint64
	Demotions        uint64
	PromoteTimeouts  uint64
	Recoveries       uint64
	RecoveryFailures uint64
}

// Fault is the last reason of a demotion
type Fault struct {
	From   State
	To     State
	Reason string
	Err    error
	Time   time.Time
}

type recovery struct {
	active   bool
	target   State
	attempts int
	// attempt in progress, a fault ends it
	running bool
	// zero until scheduled by Process
	next time.Time
}

type Lifecycle struct {
	mu           sync.Mutex
	logger       *log.Entry
	cfg          Config
	state        State
	pending      State
	pendingSince time.Time
	// state was not acknowledged by every slave since
	lostSince   time.Time
	safetyClean bool
	recovery    recovery
	lastFault   *Fault
	counters    Counters
	callbacks   []func(prev, next State)
	now         func() time.Time
}

func New(cfg Config, logger *log.Logger) *Lifecycle {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg.applyDefaults()
	return &Lifecycle{
		logger:      logger.WithField("service", "[LIFECYCLE]"),
		cfg:         cfg,
		state:       Init,
		safetyClean: true,
		now:         time.Now,
	}
}

// OnChange registers a callback called on every state change, outside of the lifecycle lock
func (l *Lifecycle) OnChange(callback func(prev, next State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, callback)
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Pending returns the promotion waiting for acknowledgement, 0 if none
func (l *Lifecycle) Pending() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

func (l *Lifecycle) LastFault() *Fault {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastFault == nil {
		return nil
	}
	fault := *l.lastFault
	return &fault
}

func (l *Lifecycle) Counters() Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters
}

// Recovering returns true while an automatic recovery is in progress
func (l *Lifecycle) Recovering() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recovery.active
}

// RequestPromote asks for the next state. It is committed by [Lifecycle.Process]
// once every slave acknowledged it.
func (l *Lifecycle) RequestPromote(target State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkPromote(target); err != nil {
		return err
	}
	if l.pending == target {
		return nil
	}
	if l.pending != 0 {
		return fmt.Errorf("%w : %v", ErrPromotionPending, l.pending)
	}
	// an explicit request takes over the automatic recovery
	l.recovery = recovery{}
	l.promote(target)
	return nil
}

func (l *Lifecycle) checkPromote(target State) error {
	if l.state == Error {
		return fmt.Errorf("%w : reset required from %v", ErrInvalidTransition, l.state)
	}
	if target != l.state.Next() {
		return fmt.Errorf("%w : %v ==> %v", ErrInvalidTransition, l.state, target)
	}
	if target == Operational && !l.safetyClean {
		return ErrSafetyActive
	}
	return nil
}

func (l *Lifecycle) promote(target State) {
	l.logger.Infof("promotion requested | %v ==> %v", l.state, target)
	l.pending = target
	l.pendingSince = time.Time{}
}

// RequestDemote goes down to target immediately
func (l *Lifecycle) RequestDemote(target State, reason string) error {
	l.mu.Lock()
	if l.state == Error || target == Error || target >= l.state || stateMap[target] == "" {
		l.mu.Unlock()
		return fmt.Errorf("%w : %v ==> %v", ErrInvalidTransition, l.state, target)
	}
	l.recovery = recovery{}
	changed := l.demote(target, reason, nil)
	l.mu.Unlock()
	l.notify(changed)
	return nil
}

// Demote reacts to a fault. Communication faults fall back one level and start
// a recovery, safety faults go to SafeOperational, anything else goes to Init.
func (l *Lifecycle) Demote(err error) {
	l.mu.Lock()
	changed := l.handleFault(err)
	l.mu.Unlock()
	l.notify(changed)
}

func (l *Lifecycle) handleFault(err error) []transition {
	var commErr *ecat.CommError
	var safetyFault *ecat.SafetyFault
	switch {
	case l.state == Error:
		return nil

	case errors.As(err, &safetyFault):
		l.recovery = recovery{}
		if l.state > SafeOperational {
			return l.demote(SafeOperational, "safety fault", err)
		}
		l.record(l.state, "safety fault", err)
		return nil

	case errors.As(err, &commErr) && commErr.Kind != ecat.CommLinkDown && commErr.Kind != ecat.CommSlaveCount:
		if l.recovery.active {
			if !l.recovery.running {
				// still backing off
				return nil
			}
			l.pending = 0
			return l.failAttempt(err)
		}
		return l.fallback("communication fault", err)

	default:
		l.recovery = recovery{}
		if l.state == Init {
			l.record(l.state, "unrecoverable fault", err)
			return nil
		}
		return l.demote(Init, "unrecoverable fault", err)
	}
}

// Reset leaves Error, the network restarts from Init
func (l *Lifecycle) Reset() error {
	l.mu.Lock()
	if l.state != Error {
		l.mu.Unlock()
		return fmt.Errorf("%w : reset only from %v", ErrInvalidTransition, Error)
	}
	l.recovery = recovery{}
	l.pending = 0
	l.lostSince = time.Time{}
	changed := l.set(Init)
	l.logger.Infof("reset")
	l.mu.Unlock()
	l.notify(changed)
	return nil
}

type transition struct {
	prev State
	next State
}

func (l *Lifecycle) set(next State) []transition {
	prev := l.state
	if prev == next {
		return nil
	}
	l.state = next
	l.lostSince = time.Time{}
	return []transition{{prev, next}}
}

func (l *Lifecycle) record(to State, reason string, err error) {
	l.lastFault = &Fault{From: l.state, To: to, Reason: reason, Err: err, Time: l.now()}
}

func (l *Lifecycle) demote(target State, reason string, err error) []transition {
	l.record(target, reason, err)
	l.pending = 0
	if target >= l.state {
		return nil
	}
	l.counters.Demotions++
	if err != nil {
		l.logger.Warnf("demoting | %v ==> %v : %v : %v", l.state, target, reason, err)
	} else {
		l.logger.Infof("demoting | %v ==> %v : %v", l.state, target, reason)
	}
	return l.set(target)
}

// Operational falls back to SafeOperational, lower states go through Init again.
// The current state is recovered afterwards.
func (l *Lifecycle) fallback(reason string, err error) []transition {
	if l.state == Init {
		l.record(l.state, reason, err)
		return nil
	}
	target := l.state
	to := Init
	if target > SafeOperational {
		to = SafeOperational
	}
	changed := l.demote(to, reason, err)
	l.logger.Infof("recovery to %v scheduled", target)
	l.recovery = recovery{active: true, target: target}
	return changed
}

func (l *Lifecycle) backoff() time.Duration {
	delay := l.cfg.RecoveryBackoff
	for i := 1; i < l.recovery.attempts && delay < l.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	return min(delay, l.cfg.MaxBackoff)
}

func (l *Lifecycle) failAttempt(err error) []transition {
	l.recovery.attempts++
	l.recovery.running = false
	l.recovery.next = time.Time{}
	l.counters.RecoveryFailures++
	if l.recovery.attempts >= l.cfg.RecoveryAttempts {
		l.logger.Errorf("recovery to %v failed after %d attempts", l.recovery.target, l.recovery.attempts)
		l.recovery = recovery{}
		l.counters.Demotions++
		l.record(Error, "recovery failed", err)
		return l.set(Error)
	}
	l.logger.Warnf("recovery attempt %d/%d failed : %v", l.recovery.attempts, l.cfg.RecoveryAttempts, err)
	if l.state > SafeOperational {
		return l.demote(SafeOperational, "recovery attempt failed", err)
	}
	return nil
}

// Process commits pending promotions, runs recovery and enforces that
// Operational is never held without a clean safety validation.
// acked reports whether every slave acknowledged a state.
func (l *Lifecycle) Process(now time.Time, acked func(State) bool, safetyClean bool) {
	l.mu.Lock()
	changed := l.process(now, acked, safetyClean)
	l.mu.Unlock()
	l.notify(changed)
}

func (l *Lifecycle) process(now time.Time, acked func(State) bool, safetyClean bool) []transition {
	l.safetyClean = safetyClean
	if l.state == Operational && !safetyClean {
		l.recovery = recovery{}
		return l.demote(SafeOperational, "safety not clean", ErrSafetyActive)
	}

	if l.pending != 0 {
		if l.pendingSince.IsZero() {
			l.pendingSince = now
		}
		switch {
		case l.pending == Operational && !safetyClean:
			l.logger.Warnf("promotion to %v abandoned : %v", l.pending, ErrSafetyActive)
			l.pending = 0
		case acked(l.pending):
			l.counters.Promotions++
			l.logger.Infof("state changed | %v ==> %v", l.state, l.pending)
			changed := l.set(l.pending)
			l.pending = 0
			l.recovery.running = false
			switch {
			case l.recovery.active && l.state == l.recovery.target:
				l.logger.Infof("recovered to %v", l.state)
				l.counters.Recoveries++
				l.recovery = recovery{}
			case l.recovery.active:
				// next step right away
				l.recovery.next = now
			}
			return changed
		case now.Sub(l.pendingSince) > l.cfg.PromoteTimeout:
			l.counters.PromoteTimeouts++
			target := l.pending
			l.pending = 0
			err := fmt.Errorf("%w : promotion to %v not acknowledged within %v", ecat.ErrTimeout, target, l.cfg.PromoteTimeout)
			l.logger.Warnf("%v", err)
			if l.recovery.active {
				return l.failAttempt(err)
			}
			l.record(l.state, "promotion timeout", err)
		}
		return nil
	}

	if l.recovery.active {
		if l.recovery.next.IsZero() {
			l.recovery.next = now.Add(l.backoff())
		}
		if now.Before(l.recovery.next) {
			return nil
		}
		next := l.state.Next()
		if next == Operational && !safetyClean {
			return nil
		}
		l.recovery.running = true
		l.promote(next)
		return nil
	}

	// Slaves falling out of the committed state on their own
	if l.state != Init && l.state != Error {
		if acked(l.state) {
			l.lostSince = time.Time{}
		} else if l.lostSince.IsZero() {
			l.lostSince = now
		} else if now.Sub(l.lostSince) > l.cfg.PromoteTimeout {
			return l.fallback("state lost", fmt.Errorf("%w : %v", ErrStateLost, l.state))
		}
	}
	return nil
}

func (l *Lifecycle) notify(changed []transition) {
	if len(changed) == 0 {
		return
	}
	l.mu.Lock()
	callbacks := make([]func(prev, next State), len(l.callbacks))
	copy(callbacks, l.callbacks)
	l.mu.Unlock()
	for _, t := range changed {
		for _, callback := range callbacks {
			callback(t.prev, t.next)
		}
	}
}
