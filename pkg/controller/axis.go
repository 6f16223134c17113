// Package controller computes the setpoints of CiA402 drives.
//
// An [Axis] drives one slave. Exactly one mode is active per axis, selected
// with [Axis.SetMode] and retargeted with [Axis.Update]. Both check the
// parameters against the static limits of the axis and fail with a
// ControlError before anything is sent. [Axis.Step] is called once per cycle
// by the cyclic task with the latest inputs of the slave and returns the
// outputs for the next exchange.
//
// Profile position and profile velocity are generated locally and streamed to
// the drive in cyclic synchronous position and velocity.
package controller

import (
	"errors"
	"math"
	"sync"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/pdo"
	log "github.com/sirupsen/logrus"
)

var ErrHomingFailed = errors.New("homing failed")

// Number of cycles between a command and the inputs reflecting it
const statusLatency = 2

const (
	statusHomingAttained = cia402.StatusSetpointAck
	statusHomingError    = cia402.StatusFollowingError
	controlHomingStart   = cia402.ControlNewSetpoint
)

type AxisConfig struct {
	Name   string
	Slave  int
	Limits Limits
	// Cycle period used by the profile generators, 1ms by default
	Period time.Duration
}

// Status is a snapshot of an axis, published after every step
type Status struct {
	Name        string
	Slave       int
	Mode        cia402.Mode
	DriveState  cia402.State
	Enabled     bool
	Homed       bool
	Homing      bool
	HomingError bool
	AtRest      bool
	// Cycles where a setpoint was limited
	Clamps   uint64
	Command  pdo.Command
	Position int32
	Velocity int32
	Torque   int16
	Cycle    uint64
}

type homing struct {
	running bool
	started bool
	// cycles since the start was sent
	cycles  int
	cleared bool
}

type Axis struct {
	logger *log.Entry
	cfg    AxisConfig
	dt     float64

	mu     sync.Mutex
	status Status
	// last accepted parameters and the ones not yet taken by the cyclic task
	params     Params
	next       Params
	faultReset bool

	// owned by the cyclic task
	active   Params
	traj     *trapezoid
	ppTarget float64
	vel      ramp
	homing   homing
	setpoint float64
	moving   bool
	command  pdo.Command
	clamped  bool
	clamps   uint64
	homed    bool
	homeErr  bool
}

func NewAxis(cfg AxisConfig, logger *log.Logger) *Axis {
	if cfg.Period <= 0 {
		cfg.Period = time.Millisecond
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	a := &Axis{
		logger: logger.WithField("service", "[AXIS]").WithField("axis", cfg.Name),
		cfg:    cfg,
		dt:     cfg.Period.Seconds(),
		traj:   newTrapezoid(0, 0),
	}
	a.status = Status{Name: cfg.Name, Slave: cfg.Slave, AtRest: true}
	return a
}

func (a *Axis) Name() string {
	return a.cfg.Name
}

func (a *Axis) Slave() int {
	return a.cfg.Slave
}

func (a *Axis) Limits() Limits {
	return a.cfg.Limits
}

// mode selected last, possibly not applied yet
func (a *Axis) currentMode() cia402.Mode {
	if a.params == nil {
		return cia402.ModeNone
	}
	return a.params.Mode()
}

// SetMode selects the active mode of the axis. Changing mode requires the
// axis to be at rest, except for homing which can start from any mode.
func (a *Axis) SetMode(p Params) error {
	if p == nil {
		return ecat.NewControlError(ecat.ControlInvalidParameter, a.cfg.Name, "no parameters")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := p.check(a.cfg.Name, a.cfg.Limits, a.status.Position); err != nil {
		return err
	}
	current := a.currentMode()
	if p.Mode() != current && p.Mode() != cia402.ModeHoming && !a.atRestLocked() {
		return ecat.NewControlError(ecat.ControlInvalidTransition, a.cfg.Name,
			"cannot switch from %v to %v while moving", current, p.Mode())
	}
	a.logger.Infof("mode %v selected (was %v)", p.Mode(), current)
	a.params = p
	a.next = p
	return nil
}

// Update changes the parameters of the active mode
func (a *Axis) Update(p Params) error {
	if p == nil {
		return ecat.NewControlError(ecat.ControlInvalidParameter, a.cfg.Name, "no parameters")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if p.Mode() != a.currentMode() {
		return ecat.NewControlError(ecat.ControlInvalidTransition, a.cfg.Name,
			"update for %v but %v is active", p.Mode(), a.currentMode())
	}
	if p.Mode() == cia402.ModeHoming {
		return ecat.NewControlError(ecat.ControlInvalidTransition, a.cfg.Name, "homing is restarted with SetMode")
	}
	if err := p.check(a.cfg.Name, a.cfg.Limits, a.status.Position); err != nil {
		return err
	}
	a.params = p
	a.next = p
	return nil
}

// Params returns the last accepted parameters, nil when no mode was selected
func (a *Axis) Params() Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

// ResetFault sends a fault reset on the next step, when the drive is in fault
func (a *Axis) ResetFault() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faultReset = true
}

func (a *Axis) atRestLocked() bool {
	if a.next != nil {
		// not started yet
		return a.status.AtRest && a.next.Mode() != cia402.ModeHoming
	}
	return a.status.AtRest
}

// AtRest is true when the commanded velocity and torque are zero
func (a *Axis) AtRest() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.atRestLocked()
}

func (a *Axis) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Step computes the outputs of the axis from its latest inputs. The returned
// error signals a limited setpoint or a failed homing, the returned command
// is valid in every case.
func (a *Axis) Step(rx pdo.ReceivedData) (pdo.Command, error) {
	a.mu.Lock()
	next := a.next
	a.next = nil
	faultReset := a.faultReset
	a.faultReset = false
	a.mu.Unlock()

	var err error
	if next != nil {
		a.activate(next, rx)
	}
	state := cia402.Decode(rx.StatusWord)
	enabled := state == cia402.OperationEnabled
	cmd := pdo.Command{TargetPosition: rx.ActualPosition}
	switch {
	case a.active == nil:
		cmd.ControlWord = cia402.ControlDisableVoltage
	case state == cia402.Fault || state == cia402.FaultReactionActive:
		// a fault is only reset on request
		if faultReset {
			a.logger.Infof("resetting drive fault x%04x", rx.ErrorCode)
			cmd.ControlWord = cia402.ControlFaultReset
		}
	case !enabled:
		cmd.ControlWord = cia402.EnableSequence(state)
	}
	cmd.ModeOfOperation = int8(driveMode(a.mode()))
	if enabled && a.active != nil {
		cmd, err = a.run(rx)
	} else {
		a.hold(rx)
	}
	a.command = cmd
	a.publish(rx, state, enabled)
	return cmd, err
}

func (a *Axis) mode() cia402.Mode {
	if a.active == nil {
		return cia402.ModeNone
	}
	return a.active.Mode()
}

// Mode sent to the drive for a mode of the axis
func driveMode(m cia402.Mode) cia402.Mode {
	switch m {
	case cia402.ModeProfilePosition:
		return cia402.ModeCyclicSyncPosition
	case cia402.ModeProfileVelocity:
		return cia402.ModeCyclicSyncVelocity
	}
	return m
}

func (a *Axis) activate(p Params, rx pdo.ReceivedData) {
	retarget := a.active != nil && a.active.Mode() == p.Mode()
	if !retarget {
		a.hold(rx)
		a.homing = homing{}
	}
	a.active = p
	switch p := p.(type) {
	case HomingParam:
		a.homing = homing{running: true}
		a.homed = false
		a.homeErr = false
	case ProfilePosParam:
		a.ppTarget = float64(p.target(rx.ActualPosition))
		a.traj.retarget(a.ppTarget, float64(p.velocity()), float64(p.Acceleration), float64(p.Deceleration))
	case ProfileVelocityParam:
		a.vel.target = float64(p.TargetVelocity)
		a.vel.acceleration = float64(p.Acceleration)
		a.vel.deceleration = float64(p.Deceleration)
	}
}

// hold resets the generators on the actual position of the drive
func (a *Axis) hold(rx pdo.ReceivedData) {
	position := float64(rx.ActualPosition)
	a.traj = newTrapezoid(position, 0)
	a.vel = ramp{}
	a.setpoint = position
	a.moving = false
	if a.homing.running && a.homing.started {
		a.logger.Warn("homing interrupted")
		a.homing = homing{running: true}
	}
	if p, ok := a.active.(ProfilePosParam); ok {
		// restarts from the actual position once enabled
		a.traj.retarget(a.ppTarget, float64(p.velocity()), float64(p.Acceleration), float64(p.Deceleration))
	}
	if p, ok := a.active.(ProfileVelocityParam); ok {
		a.vel = ramp{target: float64(p.TargetVelocity), acceleration: float64(p.Acceleration), deceleration: float64(p.Deceleration)}
	}
}

func (a *Axis) run(rx pdo.ReceivedData) (pdo.Command, error) {
	cmd := pdo.Command{
		ControlWord:     cia402.ControlEnableOperation,
		ModeOfOperation: int8(driveMode(a.mode())),
		TargetPosition:  rx.ActualPosition,
	}
	limits := a.cfg.Limits
	clamped := false
	var err error

	switch p := a.active.(type) {
	case HomingParam:
		cmd.ControlWord, err = a.home(rx)

	case ProfilePosParam:
		a.traj.step(a.dt)
		cmd.TargetPosition = round32(a.traj.position)

	case ProfileVelocityParam:
		a.vel.step(a.dt)
		cmd.TargetVelocity = round32(a.vel.velocity)

	case CSPositionModeParam:
		target := float64(p.TargetPosition)
		if limits.MaxVelocity > 0 {
			maxStep := float64(limits.MaxVelocity) * a.dt
			if math.Abs(target-a.setpoint) > maxStep {
				target = a.setpoint + math.Copysign(maxStep, target-a.setpoint)
				clamped = true
			}
		}
		a.moving = target != a.setpoint
		a.setpoint = target
		cmd.TargetPosition = round32(target)

	case CSVelocityModeParam:
		target := float64(p.TargetVelocity)
		previous := float64(a.command.TargetVelocity)
		if limits.MaxAcceleration > 0 {
			maxDelta := float64(limits.MaxAcceleration) * a.dt
			if math.Abs(target-previous) > maxDelta {
				target = previous + math.Copysign(maxDelta, target-previous)
				clamped = true
			}
		}
		cmd.TargetVelocity = round32(target)

	case CSTorqueModeParam:
		cmd.TargetTorque = p.TargetTorque
	}

	// travel range is enforced on every position setpoint
	if limits.hasTravel() && usesPosition(a.mode()) {
		if cmd.TargetPosition < limits.MinPosition || cmd.TargetPosition > limits.MaxPosition {
			cmd.TargetPosition = max(limits.MinPosition, min(limits.MaxPosition, cmd.TargetPosition))
			clamped = true
		}
	}
	if clamped {
		a.clamps++
		if !a.clamped {
			a.logger.Debugf("%v setpoint limited", a.mode())
			if err == nil {
				err = ecat.NewControlError(ecat.ControlLimitViolation, a.cfg.Name, "%v setpoint limited", a.mode())
			}
		}
	}
	a.clamped = clamped
	return cmd, err
}

func usesPosition(m cia402.Mode) bool {
	return m == cia402.ModeProfilePosition || m == cia402.ModeCyclicSyncPosition
}

// home runs the homing handshake, the method itself is executed by the drive
func (a *Axis) home(rx pdo.ReceivedData) (uint16, error) {
	h := &a.homing
	if !h.running {
		return cia402.ControlEnableOperation, nil
	}
	if !h.started {
		// the start is the rising edge of bit 4, it must be low first
		if a.command.ControlWord&controlHomingStart != 0 || cia402.Mode(a.command.ModeOfOperation) != cia402.ModeHoming {
			return cia402.ControlEnableOperation, nil
		}
		h.started = true
		h.cycles = 0
		a.logger.Info("homing started")
		return cia402.ControlEnableOperation | controlHomingStart, nil
	}
	h.cycles++
	attained := rx.StatusWord&statusHomingAttained != 0
	failed := rx.StatusWord&statusHomingError != 0
	if !attained && !failed {
		h.cleared = true
	}
	// bits may still describe a previous homing
	if !h.cleared && h.cycles < statusLatency {
		return cia402.ControlEnableOperation | controlHomingStart, nil
	}
	switch {
	case failed:
		*h = homing{}
		a.homeErr = true
		a.logger.Warnf("homing failed, status x%04x", rx.StatusWord)
		return cia402.ControlEnableOperation, ErrHomingFailed
	case attained:
		*h = homing{}
		a.homed = true
		a.logger.Infof("homing done at %d", rx.ActualPosition)
		return cia402.ControlEnableOperation, nil
	}
	return cia402.ControlEnableOperation | controlHomingStart, nil
}

func (a *Axis) atRest() bool {
	switch a.active.(type) {
	case nil:
		return true
	case HomingParam:
		return !a.homing.running
	case ProfilePosParam:
		return a.traj.done
	case ProfileVelocityParam:
		return a.vel.velocity == 0
	case CSPositionModeParam:
		return !a.moving
	case CSVelocityModeParam:
		return a.command.TargetVelocity == 0
	case CSTorqueModeParam:
		return a.command.TargetTorque == 0
	}
	return true
}

func (a *Axis) publish(rx pdo.ReceivedData, state cia402.State, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = Status{
		Name:        a.cfg.Name,
		Slave:       a.cfg.Slave,
		Mode:        a.mode(),
		DriveState:  state,
		Enabled:     enabled,
		Homed:       a.homed,
		Homing:      a.homing.running,
		HomingError: a.homeErr,
		AtRest:      !enabled || a.atRest(),
		Clamps:      a.clamps,
		Command:     a.command,
		Position:    rx.ActualPosition,
		Velocity:    rx.ActualVelocity,
		Torque:      rx.ActualTorque,
		Cycle:       rx.Cycle,
	}
}

func round32(v float64) int32 {
	return int32(max(math.MinInt32, min(math.MaxInt32, math.Round(v))))
}
