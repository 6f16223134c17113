package controller

import (
	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/cia402"
)

// Params is the command payload of one drive mode. Exactly one is active per axis.
type Params interface {
	Mode() cia402.Mode
	// static limit check, done before anything is sent
	check(axis string, limits Limits, actual int32) error
}

// Supported homing methods
const (
	HomingSwitchPositive int8 = 19
	HomingSwitchNegative int8 = 21
	HomingCurrentIndex   int8 = 35
	HomingCurrentPos     int8 = 37
)

// HomingParam runs the homing method of the drive
type HomingParam struct {
	Method int8
	// Search speed for the switch and approach speed to zero
	SwitchSpeed  uint32
	ZeroSpeed    uint32
	Acceleration uint32
	// Position value given to the home position
	Offset int32
}

func (HomingParam) Mode() cia402.Mode { return cia402.ModeHoming }

func (p HomingParam) check(axis string, l Limits, _ int32) error {
	switch p.Method {
	case HomingSwitchPositive, HomingSwitchNegative, HomingCurrentIndex, HomingCurrentPos:
	default:
		return ecat.NewControlError(ecat.ControlInvalidParameter, axis, "homing method %d not supported", p.Method)
	}
	if err := l.checkVelocity(axis, int64(p.SwitchSpeed)); err != nil {
		return err
	}
	if err := l.checkVelocity(axis, int64(p.ZeroSpeed)); err != nil {
		return err
	}
	if err := l.checkAcceleration(axis, p.Acceleration, true); err != nil {
		return err
	}
	return l.checkPosition(axis, int64(p.Offset))
}

// ProfilePosParam moves to a target with a trapezoidal profile
type ProfilePosParam struct {
	TargetPosition int32
	// TargetPosition is relative to the actual position
	Relative              bool
	ProfileVelocity       uint32
	MaxProfileVelocity    uint32
	Acceleration          uint32
	Deceleration          uint32
	QuickStopDeceleration uint32
	MotionProfileType     int16
	// Tolerated difference between setpoint and actual position, 0 for none
	FollowingErrorWindow uint32
}

func (ProfilePosParam) Mode() cia402.Mode { return cia402.ModeProfilePosition }

// Velocity of the profile, bounded by the max profile velocity
func (p ProfilePosParam) velocity() uint32 {
	if p.MaxProfileVelocity > 0 {
		return min(p.ProfileVelocity, p.MaxProfileVelocity)
	}
	return p.ProfileVelocity
}

func (p ProfilePosParam) target(actual int32) int64 {
	if p.Relative {
		return int64(actual) + int64(p.TargetPosition)
	}
	return int64(p.TargetPosition)
}

func (p ProfilePosParam) check(axis string, l Limits, actual int32) error {
	if err := l.checkPosition(axis, p.target(actual)); err != nil {
		return err
	}
	if p.velocity() == 0 {
		return ecat.NewControlError(ecat.ControlInvalidParameter, axis, "profile velocity is zero")
	}
	if err := l.checkVelocity(axis, int64(p.velocity())); err != nil {
		return err
	}
	if err := l.checkAcceleration(axis, p.Acceleration, false); err != nil {
		return err
	}
	return l.checkAcceleration(axis, p.Deceleration, false)
}

// VelControlParam are the velocity loop gains of the drive
type VelControlParam struct {
	Kp uint16
	Ki uint16
}

// ProfileVelocityParam ramps to a target velocity
type ProfileVelocityParam struct {
	TargetVelocity        int32
	Acceleration          uint32
	Deceleration          uint32
	MaxProfileVelocity    uint32
	QuickStopDeceleration uint32
	MotionProfileType     int16
	// Velocity loop gains written at configuration when set
	Gains *VelControlParam
}

func (ProfileVelocityParam) Mode() cia402.Mode { return cia402.ModeProfileVelocity }

func (p ProfileVelocityParam) check(axis string, l Limits, _ int32) error {
	if err := l.checkVelocity(axis, int64(p.TargetVelocity)); err != nil {
		return err
	}
	if p.MaxProfileVelocity > 0 && abs64(int64(p.TargetVelocity)) > int64(p.MaxProfileVelocity) {
		return ecat.NewControlError(ecat.ControlLimitViolation, axis, "velocity %d above max profile velocity %d", p.TargetVelocity, p.MaxProfileVelocity)
	}
	if err := l.checkAcceleration(axis, p.Acceleration, false); err != nil {
		return err
	}
	return l.checkAcceleration(axis, p.Deceleration, false)
}

// CSPositionModeParam passes a position setpoint every cycle
type CSPositionModeParam struct {
	TargetPosition int32
	// Interpolation period in ms written to the drive, 1 by default
	InterpolationPeriod  uint8
	FollowingErrorWindow uint32
}

func (CSPositionModeParam) Mode() cia402.Mode { return cia402.ModeCyclicSyncPosition }

func (p CSPositionModeParam) check(axis string, l Limits, _ int32) error {
	return l.checkPosition(axis, int64(p.TargetPosition))
}

// CSVelocityModeParam passes a velocity setpoint every cycle
type CSVelocityModeParam struct {
	TargetVelocity int32
	VelControlParam
	InterpolationPeriod uint8
}

func (CSVelocityModeParam) Mode() cia402.Mode { return cia402.ModeCyclicSyncVelocity }

func (p CSVelocityModeParam) check(axis string, l Limits, _ int32) error {
	return l.checkVelocity(axis, int64(p.TargetVelocity))
}

// CSTorqueModeParam passes a torque setpoint every cycle, in per mille of rated torque
type CSTorqueModeParam struct {
	TargetTorque        int16
	InterpolationPeriod uint8
}

func (CSTorqueModeParam) Mode() cia402.Mode { return cia402.ModeCyclicSyncTorque }

func (p CSTorqueModeParam) check(axis string, l Limits, _ int32) error {
	return l.checkTorque(axis, int64(p.TargetTorque))
}

// Limits of an axis. Zero values disable the corresponding check.
type Limits struct {
	// Travel range, only checked when MaxPosition > MinPosition
	MinPosition     int32
	MaxPosition     int32
	MaxVelocity     uint32
	MaxAcceleration uint32
	MaxTorque       int16
}

func (l Limits) hasTravel() bool {
	return l.MaxPosition > l.MinPosition
}

func (l Limits) checkPosition(axis string, position int64) error {
	if l.hasTravel() && (position < int64(l.MinPosition) || position > int64(l.MaxPosition)) {
		return ecat.NewControlError(ecat.ControlLimitViolation, axis,
			"position %d outside travel [%d, %d]", position, l.MinPosition, l.MaxPosition)
	}
	return nil
}

func (l Limits) checkVelocity(axis string, velocity int64) error {
	if l.MaxVelocity > 0 && abs64(velocity) > int64(l.MaxVelocity) {
		return ecat.NewControlError(ecat.ControlLimitViolation, axis, "velocity %d above %d", velocity, l.MaxVelocity)
	}
	return nil
}

// A zero acceleration means immediate, only allowed when optional
func (l Limits) checkAcceleration(axis string, acceleration uint32, optional bool) error {
	if acceleration == 0 && !optional {
		return ecat.NewControlError(ecat.ControlInvalidParameter, axis, "acceleration is zero")
	}
	if l.MaxAcceleration > 0 && acceleration > l.MaxAcceleration {
		return ecat.NewControlError(ecat.ControlLimitViolation, axis, "acceleration %d above %d", acceleration, l.MaxAcceleration)
	}
	return nil
}

func (l Limits) checkTorque(axis string, torque int64) error {
	if l.MaxTorque > 0 && abs64(torque) > int64(l.MaxTorque) {
		return ecat.NewControlError(ecat.ControlLimitViolation, axis, "torque %d above %d", torque, l.MaxTorque)
	}
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
