package controller

import (
	"math"

	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/sdo"
)

type requests struct {
	slave int
	list  []sdo.Request
}

// values are always of the right type, an error would be a programming error
func (r *requests) write(index uint16, subindex uint8, dataType uint8, value any) {
	req, err := sdo.NewWrite(r.slave, index, subindex, dataType, value)
	if err != nil {
		panic(err)
	}
	r.list = append(r.list, req)
}

func (r *requests) interpolation(period uint8) {
	if period == 0 {
		period = 1
	}
	r.write(od.IndexInterpolationTime, od.SubIndexInterpolationPeriod, od.UNSIGNED8, period)
	r.write(od.IndexInterpolationTime, od.SubIndexInterpolationIndex, od.INTEGER8, int8(-3))
}

func (r *requests) gains(g VelControlParam) {
	r.write(od.IndexVelocityControlGains, od.SubIndexVelocityGainP, od.UNSIGNED16, g.Kp)
	r.write(od.IndexVelocityControlGains, od.SubIndexVelocityGainI, od.UNSIGNED16, g.Ki)
}

// StartupRequests returns the dictionary writes configuring the drive for
// the selected mode. They are expected to complete before the mode runs.
func (a *Axis) StartupRequests(slaveID int) []sdo.Request {
	p := a.Params()
	if p == nil {
		return nil
	}
	r := &requests{slave: slaveID}
	r.write(od.IndexModeOfOperation, 0, od.INTEGER8, int8(driveMode(p.Mode())))
	switch p := p.(type) {
	case HomingParam:
		r.write(od.IndexHomingMethod, 0, od.INTEGER8, p.Method)
		r.write(od.IndexHomingSpeeds, od.SubIndexHomingSpeedSwitch, od.UNSIGNED32, p.SwitchSpeed)
		r.write(od.IndexHomingSpeeds, od.SubIndexHomingSpeedZero, od.UNSIGNED32, p.ZeroSpeed)
		r.write(od.IndexHomingAcceleration, 0, od.UNSIGNED32, p.Acceleration)
		r.write(od.IndexHomeOffset, 0, od.INTEGER32, p.Offset)

	case ProfilePosParam:
		r.interpolation(1)
		r.write(od.IndexProfileVelocity, 0, od.UNSIGNED32, p.ProfileVelocity)
		if p.MaxProfileVelocity > 0 {
			r.write(od.IndexMaxProfileVelocity, 0, od.UNSIGNED32, p.MaxProfileVelocity)
		}
		r.write(od.IndexProfileAcceleration, 0, od.UNSIGNED32, p.Acceleration)
		r.write(od.IndexProfileDeceleration, 0, od.UNSIGNED32, p.Deceleration)
		r.write(od.IndexQuickStopDeceleration, 0, od.UNSIGNED32, quickStop(p.QuickStopDeceleration, p.Deceleration))
		r.write(od.IndexMotionProfileType, 0, od.INTEGER16, p.MotionProfileType)
		if p.FollowingErrorWindow > 0 {
			r.write(od.IndexFollowingErrorWindow, 0, od.UNSIGNED32, p.FollowingErrorWindow)
		}

	case ProfileVelocityParam:
		r.interpolation(1)
		r.write(od.IndexProfileAcceleration, 0, od.UNSIGNED32, p.Acceleration)
		r.write(od.IndexProfileDeceleration, 0, od.UNSIGNED32, p.Deceleration)
		r.write(od.IndexQuickStopDeceleration, 0, od.UNSIGNED32, quickStop(p.QuickStopDeceleration, p.Deceleration))
		r.write(od.IndexMotionProfileType, 0, od.INTEGER16, p.MotionProfileType)
		if p.MaxProfileVelocity > 0 {
			r.write(od.IndexMaxProfileVelocity, 0, od.UNSIGNED32, p.MaxProfileVelocity)
		}
		if p.Gains != nil {
			r.gains(*p.Gains)
		}

	case CSPositionModeParam:
		r.interpolation(p.InterpolationPeriod)
		if p.FollowingErrorWindow > 0 {
			r.write(od.IndexFollowingErrorWindow, 0, od.UNSIGNED32, p.FollowingErrorWindow)
		}

	case CSVelocityModeParam:
		r.interpolation(p.InterpolationPeriod)
		if p.VelControlParam != (VelControlParam{}) {
			r.gains(p.VelControlParam)
		}

	case CSTorqueModeParam:
		r.interpolation(p.InterpolationPeriod)
	}
	return r.list
}

func quickStop(quickStop uint32, deceleration uint32) uint32 {
	if quickStop > 0 {
		return quickStop
	}
	return deceleration
}

// ScaleJoystick converts a joystick deflection in [-1, 1] to a velocity
// setpoint. Deflections within the deadzone give zero, the remaining range is
// mapped linearly to the maximum velocity.
func ScaleJoystick(value float64, deadzone float64, maxVelocity uint32) int32 {
	if math.IsNaN(value) {
		return 0
	}
	value = max(-1, min(1, value))
	deadzone = max(0, min(0.99, deadzone))
	magnitude := math.Abs(value)
	if magnitude <= deadzone {
		return 0
	}
	scaled := (magnitude - deadzone) / (1 - deadzone) * float64(maxVelocity)
	return int32(math.Copysign(math.Round(scaled), value))
}

// DriveMode is the mode of operation sent to the drive for a mode of the axis
func DriveMode(m cia402.Mode) cia402.Mode {
	return driveMode(m)
}
