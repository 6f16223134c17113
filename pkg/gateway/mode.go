package gateway

import (
	"fmt"
	"strings"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/controller"
)

// ModeRequest is the front-end representation of the mode parameters.
// Target is a position, a velocity or a torque depending on the mode.
type ModeRequest struct {
	Mode         string `json:"mode"`
	Target       int64  `json:"target"`
	Relative     bool   `json:"relative,omitempty"`
	Velocity     uint32 `json:"velocity,omitempty"`
	Acceleration uint32 `json:"acceleration,omitempty"`
	Deceleration uint32 `json:"deceleration,omitempty"`
	// Homing only
	Method    int8   `json:"method,omitempty"`
	ZeroSpeed uint32 `json:"zero_speed,omitempty"`
	Offset    int32  `json:"offset,omitempty"`
	// Velocity loop gains, csv and pv
	Kp uint16 `json:"kp,omitempty"`
	Ki uint16 `json:"ki,omitempty"`
}

// Params converts the request to the parameters of the drive mode
func (r ModeRequest) Params() (controller.Params, error) {
	switch strings.ToLower(r.Mode) {
	case "homing":
		return controller.HomingParam{
			Method:       r.Method,
			SwitchSpeed:  r.Velocity,
			ZeroSpeed:    r.ZeroSpeed,
			Acceleration: r.Acceleration,
			Offset:       r.Offset,
		}, nil
	case "pp":
		target, err := int32Of(r.Target)
		if err != nil {
			return nil, err
		}
		return controller.ProfilePosParam{
			TargetPosition:  target,
			Relative:        r.Relative,
			ProfileVelocity: r.Velocity,
			Acceleration:    r.Acceleration,
			Deceleration:    r.Deceleration,
		}, nil
	case "pv":
		target, err := int32Of(r.Target)
		if err != nil {
			return nil, err
		}
		p := controller.ProfileVelocityParam{
			TargetVelocity: target,
			Acceleration:   r.Acceleration,
			Deceleration:   r.Deceleration,
		}
		if r.Kp != 0 || r.Ki != 0 {
			p.Gains = &controller.VelControlParam{Kp: r.Kp, Ki: r.Ki}
		}
		return p, nil
	case "csp":
		target, err := int32Of(r.Target)
		if err != nil {
			return nil, err
		}
		return controller.CSPositionModeParam{TargetPosition: target}, nil
	case "csv":
		target, err := int32Of(r.Target)
		if err != nil {
			return nil, err
		}
		return controller.CSVelocityModeParam{
			TargetVelocity:  target,
			VelControlParam: controller.VelControlParam{Kp: r.Kp, Ki: r.Ki},
		}, nil
	case "cst":
		if r.Target < -0x8000 || r.Target > 0x7FFF {
			return nil, fmt.Errorf("%w : torque %d out of range", ecat.ErrIllegalArgument, r.Target)
		}
		return controller.CSTorqueModeParam{TargetTorque: int16(r.Target)}, nil
	default:
		return nil, fmt.Errorf("%w : unknown mode %q", ecat.ErrIllegalArgument, r.Mode)
	}
}

func int32Of(v int64) (int32, error) {
	if v < -0x80000000 || v > 0x7FFFFFFF {
		return 0, fmt.Errorf("%w : %d out of range", ecat.ErrIllegalArgument, v)
	}
	return int32(v), nil
}
