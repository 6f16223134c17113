package sim

import (
	"math"
	"time"

	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/slave"
)

// Home switch is reported on this digital input
const HomeSwitchInput uint32 = 1 << 2

const (
	homingStart  uint16 = 0x0010
	newSetpoint  uint16 = 0x0010
	relativeMove uint16 = 0x0040
	// Status bits with a mode specific meaning
	statusHomingAttained uint16 = 1 << 12
	statusHomingError    uint16 = 1 << 13
	statusSetpointAck    uint16 = 1 << 12
)

type DriveConfig struct {
	Name            string
	Mapping         *pdo.Mapping
	VendorId        uint32
	ProductCode     uint32
	InitialPosition int32
	// Physical position where the home switch becomes active (positions above it)
	HomeSwitch int32
	// Travel allowed while searching for the home switch before failing
	HomingRange int32
	// Acceleration in counts/s² per unit of torque, and viscous damping in 1/s
	TorqueGain float64
	Damping    float64
}

type drive struct {
	cfg      DriveConfig
	device   *Device
	state    cia402.State
	mode     cia402.Mode
	position float64
	velocity float64
	torque   int16
	// reported position = physical position + shift, changed by homing
	shift       float64
	lastControl uint16
	errorCode   uint16
	// profile position
	ppTarget  float64
	ppActive  bool
	reached   bool
	ackActive bool
	// homing
	homingActive bool
	homingStart  float64
	homingSwitch bool
	homed        bool
	homingError  bool
}

func newDrive(position uint16, cfg DriveConfig) *Device {
	if cfg.Mapping == nil {
		cfg.Mapping = pdo.DefaultDriveMapping()
	}
	if cfg.HomingRange == 0 {
		cfg.HomingRange = 1_000_000
	}
	if cfg.TorqueGain == 0 {
		cfg.TorqueGain = 100
	}
	if cfg.Damping == 0 {
		cfg.Damping = 5
	}
	dr := &drive{cfg: cfg, state: cia402.SwitchOnDisabled, position: float64(cfg.InitialPosition)}
	d := newDevice(position, cfg.Name, slave.KindDrive, cfg.Mapping, dr)
	dr.device = d
	d.addObject(od.IndexDeviceType, 0, od.UNSIGNED32, uint32(0x00020192), true)
	d.addObject(od.IndexIdentity, od.SubIndexVendorId, od.UNSIGNED32, cfg.VendorId, true)
	d.addObject(od.IndexIdentity, od.SubIndexProductCode, od.UNSIGNED32, cfg.ProductCode, true)
	d.addObject(od.IndexIdentity, od.SubIndexRevision, od.UNSIGNED32, uint32(1), true)
	d.addObject(od.IndexIdentity, od.SubIndexSerial, od.UNSIGNED32, uint32(position), true)
	d.addObject(od.IndexErrorCode, 0, od.UNSIGNED16, uint16(0), true)
	d.addObject(od.IndexControlWord, 0, od.UNSIGNED16, uint16(0), false)
	d.addObject(od.IndexStatusWord, 0, od.UNSIGNED16, uint16(0), true)
	d.addObject(od.IndexQuickStopOption, 0, od.INTEGER16, int16(2), false)
	d.addObject(od.IndexModeOfOperation, 0, od.INTEGER8, int8(0), false)
	d.addObject(od.IndexModeDisplay, 0, od.INTEGER8, int8(0), true)
	d.addObject(od.IndexPositionActual, 0, od.INTEGER32, int32(0), true)
	d.addObject(od.IndexFollowingErrorWindow, 0, od.UNSIGNED32, uint32(10_000), false)
	d.addObject(od.IndexVelocityActual, 0, od.INTEGER32, int32(0), true)
	d.addObject(od.IndexTorqueActual, 0, od.INTEGER16, int16(0), true)
	d.addObject(od.IndexHomeOffset, 0, od.INTEGER32, int32(0), false)
	d.addObject(od.IndexMaxProfileVelocity, 0, od.UNSIGNED32, uint32(200_000), false)
	d.addObject(od.IndexProfileVelocity, 0, od.UNSIGNED32, uint32(20_000), false)
	d.addObject(od.IndexProfileAcceleration, 0, od.UNSIGNED32, uint32(0), false)
	d.addObject(od.IndexProfileDeceleration, 0, od.UNSIGNED32, uint32(0), false)
	d.addObject(od.IndexQuickStopDeceleration, 0, od.UNSIGNED32, uint32(0), false)
	d.addObject(od.IndexMotionProfileType, 0, od.INTEGER16, int16(0), false)
	d.addObject(od.IndexHomingMethod, 0, od.INTEGER8, int8(37), false)
	d.addObject(od.IndexHomingSpeeds, od.SubIndexHomingSpeedSwitch, od.UNSIGNED32, uint32(20_000), false)
	d.addObject(od.IndexHomingSpeeds, od.SubIndexHomingSpeedZero, od.UNSIGNED32, uint32(2_000), false)
	d.addObject(od.IndexHomingAcceleration, 0, od.UNSIGNED32, uint32(0), false)
	d.addObject(od.IndexInterpolationTime, od.SubIndexInterpolationPeriod, od.UNSIGNED8, uint8(1), false)
	d.addObject(od.IndexInterpolationTime, od.SubIndexInterpolationIndex, od.INTEGER8, int8(-3), false)
	d.addObject(od.IndexVelocityControlGains, od.SubIndexVelocityGainP, od.UNSIGNED16, uint16(0), false)
	d.addObject(od.IndexVelocityControlGains, od.SubIndexVelocityGainI, od.UNSIGNED16, uint16(0), false)
	d.addObject(od.IndexDigitalInputs, 0, od.UNSIGNED32, uint32(0), true)
	d.addObject(od.IndexDigitalOutputs, 1, od.UNSIGNED32, uint32(0), false)
	d.addObject(od.IndexTargetPosition, 0, od.INTEGER32, int32(0), false)
	d.addObject(od.IndexTargetVelocity, 0, od.INTEGER32, int32(0), false)
	d.addObject(od.IndexTargetTorque, 0, od.INTEGER16, int16(0), false)
	// PP, PV, PT, HM, CSP, CSV, CST
	d.addObject(od.IndexSupportedDriveModes, 0, od.UNSIGNED32, uint32(0x03AD), true)
	return d
}

func (dr *drive) switchActive() bool {
	return dr.position >= float64(dr.cfg.HomeSwitch)
}

func (dr *drive) reportedPosition() int32 {
	return saturate32(math.Round(dr.position + dr.shift))
}

func saturate32(v float64) int32 {
	return int32(max(math.MinInt32, min(math.MaxInt32, v)))
}

func (dr *drive) statusWord() uint16 {
	status := cia402.StatusWord(dr.state)
	switch dr.state {
	case cia402.ReadyToSwitchOn, cia402.SwitchedOn, cia402.OperationEnabled, cia402.QuickStopActive:
		status |= cia402.StatusVoltageEnabled
	}
	status |= cia402.StatusRemote
	if dr.reached {
		status |= cia402.StatusTargetReached
	}
	switch dr.mode {
	case cia402.ModeHoming:
		if dr.homed && !dr.homingActive {
			status |= statusHomingAttained
		}
		if dr.homingError {
			status |= statusHomingError
		}
	case cia402.ModeProfilePosition:
		if dr.ackActive {
			status |= statusSetpointAck
		}
	}
	return status
}

func (dr *drive) digitalInputs() uint32 {
	if dr.switchActive() {
		return HomeSwitchInput
	}
	return 0
}

func (dr *drive) live(index uint16, subindex uint8) (uint64, bool) {
	switch index {
	case od.IndexStatusWord:
		return uint64(dr.statusWord()), true
	case od.IndexModeDisplay:
		return uint64(uint8(dr.mode)), true
	case od.IndexPositionActual:
		return uint64(uint32(dr.reportedPosition())), true
	case od.IndexVelocityActual:
		return uint64(uint32(saturate32(dr.velocity))), true
	case od.IndexTorqueActual:
		return uint64(uint16(dr.torque)), true
	case od.IndexErrorCode:
		return uint64(dr.errorCode), true
	case od.IndexDigitalInputs:
		return uint64(dr.digitalInputs()), true
	}
	return 0, false
}

func (dr *drive) stateChanged(prev, next slave.ALState) {
	// Outputs are lost when leaving operational, the power stage is disabled
	if prev == slave.ALOp && next < slave.ALOp {
		switch dr.state {
		case cia402.ReadyToSwitchOn, cia402.SwitchedOn, cia402.OperationEnabled, cia402.QuickStopActive:
			dr.state = cia402.SwitchOnDisabled
		}
		dr.velocity = 0
		dr.torque = 0
		dr.ppActive = false
		dr.homingActive = false
	}
}

// Fault puts the drive in fault state with an error code, cleared by a fault reset
func (dr *drive) fault(code uint16) {
	dr.state = cia402.Fault
	dr.errorCode = code
	dr.velocity = 0
	dr.torque = 0
}

func (dr *drive) step(cmd pdo.Command, operational bool, dt time.Duration) pdo.ReceivedData {
	seconds := dt.Seconds()
	if operational {
		dr.mode = cia402.Mode(cmd.ModeOfOperation)
		if _, mapped := dr.cfg.Mapping.Find(pdo.Output, od.IndexModeOfOperation, 0); !mapped {
			dr.mode = cia402.Mode(int8(dr.device.objectInt(od.IndexModeOfOperation, 0)))
		}
		prev := dr.state
		dr.state = cia402.Transition(dr.state, cmd.ControlWord)
		if prev == cia402.Fault && dr.state != cia402.Fault {
			dr.errorCode = 0
		}
		if dr.state == cia402.OperationEnabled {
			dr.run(cmd, seconds)
		} else {
			dr.velocity = 0
			dr.torque = 0
		}
		dr.lastControl = cmd.ControlWord
	}
	return pdo.ReceivedData{
		StatusWord:     dr.statusWord(),
		ModeDisplay:    int8(dr.mode),
		ActualPosition: dr.reportedPosition(),
		ActualVelocity: saturate32(dr.velocity),
		ActualTorque:   dr.torque,
		DigitalInputs:  dr.digitalInputs(),
		ErrorCode:      dr.errorCode,
	}
}

func (dr *drive) rising(cmd pdo.Command, bit uint16) bool {
	return cmd.ControlWord&bit != 0 && dr.lastControl&bit == 0
}

// move toward a physical target at a given speed, returns true when reached
func (dr *drive) moveTo(target float64, speed float64, seconds float64) bool {
	delta := target - dr.position
	stepSize := speed * seconds
	if math.Abs(delta) <= stepSize || speed <= 0 {
		if speed > 0 {
			dr.velocity = delta / seconds
		}
		dr.position = target
		return true
	}
	direction := math.Copysign(1, delta)
	dr.velocity = direction * speed
	dr.position += direction * stepSize
	return false
}

// approach a velocity with a bounded acceleration, 0 meaning immediate
func (dr *drive) rampTo(target float64, acceleration float64, seconds float64) {
	if acceleration <= 0 {
		dr.velocity = target
		return
	}
	delta := target - dr.velocity
	maxDelta := acceleration * seconds
	if math.Abs(delta) <= maxDelta {
		dr.velocity = target
	} else {
		dr.velocity += math.Copysign(maxDelta, delta)
	}
}

func (dr *drive) run(cmd pdo.Command, seconds float64) {
	d := dr.device
	dr.torque = 0
	switch dr.mode {
	case cia402.ModeCyclicSyncPosition:
		target := float64(cmd.TargetPosition) - dr.shift
		dr.velocity = (target - dr.position) / seconds
		dr.position = target
		dr.reached = true

	case cia402.ModeCyclicSyncVelocity:
		dr.velocity = float64(cmd.TargetVelocity)
		dr.position += dr.velocity * seconds

	case cia402.ModeCyclicSyncTorque, cia402.ModeProfileTorque:
		dr.torque = cmd.TargetTorque
		acceleration := float64(cmd.TargetTorque)*dr.cfg.TorqueGain - dr.cfg.Damping*dr.velocity
		dr.velocity += acceleration * seconds
		dr.position += dr.velocity * seconds

	case cia402.ModeProfileVelocity:
		dr.rampTo(float64(cmd.TargetVelocity), float64(d.objectInt(od.IndexProfileAcceleration, 0)), seconds)
		dr.position += dr.velocity * seconds
		dr.reached = dr.velocity == float64(cmd.TargetVelocity)

	case cia402.ModeProfilePosition:
		if dr.rising(cmd, newSetpoint) {
			dr.ppTarget = float64(cmd.TargetPosition) - dr.shift
			if cmd.ControlWord&relativeMove != 0 {
				dr.ppTarget = dr.position + float64(cmd.TargetPosition)
			}
			dr.ppActive = true
			dr.reached = false
		}
		dr.ackActive = cmd.ControlWord&newSetpoint != 0
		if !dr.ppActive {
			dr.velocity = 0
			return
		}
		speed := float64(min(d.objectInt(od.IndexProfileVelocity, 0), d.objectInt(od.IndexMaxProfileVelocity, 0)))
		if dr.moveTo(dr.ppTarget, speed, seconds) {
			dr.ppActive = false
			dr.reached = true
			dr.velocity = 0
		}

	case cia402.ModeHoming:
		dr.home(cmd, seconds)

	default:
		dr.velocity = 0
	}
}

func (dr *drive) home(cmd pdo.Command, seconds float64) {
	d := dr.device
	if dr.rising(cmd, homingStart) {
		dr.homingActive = true
		dr.homingError = false
		dr.homed = false
		dr.reached = false
		dr.homingStart = dr.position
		dr.homingSwitch = dr.switchActive()
	}
	if !dr.homingActive {
		dr.velocity = 0
		return
	}
	offset := float64(d.objectInt(od.IndexHomeOffset, 0))
	speed := float64(d.objectInt(od.IndexHomingSpeeds, od.SubIndexHomingSpeedSwitch))
	direction := 0.0
	switch d.objectInt(od.IndexHomingMethod, 0) {
	case 35, 37:
		dr.finishHoming(offset)
		return
	case 19:
		direction = 1
	case 21:
		direction = -1
	default:
		dr.homingActive = false
		dr.homingError = true
		return
	}
	dr.velocity = direction * speed
	dr.position += dr.velocity * seconds
	if dr.switchActive() != dr.homingSwitch {
		// edge found, snap on the switch position
		dr.position = float64(dr.cfg.HomeSwitch)
		dr.finishHoming(offset)
		return
	}
	if math.Abs(dr.position-dr.homingStart) > float64(dr.cfg.HomingRange) {
		dr.homingActive = false
		dr.homingError = true
		dr.velocity = 0
	}
}

func (dr *drive) finishHoming(offset float64) {
	dr.shift = offset - dr.position
	dr.homingActive = false
	dr.homed = true
	dr.reached = true
	dr.velocity = 0
}
