package controller

import (
	"testing"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimal drive answering to the axis outputs
type plant struct {
	state    cia402.State
	mode     cia402.Mode
	position float64
	velocity float64
	last     uint16
	homed    bool
	failHome bool
	cycle    uint64
}

func (p *plant) inputs() pdo.ReceivedData {
	status := cia402.StatusWord(p.state)
	if p.mode == cia402.ModeHoming && p.homed {
		status |= statusHomingAttained
	}
	if p.mode == cia402.ModeHoming && p.failHome && p.last&controlHomingStart != 0 {
		status |= statusHomingError
	}
	p.cycle++
	return pdo.ReceivedData{
		Cycle:          p.cycle,
		StatusWord:     status,
		ModeDisplay:    int8(p.mode),
		ActualPosition: int32(p.position),
		ActualVelocity: int32(p.velocity),
	}
}

func (p *plant) apply(cmd pdo.Command, dt float64) {
	p.state = cia402.Transition(p.state, cmd.ControlWord)
	p.mode = cia402.Mode(cmd.ModeOfOperation)
	if p.state == cia402.OperationEnabled {
		switch p.mode {
		case cia402.ModeCyclicSyncPosition:
			p.velocity = (float64(cmd.TargetPosition) - p.position) / dt
			p.position = float64(cmd.TargetPosition)
		case cia402.ModeCyclicSyncVelocity:
			p.velocity = float64(cmd.TargetVelocity)
			p.position += p.velocity * dt
		case cia402.ModeHoming:
			if cmd.ControlWord&controlHomingStart != 0 && p.last&controlHomingStart == 0 && !p.failHome {
				p.homed = true
				p.position = 0
			}
		}
	}
	p.last = cmd.ControlWord
}

func run(t *testing.T, a *Axis, p *plant, cycles int) []pdo.Command {
	t.Helper()
	commands := []pdo.Command{}
	for i := 0; i < cycles; i++ {
		cmd, _ := a.Step(p.inputs())
		p.apply(cmd, a.dt)
		commands = append(commands, cmd)
	}
	return commands
}

func newAxis() (*Axis, *plant) {
	a := NewAxis(AxisConfig{
		Name:  "x",
		Slave: 0,
		Limits: Limits{
			MinPosition:     -100_000,
			MaxPosition:     100_000,
			MaxVelocity:     50_000,
			MaxAcceleration: 1_000_000,
			MaxTorque:       500,
		},
	}, nil)
	return a, &plant{state: cia402.SwitchOnDisabled}
}

func TestStaticLimits(t *testing.T) {
	a, p := newAxis()
	require.Nil(t, a.SetMode(CSPositionModeParam{TargetPosition: 0}))
	run(t, a, p, 5)
	before := a.Status()

	t.Run("profile position beyond travel", func(t *testing.T) {
		err := a.SetMode(ProfilePosParam{TargetPosition: 200_000, ProfileVelocity: 1000, Acceleration: 1000, Deceleration: 1000})
		assert.ErrorIs(t, err, ecat.ErrLimitViolation)
		var ce *ecat.ControlError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "x", ce.Axis)
		assert.Equal(t, CSPositionModeParam{TargetPosition: 0}, a.Params())
		cmds := run(t, a, p, 1)
		assert.EqualValues(t, cia402.ModeCyclicSyncPosition, cmds[0].ModeOfOperation)
		assert.EqualValues(t, 0, cmds[0].TargetPosition)
		assert.Equal(t, before.Mode, a.Status().Mode)
	})

	t.Run("relative move beyond travel", func(t *testing.T) {
		require.Nil(t, a.Update(CSPositionModeParam{TargetPosition: 90_000}))
		run(t, a, p, 2000)
		require.EqualValues(t, 90_000, a.Status().Position)
		err := a.SetMode(ProfilePosParam{TargetPosition: 20_000, Relative: true, ProfileVelocity: 1000, Acceleration: 1000, Deceleration: 1000})
		assert.ErrorIs(t, err, ecat.ErrLimitViolation)
	})

	t.Run("other limits", func(t *testing.T) {
		assert.ErrorIs(t, a.Update(CSPositionModeParam{TargetPosition: -100_001}), ecat.ErrLimitViolation)
		assert.ErrorIs(t, a.SetMode(CSVelocityModeParam{TargetVelocity: -60_000}), ecat.ErrLimitViolation)
		assert.ErrorIs(t, a.SetMode(CSTorqueModeParam{TargetTorque: 501}), ecat.ErrLimitViolation)
		assert.ErrorIs(t, a.SetMode(ProfileVelocityParam{TargetVelocity: 100, Acceleration: 2_000_000, Deceleration: 1}), ecat.ErrLimitViolation)
		assert.ErrorIs(t, a.SetMode(ProfileVelocityParam{TargetVelocity: 100}), ecat.ErrInvalidParameter)
		assert.ErrorIs(t, a.SetMode(HomingParam{Method: 1}), ecat.ErrInvalidParameter)
		assert.ErrorIs(t, a.SetMode(nil), ecat.ErrInvalidParameter)
		assert.Equal(t, CSPositionModeParam{TargetPosition: 90_000}, a.Params())
	})
}

func TestEnable(t *testing.T) {
	a, p := newAxis()
	cmds := run(t, a, p, 2)
	// no mode, drive stays disabled
	assert.Equal(t, cia402.ControlDisableVoltage, cmds[1].ControlWord)
	assert.Equal(t, cia402.SwitchOnDisabled, p.state)

	require.Nil(t, a.SetMode(CSVelocityModeParam{TargetVelocity: 0}))
	cmds = run(t, a, p, 4)
	assert.Equal(t, cia402.ControlShutdown, cmds[0].ControlWord)
	assert.Equal(t, cia402.ControlSwitchOn, cmds[1].ControlWord)
	assert.Equal(t, cia402.ControlEnableOperation, cmds[2].ControlWord)
	assert.EqualValues(t, cia402.ModeCyclicSyncVelocity, cmds[2].ModeOfOperation)
	assert.True(t, a.Status().Enabled)

	t.Run("fault is reset on request only", func(t *testing.T) {
		p.state = cia402.Fault
		cmds := run(t, a, p, 3)
		assert.Equal(t, cia402.ControlDisableVoltage, cmds[2].ControlWord)
		assert.Equal(t, cia402.Fault, a.Status().DriveState)
		a.ResetFault()
		cmds = run(t, a, p, 5)
		assert.Equal(t, cia402.ControlFaultReset, cmds[0].ControlWord)
		assert.True(t, a.Status().Enabled)
	})
}

func TestProfilePosition(t *testing.T) {
	a, p := newAxis()
	param := ProfilePosParam{TargetPosition: 20_000, ProfileVelocity: 40_000, Acceleration: 400_000, Deceleration: 200_000}
	require.Nil(t, a.SetMode(param))
	cmds := run(t, a, p, 4)
	assert.False(t, a.Status().AtRest)

	previous := cmds[len(cmds)-1].TargetPosition
	maxStep := int32(0)
	for i := 0; i < 2000 && !a.Status().AtRest; i++ {
		cmd := run(t, a, p, 1)[0]
		assert.EqualValues(t, cia402.ModeCyclicSyncPosition, cmd.ModeOfOperation)
		maxStep = max(maxStep, cmd.TargetPosition-previous)
		assert.GreaterOrEqual(t, cmd.TargetPosition, previous)
		previous = cmd.TargetPosition
	}
	assert.True(t, a.Status().AtRest)
	assert.EqualValues(t, 20_000, previous)
	run(t, a, p, 1)
	assert.EqualValues(t, 20_000, a.Status().Position)
	// 40000 counts/s over 1ms
	assert.LessOrEqual(t, maxStep, int32(41))
	assert.GreaterOrEqual(t, maxStep, int32(39))

	t.Run("retarget while moving", func(t *testing.T) {
		require.Nil(t, a.Update(ProfilePosParam{TargetPosition: 0, ProfileVelocity: 40_000, Acceleration: 400_000, Deceleration: 200_000}))
		run(t, a, p, 100)
		require.Nil(t, a.Update(ProfilePosParam{TargetPosition: 10_000, ProfileVelocity: 40_000, Acceleration: 400_000, Deceleration: 200_000}))
		run(t, a, p, 2000)
		assert.EqualValues(t, 10_000, a.Status().Position)
		assert.True(t, a.Status().AtRest)
	})
}

func TestProfileVelocity(t *testing.T) {
	a, p := newAxis()
	require.Nil(t, a.SetMode(ProfileVelocityParam{TargetVelocity: 10_000, Acceleration: 100_000, Deceleration: 100_000}))
	// 3 cycles to enable, then 100 counts/s per cycle
	cmds := run(t, a, p, 5)
	assert.EqualValues(t, 100, cmds[3].TargetVelocity)
	assert.EqualValues(t, 200, cmds[4].TargetVelocity)
	assert.EqualValues(t, cia402.ModeCyclicSyncVelocity, cmds[4].ModeOfOperation)
	run(t, a, p, 200)
	assert.EqualValues(t, 10_000, a.Status().Command.TargetVelocity)

	t.Run("mode change requires rest", func(t *testing.T) {
		err := a.SetMode(CSPositionModeParam{TargetPosition: 0})
		assert.ErrorIs(t, err, ecat.ErrInvalidTransition)
		require.Nil(t, a.Update(ProfileVelocityParam{TargetVelocity: 0, Acceleration: 100_000, Deceleration: 100_000}))
		run(t, a, p, 200)
		assert.True(t, a.AtRest())
		require.Nil(t, a.SetMode(CSPositionModeParam{TargetPosition: 0}))
		assert.ErrorIs(t, a.Update(ProfileVelocityParam{TargetVelocity: 0, Acceleration: 1, Deceleration: 1}), ecat.ErrInvalidTransition)
	})
}

func TestCyclicLimiting(t *testing.T) {
	a, p := newAxis()
	require.Nil(t, a.SetMode(CSPositionModeParam{TargetPosition: 0}))
	run(t, a, p, 4)
	require.True(t, a.Status().Enabled)
	require.Nil(t, a.Update(CSPositionModeParam{TargetPosition: 1000}))

	// 50000 counts/s allows 50 counts per cycle
	cmd, err := a.Step(p.inputs())
	assert.ErrorIs(t, err, ecat.ErrLimitViolation)
	assert.EqualValues(t, 50, cmd.TargetPosition)
	p.apply(cmd, a.dt)
	// signaled once per episode, counted every cycle
	cmd, err = a.Step(p.inputs())
	assert.Nil(t, err)
	assert.EqualValues(t, 100, cmd.TargetPosition)
	assert.EqualValues(t, 2, a.Status().Clamps)
	assert.False(t, a.AtRest())
	p.apply(cmd, a.dt)
	run(t, a, p, 30)
	assert.EqualValues(t, 1000, a.Status().Position)
	assert.True(t, a.AtRest())

	t.Run("velocity", func(t *testing.T) {
		require.Nil(t, a.SetMode(CSVelocityModeParam{TargetVelocity: 5000}))
		// 1000000 counts/s² allows 1000 counts/s per cycle
		cmd, err := a.Step(p.inputs())
		assert.ErrorIs(t, err, ecat.ErrLimitViolation)
		assert.EqualValues(t, 1000, cmd.TargetVelocity)
		p.apply(cmd, a.dt)
		cmds := run(t, a, p, 5)
		assert.EqualValues(t, 5000, cmds[4].TargetVelocity)
	})

	t.Run("torque passthrough", func(t *testing.T) {
		a, p := newAxis()
		require.Nil(t, a.SetMode(CSTorqueModeParam{TargetTorque: 300}))
		cmds := run(t, a, p, 4)
		assert.EqualValues(t, 300, cmds[3].TargetTorque)
		assert.EqualValues(t, cia402.ModeCyclicSyncTorque, cmds[3].ModeOfOperation)
		assert.False(t, a.AtRest())
		// homing may start from any mode
		assert.Nil(t, a.SetMode(HomingParam{Method: HomingCurrentPos}))
	})
}

func TestHoming(t *testing.T) {
	a, p := newAxis()
	p.position = 1234
	require.Nil(t, a.SetMode(HomingParam{Method: HomingCurrentPos, Offset: 0}))
	cmds := run(t, a, p, 3)
	assert.EqualValues(t, cia402.ModeHoming, cmds[2].ModeOfOperation)
	// rising edge of bit 4 once enabled
	cmds = run(t, a, p, 1)
	assert.Equal(t, cia402.ControlEnableOperation|controlHomingStart, cmds[0].ControlWord)
	assert.True(t, a.Status().Homing)
	run(t, a, p, 3)
	status := a.Status()
	assert.True(t, status.Homed)
	assert.False(t, status.Homing)
	assert.True(t, status.AtRest)
	assert.Equal(t, cia402.ControlEnableOperation, status.Command.ControlWord)
	assert.EqualValues(t, 0, status.Position)

	t.Run("stale attained bit is ignored", func(t *testing.T) {
		p.homed = true
		p.failHome = true
		require.Nil(t, a.SetMode(HomingParam{Method: HomingCurrentPos}))
		var err error
		for i := 0; i < 10 && err == nil; i++ {
			_, err = a.Step(p.inputs())
			p.last = a.Status().Command.ControlWord
			assert.False(t, a.Status().Homed)
		}
		assert.ErrorIs(t, err, ErrHomingFailed)
		assert.True(t, a.Status().HomingError)
		assert.ErrorIs(t, a.Update(HomingParam{Method: HomingCurrentPos}), ecat.ErrInvalidTransition)
	})
}

func TestStartupRequests(t *testing.T) {
	a, _ := newAxis()
	assert.Nil(t, a.StartupRequests(3))
	require.Nil(t, a.SetMode(HomingParam{Method: HomingSwitchPositive, SwitchSpeed: 20_000, ZeroSpeed: 1000, Offset: 50}))
	reqs := a.StartupRequests(3)
	require.Len(t, reqs, 6)
	for _, req := range reqs {
		assert.Equal(t, 3, req.Slave)
	}
	assert.Equal(t, od.IndexModeOfOperation, reqs[0].Data.Index)
	assert.Equal(t, []byte{6}, reqs[0].Data.Value)
	assert.Equal(t, od.IndexHomingMethod, reqs[1].Data.Index)
	assert.Equal(t, []byte{19}, reqs[1].Data.Value)
	assert.Equal(t, od.IndexHomeOffset, reqs[5].Data.Index)

	run(t, a, &plant{}, 1)
	require.Nil(t, a.SetMode(ProfilePosParam{TargetPosition: 10, ProfileVelocity: 10, Acceleration: 10, Deceleration: 10}))
	reqs = a.StartupRequests(0)
	// profile position is streamed in cyclic synchronous position
	assert.Equal(t, []byte{8}, reqs[0].Data.Value)
	for _, req := range reqs {
		assert.Nil(t, req.Validate())
	}
}

func TestScaleJoystick(t *testing.T) {
	assert.EqualValues(t, 0, ScaleJoystick(0.05, 0.1, 1000))
	assert.EqualValues(t, 0, ScaleJoystick(-0.1, 0.1, 1000))
	assert.EqualValues(t, 1000, ScaleJoystick(1, 0.1, 1000))
	assert.EqualValues(t, -1000, ScaleJoystick(-3, 0.1, 1000))
	assert.EqualValues(t, 500, ScaleJoystick(0.55, 0.1, 1000))
	assert.EqualValues(t, 0, ScaleJoystick(0, 0, 1000))
}

func TestTrapezoid(t *testing.T) {
	tr := newTrapezoid(0, 0)
	tr.retarget(-1000, 10_000, 100_000, 100_000)
	dt := time.Millisecond.Seconds()
	steps := 0
	for ; steps < 10_000 && !tr.done; steps++ {
		tr.step(dt)
		assert.GreaterOrEqual(t, tr.position, -1000.0)
	}
	assert.True(t, tr.done)
	assert.Equal(t, -1000.0, tr.position)
	// no cruise, 0.1s accelerating and 0.1s braking
	assert.InDelta(t, 200, steps, 10)

	// moving away from the new target brakes first
	tr.retarget(0, 10_000, 100_000, 100_000)
	for i := 0; i < 50; i++ {
		tr.step(dt)
	}
	tr.retarget(-1000, 10_000, 100_000, 100_000)
	tr.step(dt)
	assert.Greater(t, tr.velocity, 0.0)
	for steps = 0; steps < 10_000 && !tr.done; steps++ {
		tr.step(dt)
	}
	assert.Equal(t, -1000.0, tr.position)
}
