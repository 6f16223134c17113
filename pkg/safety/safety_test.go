package safety

import (
	"testing"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/slave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newNode(cfg Config) *Node {
	cfg.Axes = append(cfg.Axes, AxisLimits{Slave: 0, MinPosition: -1000, MaxPosition: 1000, MaxVelocity: 500, MaxTorque: 100})
	return New(cfg, nil)
}

func inputs(cycle uint64) Inputs {
	return Inputs{
		Cycle: cycle,
		Time:  now.Add(time.Duration(cycle) * time.Millisecond),
		Received: []pdo.ReceivedData{
			{Slave: 0, Cycle: cycle, StatusWord: cia402.StatusWord(cia402.OperationEnabled), ModeDisplay: 8, ActualPosition: 42, ActualVelocity: 10},
			{Slave: 1, Cycle: cycle, DigitalInputs: 0x1},
		},
		Health: []slave.Health{{}, {}},
	}
}

func candidates(position int32) []Output {
	return []Output{
		{Slave: 0, Command: pdo.Command{ControlWord: cia402.ControlEnableOperation, ModeOfOperation: 8, TargetPosition: position}},
		{Slave: 1, Command: pdo.Command{DigitalOutputs: 0x3}},
	}
}

func TestFailSafe(t *testing.T) {
	cmd := FailSafe(pdo.ReceivedData{ModeDisplay: 9, ActualPosition: 1234, ActualVelocity: 500, ActualTorque: 20})
	assert.Equal(t, pdo.Command{ControlWord: cia402.ControlQuickStop, ModeOfOperation: 9, TargetPosition: 1234}, cmd)
	assert.Equal(t, cia402.QuickStopActive, cia402.Transition(cia402.OperationEnabled, cmd.ControlWord))
}

func TestOutOfLimitReplaced(t *testing.T) {
	n := newNode(Config{})
	raised := []*ecat.SafetyFault{}
	n.OnFault(func(f *ecat.SafetyFault) { raised = append(raised, f) })

	out, fault := n.Validate(candidates(500), inputs(1))
	assert.Nil(t, fault)
	assert.Equal(t, candidates(500), out)
	assert.True(t, n.Clean())

	in := inputs(2)
	out, fault = n.Validate(candidates(2000), in)
	require.NotNil(t, fault)
	assert.ErrorIs(t, fault, ecat.ErrLimitBreach)
	assert.Equal(t, 0, fault.Slave)
	require.Len(t, out, 2)
	assert.Equal(t, FailSafe(in.Received[0]), out[0].Command)
	assert.EqualValues(t, 42, out[0].Command.TargetPosition)
	assert.Equal(t, pdo.Command{ControlWord: cia402.ControlQuickStop}, out[1].Command)
	assert.Equal(t, []*ecat.SafetyFault{fault}, raised)

	// latched, valid outputs are still replaced and the fault is not raised again
	out, fault = n.Validate(candidates(0), inputs(3))
	assert.Nil(t, fault)
	assert.Equal(t, cia402.ControlQuickStop, out[0].Command.ControlWord)
	assert.Len(t, raised, 1)
	assert.ErrorIs(t, n.Active(), ecat.ErrLimitBreach)

	t.Run("other limits", func(t *testing.T) {
		velocity := []Output{{Slave: 0, Command: pdo.Command{ModeOfOperation: 9, TargetVelocity: -501}}}
		assert.NotNil(t, checkLimits(velocity[0], n.limits[0]))
		torque := []Output{{Slave: 0, Command: pdo.Command{ModeOfOperation: 10, TargetTorque: 101}}}
		assert.NotNil(t, checkLimits(torque[0], n.limits[0]))
		// position is not a setpoint in velocity mode
		assert.Nil(t, checkLimits(Output{Slave: 0, Command: pdo.Command{ModeOfOperation: 9, TargetPosition: 5000}}, n.limits[0]))
	})
}

func TestAcknowledge(t *testing.T) {
	n := newNode(Config{})
	assert.ErrorIs(t, n.Acknowledge(), ErrNoFault)
	_, fault := n.Validate(candidates(2000), inputs(1))
	require.NotNil(t, fault)

	t.Run("fault stays without acknowledgement", func(t *testing.T) {
		for i := uint64(2); i < 10; i++ {
			n.Validate(candidates(0), inputs(i))
		}
		assert.False(t, n.Clean())
	})

	t.Run("violation during verification", func(t *testing.T) {
		require.Nil(t, n.Acknowledge())
		_, fault := n.Validate(candidates(2000), inputs(10))
		assert.Nil(t, fault)
		assert.False(t, n.Clean())
	})

	t.Run("clean verification cycle", func(t *testing.T) {
		out, _ := n.Validate(candidates(0), inputs(11))
		// the verification cycle itself is still fail-safe
		assert.Equal(t, cia402.ControlQuickStop, out[0].Command.ControlWord)
		assert.True(t, n.Clean())
		out, _ = n.Validate(candidates(0), inputs(12))
		assert.Equal(t, candidates(0), out)
	})

	counters := n.Counters()
	assert.EqualValues(t, 1, counters.Faults)
	assert.EqualValues(t, 2, counters.Violations)
	assert.EqualValues(t, 1, counters.Acknowledged)
	assert.EqualValues(t, 1, counters.Cleared)
	assert.EqualValues(t, 2, counters.ByKind[ecat.SafetyLimitBreach])
	history := n.History()
	require.Len(t, history, 1)
	assert.EqualValues(t, 1, history[0].Cycle)
	assert.Equal(t, inputs(11).Time, history[0].Cleared)
}

func TestAcknowledgeExpires(t *testing.T) {
	n := newNode(Config{AckCycles: 2})
	n.Validate(candidates(2000), inputs(1))
	require.Nil(t, n.Acknowledge())
	n.Validate(candidates(2000), inputs(2))
	n.Validate(candidates(2000), inputs(3))
	n.Validate(candidates(0), inputs(4))
	assert.False(t, n.Clean())
	require.Nil(t, n.Acknowledge())
	n.Validate(candidates(0), inputs(5))
	assert.True(t, n.Clean())
}

func TestOverrunStreak(t *testing.T) {
	n := newNode(Config{})
	in := inputs(1)
	in.Streak = 4
	_, fault := n.Validate(candidates(0), in)
	assert.Nil(t, fault)
	in.Streak = 5
	out, fault := n.Validate(candidates(0), in)
	require.NotNil(t, fault)
	assert.ErrorIs(t, fault, ecat.ErrOverrunStreak)
	assert.Equal(t, ecat.NoSlave, fault.Slave)
	assert.Equal(t, cia402.ControlQuickStop, out[0].Command.ControlWord)
}

func TestWatchdog(t *testing.T) {
	n := newNode(Config{})
	in := inputs(1)
	in.Health[1] = slave.Health{Failures: 2}
	_, fault := n.Validate(candidates(0), in)
	assert.Nil(t, fault)
	in.Health[1] = slave.Health{Failures: 3, LastError: "malformed"}
	_, fault = n.Validate(candidates(0), in)
	require.NotNil(t, fault)
	assert.ErrorIs(t, fault, ecat.ErrWatchdog)
	assert.Equal(t, 1, fault.Slave)
}

func TestEmergency(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		n := newNode(Config{})
		n.EmergencyStop("operator button")
		_, fault := n.Validate(candidates(0), inputs(1))
		require.NotNil(t, fault)
		assert.ErrorIs(t, fault, ecat.ErrEmergencyStop)
		assert.Contains(t, fault.Error(), "operator button")
		// consumed once
		require.Nil(t, n.Acknowledge())
		n.Validate(candidates(0), inputs(2))
		assert.True(t, n.Clean())
		assert.EqualValues(t, 1, n.Counters().EmergencyStops)
	})

	t.Run("input", func(t *testing.T) {
		n := newNode(Config{Emergency: &EmergencyInput{Slave: 1, Bit: 0, ActiveLow: true}})
		_, fault := n.Validate(candidates(0), inputs(1))
		assert.Nil(t, fault)
		in := inputs(2)
		in.Received[1].DigitalInputs = 0
		_, fault = n.Validate(candidates(0), in)
		require.NotNil(t, fault)
		assert.ErrorIs(t, fault, ecat.ErrEmergencyStop)
		assert.Equal(t, 1, fault.Slave)
		// nothing received yet
		in.Received[1].Cycle = 0
		require.Nil(t, n.Acknowledge())
		n.Validate(candidates(0), in)
		assert.True(t, n.Clean())
	})

	t.Run("drive fault", func(t *testing.T) {
		n := newNode(Config{})
		in := inputs(1)
		in.Received[0].StatusWord = cia402.StatusWord(cia402.Fault)
		in.Received[0].ErrorCode = 0x2310
		_, fault := n.Validate(candidates(0), in)
		require.NotNil(t, fault)
		assert.ErrorIs(t, fault, ecat.ErrDriveFault)
		assert.Contains(t, fault.Error(), "2310")
	})
}
