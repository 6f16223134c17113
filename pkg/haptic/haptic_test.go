package haptic

import (
	"testing"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/operator"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newNode(t *testing.T) (*Node, *operator.Stream) {
	stream := operator.NewStream(1)
	n, err := New(Config{
		Slave:          2,
		Stiffness:      1000,
		Damping:        10,
		MaxForce:       20 * physic.Newton,
		CountsPerMetre: 1e6,
		ForcePerTorque: 100 * physic.MilliNewton,
	}, stream, nil)
	require.Nil(t, err)
	return n, stream
}

// drive already enabled
func enabled(position, velocity int32) pdo.ReceivedData {
	return pdo.ReceivedData{
		Slave:          2,
		StatusWord:     cia402.StatusWord(cia402.OperationEnabled),
		ActualPosition: position,
		ActualVelocity: velocity,
		ActualTorque:   50,
	}
}

func TestForceLaw(t *testing.T) {
	n, stream := newNode(t)
	stream.Push(operator.Command{Time: start, Position: 5 * physic.MilliMetre, Force: physic.Newton})

	// 1000 N/m * 5mm + 1N - 10 N.s/m * 0.1 m/s = 5N
	cmd, err := n.Step(start, enabled(0, 100_000))
	require.Nil(t, err)
	assert.EqualValues(t, cia402.ModeCyclicSyncTorque, cmd.ModeOfOperation)
	assert.Equal(t, cia402.ControlEnableOperation, cmd.ControlWord)
	assert.EqualValues(t, 50, cmd.TargetTorque)

	fb := n.Feedback()
	assert.Equal(t, 5*physic.Newton, fb.Force)
	assert.Equal(t, physic.Distance(0), fb.Position)

	t.Run("force is limited", func(t *testing.T) {
		stream.Push(operator.Command{Time: start, Position: physic.Metre})
		cmd, err := n.Step(start, enabled(0, 0))
		assert.ErrorIs(t, err, ecat.ErrLimitViolation)
		// 20N at 0.1N per unit
		assert.EqualValues(t, 200, cmd.TargetTorque)
		// reported once while it stays limited
		stream.Push(operator.Command{Time: start, Position: -physic.Metre})
		cmd, err = n.Step(start, enabled(0, 0))
		assert.Nil(t, err)
		assert.EqualValues(t, -200, cmd.TargetTorque)
		assert.EqualValues(t, 2, n.Counters().Saturated)

		stream.Push(operator.Command{Time: start})
		_, err = n.Step(start, enabled(0, 0))
		assert.Nil(t, err)
		stream.Push(operator.Command{Time: start, Position: physic.Metre})
		_, err = n.Step(start, enabled(0, 0))
		assert.ErrorIs(t, err, ecat.ErrLimitViolation)
		assert.EqualValues(t, 3, n.Counters().Saturated)
	})
}

func TestStaleInput(t *testing.T) {
	n, stream := newNode(t)

	t.Run("nothing received", func(t *testing.T) {
		cmd, err := n.Step(start, enabled(0, 0))
		assert.ErrorIs(t, err, ecat.ErrInputStale)
		assert.EqualValues(t, 0, cmd.TargetTorque)
	})

	stream.Push(operator.Command{Time: start, Position: 2 * physic.MilliMetre})
	cmd, err := n.Step(start.Add(10*time.Millisecond), enabled(0, 0))
	require.Nil(t, err)
	assert.EqualValues(t, 20, cmd.TargetTorque)

	t.Run("last safe command is held", func(t *testing.T) {
		cmd, err := n.Step(start.Add(DefaultStaleTimeout+time.Millisecond), enabled(1000, 0))
		assert.ErrorIs(t, err, ecat.ErrInputStale)
		var ce *ecat.ControlError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "haptic", ce.Axis)
		assert.EqualValues(t, 20, cmd.TargetTorque)
		assert.EqualValues(t, 2, n.Counters().Stale)
	})

	t.Run("fresh input resumes", func(t *testing.T) {
		now := start.Add(time.Second)
		stream.Push(operator.Command{Time: now, Position: 2 * physic.MilliMetre})
		cmd, err := n.Step(now, enabled(1000, 0))
		require.Nil(t, err)
		// 1000 N/m * 1mm
		assert.EqualValues(t, 10, cmd.TargetTorque)
	})
}

func TestEnabling(t *testing.T) {
	n, stream := newNode(t)
	stream.Push(operator.Command{Time: start})
	rx := enabled(0, 0)
	rx.StatusWord = cia402.StatusWord(cia402.SwitchOnDisabled)
	cmd, err := n.Step(start, rx)
	require.Nil(t, err)
	assert.Equal(t, cia402.ControlShutdown, cmd.ControlWord)
	assert.EqualValues(t, 0, cmd.TargetTorque)
	assert.Equal(t, 2, n.Slave())
	assert.Equal(t, 2, n.Axis().Slave())
}
