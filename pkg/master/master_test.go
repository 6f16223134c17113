package master

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/cia402"
	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/sdo"
	"github.com/samsamfire/goecat/pkg/sim"
	"github.com/samsamfire/goecat/pkg/slave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameTimeout = 5 * time.Millisecond

func testConfigs() []slave.Config {
	return []slave.Config{
		{Name: "axis", Position: 0, Kind: slave.KindDrive, Mapping: pdo.DefaultDriveMapping()},
		{Name: "io", Position: 1, Kind: slave.KindIO, Mapping: pdo.DefaultIOMapping()},
	}
}

func createMaster(t *testing.T, configs []slave.Config) (*Master, *sim.Segment) {
	t.Helper()
	seg := sim.FromConfigs(sim.Config{}, configs)
	require.Nil(t, seg.Connect())
	m := New(seg, Config{FrameTimeout: frameTimeout}, nil)
	handle, err := m.Initialize(context.Background(), configs)
	require.Nil(t, err)
	require.Len(t, handle.Slaves, len(configs))
	return m, seg
}

func cycle(t *testing.T, m *Master, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.Nil(t, m.ExchangeCycle(context.Background()))
	}
}

// Step through states up to target, as the lifecycle does
func reach(t *testing.T, m *Master, target slave.ALState) {
	t.Helper()
	for _, state := range []slave.ALState{slave.ALPreOp, slave.ALSafeOp, slave.ALOp} {
		if state > target {
			return
		}
		m.RequestState(state)
		for i := 0; i < 20 && !m.Acknowledged(state); i++ {
			require.Nil(t, m.ExchangeCycle(context.Background()))
		}
		require.True(t, m.Acknowledged(state), "state %v not reached", state)
	}
}

// Run cycles until every handle is resolved
func resolve(t *testing.T, m *Master, handles ...*sdo.Handle) {
	t.Helper()
	for i := 0; i < 100; i++ {
		pending := false
		for _, h := range handles {
			if h.State() == sdo.StatePending {
				pending = true
			}
		}
		if !pending {
			return
		}
		require.Nil(t, m.ExchangeCycle(context.Background()))
	}
	t.Fatal("requests still pending")
}

func TestInitialize(t *testing.T) {
	configs := testConfigs()

	t.Run("layout", func(t *testing.T) {
		m, seg := createMaster(t, configs)
		slaves := m.Slaves()
		assert.Equal(t, 0, slaves[0].OutputOffset)
		assert.Equal(t, 17, slaves[0].InputOffset)
		assert.Equal(t, 36, slaves[1].OutputOffset)
		assert.Equal(t, 37, slaves[1].InputOffset)
		assert.Equal(t, slaves[1].Station, seg.Device(1).Station())
		assert.Equal(t, slave.ALInit, seg.Device(0).State())
	})

	t.Run("slave count mismatch", func(t *testing.T) {
		seg := sim.FromConfigs(sim.Config{}, configs[:1])
		require.Nil(t, seg.Connect())
		m := New(seg, Config{FrameTimeout: frameTimeout}, nil)
		_, err := m.Initialize(context.Background(), configs)
		assert.ErrorIs(t, err, ecat.ErrSlaveCount)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		seg := sim.FromConfigs(sim.Config{}, configs)
		require.Nil(t, seg.Connect())
		m := New(seg, Config{}, nil)
		_, err := m.Initialize(context.Background(), nil)
		assert.ErrorIs(t, err, ecat.ErrIllegalArgument)
		duplicated := testConfigs()
		duplicated[1].Position = 0
		_, err = m.Initialize(context.Background(), duplicated)
		assert.ErrorIs(t, err, ecat.ErrIllegalArgument)
		small := testConfigs()
		small[0].MailboxSize = 8
		_, err = m.Initialize(context.Background(), small)
		assert.ErrorIs(t, err, ecat.ErrIllegalArgument)
	})

	t.Run("not initialized", func(t *testing.T) {
		m := New(sim.New(sim.Config{}), Config{}, nil)
		assert.ErrorIs(t, m.ExchangeCycle(context.Background()), ecat.ErrInvalidState)
		h := m.SubmitSDO(sdo.NewRead(0, od.IndexStatusWord, 0, od.UNSIGNED16))
		assert.Equal(t, sdo.StateFailed, h.State())
		assert.ErrorIs(t, h.Err(), sdo.ErrUnknownSlave)
	})
}

func TestStateTransitions(t *testing.T) {
	m, seg := createMaster(t, testConfigs())
	reach(t, m, slave.ALOp)
	assert.Equal(t, slave.ALOp, seg.Device(0).State())
	assert.Equal(t, slave.ALOp, seg.Device(1).State())

	t.Run("refused transition is acknowledged", func(t *testing.T) {
		m.RequestState(slave.ALPreOp)
		cycle(t, m, 3)
		require.True(t, m.Acknowledged(slave.ALPreOp))
		seg.Device(1).Refuse(slave.ALSafeOp, 0x001D)
		m.RequestState(slave.ALSafeOp)
		cycle(t, m, 5)
		io, _ := m.Slave(1)
		assert.True(t, io.State().HasError())
		assert.EqualValues(t, 0x001D, io.StatusCode())
		assert.False(t, m.Acknowledged(slave.ALSafeOp))
		seg.Device(1).Accept(slave.ALSafeOp)
		cycle(t, m, 5)
		assert.True(t, m.Acknowledged(slave.ALSafeOp))
	})
}

func TestProcessData(t *testing.T) {
	m, seg := createMaster(t, testConfigs())

	t.Run("outputs length", func(t *testing.T) {
		assert.ErrorIs(t, m.SetOutputs(make([]pdo.Command, 1)), ecat.ErrIllegalArgument)
	})

	t.Run("inputs decoded from safe operational", func(t *testing.T) {
		reach(t, m, slave.ALPreOp)
		_, ok := m.Received(1)
		assert.False(t, ok)
		reach(t, m, slave.ALSafeOp)
		cycle(t, m, 2)
		rx, ok := m.Received(1)
		require.True(t, ok)
		assert.EqualValues(t, 0x01, rx.DigitalInputs)
		assert.Equal(t, 1, rx.Slave)
		rx, ok = m.Received(0)
		require.True(t, ok)
		assert.Equal(t, cia402.SwitchOnDisabled, cia402.Decode(rx.StatusWord))
		assert.EqualValues(t, 0, m.Stats().WorkingCounterErrors)
	})

	t.Run("outputs applied in operational", func(t *testing.T) {
		reach(t, m, slave.ALOp)
		outputs := []pdo.Command{
			{ModeOfOperation: int8(cia402.ModeCyclicSyncPosition)},
			{DigitalOutputs: 0x05},
		}
		for i := 0; i < 20; i++ {
			rx, _ := m.Received(0)
			state := cia402.Decode(rx.StatusWord)
			outputs[0].ControlWord = cia402.EnableSequence(state)
			if state == cia402.OperationEnabled {
				outputs[0].TargetPosition = 1000
			}
			require.Nil(t, m.SetOutputs(outputs))
			cycle(t, m, 1)
		}
		assert.EqualValues(t, 0x05, seg.Device(1).Command().DigitalOutputs)
		cycle(t, m, 2)
		rx, _ := m.Received(0)
		assert.EqualValues(t, 1000, rx.ActualPosition)
		assert.Equal(t, outputs, m.Outputs())
	})
}

func TestExchangeCycleFaults(t *testing.T) {
	t.Run("lost frame returns within timeout", func(t *testing.T) {
		m, seg := createMaster(t, testConfigs())
		seg.DropFrames(1)
		start := time.Now()
		err := m.ExchangeCycle(context.Background())
		assert.Less(t, time.Since(start), frameTimeout+20*time.Millisecond)
		assert.ErrorIs(t, err, ecat.ErrFrameTimeout)
		assert.EqualValues(t, 1, m.Stats().FrameTimeouts)
		cycle(t, m, 1)
		assert.Equal(t, 0, m.Health()[0].Failures)
	})

	t.Run("malformed responses make slaves unresponsive", func(t *testing.T) {
		m, seg := createMaster(t, testConfigs())
		reach(t, m, slave.ALSafeOp)
		seg.CorruptFrames(3)
		assert.ErrorIs(t, m.ExchangeCycle(context.Background()), ecat.ErrMalformed)
		assert.ErrorIs(t, m.ExchangeCycle(context.Background()), ecat.ErrMalformed)
		err := m.ExchangeCycle(context.Background())
		assert.ErrorIs(t, err, ecat.ErrSlaveUnresponsive)
		var commErr *ecat.CommError
		require.ErrorAs(t, err, &commErr)
		assert.Equal(t, 0, commErr.Slave)
		assert.EqualValues(t, 3, m.Stats().Malformed)
		assert.EqualValues(t, 3, m.Health()[1].TotalFailures)
		cycle(t, m, 1)
		assert.Equal(t, 0, m.Health()[1].Failures)
	})

	t.Run("silent slave", func(t *testing.T) {
		m, seg := createMaster(t, testConfigs())
		reach(t, m, slave.ALSafeOp)
		seg.Device(1).Silence(3)
		cycle(t, m, 2)
		assert.Equal(t, 2, m.Health()[1].Failures)
		assert.Equal(t, 0, m.Health()[0].Failures)
		err := m.ExchangeCycle(context.Background())
		var commErr *ecat.CommError
		require.ErrorAs(t, err, &commErr)
		assert.Equal(t, ecat.CommSlaveUnresponsive, commErr.Kind)
		assert.Equal(t, 1, commErr.Slave)
		// The drive keeps its process data
		assert.EqualValues(t, 0, m.Stats().WorkingCounterErrors)
		cycle(t, m, 1)
		assert.Equal(t, 0, m.Health()[1].Failures)
	})
}

func TestSDO(t *testing.T) {
	m, seg := createMaster(t, testConfigs())
	reach(t, m, slave.ALPreOp)

	t.Run("fifo per slave", func(t *testing.T) {
		w1, err := sdo.NewWrite(0, od.IndexProfileVelocity, 0, od.UNSIGNED32, uint32(1000))
		require.Nil(t, err)
		w2, err := sdo.NewWrite(0, od.IndexProfileVelocity, 0, od.UNSIGNED32, uint32(2000))
		require.Nil(t, err)
		wio, err := sdo.NewWrite(1, od.IndexIOOutputs, 1, od.UNSIGNED8, uint8(3))
		require.Nil(t, err)
		handles := []*sdo.Handle{
			m.SubmitSDO(w1),
			m.SubmitSDO(sdo.NewRead(0, od.IndexProfileVelocity, 0, od.UNSIGNED32)),
			m.SubmitSDO(wio),
			m.SubmitSDO(w2),
			m.SubmitSDO(sdo.NewRead(0, od.IndexProfileVelocity, 0, od.UNSIGNED32)),
		}
		resolve(t, m, handles...)
		for _, h := range handles {
			assert.Equal(t, sdo.StateComplete, h.State())
		}
		first, err := handles[1].Wait(context.Background())
		require.Nil(t, err)
		assert.EqualValues(t, 1000, binary.LittleEndian.Uint32(first.Value))
		second, err := handles[4].Wait(context.Background())
		require.Nil(t, err)
		assert.EqualValues(t, 2000, binary.LittleEndian.Uint32(second.Value))
		value, _ := seg.Device(1).Object(od.IndexIOOutputs, 1)
		assert.Equal(t, []byte{3}, value)
		s, _ := m.Slave(0)
		cached, ok := s.Register(od.IndexProfileVelocity, 0)
		assert.True(t, ok)
		assert.Equal(t, second.Value, cached.Value)
		assert.Equal(t, 0, m.Pending(0))
	})

	t.Run("abort", func(t *testing.T) {
		missing := m.SubmitSDO(sdo.NewRead(0, 0x2000, 0, od.UNSIGNED32))
		readOnly, _ := sdo.NewWrite(0, od.IndexStatusWord, 0, od.UNSIGNED16, uint16(1))
		ro := m.SubmitSDO(readOnly)
		resolve(t, m, missing, ro)
		assert.ErrorIs(t, missing.Err(), sdo.AbortNotExist)
		assert.ErrorIs(t, ro.Err(), sdo.AbortReadOnly)
	})

	t.Run("invalid requests fail immediately", func(t *testing.T) {
		h := m.SubmitSDO(sdo.NewRead(5, od.IndexStatusWord, 0, od.UNSIGNED16))
		assert.ErrorIs(t, h.Err(), sdo.ErrUnknownSlave)
		h = m.SubmitSDO(sdo.NewRead(0, od.IndexDeviceName, 0, od.UNSIGNED64))
		assert.ErrorIs(t, h.Err(), sdo.ErrNotExpedited)
	})

	t.Run("timeout then recovery", func(t *testing.T) {
		now := time.Now()
		m.now = func() time.Time { return now }
		defer func() { m.now = time.Now }()
		seg.Device(0).MuteMailbox(true)
		h := m.SubmitSDO(sdo.NewRead(0, od.IndexProfileVelocity, 0, od.UNSIGNED32))
		cycle(t, m, 5)
		assert.Equal(t, sdo.StatePending, h.State())
		now = now.Add(2 * DefaultMailboxTimeout)
		cycle(t, m, 1)
		assert.ErrorIs(t, h.Err(), sdo.AbortTimeout)
		assert.EqualValues(t, 1, m.Health()[0].MailboxTimeouts)

		seg.Device(0).MuteMailbox(false)
		h = m.SubmitSDO(sdo.NewRead(0, od.IndexProfileVelocity, 0, od.UNSIGNED32))
		resolve(t, m, h)
		assert.Nil(t, h.Err())
	})

	t.Run("delayed response", func(t *testing.T) {
		seg.Device(1).SetMailboxDelay(3)
		h := m.SubmitSDO(sdo.NewRead(1, od.IndexIOInputs, 1, od.UNSIGNED8))
		resolve(t, m, h)
		assert.Nil(t, h.Err())
	})

	t.Run("close cancels pending", func(t *testing.T) {
		h := m.SubmitSDO(sdo.NewRead(0, od.IndexProfileVelocity, 0, od.UNSIGNED32))
		m.Close()
		assert.ErrorIs(t, h.Err(), sdo.ErrCancelled)
	})
}

func TestStartupObjects(t *testing.T) {
	configs := testConfigs()
	configs[0].Startup = []sdo.Data{
		{Index: od.IndexProfileVelocity, DataType: od.UNSIGNED32, Value: []byte{0x10, 0x27, 0, 0}},
		{Index: od.IndexHomingMethod, DataType: od.INTEGER8, Value: []byte{19}},
	}
	m, seg := createMaster(t, configs)
	reach(t, m, slave.ALPreOp)
	s, _ := m.Slave(0)
	assert.False(t, s.StartupDone())

	// Safe operational is only requested once configured
	m.RequestState(slave.ALSafeOp)
	cycle(t, m, 1)
	assert.Equal(t, slave.ALPreOp, seg.Device(0).State())
	for i := 0; i < 20 && !m.Acknowledged(slave.ALSafeOp); i++ {
		cycle(t, m, 1)
	}
	require.True(t, m.Acknowledged(slave.ALSafeOp))
	assert.True(t, s.StartupDone())
	value, _ := seg.Device(0).Object(od.IndexProfileVelocity, 0)
	assert.EqualValues(t, 10000, binary.LittleEndian.Uint32(value))
	value, _ = seg.Device(0).Object(od.IndexHomingMethod, 0)
	assert.Equal(t, []byte{19}, value)

	t.Run("failed startup blocks safe operational", func(t *testing.T) {
		configs := testConfigs()
		configs[1].Startup = []sdo.Data{{Index: 0x2000, DataType: od.UNSIGNED8, Value: []byte{1}}}
		m, seg := createMaster(t, configs)
		reach(t, m, slave.ALPreOp)
		m.RequestState(slave.ALSafeOp)
		cycle(t, m, 10)
		assert.Equal(t, slave.ALPreOp, seg.Device(1).State())
		assert.False(t, m.Acknowledged(slave.ALSafeOp))
	})
}
