package report

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ecat "github.com/samsamfire/goecat"
	"github.com/samsamfire/goecat/pkg/config"
	"github.com/samsamfire/goecat/pkg/lifecycle"
	"github.com/samsamfire/goecat/pkg/network"
	"github.com/samsamfire/goecat/pkg/safety"
	"github.com/samsamfire/goecat/pkg/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePDF(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rep := Report{
		Generated: now,
		Config:    config.Default(),
		State:     lifecycle.SafeOperational.String(),
		Period:    time.Millisecond,
		LastFault: &lifecycle.Fault{
			From:   lifecycle.Operational,
			To:     lifecycle.SafeOperational,
			Reason: "safety fault",
			Err:    ecat.NewSafetyFault(ecat.SafetyEmergencyStop, ecat.NoSlave, "operator request"),
			Time:   now,
		},
		Faults: []safety.Event{
			{Fault: ecat.NewSafetyFault(ecat.SafetyEmergencyStop, ecat.NoSlave, "operator request"), Cycle: 12, Time: now},
			{Fault: ecat.NewSafetyFault(ecat.SafetyLimitBreach, 0, "position 600000 outside [-500000, 500000]"), Cycle: 40, Time: now, Cleared: now.Add(time.Second)},
		},
	}
	assert.False(t, rep.Pass())
	var buf bytes.Buffer
	require.Nil(t, WritePDF(rep, &buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.Nil(t, WritePDF(Report{}, &buf))
		assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
		assert.True(t, Report{}.Pass())
	})
}

// stepClock only moves when sleeping, cycles never overrun
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return ctx.Err()
}

func TestFromNetwork(t *testing.T) {
	cfg := config.Default()
	clock := &stepClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	n, err := network.New(sim.FromConfigs(sim.Config{}, cfg.Slaves), cfg, network.WithClock(clock))
	require.Nil(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Nil(t, n.Connect(ctx))
	defer n.Disconnect()

	for i := 0; i < 10; i++ {
		require.Nil(t, n.RunOnce(ctx))
	}
	n.EmergencyStop("end of test")
	for i := 0; i < 3; i++ {
		require.Nil(t, n.RunOnce(ctx))
	}

	rep := FromNetwork(n, clock.Now())
	assert.Equal(t, "Commissioning Report", rep.Title)
	assert.EqualValues(t, 13, rep.Timing.Cycles)
	require.Len(t, rep.Faults, 1)
	assert.ErrorIs(t, rep.Faults[0].Fault, ecat.ErrEmergencyStop)
	require.NotNil(t, rep.Snapshot)
	assert.Len(t, rep.Snapshot.Slaves, 3)

	out := filepath.Join(t.TempDir(), "report.pdf")
	require.Nil(t, SavePDF(rep, out))
	info, err := os.Stat(out)
	require.Nil(t, err)
	assert.NotZero(t, info.Size())
}
