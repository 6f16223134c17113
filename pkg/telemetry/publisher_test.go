package telemetry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher(t *testing.T) {
	p := NewPublisher[Snapshot]()
	assert.Nil(t, p.Latest())

	sub := p.Subscribe(2)
	assert.Equal(t, 1, p.Subscribers())
	for i := uint64(1); i <= 4; i++ {
		p.Publish(&Snapshot{Cycle: i})
	}
	assert.EqualValues(t, 4, p.Latest().Cycle)
	// subscriber was not reading, two snapshots missed
	assert.EqualValues(t, 2, sub.Dropped())
	assert.EqualValues(t, 1, (<-sub.C).Cycle)
	assert.EqualValues(t, 2, (<-sub.C).Cycle)

	sub.Cancel()
	sub.Cancel()
	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, p.Subscribers())
	p.Publish(&Snapshot{Cycle: 5})
}

func TestConcurrentReaders(t *testing.T) {
	p := NewPublisher[Snapshot]()
	wg := sync.WaitGroup{}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := uint64(0)
			for i := 0; i < 1000; i++ {
				if s := p.Latest(); s != nil {
					// snapshots only move forward and are complete
					require.GreaterOrEqual(t, s.Cycle, last)
					require.Len(t, s.Slaves, int(s.Cycle%3))
					last = s.Cycle
				}
			}
		}()
	}
	for i := uint64(1); i <= 1000; i++ {
		p.Publish(&Snapshot{Cycle: i, Slaves: make([]SlaveStatus, i%3)})
	}
	wg.Wait()
}

func TestSnapshotSlave(t *testing.T) {
	var s *Snapshot
	_, ok := s.Slave(0)
	assert.False(t, ok)
	s = &Snapshot{Slaves: []SlaveStatus{{ID: 0, Name: "drive"}}}
	status, ok := s.Slave(0)
	assert.True(t, ok)
	assert.Equal(t, "drive", status.Name)
	_, ok = s.Slave(1)
	assert.False(t, ok)
}
